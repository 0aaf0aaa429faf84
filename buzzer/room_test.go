package buzzer

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The tests below drive the room's loop body (handleAttach, apply, tick)
// synchronously against a fake clock; the loop itself adds no logic
// beyond select dispatch.

func testBoard() Board {
	return Board{{
		Title: "Test Category",
		Questions: []Question{
			{Question: "What is 2+2?", Answer: "4", Value: 200},
			{Question: "What is 6 * 2?", Answer: "12", Value: 400},
		},
	}}
}

func newTestRoom(clock clockwork.Clock) *Room {
	return newRoom("TESTRM", "host-token", testBoard(), Options{
		Clock:             clock,
		BuzzWindow:        3 * time.Second,
		HeartbeatInterval: time.Minute,
	})
}

func addHost(r *Room) *conn {
	c := &conn{send: make(chan Event, 64), room: r, isHost: true}
	r.host = c
	r.conns[c] = struct{}{}
	return c
}

func addTestPlayer(r *Room, pid PlayerID, name string) *playerEntry {
	c := &conn{send: make(chan Event, 64), room: r, pid: pid}
	e := newPlayerEntry(pid, name, "token-"+name)
	e.conn = c
	r.players = append(r.players, e)
	r.conns[c] = struct{}{}
	if pid > r.nextPID {
		r.nextPID = pid
	}
	return e
}

// drainEvents empties a connection's outbound queue.
func drainEvents(c *conn) []Event {
	var out []Event
	for {
		select {
		case ev := <-c.send:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOf[T Event](c *conn) []T {
	var out []T
	for _, ev := range drainEvents(c) {
		if typed, ok := ev.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name      string
		initial   Phase
		setup     func(*Room)
		cmd       Command
		fromHost  bool
		buzzer    PlayerID // when fromHost is false, which player sends
		wantPhase Phase
		check     func(*testing.T, *Room)
	}{
		{
			name:      "StartGame transitions to selection",
			initial:   PhaseStart,
			cmd:       StartGame{},
			fromHost:  true,
			wantPhase: PhaseSelection,
		},
		{
			name:      "StartGame ignored once underway",
			initial:   PhaseSelection,
			cmd:       StartGame{},
			fromHost:  true,
			wantPhase: PhaseSelection,
		},
		{
			name:      "HostChoice transitions to questionReading",
			initial:   PhaseSelection,
			cmd:       HostChoice{CategoryIndex: 0, QuestionIndex: 0},
			fromHost:  true,
			wantPhase: PhaseQuestionReading,
			check: func(t *testing.T, r *Room) {
				require.NotNil(t, r.current)
				assert.Equal(t, QuestionRef{Category: 0, Question: 0}, *r.current)
				assert.Nil(t, r.currentBuzzer)
			},
		},
		{
			name:    "HostChoice resets player buzz flags",
			initial: PhaseSelection,
			setup: func(r *Room) {
				addTestPlayer(r, 1, "AJ").Buzzed = true
				addTestPlayer(r, 2, "Sam").Buzzed = true
			},
			cmd:       HostChoice{CategoryIndex: 0, QuestionIndex: 0},
			fromHost:  true,
			wantPhase: PhaseQuestionReading,
			check: func(t *testing.T, r *Room) {
				assert.False(t, r.players[0].Buzzed)
				assert.False(t, r.players[1].Buzzed)
			},
		},
		{
			name:    "HostChoice of answered question is ignored",
			initial: PhaseSelection,
			setup: func(r *Room) {
				r.board[0].Questions[0].Answered = true
			},
			cmd:       HostChoice{CategoryIndex: 0, QuestionIndex: 0},
			fromHost:  true,
			wantPhase: PhaseSelection,
			check: func(t *testing.T, r *Room) {
				assert.Nil(t, r.current)
			},
		},
		{
			name:      "HostChoice out of range is ignored",
			initial:   PhaseSelection,
			cmd:       HostChoice{CategoryIndex: 4, QuestionIndex: 9},
			fromHost:  true,
			wantPhase: PhaseSelection,
		},
		{
			name:    "HostReady opens the buzz window",
			initial: PhaseQuestionReading,
			setup: func(r *Room) {
				r.current = &QuestionRef{}
			},
			cmd:       HostReady{},
			fromHost:  true,
			wantPhase: PhaseWaitingForBuzz,
			check: func(t *testing.T, r *Room) {
				assert.True(t, r.arb.open)
			},
		},
		{
			name:    "Buzz stays in waitingForBuzz until the window closes",
			initial: PhaseWaitingForBuzz,
			setup: func(r *Room) {
				addTestPlayer(r, 1, "AJ")
				r.current = &QuestionRef{}
				r.arb.openWindow(r.clock.Now(), 3*time.Second)
			},
			cmd:       Buzz{},
			buzzer:    1,
			wantPhase: PhaseWaitingForBuzz,
			check: func(t *testing.T, r *Room) {
				assert.True(t, r.players[0].Buzzed)
				assert.Len(t, r.arb.candidates, 1)
				assert.Nil(t, r.currentBuzzer, "no eager winner declaration")
			},
		},
		{
			name:    "Buzz outside the window phase is ignored",
			initial: PhaseSelection,
			setup: func(r *Room) {
				addTestPlayer(r, 1, "AJ")
			},
			cmd:       Buzz{},
			buzzer:    1,
			wantPhase: PhaseSelection,
			check: func(t *testing.T, r *Room) {
				assert.False(t, r.players[0].Buzzed)
				assert.Empty(t, r.arb.candidates)
			},
		},
		{
			name:    "HostSkip from questionReading",
			initial: PhaseQuestionReading,
			setup: func(r *Room) {
				r.current = &QuestionRef{}
			},
			cmd:       HostSkip{},
			fromHost:  true,
			wantPhase: PhaseAnswerReveal,
			check: func(t *testing.T, r *Room) {
				assert.True(t, r.board[0].Questions[0].Answered)
			},
		},
		{
			name:    "HostChecked moves to answerReveal",
			initial: PhaseAnswer,
			setup: func(r *Room) {
				r.current = &QuestionRef{}
			},
			cmd:       HostChecked{Correct: true},
			fromHost:  true,
			wantPhase: PhaseAnswerReveal,
		},
		{
			name:    "HostContinue returns to selection while questions remain",
			initial: PhaseAnswerReveal,
			setup: func(r *Room) {
				r.board[0].Questions[0].Answered = true
				r.current = &QuestionRef{}
			},
			cmd:       HostContinue{},
			fromHost:  true,
			wantPhase: PhaseSelection,
			check: func(t *testing.T, r *Room) {
				assert.Nil(t, r.current)
				assert.Nil(t, r.currentBuzzer)
			},
		},
		{
			name:      "player cannot issue host commands",
			initial:   PhaseStart,
			setup:     func(r *Room) { addTestPlayer(r, 1, "AJ") },
			cmd:       StartGame{},
			buzzer:    1,
			wantPhase: PhaseStart,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRoom(clockwork.NewFakeClock())
			host := addHost(r)
			r.phase = tc.initial
			if tc.setup != nil {
				tc.setup(r)
			}

			from := host
			if !tc.fromHost {
				from = r.entryByPID(tc.buzzer).conn
			}
			r.apply(from, tc.cmd)

			assert.Equal(t, tc.wantPhase, r.phase)
			if tc.check != nil {
				tc.check(t, r)
			}
		})
	}
}

func TestBuzzWindowResolution(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRoom(clock)
	host := addHost(r)
	fast := addTestPlayer(r, 1, "Fast")
	slow := addTestPlayer(r, 2, "Slow")
	fast.samples = []time.Duration{10 * time.Millisecond}
	slow.samples = []time.Duration{40 * time.Millisecond}

	r.phase = PhaseSelection
	r.apply(host, HostChoice{CategoryIndex: 0, QuestionIndex: 0})
	r.apply(host, HostReady{})
	require.Equal(t, PhaseWaitingForBuzz, r.phase)

	// Fast's buzz reaches the server first, but Slow pressed earlier
	// once latency is backed out: 100-40=60 beats 90-10=80.
	clock.Advance(90 * time.Millisecond)
	r.apply(fast.conn, Buzz{})
	clock.Advance(10 * time.Millisecond)
	r.apply(slow.conn, Buzz{})

	// Window still open: the tick must not resolve early.
	r.tick()
	assert.Equal(t, PhaseWaitingForBuzz, r.phase)

	clock.Advance(3 * time.Second)
	r.tick()

	require.Equal(t, PhaseAnswer, r.phase)
	require.NotNil(t, r.currentBuzzer)
	assert.Equal(t, PlayerID(2), *r.currentBuzzer)

	buzzed := eventsOf[PlayerBuzzed](host)
	require.Len(t, buzzed, 1)
	assert.Equal(t, "Slow", buzzed[0].Name)

	closed := eventsOf[BuzzWindowClosed](slow.conn)
	require.Len(t, closed, 1)
	require.NotNil(t, closed[0].Winner)
	assert.Equal(t, PlayerID(2), *closed[0].Winner)
}

func TestBuzzIsIdempotentPerWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRoom(clock)
	addHost(r)
	e := addTestPlayer(r, 1, "AJ")

	r.phase = PhaseWaitingForBuzz
	r.current = &QuestionRef{}
	r.arb.openWindow(clock.Now(), 3*time.Second)

	clock.Advance(10 * time.Millisecond)
	r.apply(e.conn, Buzz{})
	clock.Advance(10 * time.Millisecond)
	r.apply(e.conn, Buzz{})

	assert.Len(t, r.arb.candidates, 1, "repeat buzzes must not duplicate the candidate")
}

func TestBuzzAfterWindowElapsedIsRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRoom(clock)
	addHost(r)
	e := addTestPlayer(r, 1, "AJ")

	r.phase = PhaseWaitingForBuzz
	r.current = &QuestionRef{}
	r.arb.openWindow(clock.Now(), 3*time.Second)

	// Elapsed but not yet ticked: the room is still nominally in
	// waitingForBuzz, but the candidate must not be admitted.
	clock.Advance(4 * time.Second)
	r.apply(e.conn, Buzz{})
	assert.Empty(t, r.arb.candidates)
	assert.False(t, e.Buzzed)

	r.tick()
	assert.Equal(t, PhaseAnswer, r.phase)
	assert.Nil(t, r.currentBuzzer, "window with no candidates resolves to no winner")
}

func TestNoWinnerBroadcast(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRoom(clock)
	host := addHost(r)
	e := addTestPlayer(r, 1, "AJ")

	r.phase = PhaseWaitingForBuzz
	r.current = &QuestionRef{}
	r.arb.openWindow(clock.Now(), 3*time.Second)

	clock.Advance(3 * time.Second)
	r.tick()

	require.Equal(t, PhaseAnswer, r.phase)
	for _, c := range []*conn{host, e.conn} {
		closed := eventsOf[BuzzWindowClosed](c)
		require.Len(t, closed, 1)
		assert.Nil(t, closed[0].Winner)
	}
}

func TestScoring(t *testing.T) {
	tests := []struct {
		name      string
		correct   bool
		wantScore int
	}{
		{name: "correct answer awards the question value", correct: true, wantScore: 200},
		{name: "incorrect answer deducts the question value", correct: false, wantScore: -200},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			r := newTestRoom(clock)
			host := addHost(r)
			e := addTestPlayer(r, 1, "AJ")
			e.Buzzed = true

			r.phase = PhaseAnswer
			r.current = &QuestionRef{Category: 0, Question: 0}
			pid := e.PID
			r.currentBuzzer = &pid

			r.apply(host, HostChecked{Correct: tc.correct})

			assert.Equal(t, tc.wantScore, e.Score)
			assert.Equal(t, PhaseAnswerReveal, r.phase)
			assert.True(t, r.board[0].Questions[0].Answered)

			results := eventsOf[AnswerResult](e.conn)
			require.Len(t, results, 1)
			assert.Equal(t, tc.correct, results[0].Correct)
			assert.Equal(t, tc.wantScore, results[0].Delta)
		})
	}
}

func TestHostCheckedWithNoWinner(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRoom(clock)
	host := addHost(r)
	e := addTestPlayer(r, 1, "AJ")

	r.phase = PhaseAnswer
	r.current = &QuestionRef{Category: 0, Question: 0}

	r.apply(host, HostChecked{Correct: true})

	assert.Equal(t, PhaseAnswerReveal, r.phase)
	assert.Zero(t, e.Score)
	assert.True(t, r.board[0].Questions[0].Answered)
}

func TestHostSkipDuringOpenWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRoom(clock)
	host := addHost(r)
	e := addTestPlayer(r, 1, "AJ")

	r.phase = PhaseSelection
	r.apply(host, HostChoice{CategoryIndex: 0, QuestionIndex: 0})
	r.apply(host, HostReady{})
	clock.Advance(50 * time.Millisecond)
	r.apply(e.conn, Buzz{})
	require.Len(t, r.arb.candidates, 1)

	r.apply(host, HostSkip{})

	assert.Equal(t, PhaseAnswerReveal, r.phase)
	assert.Zero(t, e.Score, "skip never changes scores")
	assert.Nil(t, r.currentBuzzer, "skip performs no arbitration")
	assert.Empty(t, r.arb.candidates)
	assert.True(t, r.board[0].Questions[0].Answered)

	// Even a late tick must not resurrect the discarded window.
	clock.Advance(5 * time.Second)
	r.tick()
	assert.Equal(t, PhaseAnswerReveal, r.phase)
}

func TestEndGameFromAnyState(t *testing.T) {
	phases := []Phase{
		PhaseStart, PhaseSelection, PhaseQuestionReading,
		PhaseWaitingForBuzz, PhaseAnswer, PhaseAnswerReveal,
	}

	for _, phase := range phases {
		t.Run(string(phase), func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			r := newTestRoom(clock)
			host := addHost(r)
			addTestPlayer(r, 1, "AJ")
			r.phase = phase

			r.apply(host, EndGame{})
			require.Equal(t, PhaseGameEnd, r.phase)

			// Terminal: nothing below moves the machine.
			r.apply(host, StartGame{})
			r.apply(host, HostChoice{CategoryIndex: 0, QuestionIndex: 0})
			r.apply(r.players[0].conn, Buzz{})
			assert.Equal(t, PhaseGameEnd, r.phase)
			assert.Nil(t, r.current)
		})
	}
}

func TestWinnerDetermination(t *testing.T) {
	tests := []struct {
		name   string
		scores map[PlayerID]int
		want   *PlayerID
	}{
		{name: "highest score wins", scores: map[PlayerID]int{1: 1000, 2: 500}, want: pidPtr(1)},
		{name: "tie yields no winner", scores: map[PlayerID]int{1: 1000, 2: 1000}, want: nil},
		{name: "least negative score wins", scores: map[PlayerID]int{1: -200, 2: -1000}, want: pidPtr(1)},
		{name: "no players no winner", scores: nil, want: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			r := newTestRoom(clock)
			host := addHost(r)
			for pid, score := range tc.scores {
				addTestPlayer(r, pid, "P").Score = score
			}
			r.phase = PhaseSelection

			r.apply(host, EndGame{})

			require.Equal(t, PhaseGameEnd, r.phase)
			if tc.want == nil {
				assert.Nil(t, r.winner)
			} else {
				require.NotNil(t, r.winner)
				assert.Equal(t, *tc.want, *r.winner)
			}
		})
	}
}

func pidPtr(p PlayerID) *PlayerID { return &p }

func TestGameEndsWhenBoardExhausted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRoom(clock)
	host := addHost(r)
	e := addTestPlayer(r, 1, "AJ")
	e.Score = 600

	r.board[0].Questions[0].Answered = true
	r.board[0].Questions[1].Answered = true
	r.phase = PhaseAnswerReveal
	r.current = &QuestionRef{Category: 0, Question: 1}

	r.apply(host, HostContinue{})

	require.Equal(t, PhaseGameEnd, r.phase)
	require.NotNil(t, r.winner)
	assert.Equal(t, PlayerID(1), *r.winner)
}

func TestAttachNewPlayer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRoom(clock)
	addHost(r)

	c := &conn{send: make(chan Event, 64), room: r}
	err := r.handleAttach(attachRequest{c: c, name: "AJ"})
	require.NoError(t, err)

	require.Len(t, r.players, 1)
	assert.Equal(t, PlayerID(1), r.players[0].PID)
	assert.Equal(t, "AJ", r.players[0].Name)
	assert.NotEmpty(t, r.players[0].token)

	assigned := eventsOf[NewPlayer](c)
	require.Len(t, assigned, 1)
	assert.Equal(t, r.players[0].token, assigned[0].Token)
}

func TestAttachHandshakeFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Room)
		req   attachRequest
		want  error
	}{
		{
			name: "reconnect with wrong token",
			setup: func(r *Room) {
				addTestPlayer(r, 1, "AJ")
			},
			req:  attachRequest{pid: pidPtr(1), token: "nonsense"},
			want: ErrInvalidToken,
		},
		{
			name: "reconnect for unknown pid",
			req:  attachRequest{pid: pidPtr(9), token: "token-AJ"},
			want: ErrInvalidToken,
		},
		{
			name: "token only with no matching player",
			req:  attachRequest{token: "nonsense"},
			want: ErrInvalidToken,
		},
		{
			name: "no credentials at all",
			req:  attachRequest{},
			want: ErrInvalidToken,
		},
		{
			name: "room at player cap",
			setup: func(r *Room) {
				r.opts.MaxPlayers = 1
				addTestPlayer(r, 1, "AJ")
			},
			req:  attachRequest{name: "Sam"},
			want: ErrRoomFull,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			r := newTestRoom(clock)
			if tc.setup != nil {
				tc.setup(r)
			}

			tc.req.c = &conn{send: make(chan Event, 64), room: r}
			err := r.handleAttach(tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestReconnectReclaimsIdentity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRoom(clock)
	addHost(r)
	e := addTestPlayer(r, 1, "AJ")
	e.Score = 800
	e.Buzzed = true
	old := e.conn

	pid := e.PID
	next := &conn{send: make(chan Event, 64), room: r}
	err := r.handleAttach(attachRequest{c: next, pid: &pid, token: e.token})
	require.NoError(t, err)

	assert.Same(t, e, r.entryByPID(1), "reconnect must reuse the entry, not create a player")
	assert.Len(t, r.players, 1)
	assert.Same(t, next, e.conn)
	assert.Equal(t, 800, e.Score)
	assert.True(t, e.Buzzed)

	// The superseded connection was dropped.
	_, stillAttached := r.conns[old]
	assert.False(t, stillAttached)

	states := eventsOf[PlayerState](next)
	require.NotEmpty(t, states)
	assert.Equal(t, 800, states[0].Score)
	assert.True(t, states[0].Buzzed)
}

func TestDisconnectRetainsPlayerEntry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRoom(clock)
	addHost(r)
	e := addTestPlayer(r, 1, "AJ")
	e.Score = 300

	done := r.handleDetach(e.conn)
	assert.False(t, done)
	assert.Nil(t, e.conn)
	require.Len(t, r.players, 1, "disconnect never removes the roster entry")
	assert.Equal(t, 300, r.players[0].Score)
}

func TestLoopExitsWhenGameOverAndEmpty(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRoom(clock)
	host := addHost(r)
	e := addTestPlayer(r, 1, "AJ")
	r.phase = PhaseGameEnd

	assert.False(t, r.handleDetach(e.conn), "host still listening")
	assert.True(t, r.handleDetach(host), "last connection gone, room should wind down")
}

func TestHeartbeatRoundTrip(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRoom(clock)
	addHost(r)
	e := addTestPlayer(r, 1, "AJ")

	// First tick past the interval issues a probe.
	clock.Advance(r.opts.HeartbeatInterval)
	r.tick()
	probes := eventsOf[DoHeartbeat](e.conn)
	require.Len(t, probes, 1)

	// The ack arrives 80ms later: one-way estimate is half the round trip.
	clock.Advance(80 * time.Millisecond)
	r.apply(e.conn, Heartbeat{ID: probes[0].ID, ReceivedAt: probes[0].SentAt + 40})

	assert.Equal(t, 40*time.Millisecond, e.latency())

	acks := eventsOf[GotHeartbeat](e.conn)
	require.Len(t, acks, 1)
	assert.Equal(t, probes[0].ID, acks[0].ID)
}

func TestUnackedProbeIsSuperseded(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRoom(clock)
	addHost(r)
	e := addTestPlayer(r, 1, "AJ")

	clock.Advance(r.opts.HeartbeatInterval)
	r.tick()
	clock.Advance(r.opts.HeartbeatInterval)
	r.tick()

	probes := eventsOf[DoHeartbeat](e.conn)
	require.Len(t, probes, 2)
	assert.Greater(t, probes[1].ID, probes[0].ID, "probe ids increase monotonically")

	// Acking the newer probe clears the older one too.
	clock.Advance(20 * time.Millisecond)
	r.apply(e.conn, Heartbeat{ID: probes[1].ID})
	assert.Empty(t, e.probes)

	// The stale ack no longer matches anything and contributes nothing.
	before := e.latency()
	r.apply(e.conn, Heartbeat{ID: probes[0].ID})
	assert.Equal(t, before, e.latency())
}

func TestSlowClientIsDroppedWithoutBlocking(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRoom(clock)
	host := addHost(r)

	slow := &conn{send: make(chan Event, 1), room: r, pid: 1}
	e := newPlayerEntry(1, "Slow", "token-Slow")
	e.conn = slow
	r.players = append(r.players, e)
	r.conns[slow] = struct{}{}

	// Fill the queue, then force another send.
	r.sendTo(slow, GotHeartbeat{ID: 1})
	r.sendTo(slow, GotHeartbeat{ID: 2})

	_, attached := r.conns[slow]
	assert.False(t, attached, "unresponsive client should be dropped")
	assert.Nil(t, e.conn)
	require.Len(t, r.players, 1, "entry survives for reconnect")

	// The host is unaffected.
	_, attached = r.conns[host]
	assert.True(t, attached)
}
