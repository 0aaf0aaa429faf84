package buzzer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Handshake failures. They terminate only the offending connection
// attempt and never affect the room.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrRoomFull     = errors.New("room is full")
)

// Phase is the room's position in the game state machine.
type Phase string

const (
	PhaseStart           Phase = "start"
	PhaseSelection       Phase = "selection"
	PhaseQuestionReading Phase = "questionReading"
	PhaseWaitingForBuzz  Phase = "waitingForBuzz"
	PhaseAnswer          Phase = "answer"
	PhaseAnswerReveal    Phase = "answerReveal"
	PhaseGameEnd         Phase = "gameEnd"
)

// Options configures room behavior. The zero value gets sensible
// defaults; the buzz window, heartbeat cadence, and player cap are
// deployment decisions, not constants.
type Options struct {
	BuzzWindow        time.Duration
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	MaxPlayers        int // 0 = uncapped
	Clock             clockwork.Clock
}

func (o Options) withDefaults() Options {
	if o.BuzzWindow <= 0 {
		o.BuzzWindow = 3 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// How often the room loop wakes to check buzz-window expiry and schedule
// heartbeats.
const tickInterval = 50 * time.Millisecond

type envelope struct {
	from *conn
	cmd  Command
}

type attachRequest struct {
	c     *conn
	name  string
	pid   *PlayerID
	token string
	reply chan error
}

// Room is one independent game session. All game state below the channel
// block is owned by the run loop and reached only through the inbox;
// there is no lock because there is no sharing.
type Room struct {
	code      string
	hostToken string
	opts      Options
	clock     clockwork.Clock

	inbox   chan envelope
	attachc chan attachRequest
	detachc chan *conn
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	lastActive atomic.Int64 // unix ms, readable by the reaper
	onClose    func(code string)

	// Owned by the run loop.
	phase         Phase
	board         Board
	players       []*playerEntry
	host          *conn
	conns         map[*conn]struct{}
	current       *QuestionRef
	currentBuzzer *PlayerID
	winner        *PlayerID
	arb           arbiter
	nextPID       PlayerID
	lastProbe     time.Time
}

func newRoom(code, hostToken string, board Board, opts Options) *Room {
	opts = opts.withDefaults()
	r := &Room{
		code:      code,
		hostToken: hostToken,
		opts:      opts,
		clock:     opts.Clock,
		inbox:     make(chan envelope, 64),
		attachc:   make(chan attachRequest),
		detachc:   make(chan *conn),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		phase:     PhaseStart,
		board:     board,
		conns:     make(map[*conn]struct{}),
	}
	r.touch()
	return r
}

// Code returns the room's join code.
func (r *Room) Code() string { return r.code }

// LastActive reports when the room last saw any traffic.
func (r *Room) LastActive() time.Time {
	return time.UnixMilli(r.lastActive.Load())
}

// Close asks the room loop to terminate. In-flight commands are dropped,
// which is fine: the room is ending.
func (r *Room) Close() {
	r.once.Do(func() { close(r.stop) })
}

func (r *Room) touch() {
	r.lastActive.Store(r.clock.Now().UnixMilli())
}

// run is the room's single serialized control loop. Everything that
// mutates game state happens here.
func (r *Room) run() {
	ticker := r.clock.NewTicker(tickInterval)
	defer ticker.Stop()
	defer r.finish()

	for {
		select {
		case req := <-r.attachc:
			req.reply <- r.handleAttach(req)
		case c := <-r.detachc:
			if r.handleDetach(c) {
				return
			}
		case env := <-r.inbox:
			r.apply(env.from, env.cmd)
		case <-ticker.Chan():
			r.tick()
		case <-r.stop:
			return
		}
	}
}

func (r *Room) finish() {
	for c := range r.conns {
		close(c.send)
	}
	r.conns = make(map[*conn]struct{})
	close(r.done)
	if r.onClose != nil {
		r.onClose(r.code)
	}
	log.Info().Str("room", r.code).Msg("room closed")
}

// attach runs the join/reconnect handshake through the room loop. Returns
// ErrRoomNotFound if the room has already been torn down.
func (r *Room) attach(c *conn, name string, pid *PlayerID, token string) error {
	req := attachRequest{c: c, name: name, pid: pid, token: token, reply: make(chan error, 1)}
	select {
	case r.attachc <- req:
	case <-r.done:
		return ErrRoomNotFound
	}
	select {
	case err := <-req.reply:
		return err
	case <-r.done:
		return ErrRoomNotFound
	}
}

func (r *Room) deliver(c *conn, cmd Command) {
	select {
	case r.inbox <- envelope{from: c, cmd: cmd}:
	case <-r.done:
	}
}

func (r *Room) detach(c *conn) {
	select {
	case r.detachc <- c:
	case <-r.done:
	}
}

func (r *Room) handleAttach(req attachRequest) error {
	r.touch()

	switch {
	case req.token != "" && req.token == r.hostToken:
		if r.host != nil {
			r.dropConn(r.host)
		}
		req.c.isHost = true
		r.host = req.c
		r.conns[req.c] = struct{}{}
		r.sendTo(req.c, r.playerList())
		if r.phase != PhaseStart {
			r.sendTo(req.c, r.gameState())
		}
		log.Info().Str("room", r.code).Msg("host connected")
		return nil

	case req.pid != nil:
		e := r.entryByPID(*req.pid)
		if e == nil || req.token == "" || e.token != req.token {
			return fmt.Errorf("%w: reclaim rejected for pid %d", ErrInvalidToken, derefPID(req.pid))
		}
		r.rebind(e, req.c)
		return nil

	case req.token != "":
		e := r.entryByToken(req.token)
		if e == nil {
			return fmt.Errorf("%w: no player for token", ErrInvalidToken)
		}
		r.rebind(e, req.c)
		return nil

	case req.name != "":
		if r.opts.MaxPlayers > 0 && len(r.players) >= r.opts.MaxPlayers {
			return fmt.Errorf("%w: cap is %d players", ErrRoomFull, r.opts.MaxPlayers)
		}
		r.nextPID++
		e := newPlayerEntry(r.nextPID, req.name, uuid.NewString())
		e.conn = req.c
		req.c.pid = e.PID
		r.players = append(r.players, e)
		r.conns[req.c] = struct{}{}

		r.sendTo(req.c, NewPlayer{PID: e.PID, Token: e.token})
		r.sendTo(req.c, r.playerState(e))
		if r.phase != PhaseStart {
			r.sendTo(req.c, r.gameState())
		}
		r.notifyRoster()
		log.Info().Str("room", r.code).Uint32("pid", uint32(e.PID)).Str("name", e.Name).Msg("player joined")
		return nil

	default:
		return fmt.Errorf("%w: must provide playerName (new player) or token (reconnect)", ErrInvalidToken)
	}
}

func derefPID(p *PlayerID) PlayerID {
	if p == nil {
		return 0
	}
	return *p
}

// rebind hands the player's identity to a new connection, revoking any
// previous one.
func (r *Room) rebind(e *playerEntry, c *conn) {
	if e.conn != nil {
		r.dropConn(e.conn)
	}
	e.conn = c
	c.pid = e.PID
	r.conns[c] = struct{}{}

	r.sendTo(c, r.playerState(e))
	if r.phase != PhaseStart {
		r.sendTo(c, r.gameState())
	}
	r.notifyRoster()
	log.Info().Str("room", r.code).Uint32("pid", uint32(e.PID)).Msg("player reconnected")
}

// handleDetach releases a closed connection. The PlayerEntry survives so
// the identity can be reclaimed later. Returns true when the room loop
// should exit: the game is over and nobody is left listening.
func (r *Room) handleDetach(c *conn) bool {
	if _, ok := r.conns[c]; !ok {
		return false
	}
	r.dropConn(c)
	r.touch()
	r.notifyRoster()
	return r.phase == PhaseGameEnd && len(r.conns) == 0
}

// dropConn detaches and closes a connection's outbound queue. Call only
// from the run loop; the loop is the sole closer of send channels.
func (r *Room) dropConn(c *conn) {
	if _, ok := r.conns[c]; !ok {
		return
	}
	delete(r.conns, c)
	close(c.send)

	if r.host == c {
		r.host = nil
		return
	}
	for _, e := range r.players {
		if e.conn == c {
			e.conn = nil
			return
		}
	}
}

// apply dispatches one command. Commands that don't fit the current
// phase, or arrive from the wrong role, are silently ignored: stale
// client state during transitions is expected and harmless.
func (r *Room) apply(from *conn, cmd Command) {
	r.touch()

	switch c := cmd.(type) {
	case Heartbeat:
		e := r.entryByConn(from)
		if e == nil {
			return
		}
		now := r.clock.Now()
		if sample, ok := e.completeProbe(c.ID, now); ok {
			log.Debug().
				Str("room", r.code).
				Uint32("pid", uint32(e.PID)).
				Dur("sample", sample).
				Dur("latency", e.latency()).
				Msg("heartbeat completed")
		}
		r.sendTo(from, GotHeartbeat{ID: c.ID})

	case LatencyOfHeartbeat:
		// Diagnostic display only. The server-measured estimate is the
		// one that feeds arbitration.
		if e := r.entryByConn(from); e != nil {
			log.Debug().
				Str("room", r.code).
				Uint32("pid", uint32(e.PID)).
				Int64("reportedMs", c.LatencyMs).
				Msg("client latency report")
		}

	case Buzz:
		r.applyBuzz(from)

	default:
		if from.isHost {
			r.applyHost(cmd)
		}
	}
}

func (r *Room) applyBuzz(from *conn) {
	if from.isHost || r.phase != PhaseWaitingForBuzz {
		return
	}
	e := r.entryByConn(from)
	if e == nil || e.Buzzed {
		return
	}

	now := r.clock.Now()
	if !r.arb.submit(e.PID, now, e.latency()) {
		return
	}
	e.Buzzed = true

	log.Info().Str("room", r.code).Uint32("pid", uint32(e.PID)).Str("name", e.Name).Msg("buzz received")
	r.sendTo(from, r.playerState(e))
}

func (r *Room) applyHost(cmd Command) {
	if r.phase == PhaseGameEnd {
		return
	}

	switch c := cmd.(type) {
	case StartGame:
		if r.phase != PhaseStart {
			return
		}
		r.phase = PhaseSelection
		log.Info().Str("room", r.code).Msg("game started")
		r.broadcastState()

	case HostChoice:
		if r.phase != PhaseSelection {
			return
		}
		q := r.board.question(c.CategoryIndex, c.QuestionIndex)
		if q == nil || q.Answered {
			return
		}
		r.current = &QuestionRef{Category: c.CategoryIndex, Question: c.QuestionIndex}
		r.currentBuzzer = nil
		for _, e := range r.players {
			e.Buzzed = false
		}
		r.phase = PhaseQuestionReading
		r.broadcastState()

	case HostReady:
		if r.phase != PhaseQuestionReading {
			return
		}
		r.phase = PhaseWaitingForBuzz
		r.arb.openWindow(r.clock.Now(), r.opts.BuzzWindow)
		r.broadcast(BuzzWindowOpen{ClosesInMs: r.opts.BuzzWindow.Milliseconds()})
		r.broadcastState()

	case HostChecked:
		if r.phase != PhaseAnswer {
			return
		}
		q := r.currentQuestion()
		if q == nil {
			return
		}
		if r.currentBuzzer != nil {
			if e := r.entryByPID(*r.currentBuzzer); e != nil {
				delta := q.Value
				if !c.Correct {
					delta = -delta
				}
				e.Score += delta
				r.broadcast(AnswerResult{PID: e.PID, Correct: c.Correct, Delta: delta})
			}
		}
		q.Answered = true
		r.phase = PhaseAnswerReveal
		r.broadcastState()

	case HostSkip:
		switch r.phase {
		case PhaseQuestionReading, PhaseWaitingForBuzz, PhaseAnswer:
		default:
			return
		}
		if q := r.currentQuestion(); q != nil {
			q.Answered = true
		}
		// Skipping means no arbitration: accumulated candidates are
		// discarded unresolved.
		r.arb.reset()
		r.phase = PhaseAnswerReveal
		log.Info().Str("room", r.code).Msg("host skipped question")
		r.broadcastState()

	case HostContinue:
		if r.phase != PhaseAnswerReveal {
			return
		}
		r.current = nil
		r.currentBuzzer = nil
		for _, e := range r.players {
			e.Buzzed = false
		}
		if r.board.remaining() {
			r.phase = PhaseSelection
		} else {
			r.determineWinner()
			r.phase = PhaseGameEnd
		}
		r.broadcastState()

	case EndGame:
		r.determineWinner()
		r.phase = PhaseGameEnd
		log.Info().Str("room", r.code).Msg("game ended")
		r.broadcastState()
	}
}

// tick drives everything time-based: buzz-window expiry and heartbeat
// scheduling.
func (r *Room) tick() {
	now := r.clock.Now()

	if r.phase == PhaseWaitingForBuzz && r.arb.expired(now) {
		r.closeBuzzWindow()
		r.touch()
	}

	if now.Sub(r.lastProbe) >= r.opts.HeartbeatInterval {
		r.lastProbe = now
		cutoff := now.Add(-3 * r.opts.HeartbeatInterval)
		for _, e := range r.players {
			if e.conn == nil {
				continue
			}
			e.pruneProbes(cutoff)
			r.sendTo(e.conn, e.newProbe(now))
		}
	}
}

func (r *Room) closeBuzzWindow() {
	winner, ok := r.arb.resolve()

	var winnerPID *PlayerID
	if ok {
		pid := winner.PID
		winnerPID = &pid
		r.currentBuzzer = &pid
		if e := r.entryByPID(pid); e != nil {
			r.sendToHost(PlayerBuzzed{PID: pid, Name: e.Name})
			log.Info().
				Str("room", r.code).
				Uint32("pid", uint32(pid)).
				Time("receivedAt", winner.ReceivedAt).
				Dur("latency", winner.Latency).
				Msg("buzz window resolved")
		}
	} else {
		log.Info().Str("room", r.code).Msg("buzz window closed with no candidates")
	}

	r.broadcast(BuzzWindowClosed{Winner: winnerPID})
	r.phase = PhaseAnswer
	r.broadcastState()
}

// determineWinner picks the player with the strictly highest score; an
// exact tie means no winner.
func (r *Room) determineWinner() {
	r.winner = nil
	if len(r.players) == 0 {
		return
	}

	best := r.players[0]
	tie := false
	for _, e := range r.players[1:] {
		switch {
		case e.Score > best.Score:
			best, tie = e, false
		case e.Score == best.Score:
			tie = true
		}
	}
	if !tie {
		pid := best.PID
		r.winner = &pid
	}
}

func (r *Room) entryByPID(pid PlayerID) *playerEntry {
	for _, e := range r.players {
		if e.PID == pid {
			return e
		}
	}
	return nil
}

func (r *Room) entryByToken(token string) *playerEntry {
	for _, e := range r.players {
		if e.token == token {
			return e
		}
	}
	return nil
}

func (r *Room) entryByConn(c *conn) *playerEntry {
	if c == nil || c.isHost {
		return nil
	}
	for _, e := range r.players {
		if e.conn == c {
			return e
		}
	}
	return nil
}

func (r *Room) currentQuestion() *Question {
	if r.current == nil {
		return nil
	}
	return r.board.question(r.current.Category, r.current.Question)
}

func (r *Room) gameState() GameState {
	players := make([]Player, 0, len(r.players))
	for _, e := range r.players {
		players = append(players, e.Player)
	}
	return GameState{
		State:           r.phase,
		Categories:      r.board,
		Players:         players,
		CurrentQuestion: r.current,
		CurrentBuzzer:   r.currentBuzzer,
		Winner:          r.winner,
	}
}

func (r *Room) playerState(e *playerEntry) PlayerState {
	return PlayerState{
		PID:     e.PID,
		Buzzed:  e.Buzzed,
		Score:   e.Score,
		CanBuzz: r.phase == PhaseWaitingForBuzz && !e.Buzzed,
	}
}

func (r *Room) playerList() PlayerList {
	players := make([]Player, 0, len(r.players))
	for _, e := range r.players {
		players = append(players, e.Player)
	}
	return PlayerList{Players: players}
}

// broadcastState pushes a full game snapshot to everyone plus a private
// state update to each player.
func (r *Room) broadcastState() {
	r.broadcast(r.gameState())
	for _, e := range r.players {
		if e.conn != nil {
			r.sendTo(e.conn, r.playerState(e))
		}
	}
}

func (r *Room) notifyRoster() {
	r.sendToHost(r.playerList())
}

func (r *Room) broadcast(ev Event) {
	r.sendToHost(ev)
	for _, e := range r.players {
		if e.conn != nil {
			r.sendTo(e.conn, ev)
		}
	}
}

func (r *Room) sendToHost(ev Event) {
	if r.host != nil {
		r.sendTo(r.host, ev)
	}
}

// sendTo queues an event without blocking the room loop. A client that
// cannot drain its queue is dropped; its PlayerEntry stays reclaimable.
func (r *Room) sendTo(c *conn, ev Event) {
	if _, ok := r.conns[c]; !ok {
		return
	}
	select {
	case c.send <- ev:
	default:
		log.Warn().Str("room", r.code).Uint32("pid", uint32(c.pid)).Msg("outbound queue full, dropping connection")
		r.dropConn(c)
	}
}
