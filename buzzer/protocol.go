// Package buzzer implements the room session engine for a buzzer-style
// trivia game: a host drives a question board while players race to buzz
// in, and the server arbitrates who buzzed first under latency
// compensation.
//
// Each message on the wire is a single JSON object in externally-tagged
// form, {"<Tag>": {...fields}}. An unrecognized tag is a protocol error
// and closes the offending connection; unrecognized fields inside a known
// tag are ignored for forward compatibility.
package buzzer

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocol marks malformed frames and unknown message tags.
var ErrProtocol = errors.New("protocol error")

// PlayerID identifies a player within one room. IDs are assigned on first
// join and remain stable across reconnects.
type PlayerID uint32

// HeartbeatID identifies one heartbeat probe; monotonically increasing
// per player.
type HeartbeatID uint32

// Command is a message sent by a client (player or host) to the engine.
type Command interface {
	isCommand()
}

// StartGame moves a freshly created room onto the selection board.
// Host-only.
type StartGame struct{}

// EndGame terminates the game from any state. Host-only.
type EndGame struct{}

// Buzz submits a buzz attempt for the currently open window.
type Buzz struct{}

// HostReady opens the buzz window once the host has finished reading the
// question aloud.
type HostReady struct{}

// HostChoice selects a question from the board.
type HostChoice struct {
	CategoryIndex int `json:"categoryIndex"`
	QuestionIndex int `json:"questionIndex"`
}

// HostChecked records the host's verdict on the buzz winner's answer.
type HostChecked struct {
	Correct bool `json:"correct"`
}

// HostSkip abandons the current question with no score change.
type HostSkip struct{}

// HostContinue advances past the answer reveal.
type HostContinue struct{}

// Heartbeat acknowledges a DoHeartbeat probe. ReceivedAt is the client's
// receipt timestamp in unix milliseconds.
type Heartbeat struct {
	ID         HeartbeatID `json:"hbid"`
	ReceivedAt int64       `json:"tDohbRecv"`
}

// LatencyOfHeartbeat is a client-side latency self-report, accepted for
// diagnostics only. It never feeds buzz arbitration.
type LatencyOfHeartbeat struct {
	ID        HeartbeatID `json:"hbid"`
	LatencyMs int64       `json:"tLat"`
}

func (StartGame) isCommand()          {}
func (EndGame) isCommand()            {}
func (Buzz) isCommand()               {}
func (HostReady) isCommand()          {}
func (HostChoice) isCommand()         {}
func (HostChecked) isCommand()        {}
func (HostSkip) isCommand()           {}
func (HostContinue) isCommand()       {}
func (Heartbeat) isCommand()          {}
func (LatencyOfHeartbeat) isCommand() {}

// Event is a message sent by the engine to clients.
type Event interface {
	tag() string
}

// NewPlayer assigns a freshly joined player its id and reclaim token.
type NewPlayer struct {
	PID   PlayerID `json:"pid"`
	Token string   `json:"token"`
}

// PlayerState is a per-player snapshot of score and buzz eligibility.
type PlayerState struct {
	PID     PlayerID `json:"pid"`
	Buzzed  bool     `json:"buzzed"`
	Score   int      `json:"score"`
	CanBuzz bool     `json:"canBuzz"`
}

// GameState is the full room snapshot sent after every state change.
type GameState struct {
	State           Phase        `json:"state"`
	Categories      Board        `json:"categories"`
	Players         []Player     `json:"players"`
	CurrentQuestion *QuestionRef `json:"currentQuestion"`
	CurrentBuzzer   *PlayerID    `json:"currentBuzzer"`
	Winner          *PlayerID    `json:"winner"`
}

// PlayerList informs the host of the current roster.
type PlayerList struct {
	Players []Player `json:"players"`
}

// BuzzWindowOpen announces that buzz submissions are being accepted.
type BuzzWindowOpen struct {
	ClosesInMs int64 `json:"closesInMs"`
}

// BuzzWindowClosed announces the arbitration result. Winner is nil when
// the window closed with no candidates.
type BuzzWindowClosed struct {
	Winner *PlayerID `json:"winner"`
}

// PlayerBuzzed tells the host which player won the buzz.
type PlayerBuzzed struct {
	PID  PlayerID `json:"pid"`
	Name string   `json:"name"`
}

// AnswerResult reports the host's verdict and the score delta applied.
type AnswerResult struct {
	PID     PlayerID `json:"pid"`
	Correct bool     `json:"correct"`
	Delta   int      `json:"delta"`
}

// DoHeartbeat is a latency probe. SentAt is the server send timestamp in
// unix milliseconds.
type DoHeartbeat struct {
	ID     HeartbeatID `json:"hbid"`
	SentAt int64       `json:"tSent"`
}

// GotHeartbeat acknowledges receipt of a Heartbeat back to the client.
type GotHeartbeat struct {
	ID HeartbeatID `json:"hbid"`
}

func (NewPlayer) tag() string        { return "NewPlayer" }
func (PlayerState) tag() string      { return "PlayerState" }
func (GameState) tag() string        { return "GameState" }
func (PlayerList) tag() string       { return "PlayerList" }
func (BuzzWindowOpen) tag() string   { return "BuzzWindowOpen" }
func (BuzzWindowClosed) tag() string { return "BuzzWindowClosed" }
func (PlayerBuzzed) tag() string     { return "PlayerBuzzed" }
func (AnswerResult) tag() string     { return "AnswerResult" }
func (DoHeartbeat) tag() string      { return "DoHeartbeat" }
func (GotHeartbeat) tag() string     { return "GotHeartbeat" }

// DecodeCommand parses one inbound frame. The frame must contain exactly
// one known tag; extra fields inside the tagged object are ignored.
func DecodeCommand(data []byte) (Command, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if len(raw) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one command tag, got %d", ErrProtocol, len(raw))
	}

	for name, body := range raw {
		var cmd Command
		var err error

		switch name {
		case "StartGame":
			cmd = StartGame{}
		case "EndGame":
			cmd = EndGame{}
		case "Buzz":
			cmd = Buzz{}
		case "HostReady":
			cmd = HostReady{}
		case "HostSkip":
			cmd = HostSkip{}
		case "HostContinue":
			cmd = HostContinue{}
		case "HostChoice":
			var c HostChoice
			err = json.Unmarshal(body, &c)
			cmd = c
		case "HostChecked":
			var c HostChecked
			err = json.Unmarshal(body, &c)
			cmd = c
		case "Heartbeat":
			var c Heartbeat
			err = json.Unmarshal(body, &c)
			cmd = c
		case "LatencyOfHeartbeat":
			var c LatencyOfHeartbeat
			err = json.Unmarshal(body, &c)
			cmd = c
		default:
			return nil, fmt.Errorf("%w: unknown command tag %q", ErrProtocol, name)
		}

		if err != nil {
			return nil, fmt.Errorf("%w: bad %s payload: %v", ErrProtocol, name, err)
		}
		return cmd, nil
	}

	return nil, fmt.Errorf("%w: empty frame", ErrProtocol)
}

// EncodeEvent serializes an outbound event in externally-tagged form.
func EncodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(map[string]Event{ev.tag(): ev})
}
