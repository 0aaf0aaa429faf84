package buzzer

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrRoomNotFound is returned for lookups of unknown or already
// torn-down rooms.
var ErrRoomNotFound = errors.New("room not found")

// Room codes avoid I and O to reduce misread characters.
const (
	codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	codeLength  = 6
)

// Registry is the process-wide map from room code to running room. It is
// the only state shared across rooms; each looked-up room is reached
// through its own inbox from there on.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
	opts  Options
}

// NewRegistry creates an empty registry. All rooms it creates share opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
		opts:  opts.withDefaults(),
	}
}

// CreateRoom spins up a room around the given board and returns its join
// code and the host's credential.
func (g *Registry) CreateRoom(board Board) (code, hostToken string) {
	hostToken = uuid.NewString()

	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		code = newRoomCode()
		if _, exists := g.rooms[code]; !exists {
			break
		}
	}

	room := newRoom(code, hostToken, board, g.opts)
	room.onClose = g.Remove
	g.rooms[code] = room
	go room.run()

	log.Info().Str("room", code).Int("categories", len(board)).Msg("room created")
	return code, hostToken
}

// Lookup resolves a join code to its live room.
func (g *Registry) Lookup(code string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, ok := g.rooms[code]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// Remove drops a room from the registry. Rooms call this themselves as
// they shut down; calling it for an unknown code is a no-op.
func (g *Registry) Remove(code string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rooms, code)
}

// Len reports the number of live rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Reap periodically closes rooms that have been idle longer than the
// configured timeout. Blocks until ctx is done.
func (g *Registry) Reap(ctx context.Context) {
	ticker := g.opts.Clock.NewTicker(g.opts.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			g.reapOnce(g.opts.Clock.Now())
		}
	}
}

func (g *Registry) reapOnce(now time.Time) {
	cutoff := now.Add(-g.opts.IdleTimeout)

	g.mu.Lock()
	var idle []*Room
	for _, room := range g.rooms {
		if room.LastActive().Before(cutoff) {
			idle = append(idle, room)
		}
	}
	g.mu.Unlock()

	for _, room := range idle {
		log.Info().Str("room", room.code).Msg("reaping idle room")
		room.Close()
	}
}

// newRoomCode draws a 6-character code via crypto/rand. Uniqueness is
// the caller's problem; CreateRoom retries on collision.
func newRoomCode() string {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	out := make([]byte, codeLength)
	for i := range out {
		out[i] = codeCharset[int(buf[i])%len(codeCharset)]
	}
	return string(out)
}
