package buzzer

import "time"

// Player holds the wire-visible fields of a roster entry. The reclaim
// token is deliberately not part of this struct; it is issued exactly
// once via NewPlayer and otherwise never leaves the server.
type Player struct {
	PID    PlayerID `json:"pid"`
	Name   string   `json:"name"`
	Score  int      `json:"score"`
	Buzzed bool     `json:"buzzed"`
}

const latencySamples = 5

// playerEntry is the room-side record for one player. It outlives any
// single connection so the identity can be reclaimed on reconnect.
type playerEntry struct {
	Player

	token string
	conn  *conn // nil while disconnected

	// One-way latency estimation. Each completed heartbeat contributes a
	// round-trip/2 sample; the estimate is the mean of the last few
	// samples. This assumes a symmetric path, which is a documented
	// simplification: the server has no data to split the round trip
	// asymmetrically.
	samples []time.Duration
	probes  map[HeartbeatID]int64 // hbid -> send time, unix ms
	nextHB  HeartbeatID
}

func newPlayerEntry(pid PlayerID, name, token string) *playerEntry {
	return &playerEntry{
		Player: Player{PID: pid, Name: name},
		token:  token,
		probes: make(map[HeartbeatID]int64),
	}
}

// latency returns the current one-way estimate, zero until the first
// heartbeat completes.
func (e *playerEntry) latency() time.Duration {
	if len(e.samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range e.samples {
		sum += s
	}
	return sum / time.Duration(len(e.samples))
}

// newProbe issues the next heartbeat probe and records its send time.
func (e *playerEntry) newProbe(now time.Time) DoHeartbeat {
	e.nextHB++
	hb := DoHeartbeat{ID: e.nextHB, SentAt: now.UnixMilli()}
	e.probes[hb.ID] = hb.SentAt
	return hb
}

// completeProbe matches an acknowledgement against an outstanding probe
// and folds the resulting sample into the estimate. Unknown ids are
// ignored; a probe that was never acknowledged is simply superseded.
func (e *playerEntry) completeProbe(id HeartbeatID, now time.Time) (time.Duration, bool) {
	sentAt, ok := e.probes[id]
	if !ok {
		return 0, false
	}

	rtt := time.Duration(now.UnixMilli()-sentAt) * time.Millisecond
	if rtt < 0 {
		rtt = 0
	}
	sample := rtt / 2

	e.samples = append(e.samples, sample)
	if len(e.samples) > latencySamples {
		e.samples = e.samples[1:]
	}

	// Any older outstanding probes are stale now.
	clear(e.probes)

	return sample, true
}

// pruneProbes drops outstanding probes sent before the cutoff so the
// table stays bounded for clients that never acknowledge.
func (e *playerEntry) pruneProbes(cutoff time.Time) {
	cutoffMs := cutoff.UnixMilli()
	for id, sentAt := range e.probes {
		if sentAt < cutoffMs {
			delete(e.probes, id)
		}
	}
}
