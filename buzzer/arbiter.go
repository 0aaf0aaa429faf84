package buzzer

import "time"

// BuzzCandidate records one buzz attempt: when the command reached the
// server, and the player's one-way latency estimate sampled at that
// moment.
type BuzzCandidate struct {
	PID        PlayerID
	ReceivedAt time.Time
	Latency    time.Duration
}

// adjusted estimates the true client-side action instant by removing the
// candidate's own measured network delay from its receipt time.
func (c BuzzCandidate) adjusted() time.Time {
	return c.ReceivedAt.Add(-c.Latency)
}

// arbiter accumulates buzz attempts while a window is open and resolves
// the winner when it closes. Resolution is deliberately deferred to
// window close rather than first-arrival: a player whose message arrived
// late purely because of a slow connection may still have pressed first,
// and only the full candidate set can tell.
type arbiter struct {
	open       bool
	windowEnd  time.Time
	candidates []BuzzCandidate
}

// openWindow starts accepting submissions until now+d.
func (a *arbiter) openWindow(now time.Time, d time.Duration) {
	a.open = true
	a.windowEnd = now.Add(d)
	a.candidates = a.candidates[:0]
}

// submit appends a candidate. Returns false if the window is closed,
// already elapsed, or the player has already buzzed this window.
func (a *arbiter) submit(pid PlayerID, now time.Time, latency time.Duration) bool {
	if !a.open || !now.Before(a.windowEnd) {
		return false
	}
	for _, c := range a.candidates {
		if c.PID == pid {
			return false
		}
	}
	a.candidates = append(a.candidates, BuzzCandidate{
		PID:        pid,
		ReceivedAt: now,
		Latency:    latency,
	})
	return true
}

// expired reports whether an open window has elapsed.
func (a *arbiter) expired(now time.Time) bool {
	return a.open && !now.Before(a.windowEnd)
}

// resolve picks the candidate with the earliest adjusted time and closes
// the window. Ties break by earliest server receipt, then lowest pid — a
// deterministic fallback, not an attempt at sub-millisecond fairness.
// ok is false when no one buzzed.
func (a *arbiter) resolve() (winner BuzzCandidate, ok bool) {
	defer a.reset()

	if len(a.candidates) == 0 {
		return BuzzCandidate{}, false
	}

	winner = a.candidates[0]
	for _, c := range a.candidates[1:] {
		if buzzedBefore(c, winner) {
			winner = c
		}
	}
	return winner, true
}

func buzzedBefore(a, b BuzzCandidate) bool {
	at, bt := a.adjusted(), b.adjusted()
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.PID < b.PID
}

// reset discards all candidates and closes the window without resolving,
// used when the host skips past arbitration.
func (a *arbiter) reset() {
	a.open = false
	a.candidates = a.candidates[:0]
}
