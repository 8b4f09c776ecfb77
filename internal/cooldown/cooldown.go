// Package cooldown tracks whipsaw cooldowns after stop-loss exits.
package cooldown

import (
	"sync"
	"time"
)

// DefaultDuration is the re-entry lockout after a stop-out.
const DefaultDuration = 60 * time.Minute

// Tracker time-gates re-entry into a symbol after a stop-loss exit.
// Safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	duration time.Duration
	entries  map[string]time.Time
	now      func() time.Time
}

// NewTracker creates a tracker. A non-positive duration uses DefaultDuration.
func NewTracker(duration time.Duration) *Tracker {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Tracker{
		duration: duration,
		entries:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// WithClock replaces the time source. Intended for tests and replay.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	return t
}

// Duration returns the cooldown length.
func (t *Tracker) Duration() time.Duration {
	return t.duration
}

// RecordStopOut starts a cooldown for symbol at the current time.
func (t *Tracker) RecordStopOut(symbol string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	at := t.now()
	t.entries[symbol] = at
	return at
}

// Restore loads a stop-out recorded earlier, e.g. from storage.
// Expired entries are dropped.
func (t *Tracker) Restore(symbol string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.now().Sub(at) >= t.duration {
		return
	}
	if prev, ok := t.entries[symbol]; ok && prev.After(at) {
		return
	}
	t.entries[symbol] = at
}

// IsInCooldown reports whether symbol is still locked out.
func (t *Tracker) IsInCooldown(symbol string) bool {
	_, in := t.Remaining(symbol)
	return in
}

// Remaining returns how long symbol stays locked out.
func (t *Tracker) Remaining(symbol string) (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	at, ok := t.entries[symbol]
	if !ok {
		return 0, false
	}
	left := t.duration - t.now().Sub(at)
	if left <= 0 {
		return 0, false
	}
	return left, true
}

// Prune removes expired entries and returns how many were dropped.
func (t *Tracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	dropped := 0
	for symbol, at := range t.entries {
		if now.Sub(at) >= t.duration {
			delete(t.entries, symbol)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked entries, expired or not.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
