package cooldown

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)}
	return NewTracker(60 * time.Minute).WithClock(clock.Now), clock
}

// A stop-out blocks re-entry at +30min and allows it at +61min.
func TestTracker_StopOutWindow(t *testing.T) {
	tr, clock := newTestTracker()

	tr.RecordStopOut("X")

	clock.Advance(30 * time.Minute)
	if !tr.IsInCooldown("X") {
		t.Error("expected X in cooldown at +30min")
	}
	if left, _ := tr.Remaining("X"); left != 30*time.Minute {
		t.Errorf("Remaining = %v, want 30m", left)
	}

	clock.Advance(31 * time.Minute)
	if tr.IsInCooldown("X") {
		t.Error("expected X eligible at +61min")
	}
}

func TestTracker_BoundaryIsEligible(t *testing.T) {
	tr, clock := newTestTracker()
	tr.RecordStopOut("X")

	clock.Advance(60 * time.Minute)
	if tr.IsInCooldown("X") {
		t.Error("now - stop_out == duration should be eligible")
	}
}

func TestTracker_UnknownSymbol(t *testing.T) {
	tr, _ := newTestTracker()
	if tr.IsInCooldown("NEVER") {
		t.Error("unknown symbol should not be in cooldown")
	}
}

func TestTracker_Prune(t *testing.T) {
	tr, clock := newTestTracker()

	tr.RecordStopOut("OLD")
	clock.Advance(45 * time.Minute)
	tr.RecordStopOut("NEW")
	clock.Advance(20 * time.Minute)

	if dropped := tr.Prune(); dropped != 1 {
		t.Errorf("Prune() = %d, want 1", dropped)
	}
	if tr.Len() != 1 || !tr.IsInCooldown("NEW") {
		t.Error("NEW should survive the prune")
	}
}

func TestTracker_Restore(t *testing.T) {
	tr, clock := newTestTracker()

	tr.Restore("STALE", clock.Now().Add(-2*time.Hour))
	tr.Restore("FRESH", clock.Now().Add(-10*time.Minute))

	if tr.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tr.Len())
	}
	if !tr.IsInCooldown("FRESH") {
		t.Error("FRESH should be in cooldown")
	}

	// An older record does not shorten a newer one.
	tr.RecordStopOut("FRESH")
	tr.Restore("FRESH", clock.Now().Add(-50*time.Minute))
	if left, _ := tr.Remaining("FRESH"); left != 60*time.Minute {
		t.Errorf("Remaining = %v, want 60m", left)
	}
}

func TestTracker_DefaultDuration(t *testing.T) {
	if NewTracker(0).Duration() != DefaultDuration {
		t.Error("zero duration should fall back to the default")
	}
}
