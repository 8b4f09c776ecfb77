package engine

import (
	"context"
	"testing"
	"time"
)

func TestSessionCutoff_Due(t *testing.T) {
	c, err := newSessionCutoff(SessionConfig{ForceCloseAt: "15:55", Timezone: "America/New_York"})
	if err != nil {
		t.Fatalf("newSessionCutoff() error = %v", err)
	}
	ny, _ := time.LoadLocation("America/New_York")

	tests := []struct {
		name    string
		now     time.Time
		wantDay string
		wantDue bool
	}{
		{"before cutoff", time.Date(2026, 3, 2, 15, 54, 0, 0, ny), "", false},
		{"at cutoff", time.Date(2026, 3, 2, 15, 55, 0, 0, ny), "2026-03-02", true},
		{"same day again", time.Date(2026, 3, 2, 16, 30, 0, 0, ny), "", false},
		{"next morning", time.Date(2026, 3, 3, 9, 30, 0, 0, ny), "", false},
		{"next day cutoff", time.Date(2026, 3, 3, 20, 56, 0, 0, time.UTC), "2026-03-03", true},
	}

	for _, tt := range tests {
		day, due := c.due(tt.now)
		if day != tt.wantDay || due != tt.wantDue {
			t.Errorf("%s: due() = %q, %v, want %q, %v", tt.name, day, due, tt.wantDay, tt.wantDue)
		}
	}
}

func TestSessionCutoff_Disabled(t *testing.T) {
	c, err := newSessionCutoff(SessionConfig{})
	if err != nil {
		t.Fatalf("newSessionCutoff() error = %v", err)
	}
	if _, due := c.due(time.Now()); due {
		t.Error("disabled cutoff should never be due")
	}
}

func TestSessionCutoff_RestoredDayIsSkipped(t *testing.T) {
	c, err := newSessionCutoff(SessionConfig{ForceCloseAt: "15:55"})
	if err != nil {
		t.Fatalf("newSessionCutoff() error = %v", err)
	}
	c.restore("2026-03-02")

	if _, due := c.due(time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)); due {
		t.Error("restored day should not close again")
	}
	if !c.date("2026-03-02").Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date() = %v", c.date("2026-03-02"))
	}
}

func TestTick_SessionCutoffClosesAndSummarizes(t *testing.T) {
	cfg := testConfig()
	cfg.Session = SessionConfig{ForceCloseAt: "15:55", Timezone: "UTC"}
	h := newHarness(t, cfg, nil)

	h.open(t, longEntry("AAPL"))
	h.open(t, longEntry("MSFT"))
	h.e.now = func() time.Time { return time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC) }

	h.e.Tick(context.Background())

	if all := h.e.AllPositions(); len(all) != 0 {
		t.Errorf("positions after cutoff = %d, want 0", len(all))
	}
	summaries := h.alerter.Summaries()
	if len(summaries) != 1 {
		t.Fatalf("summaries = %d, want 1", len(summaries))
	}
	s := summaries[0]
	if s.ClosedTrades != 2 || s.ExitsByReason[ReasonSessionCutoff] != 2 || s.OpenPositions != 0 {
		t.Errorf("summary = %+v", s)
	}

	h.e.Tick(context.Background())
	if n := len(h.alerter.Summaries()); n != 1 {
		t.Errorf("summaries after second tick = %d, want 1", n)
	}
}
