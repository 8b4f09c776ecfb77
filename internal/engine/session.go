package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tathienbao/exit-engine/internal/alerting"
	"github.com/tathienbao/exit-engine/internal/persistence"
	"github.com/tathienbao/exit-engine/internal/types"
)

const dayLayout = "2006-01-02"

// SessionConfig sets the daily force-close time.
type SessionConfig struct {
	ForceCloseAt string // HH:MM, empty disables the cutoff
	Timezone     string // IANA name, defaults to UTC
}

type sessionCutoff struct {
	enabled bool
	hour    int
	minute  int
	loc     *time.Location

	mu      sync.Mutex
	lastDay string
}

func newSessionCutoff(cfg SessionConfig) (*sessionCutoff, error) {
	c := &sessionCutoff{loc: time.UTC}
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: session timezone: %v", types.ErrInvalidConfig, err)
		}
		c.loc = loc
	}
	if cfg.ForceCloseAt == "" {
		return c, nil
	}
	at, err := time.Parse("15:04", cfg.ForceCloseAt)
	if err != nil {
		return nil, fmt.Errorf("%w: session force_close_at %q", types.ErrInvalidConfig, cfg.ForceCloseAt)
	}
	c.enabled = true
	c.hour, c.minute = at.Hour(), at.Minute()
	return c, nil
}

// due returns the session day when now is past the cutoff and that day has
// not been closed yet.
func (c *sessionCutoff) due(now time.Time) (string, bool) {
	if !c.enabled {
		return "", false
	}
	local := now.In(c.loc)
	day := local.Format(dayLayout)
	cut := time.Date(local.Year(), local.Month(), local.Day(), c.hour, c.minute, 0, 0, c.loc)
	if local.Before(cut) {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if day == c.lastDay {
		return "", false
	}
	c.lastDay = day
	return day, true
}

func (c *sessionCutoff) restore(day string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if day > c.lastDay {
		c.lastDay = day
	}
}

func (c *sessionCutoff) date(day string) time.Time {
	t, err := time.ParseInLocation(dayLayout, day, c.loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

// checkSessionCutoff closes every position once per day after the cutoff
// and sends the session summary.
func (e *Engine) checkSessionCutoff(ctx context.Context) {
	day, ok := e.cutoff.due(e.now())
	if !ok {
		return
	}

	e.logger.Info("session cutoff reached", "day", day, "positions", e.registry.Len())
	results := e.CloseAll(ctx, ReasonSessionCutoff)

	summary := alerting.NewSessionSummary(e.cutoff.date(day), e.takeClosed(), e.registry.Len())
	e.logger.Info("session summary",
		"day", day,
		"closed_trades", summary.ClosedTrades,
		"winners", summary.Winners,
		"losers", summary.Losers,
		"realized_pl", summary.RealizedPL.StringFixed(2),
		"total_r", summary.TotalR.StringFixed(2),
		"cutoff_closes", len(results),
	)
	if err := alerting.SendSummary(ctx, e.alerter, summary); err != nil {
		e.logger.Warn("failed to send session summary", "err", err)
	}

	e.store.SaveState(ctx, persistence.EngineState{
		LastUpdated:   e.now(),
		LastSweepAt:   e.sweep.LastRun(),
		LastCutoffDay: day,
	})
}

func (e *Engine) takeClosed() []types.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.closed
	e.closed = nil
	return out
}
