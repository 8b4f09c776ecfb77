package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/types"
)

// Refusal reasons returned by AllowEntry.
var (
	ErrKillSwitchActive = errors.New("kill switch active")
	ErrMaxPositions     = errors.New("max open positions reached")
	ErrDailyLossLimit   = errors.New("daily loss limit reached")
)

// Config holds the gate limits. Zero values disable a limit.
type Config struct {
	MaxOpenPositions int
	MaxDailyLoss     decimal.Decimal // positive currency amount
	MaxDrawdownPct   decimal.Decimal // of peak realized equity, e.g. 0.10
	StartingEquity   decimal.Decimal
	Location         *time.Location // day boundary for the daily loss, UTC if nil
}

// DefaultConfig returns a conservative default configuration.
func DefaultConfig() Config {
	return Config{
		MaxOpenPositions: 5,
		MaxDrawdownPct:   decimal.RequireFromString("0.10"),
		StartingEquity:   decimal.NewFromInt(100000),
	}
}

// Snapshot is the gate state at a point in time.
type Snapshot struct {
	Equity   decimal.Decimal
	Peak     decimal.Decimal
	Drawdown decimal.Decimal
	DayPL    decimal.Decimal
	Halted   bool
	HaltedAt time.Time
	Reason   string
}

// Gate decides whether new entries are allowed. Exits are never blocked.
// Thread-safe for concurrent access.
type Gate struct {
	cfg    Config
	curve  *EquityCurve
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	day      string
	dayPL    decimal.Decimal
	halted   bool
	haltedAt time.Time
	reason   string
}

// NewGate creates a gate.
func NewGate(cfg Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Gate{
		cfg:    cfg,
		curve:  NewEquityCurve(cfg.StartingEquity),
		logger: logger,
		now:    time.Now,
	}
}

// AllowEntry implements the engine's entry gate.
func (g *Gate) AllowEntry(ctx context.Context, symbol string, openPositions int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.halted {
		return fmt.Errorf("%w: %s", ErrKillSwitchActive, g.reason)
	}
	if g.cfg.MaxOpenPositions > 0 && openPositions >= g.cfg.MaxOpenPositions {
		return fmt.Errorf("%w: %d open", ErrMaxPositions, openPositions)
	}

	g.rollDayLocked()
	if g.cfg.MaxDailyLoss.IsPositive() && g.dayPL.Neg().GreaterThanOrEqual(g.cfg.MaxDailyLoss) {
		g.logger.Info("entry refused: daily loss limit",
			"symbol", symbol,
			"day_pl", g.dayPL.StringFixed(2),
			"limit", g.cfg.MaxDailyLoss,
		)
		return fmt.Errorf("%w: %s lost today", ErrDailyLossLimit, g.dayPL.Neg().StringFixed(2))
	}
	return nil
}

// RecordExit books a closed trade's realized P/L.
func (g *Gate) RecordExit(trade types.Trade) {
	if g.curve.Add(trade.RealizedPL) {
		g.logger.Debug("new realized equity peak", "equity", g.curve.Equity())
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollDayLocked()
	g.dayPL = g.dayPL.Add(trade.RealizedPL)

	dd := g.curve.Drawdown()
	if g.cfg.MaxDrawdownPct.IsPositive() && dd.GreaterThanOrEqual(g.cfg.MaxDrawdownPct) {
		g.haltLocked(fmt.Sprintf("drawdown %s%% from peak", dd.Mul(decimal.NewFromInt(100)).StringFixed(2)))
	}
}

// Halt blocks every new entry until Resume.
func (g *Gate) Halt(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.haltLocked(reason)
}

// Resume lifts a halt (manual reset).
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.halted {
		g.halted = false
		g.reason = ""
		g.logger.Warn("entry gate resumed manually")
	}
}

// Halted reports whether the kill switch is active.
func (g *Gate) Halted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted
}

// Snapshot returns the current state.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked()

	return Snapshot{
		Equity:   g.curve.Equity(),
		Peak:     g.curve.Peak(),
		Drawdown: g.curve.Drawdown(),
		DayPL:    g.dayPL,
		Halted:   g.halted,
		HaltedAt: g.haltedAt,
		Reason:   g.reason,
	}
}

// haltLocked activates the kill switch. Must be called with lock held.
func (g *Gate) haltLocked(reason string) {
	if g.halted {
		return
	}
	g.halted = true
	g.haltedAt = g.now()
	g.reason = reason

	g.logger.Error("KILL SWITCH ACTIVATED - new entries blocked",
		"reason", reason,
		"equity", g.curve.Equity(),
		"peak", g.curve.Peak(),
	)
}

// rollDayLocked resets the day's P/L at the day boundary.
func (g *Gate) rollDayLocked() {
	day := g.now().In(g.cfg.Location).Format("2006-01-02")
	if day != g.day {
		g.day = day
		g.dayPL = decimal.Zero
	}
}
