// Package engine owns filled trades from the entry fill until the position
// is flat: it admits entries, supervises their fill monitors, runs the
// per-bar exit logic and the reconciliation sweep, and force-closes on
// request.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/alerting"
	"github.com/tathienbao/exit-engine/internal/broker"
	"github.com/tathienbao/exit-engine/internal/cooldown"
	"github.com/tathienbao/exit-engine/internal/metrics"
	"github.com/tathienbao/exit-engine/internal/monitor"
	"github.com/tathienbao/exit-engine/internal/pending"
	"github.com/tathienbao/exit-engine/internal/persistence"
	"github.com/tathienbao/exit-engine/internal/position"
	"github.com/tathienbao/exit-engine/internal/protect"
	"github.com/tathienbao/exit-engine/internal/reconcile"
	"github.com/tathienbao/exit-engine/internal/scaleout"
	"github.com/tathienbao/exit-engine/internal/trailing"
	"github.com/tathienbao/exit-engine/internal/types"
	"golang.org/x/sync/errgroup"
)

// Config holds engine configuration.
type Config struct {
	Timeframe    string // passed through to the bar feed
	TickInterval time.Duration
	BarLookback  int

	Monitor  monitor.Config
	Sweep    reconcile.Config
	Trailing trailing.Config
	ScaleOut scaleout.Config
	Cooldown time.Duration
	Session  SessionConfig
}

// DefaultConfig returns default engine config.
func DefaultConfig() Config {
	return Config{
		Timeframe:    "5m",
		TickInterval: 15 * time.Second,
		BarLookback:  50,
		Monitor:      monitor.DefaultConfig(),
		Sweep:        reconcile.DefaultConfig(),
		Trailing:     trailing.DefaultConfig(),
		ScaleOut:     scaleout.DefaultConfig(),
		Cooldown:     cooldown.DefaultDuration,
	}
}

// RiskGate decides whether a new entry may be submitted. It is told about
// every closed trade so it can track realized losses.
type RiskGate interface {
	AllowEntry(ctx context.Context, symbol string, openPositions int) error
	RecordExit(trade types.Trade)
}

// Engine coordinates the exit-management components.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	gw       broker.Gateway
	feed     broker.BarFeed
	gate     RiskGate
	store    *persistence.Store
	alerter  alerting.Alerter
	recorder *metrics.Recorder

	registry  *position.Registry
	book      *pending.Book
	cooldowns *cooldown.Tracker
	placer    *protect.Placer
	monitor   *monitor.Monitor
	sweep     *reconcile.Sweep
	cutoff    *sessionCutoff

	now func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// State
	mu         sync.RWMutex
	running    bool
	lastTick   time.Time
	lastPrice  map[string]priceMark
	closed     []types.Trade // since the last session summary
	cancelLoop context.CancelFunc
	group      *errgroup.Group

	// Fill monitors outlive the request that started them. Stop cancels
	// monitorCtx and Start renews it.
	monitorCtx    context.Context
	cancelMonitor context.CancelFunc
	monitors      sync.WaitGroup
}

type priceMark struct {
	close decimal.Decimal
	at    time.Time
}

// New creates an exit engine. gate, store and alerter may be nil.
func New(
	cfg Config,
	gw broker.Gateway,
	feed broker.BarFeed,
	gate RiskGate,
	store *persistence.Store,
	alerter alerting.Alerter,
	logger *slog.Logger,
) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = withDefaults(cfg)
	if err := cfg.ScaleOut.Validate(); err != nil {
		return nil, err
	}
	cutoff, err := newSessionCutoff(cfg.Session)
	if err != nil {
		return nil, err
	}

	registry := position.NewRegistry()
	book := pending.NewBook()
	placer := protect.NewPlacer(gw, book, registry, cfg.ScaleOut, store, alerter, logger)
	monitorCtx, cancelMonitor := context.WithCancel(context.Background())

	return &Engine{
		cfg:           cfg,
		logger:        logger,
		gw:            gw,
		feed:          feed,
		gate:          gate,
		store:         store,
		alerter:       alerter,
		recorder:      metrics.NewRecorder(),
		registry:      registry,
		book:          book,
		cooldowns:     cooldown.NewTracker(cfg.Cooldown),
		placer:        placer,
		monitor:       monitor.New(cfg.Monitor, gw, book, placer, store, alerter, logger),
		sweep:         reconcile.New(cfg.Sweep, gw, book, placer, store, alerter, logger),
		cutoff:        cutoff,
		now:           time.Now,
		locks:         make(map[string]*sync.Mutex),
		lastPrice:     make(map[string]priceMark),
		monitorCtx:    monitorCtx,
		cancelMonitor: cancelMonitor,
	}, nil
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Timeframe == "" {
		cfg.Timeframe = def.Timeframe
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.Trailing == (trailing.Config{}) {
		cfg.Trailing = def.Trailing
	}
	if cfg.ScaleOut == (scaleout.Config{}) {
		cfg.ScaleOut = def.ScaleOut
	}
	if need := cfg.Trailing.BarsNeeded(); cfg.BarLookback < need {
		cfg.BarLookback = need
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return cfg
}

// Start runs the tick loop and the reconciliation sweep in the background.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	if e.monitorCtx.Err() != nil {
		e.monitorCtx, e.cancelMonitor = context.WithCancel(context.Background())
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	e.cancelLoop = cancel
	e.group = g
	e.mu.Unlock()

	g.Go(func() error { return e.tickLoop(gctx) })
	g.Go(func() error { return e.sweep.Run(gctx) })

	e.logger.Info("exit engine started",
		"tick_interval", e.cfg.TickInterval,
		"sweep_interval", e.sweep.Interval(),
		"positions", e.registry.Len(),
	)
	if err := alerting.Emit(ctx, e.alerter, alerting.EventEngineStarted, "Exit engine started",
		"positions", e.registry.Len(),
	); err != nil {
		e.logger.Warn("failed to send start alert", "err", err)
	}
	return nil
}

func (e *Engine) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("tick loop stopped")
			return nil
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Stop ends the background loops and waits for fill monitors to exit.
// Open positions and their broker-side legs are left in place.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	wasRunning := e.running
	e.running = false
	cancel, g := e.cancelLoop, e.group
	cancelMonitor := e.cancelMonitor
	e.mu.Unlock()

	e.logger.Info("stopping exit engine")

	if cancel != nil {
		cancel()
	}
	cancelMonitor()

	done := make(chan error, 1)
	go func() {
		var err error
		if g != nil {
			err = g.Wait()
		}
		e.monitors.Wait()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			e.logger.Warn("background loop ended with error", "err", err)
		}
	case <-ctx.Done():
		return fmt.Errorf("wait for engine loops: %w", ctx.Err())
	}

	if wasRunning {
		if err := alerting.Emit(ctx, e.alerter, alerting.EventEngineStopped, "Exit engine stopped",
			"positions", e.registry.Len(),
		); err != nil {
			e.logger.Warn("failed to send stop alert", "err", err)
		}
	}
	e.logger.Info("exit engine stopped")
	return nil
}

// IsRunning returns true if the background loops are running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// PositionStatus returns the status of the managed position for symbol.
func (e *Engine) PositionStatus(symbol string) (position.Status, bool) {
	return e.registry.Status(symbol)
}

// AllPositions returns the status of every managed position by symbol.
func (e *Engine) AllPositions() map[string]position.Status {
	return e.registry.Statuses()
}

// IsInCooldown reports whether new entries for symbol are blocked.
func (e *Engine) IsInCooldown(symbol string) bool {
	return e.cooldowns.IsInCooldown(symbol)
}

// LastTick returns when the tick loop last completed.
func (e *Engine) LastTick() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastTick
}

// LastSweep returns when the reconciliation sweep last succeeded.
func (e *Engine) LastSweep() time.Time {
	return e.sweep.LastRun()
}

// SweepInterval returns the reconciliation cadence.
func (e *Engine) SweepInterval() time.Duration {
	return e.sweep.Interval()
}

// lockSymbol serializes multi-step exits for one symbol.
func (e *Engine) lockSymbol(symbol string) func() {
	e.locksMu.Lock()
	l, ok := e.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		e.locks[symbol] = l
	}
	e.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}
