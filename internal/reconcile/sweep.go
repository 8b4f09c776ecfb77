// Package reconcile runs the periodic sweep that protects filled entries
// their fill monitor missed.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tathienbao/exit-engine/internal/alerting"
	"github.com/tathienbao/exit-engine/internal/broker"
	"github.com/tathienbao/exit-engine/internal/metrics"
	"github.com/tathienbao/exit-engine/internal/pending"
	"github.com/tathienbao/exit-engine/internal/persistence"
	"github.com/tathienbao/exit-engine/internal/protect"
	"github.com/tathienbao/exit-engine/internal/types"
)

// Config holds sweep settings.
type Config struct {
	Interval     time.Duration
	Window       int           // most recent broker orders scanned per run
	ArchiveAfter time.Duration // settled entries are dropped after this
}

// DefaultConfig returns the default sweep settings.
func DefaultConfig() Config {
	return Config{
		Interval:     90 * time.Second,
		Window:       100,
		ArchiveAfter: 10 * time.Minute,
	}
}

// Report summarizes one sweep run.
type Report struct {
	Unprotected int
	Repaired    int
	Deferred    int
	EntryFailed int
	Archived    int
	Duration    time.Duration
}

// Sweep re-invokes protective placement for every filled entry that is
// still unprotected. Duplicate placement is prevented by the claim on the
// pending entry, not by the sweep.
type Sweep struct {
	cfg      Config
	gw       broker.Gateway
	book     *pending.Book
	placer   *protect.Placer
	store    *persistence.Store
	alerter  alerting.Alerter
	recorder *metrics.Recorder
	logger   *slog.Logger

	mu      sync.RWMutex
	lastRun time.Time
}

// New creates a sweep. store and alerter may be nil.
func New(cfg Config, gw broker.Gateway, book *pending.Book, placer *protect.Placer, store *persistence.Store, alerter alerting.Alerter, logger *slog.Logger) *Sweep {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = def.ArchiveAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweep{
		cfg:      cfg,
		gw:       gw,
		book:     book,
		placer:   placer,
		store:    store,
		alerter:  alerter,
		recorder: metrics.NewRecorder(),
		logger:   logger,
	}
}

// Run sweeps on every interval until ctx is done. Failed runs are logged
// and never end the loop.
func (s *Sweep) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("reconciliation sweep failed", "err", err, "transient", broker.IsTransient(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep.
func (s *Sweep) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	rep, err := s.sweep(ctx)
	rep.Archived = len(s.book.Archive(s.cfg.ArchiveAfter))
	rep.Duration = time.Since(start)

	s.recorder.RecordSweep(rep.Repaired, rep.Duration, err)
	if err != nil {
		return rep, err
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()

	if rep.Repaired > 0 || rep.EntryFailed > 0 || rep.Deferred > 0 {
		s.logger.Info("reconciliation sweep",
			"unprotected", rep.Unprotected,
			"repaired", rep.Repaired,
			"deferred", rep.Deferred,
			"entry_failed", rep.EntryFailed,
			"archived", rep.Archived,
		)
	}
	return rep, nil
}

func (s *Sweep) sweep(ctx context.Context) (Report, error) {
	var rep Report

	entries := s.book.Unprotected()
	rep.Unprotected = len(entries)
	if len(entries) == 0 {
		return rep, nil
	}

	symbols := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !seen[e.Symbol] {
			seen[e.Symbol] = true
			symbols = append(symbols, e.Symbol)
		}
	}

	recent, err := s.gw.ListOrders(ctx, broker.OrderFilter{
		Status:  broker.StatusClosed,
		Symbols: symbols,
		Limit:   s.cfg.Window,
	})
	if err != nil {
		return rep, fmt.Errorf("list orders: %w", err)
	}
	byID := make(map[string]broker.Order, len(recent))
	for _, o := range recent {
		byID[o.OrderID] = o
	}

	for _, e := range entries {
		order, ok := byID[e.OrderID]
		if !ok {
			// Outside the window or still working.
			o, err := s.gw.GetOrder(ctx, e.OrderID)
			if err != nil {
				s.logger.Debug("sweep lookup failed", "order_id", e.OrderID, "err", err)
				continue
			}
			order = *o
		}
		s.reconcile(ctx, e, &order, &rep)
	}
	return rep, nil
}

func (s *Sweep) reconcile(ctx context.Context, e pending.EntryOrder, order *broker.Order, rep *Report) {
	switch {
	case order.Status == types.OrderStatusFilled:
		res, claimed := s.placer.ProtectFilled(ctx, e.OrderID, protect.FillFromOrder(order), "sweep")
		if !claimed {
			return
		}
		if res.Released {
			rep.Deferred++
			return
		}
		rep.Repaired++
		s.logger.Warn("sweep protected a filled entry",
			"symbol", e.Symbol,
			"order_id", e.OrderID,
			"trailing_stop", res.TrailingStop.Placed(),
			"take_profit", res.TakeProfit.Placed(),
		)

	case order.Status.IsFinal():
		if !s.book.MarkFailed(e.OrderID) {
			return
		}
		rep.EntryFailed++
		if settled, ok := s.book.Get(e.OrderID); ok {
			s.store.SavePendingEntry(ctx, settled)
		}
		s.recorder.RecordEntry(e.Symbol, "failed")
		if err := alerting.Emit(ctx, s.alerter, alerting.EventEntryFailed, "Entry ended without fill",
			"symbol", e.Symbol,
			"order_id", e.OrderID,
			"status", order.Status.String(),
		); err != nil {
			s.logger.Warn("failed to send alert", "err", err)
		}
	}
}

// LastRun returns when the last successful sweep finished.
func (s *Sweep) LastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

// Interval returns the sweep cadence.
func (s *Sweep) Interval() time.Duration {
	return s.cfg.Interval
}
