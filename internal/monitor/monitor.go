// Package monitor watches entry orders until they reach a final state.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tathienbao/exit-engine/internal/alerting"
	"github.com/tathienbao/exit-engine/internal/broker"
	"github.com/tathienbao/exit-engine/internal/metrics"
	"github.com/tathienbao/exit-engine/internal/pending"
	"github.com/tathienbao/exit-engine/internal/persistence"
	"github.com/tathienbao/exit-engine/internal/protect"
	"github.com/tathienbao/exit-engine/internal/types"
)

// Config holds fill monitor timing.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// DefaultConfig polls every second for up to ten minutes.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		Timeout:      600 * time.Second,
	}
}

// Outcome is how a watch ended.
type Outcome int

const (
	// OutcomeFilled means the entry filled and placement was attempted.
	OutcomeFilled Outcome = iota
	// OutcomeEntryFailed means the entry ended without a fill.
	OutcomeEntryFailed
	// OutcomeSettled means another caller already handled the entry.
	OutcomeSettled
	// OutcomeTimedOut means the deadline passed before a final status.
	OutcomeTimedOut
	// OutcomeCancelled means the parent context was cancelled.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFilled:
		return "filled"
	case OutcomeEntryFailed:
		return "entry_failed"
	case OutcomeSettled:
		return "settled"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is delivered once per watch.
type Result struct {
	OrderID string
	Outcome Outcome
	Status  types.OrderStatus
	// Claimed is true when this monitor won the placement claim.
	Claimed    bool
	Protection protect.Result
	Polls      int
}

// Monitor polls entry orders and hands fills to the placer.
type Monitor struct {
	cfg      Config
	gw       broker.Gateway
	book     *pending.Book
	placer   *protect.Placer
	store    *persistence.Store
	alerter  alerting.Alerter
	recorder *metrics.Recorder
	logger   *slog.Logger
}

// New creates a fill monitor. store and alerter may be nil.
func New(cfg Config, gw broker.Gateway, book *pending.Book, placer *protect.Placer, store *persistence.Store, alerter alerting.Alerter, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
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

// Watch runs a monitor for orderID in its own goroutine. The channel
// receives exactly one Result and is then closed.
func (m *Monitor) Watch(ctx context.Context, orderID string) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		out <- m.Run(ctx, orderID)
	}()
	return out
}

// Run polls orderID until it is final, the timeout passes or ctx is done.
// A timeout only ends this watcher; the order itself is left alone.
func (m *Monitor) Run(ctx context.Context, orderID string) Result {
	m.recorder.MonitorStarted()
	defer m.recorder.MonitorStopped()

	deadline, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	logger := m.logger.With("order_id", orderID)
	res := Result{OrderID: orderID}

	for {
		if entry, ok := m.book.Get(orderID); !ok || entry.Settled() {
			res.Outcome = OutcomeSettled
			return res
		}

		res.Polls++
		order, err := m.gw.GetOrder(deadline, orderID)
		switch {
		case err != nil && deadline.Err() != nil:
			// the poll itself was cut short by the deadline
		case err != nil:
			logger.Warn("fill monitor poll failed", "err", err, "transient", broker.IsTransient(err))
		case order.Status == types.OrderStatusFilled:
			res.Status = order.Status
			res.Outcome = OutcomeFilled
			// Placement runs on the parent context so the watch deadline
			// cannot interrupt a claimed placement halfway.
			res.Protection, res.Claimed = m.placer.ProtectFilled(ctx, orderID, protect.FillFromOrder(order), "monitor")
			return res
		case order.Status.IsFinal():
			res.Status = order.Status
			res.Outcome = OutcomeEntryFailed
			m.markFailed(ctx, orderID, order)
			return res
		default:
			res.Status = order.Status
		}

		select {
		case <-deadline.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				res.Outcome = OutcomeCancelled
				return res
			}
			res.Outcome = OutcomeTimedOut
			logger.Debug("fill monitor timed out", "polls", res.Polls, "status", res.Status.String())
			return res
		case <-ticker.C:
		}
	}
}

func (m *Monitor) markFailed(ctx context.Context, orderID string, order *broker.Order) {
	if !m.book.MarkFailed(orderID) {
		return
	}
	if entry, ok := m.book.Get(orderID); ok {
		m.store.SavePendingEntry(ctx, entry)
	}
	m.recorder.RecordEntry(order.Symbol, "failed")
	m.logger.Info("entry ended without fill",
		"order_id", orderID,
		"symbol", order.Symbol,
		"status", order.Status.String(),
	)
	if err := alerting.Emit(ctx, m.alerter, alerting.EventEntryFailed, "Entry ended without fill",
		"symbol", order.Symbol,
		"order_id", orderID,
		"status", order.Status.String(),
	); err != nil {
		m.logger.Warn("failed to send alert", "err", err)
	}
}
