package persistence

import (
	"context"
	"log/slog"
	"time"

	"github.com/tathienbao/exit-engine/internal/metrics"
	"github.com/tathienbao/exit-engine/internal/pending"
	"github.com/tathienbao/exit-engine/internal/position"
	"github.com/tathienbao/exit-engine/internal/types"
)

const defaultWriteTimeout = 5 * time.Second

// Store wraps a Repository for best-effort side writes. Failures are
// logged and counted and never returned to exit-management logic.
// A nil Store, or one without a repository, discards every write.
type Store struct {
	repo     Repository
	logger   *slog.Logger
	recorder *metrics.Recorder
	timeout  time.Duration
}

// NewStore creates a best-effort store over repo.
func NewStore(repo Repository, recorder *metrics.Recorder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewRecorder()
	}
	return &Store{
		repo:     repo,
		logger:   logger,
		recorder: recorder,
		timeout:  defaultWriteTimeout,
	}
}

// Repository returns the wrapped repository, or nil.
func (s *Store) Repository() Repository {
	if s == nil {
		return nil
	}
	return s.repo
}

func (s *Store) write(ctx context.Context, op string, fn func(ctx context.Context) error, attrs ...any) {
	if s == nil || s.repo == nil {
		return
	}
	// Detached so a cancelled caller still gets its audit row.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		s.recorder.RecordPersistenceError(op)
		s.logger.Warn("persistence write failed", append([]any{"op", op, "err", err}, attrs...)...)
	}
}

// UpsertTrade stores the trade.
func (s *Store) UpsertTrade(ctx context.Context, t types.Trade) {
	s.write(ctx, "upsert_trade", func(ctx context.Context) error {
		return s.repo.UpsertTrade(ctx, t)
	}, "trade_id", t.ID)
}

// UpsertPosition stores the position.
func (s *Store) UpsertPosition(ctx context.Context, p *position.ManagedPosition) {
	if p == nil {
		return
	}
	snapshot := *p
	s.write(ctx, "upsert_position", func(ctx context.Context) error {
		return s.repo.UpsertPosition(ctx, snapshot)
	}, "symbol", p.Symbol)
}

// ClosePosition marks the position closed.
func (s *Store) ClosePosition(ctx context.Context, tradeID string, at time.Time) {
	s.write(ctx, "close_position", func(ctx context.Context) error {
		return s.repo.ClosePosition(ctx, tradeID, at)
	}, "trade_id", tradeID)
}

// SavePendingEntry stores the entry's current flags.
func (s *Store) SavePendingEntry(ctx context.Context, e pending.EntryOrder) {
	s.write(ctx, "save_pending_entry", func(ctx context.Context) error {
		return s.repo.SavePendingEntry(ctx, e)
	}, "order_id", e.OrderID)
}

// SaveCooldown stores a stop-out.
func (s *Store) SaveCooldown(ctx context.Context, symbol string, at time.Time) {
	s.write(ctx, "save_cooldown", func(ctx context.Context) error {
		return s.repo.SaveCooldown(ctx, symbol, at)
	}, "symbol", symbol)
}

// SaveState stores the engine state.
func (s *Store) SaveState(ctx context.Context, state EngineState) {
	s.write(ctx, "save_state", func(ctx context.Context) error {
		return s.repo.SaveState(ctx, state)
	})
}
