// Package persistence stores exit-engine state for audit and restart recovery.
package persistence

import (
	"context"
	"time"

	"github.com/tathienbao/exit-engine/internal/pending"
	"github.com/tathienbao/exit-engine/internal/position"
	"github.com/tathienbao/exit-engine/internal/types"
)

// Repository defines the interface for state persistence.
type Repository interface {
	// Trade operations
	UpsertTrade(ctx context.Context, trade types.Trade) error
	GetTrade(ctx context.Context, id string) (*types.Trade, error)
	GetClosedTrades(ctx context.Context, from, to time.Time) ([]types.Trade, error)

	// Managed position operations, keyed by trade id
	UpsertPosition(ctx context.Context, pos position.ManagedPosition) error
	ClosePosition(ctx context.Context, tradeID string, closedAt time.Time) error
	GetOpenPositions(ctx context.Context) ([]position.ManagedPosition, error)

	// Pending entry operations
	SavePendingEntry(ctx context.Context, entry pending.EntryOrder) error
	GetUnsettledEntries(ctx context.Context) ([]pending.EntryOrder, error)

	// Cooldown operations
	SaveCooldown(ctx context.Context, symbol string, stoppedAt time.Time) error
	GetCooldowns(ctx context.Context, since time.Time) (map[string]time.Time, error)
	DeleteCooldown(ctx context.Context, symbol string) error

	// State operations
	SaveState(ctx context.Context, state EngineState) error
	GetState(ctx context.Context) (*EngineState, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// EngineState is the engine-wide state kept across restarts.
type EngineState struct {
	LastUpdated   time.Time
	LastSweepAt   time.Time
	LastCutoffDay string // YYYY-MM-DD in the session timezone
}
