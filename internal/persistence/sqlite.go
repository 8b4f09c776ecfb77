package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/pending"
	"github.com/tathienbao/exit-engine/internal/position"
	"github.com/tathienbao/exit-engine/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}

	if err := repo.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side INTEGER NOT NULL,
			quantity INTEGER NOT NULL,
			entry_order_id TEXT,
			entry_price TEXT NOT NULL,
			entry_time DATETIME NOT NULL,
			exit_price TEXT NOT NULL DEFAULT '0',
			exit_time DATETIME,
			exit_reason TEXT,
			realized_pl TEXT NOT NULL DEFAULT '0',
			r_multiple TEXT NOT NULL DEFAULT '0',
			is_open INTEGER NOT NULL DEFAULT 1,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time)`,

		`CREATE TABLE IF NOT EXISTS managed_positions (
			trade_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side INTEGER NOT NULL,
			entry_order_id TEXT,
			original_quantity INTEGER NOT NULL,
			remaining_quantity INTEGER NOT NULL,
			entry_price TEXT NOT NULL,
			initial_stop TEXT NOT NULL,
			current_stop TEXT NOT NULL,
			trail_distance TEXT NOT NULL,
			take_profit TEXT NOT NULL,
			trailing_level INTEGER NOT NULL,
			t1_price TEXT NOT NULL,
			t2_price TEXT NOT NULL,
			t3_price TEXT NOT NULL,
			t1_executed INTEGER NOT NULL DEFAULT 0,
			t2_executed INTEGER NOT NULL DEFAULT 0,
			t3_executed INTEGER NOT NULL DEFAULT 0,
			bars_in_favor INTEGER NOT NULL DEFAULT 0,
			max_favorable_price TEXT NOT NULL DEFAULT '0',
			realized_pl TEXT NOT NULL DEFAULT '0',
			last_bar_time DATETIME,
			stop_order_id TEXT,
			take_profit_order_id TEXT,
			opened_at DATETIME NOT NULL,
			last_update DATETIME NOT NULL,
			is_open INTEGER NOT NULL DEFAULT 1,
			closed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_managed_positions_open ON managed_positions(is_open)`,

		`CREATE TABLE IF NOT EXISTS pending_entries (
			order_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side INTEGER NOT NULL,
			quantity INTEGER NOT NULL,
			trail_distance TEXT NOT NULL,
			take_profit_price TEXT NOT NULL,
			trade_id TEXT NOT NULL,
			needs_stops INTEGER NOT NULL,
			stops_placed INTEGER NOT NULL DEFAULT 0,
			entry_failed INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS cooldowns (
			symbol TEXT PRIMARY KEY,
			stopped_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS engine_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_updated DATETIME NOT NULL,
			last_sweep_at DATETIME,
			last_cutoff_day TEXT
		)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// UpsertTrade inserts a trade or replaces the stored row for its id.
func (r *SQLiteRepository) UpsertTrade(ctx context.Context, trade types.Trade) error {
	query := `INSERT INTO trades
		(id, symbol, side, quantity, entry_order_id, entry_price, entry_time, exit_price, exit_time, exit_reason, realized_pl, r_multiple, is_open, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			quantity = excluded.quantity,
			exit_price = excluded.exit_price,
			exit_time = excluded.exit_time,
			exit_reason = excluded.exit_reason,
			realized_pl = excluded.realized_pl,
			r_multiple = excluded.r_multiple,
			is_open = excluded.is_open,
			updated_at = CURRENT_TIMESTAMP`

	_, err := r.db.ExecContext(ctx, query,
		trade.ID,
		trade.Symbol,
		trade.Side,
		trade.Quantity,
		trade.EntryOrderID,
		trade.EntryPrice.String(),
		trade.EntryTime.UTC(),
		trade.ExitPrice.String(),
		nullTime(trade.ExitTime.UTC()),
		trade.ExitReason,
		trade.RealizedPL.String(),
		trade.RMultiple.String(),
		boolToInt(trade.Open),
	)
	if err != nil {
		return fmt.Errorf("upsert trade: %w", err)
	}

	return nil
}

const tradeColumns = `id, symbol, side, quantity, entry_order_id, entry_price, entry_time, exit_price, exit_time, exit_reason, realized_pl, r_multiple, is_open`

// GetTrade returns the trade with id, or nil if none exists.
func (r *SQLiteRepository) GetTrade(ctx context.Context, id string) (*types.Trade, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query trade: %w", err)
	}
	defer func() { _ = rows.Close() }()

	trades, err := scanTrades(rows)
	if err != nil || len(trades) == 0 {
		return nil, err
	}
	return &trades[0], nil
}

// GetClosedTrades returns trades that exited in [from, to], newest first.
func (r *SQLiteRepository) GetClosedTrades(ctx context.Context, from, to time.Time) ([]types.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE is_open = 0 AND exit_time BETWEEN ? AND ? ORDER BY exit_time DESC`

	rows, err := r.db.QueryContext(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func scanTrades(rows *sql.Rows) ([]types.Trade, error) {
	var trades []types.Trade
	for rows.Next() {
		var t types.Trade
		var entryPrice, exitPrice, realizedPL, rMultiple string
		var entryOrderID, exitReason sql.NullString
		var exitTime sql.NullTime
		var open int

		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &t.Quantity, &entryOrderID, &entryPrice, &t.EntryTime,
			&exitPrice, &exitTime, &exitReason, &realizedPL, &rMultiple, &open); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		t.EntryOrderID = entryOrderID.String
		t.EntryPrice, _ = decimal.NewFromString(entryPrice)
		t.ExitPrice, _ = decimal.NewFromString(exitPrice)
		if exitTime.Valid {
			t.ExitTime = exitTime.Time
		}
		t.ExitReason = exitReason.String
		t.RealizedPL, _ = decimal.NewFromString(realizedPL)
		t.RMultiple, _ = decimal.NewFromString(rMultiple)
		t.Open = open == 1

		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// UpsertPosition stores the full state of an open managed position.
func (r *SQLiteRepository) UpsertPosition(ctx context.Context, p position.ManagedPosition) error {
	query := `INSERT OR REPLACE INTO managed_positions
		(trade_id, symbol, side, entry_order_id, original_quantity, remaining_quantity,
		 entry_price, initial_stop, current_stop, trail_distance, take_profit, trailing_level,
		 t1_price, t2_price, t3_price, t1_executed, t2_executed, t3_executed,
		 bars_in_favor, max_favorable_price, realized_pl, last_bar_time, stop_order_id, take_profit_order_id,
		 opened_at, last_update, is_open)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`

	_, err := r.db.ExecContext(ctx, query,
		p.TradeID,
		p.Symbol,
		p.Side,
		p.EntryOrderID,
		p.OriginalQuantity,
		p.RemainingQuantity,
		p.EntryPrice.String(),
		p.InitialStop.String(),
		p.CurrentStop.String(),
		p.TrailDistance.String(),
		p.TakeProfit.String(),
		p.TrailingLevel,
		p.ScaleOut.T1Price.String(),
		p.ScaleOut.T2Price.String(),
		p.ScaleOut.T3Price.String(),
		boolToInt(p.ScaleOut.T1Executed),
		boolToInt(p.ScaleOut.T2Executed),
		boolToInt(p.ScaleOut.T3Executed),
		p.BarsInFavor,
		p.MaxFavorablePrice.String(),
		p.RealizedPL.String(),
		nullTime(p.LastBarTime),
		p.StopOrderID,
		p.TakeProfitOrderID,
		p.OpenedAt,
		p.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}

	return nil
}

// ClosePosition marks a managed position as closed.
func (r *SQLiteRepository) ClosePosition(ctx context.Context, tradeID string, closedAt time.Time) error {
	query := `UPDATE managed_positions SET is_open = 0, remaining_quantity = 0, closed_at = ? WHERE trade_id = ?`

	if _, err := r.db.ExecContext(ctx, query, closedAt, tradeID); err != nil {
		return fmt.Errorf("close position: %w", err)
	}

	return nil
}

// GetOpenPositions returns all open managed positions.
func (r *SQLiteRepository) GetOpenPositions(ctx context.Context) ([]position.ManagedPosition, error) {
	query := `SELECT trade_id, symbol, side, entry_order_id, original_quantity, remaining_quantity,
		entry_price, initial_stop, current_stop, trail_distance, take_profit, trailing_level,
		t1_price, t2_price, t3_price, t1_executed, t2_executed, t3_executed,
		bars_in_favor, max_favorable_price, realized_pl, last_bar_time, stop_order_id, take_profit_order_id,
		opened_at, last_update
		FROM managed_positions WHERE is_open = 1 ORDER BY opened_at`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var positions []position.ManagedPosition
	for rows.Next() {
		var p position.ManagedPosition
		var entryPrice, initialStop, currentStop, trail, takeProfit string
		var t1, t2, t3, maxFav, realized string
		var t1Done, t2Done, t3Done int
		var entryOrderID, stopOrderID, tpOrderID sql.NullString
		var lastBar sql.NullTime

		if err := rows.Scan(&p.TradeID, &p.Symbol, &p.Side, &entryOrderID, &p.OriginalQuantity, &p.RemainingQuantity,
			&entryPrice, &initialStop, &currentStop, &trail, &takeProfit, &p.TrailingLevel,
			&t1, &t2, &t3, &t1Done, &t2Done, &t3Done,
			&p.BarsInFavor, &maxFav, &realized, &lastBar, &stopOrderID, &tpOrderID,
			&p.OpenedAt, &p.LastUpdate); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		p.EntryOrderID = entryOrderID.String
		p.EntryPrice, _ = decimal.NewFromString(entryPrice)
		p.InitialStop, _ = decimal.NewFromString(initialStop)
		p.CurrentStop, _ = decimal.NewFromString(currentStop)
		p.TrailDistance, _ = decimal.NewFromString(trail)
		p.TakeProfit, _ = decimal.NewFromString(takeProfit)
		p.ScaleOut.T1Price, _ = decimal.NewFromString(t1)
		p.ScaleOut.T2Price, _ = decimal.NewFromString(t2)
		p.ScaleOut.T3Price, _ = decimal.NewFromString(t3)
		p.ScaleOut.T1Executed = t1Done == 1
		p.ScaleOut.T2Executed = t2Done == 1
		p.ScaleOut.T3Executed = t3Done == 1
		p.MaxFavorablePrice, _ = decimal.NewFromString(maxFav)
		p.RealizedPL, _ = decimal.NewFromString(realized)
		if lastBar.Valid {
			p.LastBarTime = lastBar.Time
		}
		p.StopOrderID = stopOrderID.String
		p.TakeProfitOrderID = tpOrderID.String

		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// SavePendingEntry inserts or updates a pending entry order.
func (r *SQLiteRepository) SavePendingEntry(ctx context.Context, e pending.EntryOrder) error {
	query := `INSERT INTO pending_entries
		(order_id, symbol, side, quantity, trail_distance, take_profit_price, trade_id, needs_stops, stops_placed, entry_failed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(order_id) DO UPDATE SET
			stops_placed = excluded.stops_placed,
			entry_failed = excluded.entry_failed,
			updated_at = CURRENT_TIMESTAMP`

	_, err := r.db.ExecContext(ctx, query,
		e.OrderID,
		e.Symbol,
		e.Side,
		e.Quantity,
		e.TrailDistance.String(),
		e.TakeProfitPrice.String(),
		e.TradeID,
		boolToInt(e.NeedsStops),
		boolToInt(e.StopsPlaced),
		boolToInt(e.EntryFailed),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save pending entry: %w", err)
	}

	return nil
}

// GetUnsettledEntries returns entries that still need protection, oldest first.
func (r *SQLiteRepository) GetUnsettledEntries(ctx context.Context) ([]pending.EntryOrder, error) {
	query := `SELECT order_id, symbol, side, quantity, trail_distance, take_profit_price, trade_id, needs_stops, stops_placed, entry_failed, created_at
		FROM pending_entries WHERE needs_stops = 1 AND stops_placed = 0 AND entry_failed = 0 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []pending.EntryOrder
	for rows.Next() {
		var e pending.EntryOrder
		var trail, tp string
		var needs, placed, failed int

		if err := rows.Scan(&e.OrderID, &e.Symbol, &e.Side, &e.Quantity, &trail, &tp, &e.TradeID,
			&needs, &placed, &failed, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		e.TrailDistance, _ = decimal.NewFromString(trail)
		e.TakeProfitPrice, _ = decimal.NewFromString(tp)
		e.NeedsStops = needs == 1
		e.StopsPlaced = placed == 1
		e.EntryFailed = failed == 1

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// SaveCooldown records a stop-out time for symbol.
func (r *SQLiteRepository) SaveCooldown(ctx context.Context, symbol string, stoppedAt time.Time) error {
	query := `INSERT OR REPLACE INTO cooldowns (symbol, stopped_at) VALUES (?, ?)`

	if _, err := r.db.ExecContext(ctx, query, symbol, stoppedAt); err != nil {
		return fmt.Errorf("save cooldown: %w", err)
	}

	return nil
}

// GetCooldowns returns stop-outs recorded at or after since.
func (r *SQLiteRepository) GetCooldowns(ctx context.Context, since time.Time) (map[string]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT symbol, stopped_at FROM cooldowns`)
	if err != nil {
		return nil, fmt.Errorf("query cooldowns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]time.Time)
	for rows.Next() {
		var symbol string
		var at time.Time
		if err := rows.Scan(&symbol, &at); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if !at.Before(since) {
			out[symbol] = at
		}
	}

	return out, rows.Err()
}

// DeleteCooldown removes the cooldown for symbol.
func (r *SQLiteRepository) DeleteCooldown(ctx context.Context, symbol string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM cooldowns WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("delete cooldown: %w", err)
	}
	return nil
}

// SaveState saves the engine state.
func (r *SQLiteRepository) SaveState(ctx context.Context, state EngineState) error {
	query := `INSERT OR REPLACE INTO engine_state (id, last_updated, last_sweep_at, last_cutoff_day)
		VALUES (1, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		state.LastUpdated,
		nullTime(state.LastSweepAt),
		state.LastCutoffDay,
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	return nil
}

// GetState returns the saved engine state, or nil if none was saved.
func (r *SQLiteRepository) GetState(ctx context.Context) (*EngineState, error) {
	query := `SELECT last_updated, last_sweep_at, last_cutoff_day FROM engine_state WHERE id = 1`

	var state EngineState
	var lastSweep sql.NullTime
	var cutoffDay sql.NullString

	err := r.db.QueryRowContext(ctx, query).Scan(&state.LastUpdated, &lastSweep, &cutoffDay)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}

	if lastSweep.Valid {
		state.LastSweepAt = lastSweep.Time
	}
	state.LastCutoffDay = cutoffDay.String

	return &state, nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var _ Repository = (*SQLiteRepository)(nil)
