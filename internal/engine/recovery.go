package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/tathienbao/exit-engine/internal/types"
)

// RecoveryReport counts what Recover restored.
type RecoveryReport struct {
	PendingEntries int
	Positions      int
	Cooldowns      int
	CutoffDay      string
}

// Recover reloads unsettled entries, open positions, live cooldowns and the
// last cutoff day from the repository. It must run before Start. Filled
// entries that lost their protection are picked up by the first sweep.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	repo := e.store.Repository()
	if repo == nil {
		return rep, nil
	}

	entries, err := repo.GetUnsettledEntries(ctx)
	if err != nil {
		return rep, fmt.Errorf("load pending entries: %w", err)
	}
	for _, entry := range entries {
		if err := e.book.Add(entry); err != nil && !errors.Is(err, types.ErrDuplicateOrder) {
			e.logger.Warn("skipping pending entry", "order_id", entry.OrderID, "err", err)
			continue
		}
		rep.PendingEntries++
	}

	positions, err := repo.GetOpenPositions(ctx)
	if err != nil {
		return rep, fmt.Errorf("load open positions: %w", err)
	}
	for i := range positions {
		p := &positions[i]
		if err := e.registry.Create(p); err != nil {
			e.logger.Error("failed to restore position", "symbol", p.Symbol, "trade_id", p.TradeID, "err", err)
			continue
		}
		e.recorder.RecordTrailingLevel(p.Symbol, int(p.TrailingLevel))
		rep.Positions++
	}
	e.recorder.RecordManagedPositions(e.registry.Len())

	since := e.now().Add(-e.cooldowns.Duration())
	cooldowns, err := repo.GetCooldowns(ctx, since)
	if err != nil {
		return rep, fmt.Errorf("load cooldowns: %w", err)
	}
	for symbol, at := range cooldowns {
		e.cooldowns.Restore(symbol, at)
	}
	rep.Cooldowns = e.cooldowns.Len()

	state, err := repo.GetState(ctx)
	if err != nil {
		return rep, fmt.Errorf("load engine state: %w", err)
	}
	if state != nil {
		e.cutoff.restore(state.LastCutoffDay)
		rep.CutoffDay = state.LastCutoffDay
	}

	e.logger.Info("state recovered",
		"pending_entries", rep.PendingEntries,
		"positions", rep.Positions,
		"cooldowns", rep.Cooldowns,
		"last_cutoff_day", rep.CutoffDay,
	)
	return rep, nil
}
