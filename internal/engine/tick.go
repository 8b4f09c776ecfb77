package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/alerting"
	"github.com/tathienbao/exit-engine/internal/position"
	"github.com/tathienbao/exit-engine/internal/protect"
	"github.com/tathienbao/exit-engine/internal/scaleout"
	"github.com/tathienbao/exit-engine/internal/trailing"
	"github.com/tathienbao/exit-engine/internal/types"
)

// Tick evaluates every managed position against the bars that closed
// since its last evaluation. Positions are handled one at a time.
func (e *Engine) Tick(ctx context.Context) {
	for _, symbol := range e.registry.Symbols() {
		if ctx.Err() != nil {
			return
		}
		if err := e.evaluate(ctx, symbol); err != nil {
			e.recorder.RecordError("tick")
			e.logger.Warn("position evaluation failed", "symbol", symbol, "err", err)
		}
	}

	if n := e.cooldowns.Prune(); n > 0 {
		e.logger.Debug("expired cooldowns pruned", "count", n)
	}
	e.recorder.RecordManagedPositions(e.registry.Len())
	e.recorder.RecordHeartbeat()

	e.mu.Lock()
	e.lastTick = e.now()
	e.mu.Unlock()

	e.checkSessionCutoff(ctx)
}

func (e *Engine) evaluate(ctx context.Context, symbol string) error {
	unlock := e.lockSymbol(symbol)
	defer unlock()

	pos, ok := e.registry.Get(symbol)
	if !ok {
		return nil
	}
	if closed, err := e.checkLegs(ctx, pos); err != nil || closed {
		return err
	}

	bars, err := e.feed.GetRecentBars(ctx, symbol, e.cfg.Timeframe, e.cfg.BarLookback)
	if err != nil {
		return fmt.Errorf("get bars: %w", err)
	}
	if len(bars) == 0 {
		return nil
	}

	// The bar current at the first evaluation may predate the fill, so it
	// only sets the baseline.
	if pos.LastBarTime.IsZero() {
		last := bars[len(bars)-1]
		e.markPrice(symbol, last)
		_, err := e.registry.Update(symbol, func(p *position.ManagedPosition) error {
			p.LastBarTime = last.Timestamp
			return nil
		})
		return err
	}

	for i, bar := range bars {
		if !bar.Timestamp.After(pos.LastBarTime) {
			continue
		}
		closed, err := e.onBar(ctx, symbol, bars[:i+1])
		if err != nil || closed {
			return err
		}
	}
	return nil
}

// onBar runs the exit rules for the last bar of history: stop touch, then
// scale-out, then the trailing update. Returns true once the position is
// gone.
func (e *Engine) onBar(ctx context.Context, symbol string, history []types.Bar) (bool, error) {
	bar := history[len(history)-1]
	e.markPrice(symbol, bar)

	pos, ok := e.registry.Get(symbol)
	if !ok {
		return true, nil
	}

	if pos.StopTouched(bar) {
		e.logger.Info("stop touched",
			"symbol", symbol,
			"stop", pos.CurrentStop,
			"level", pos.TrailingLevel,
			"bar", bar.Timestamp,
		)
		res := e.closeLocked(ctx, pos, ReasonStop, pos.CurrentStop, true)
		return res.OK(), res.Err
	}

	if due := scaleout.Due(e.cfg.ScaleOut, pos, favorableExtreme(pos.Side, bar)); len(due) > 0 {
		if err := e.scaleOut(ctx, pos, due); err != nil {
			return false, err
		}
		if _, ok := e.registry.Get(symbol); !ok {
			return true, nil
		}
	}

	return false, e.trail(ctx, symbol, history)
}

// scaleOut sells the due tranches in order and resizes the protective legs
// to what is left. A tranche whose order fails stops the sequence for this
// bar; it stays due and is retried on a later bar that reaches its target.
func (e *Engine) scaleOut(ctx context.Context, pos *position.ManagedPosition, due []scaleout.Tranche) error {
	applied := 0
	for _, tr := range due {
		price := tr.Target
		var orderID string
		if tr.Quantity > 0 {
			id, err := e.submitMarket(ctx, pos.Symbol, pos.Side.Opposite(), tr.Quantity)
			if err != nil {
				e.scaleOutFailed(ctx, pos.Symbol, tr, err)
				break
			}
			orderID = id
			price = e.fillPrice(ctx, id, tr.Target)
		}

		updated, err := e.registry.Update(pos.Symbol, func(p *position.ManagedPosition) error {
			if err := scaleout.Apply(p, tr); err != nil {
				return err
			}
			p.RealizedPL = p.RealizedPL.Add(profit(p.Side, p.EntryPrice, price, tr.Quantity))
			p.LastUpdate = e.now()
			return nil
		})
		if err != nil {
			return fmt.Errorf("apply %s: %w", tr.Tier, err)
		}
		applied++

		e.recorder.RecordScaleOut(pos.Symbol, tr.Tier.String())
		e.logger.Info("scale-out executed",
			"symbol", pos.Symbol,
			"tier", tr.Tier.String(),
			"quantity", tr.Quantity,
			"target", tr.Target,
			"price", price,
			"order_id", orderID,
			"remaining", updated.RemainingQuantity,
		)
		if err := alerting.Emit(ctx, e.alerter, alerting.EventScaleOut, "Scale-out executed",
			"symbol", pos.Symbol,
			"tier", tr.Tier.String(),
			"quantity", tr.Quantity,
			"price", price.StringFixed(2),
			"remaining", updated.RemainingQuantity,
		); err != nil {
			e.logger.Warn("failed to send alert", "err", err)
		}

		if updated.RemainingQuantity == 0 {
			e.finalize(ctx, updated, price, ReasonTarget, false)
			return nil
		}
		e.store.UpsertPosition(ctx, updated)
	}
	if applied == 0 {
		return nil
	}

	if _, err := e.placer.Resize(ctx, pos.Symbol); err != nil {
		if errors.Is(err, protect.ErrLegFinal) {
			// The next leg check settles the filled leg.
			e.logger.Error("protective leg completed during scale-out", "symbol", pos.Symbol, "err", err)
			return nil
		}
		return fmt.Errorf("resize legs: %w", err)
	}
	return nil
}

func (e *Engine) scaleOutFailed(ctx context.Context, symbol string, tr scaleout.Tranche, err error) {
	e.recorder.RecordError("scale_out")
	e.logger.Warn("scale-out order failed",
		"symbol", symbol,
		"tier", tr.Tier.String(),
		"quantity", tr.Quantity,
		"target", tr.Target,
		"err", err,
	)
	if aerr := alerting.Emit(ctx, e.alerter, alerting.EventScaleOutFailed, "Scale-out order failed",
		"symbol", symbol,
		"tier", tr.Tier.String(),
		"quantity", tr.Quantity,
		"error", err.Error(),
	); aerr != nil {
		e.logger.Warn("failed to send alert", "err", aerr)
	}
}

// trail updates bars in favor and the favorable extreme, then advances the
// trailing level and tightens the stop.
func (e *Engine) trail(ctx context.Context, symbol string, history []types.Bar) error {
	bar := history[len(history)-1]
	var prevClose decimal.Decimal
	if len(history) > 1 {
		prevClose = history[len(history)-2].Close
	}

	var (
		decision trailing.Decision
		before   position.TrailingLevel
	)
	updated, err := e.registry.Update(symbol, func(p *position.ManagedPosition) error {
		before = p.TrailingLevel
		if trailing.Favorable(p.Side, p.EntryPrice, prevClose, bar) {
			p.BarsInFavor++
		} else {
			p.BarsInFavor = 0
		}
		if ext := favorableExtreme(p.Side, bar); p.Side.Beyond(ext, p.MaxFavorablePrice) {
			p.MaxFavorablePrice = ext
		}

		decision = trailing.Evaluate(e.cfg.Trailing, trailing.Input{
			Side:        p.Side,
			Level:       p.TrailingLevel,
			BarsInFavor: p.BarsInFavor,
			T2Executed:  p.ScaleOut.T2Executed,
			EntryPrice:  p.EntryPrice,
			CurrentStop: p.CurrentStop,
			Bars:        history,
		})
		p.Advance(decision.Level)
		if decision.Moved {
			p.TightenStop(decision.Stop)
		}
		p.LastBarTime = bar.Timestamp
		p.LastUpdate = e.now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("update trailing state: %w", err)
	}

	if updated.TrailingLevel != before {
		e.recorder.RecordTrailingLevel(symbol, int(updated.TrailingLevel))
		e.logger.Info("trailing level advanced",
			"symbol", symbol,
			"from", before,
			"to", updated.TrailingLevel,
			"bars_in_favor", updated.BarsInFavor,
		)
	}
	if decision.Moved {
		e.recorder.RecordStopMove(symbol, updated.TrailingLevel.String())
		e.logger.Info("stop tightened",
			"symbol", symbol,
			"stop", updated.CurrentStop,
			"level", updated.TrailingLevel,
		)
	}
	e.store.UpsertPosition(ctx, updated)
	return nil
}

func (e *Engine) markPrice(symbol string, bar types.Bar) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastPrice[symbol] = priceMark{close: bar.Close, at: bar.Timestamp}
}

// lastClose returns the last seen close for symbol, or fallback.
func (e *Engine) lastClose(symbol string, fallback decimal.Decimal) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if m, ok := e.lastPrice[symbol]; ok && m.close.IsPositive() {
		return m.close
	}
	return fallback
}

// favorableExtreme is the bar's best price for the position: the high for
// a long and the low for a short.
func favorableExtreme(side types.Side, bar types.Bar) decimal.Decimal {
	if side == types.SideShort {
		return bar.Low
	}
	return bar.High
}

// profit is the P/L of closing qty units opened at entry.
func profit(side types.Side, entry, exit decimal.Decimal, qty int) decimal.Decimal {
	diff := exit.Sub(entry)
	if side == types.SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(int64(qty)))
}
