package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/alerting"
	"github.com/tathienbao/exit-engine/internal/broker"
	"github.com/tathienbao/exit-engine/internal/metrics"
	"github.com/tathienbao/exit-engine/internal/position"
	"github.com/tathienbao/exit-engine/internal/types"
)

// Exit reasons recorded on closed trades.
const (
	ReasonStop          = "stop"
	ReasonTarget        = "target"
	ReasonManual        = "manual"
	ReasonSessionCutoff = "session_cutoff"
)

// CloseResult reports one force-close.
type CloseResult struct {
	Symbol    string
	Reason    string
	Cancelled int // open orders cancelled before the market order
	OrderID   string
	Quantity  int
	ExitPrice decimal.Decimal
	// ClosedByLeg is true when a protective leg had already filled.
	ClosedByLeg bool
	Err         error
}

// OK reports whether the position is flat.
func (r CloseResult) OK() bool {
	return r.Err == nil
}

// ForceClose cancels every open order for symbol and then closes the
// remaining quantity at market.
func (e *Engine) ForceClose(ctx context.Context, symbol, reason string) CloseResult {
	if reason == "" {
		reason = ReasonManual
	}

	unlock := e.lockSymbol(symbol)
	defer unlock()

	pos, ok := e.registry.Get(symbol)
	if !ok {
		return CloseResult{
			Symbol: symbol,
			Reason: reason,
			Err:    fmt.Errorf("%w: %s", types.ErrPositionNotFound, symbol),
		}
	}

	res := e.closeLocked(ctx, pos, reason, e.lastClose(symbol, pos.EntryPrice), false)
	e.recorder.RecordForceClose(res.OK())

	if res.OK() {
		e.logger.Info("position force-closed",
			"symbol", symbol,
			"reason", reason,
			"cancelled", res.Cancelled,
			"quantity", res.Quantity,
			"price", res.ExitPrice,
			"closed_by_leg", res.ClosedByLeg,
		)
		if err := alerting.Emit(ctx, e.alerter, alerting.EventForceClose, "Position force-closed",
			"symbol", symbol,
			"reason", reason,
			"quantity", res.Quantity,
		); err != nil {
			e.logger.Warn("failed to send alert", "err", err)
		}
		return res
	}

	e.logger.Error("force-close failed",
		"symbol", symbol,
		"reason", reason,
		"cancelled", res.Cancelled,
		"err", res.Err,
	)
	if err := alerting.Emit(ctx, e.alerter, alerting.EventForceCloseFailed, "Force-close failed",
		"symbol", symbol,
		"reason", reason,
		"cancelled", res.Cancelled,
		"error", res.Err.Error(),
	); err != nil {
		e.logger.Warn("failed to send alert", "err", err)
	}
	return res
}

// CloseAll force-closes every managed position. A failure on one symbol
// does not stop the others.
func (e *Engine) CloseAll(ctx context.Context, reason string) []CloseResult {
	symbols := e.registry.Symbols()
	results := make([]CloseResult, 0, len(symbols))
	failed := 0
	for _, symbol := range symbols {
		res := e.ForceClose(ctx, symbol, reason)
		if !res.OK() {
			failed++
		}
		results = append(results, res)
	}
	if len(symbols) > 0 {
		e.logger.Info("close-all finished",
			"reason", reason,
			"closed", len(symbols)-failed,
			"failed", failed,
		)
	}
	return results
}

// closeLocked flattens pos. Open orders are cancelled before the market
// order is sent, and a failed cancel aborts the close. The symbol lock must
// be held.
func (e *Engine) closeLocked(ctx context.Context, pos *position.ManagedPosition, reason string, fallback decimal.Decimal, stopOut bool) CloseResult {
	res := CloseResult{Symbol: pos.Symbol, Reason: reason}

	if closed, err := e.checkLegs(ctx, pos); err == nil && closed {
		res.ClosedByLeg = true
		return res
	}

	n, final, err := e.cancelOpenOrders(ctx, pos.Symbol, pos.StopOrderID, pos.TakeProfitOrderID)
	res.Cancelled = n
	if err != nil {
		res.Err = fmt.Errorf("cancel open orders: %w", err)
		return res
	}
	if final[pos.StopOrderID] || final[pos.TakeProfitOrderID] {
		// A leg completed between the check and the cancel.
		if closed, err := e.checkLegs(ctx, pos); err == nil && closed {
			res.ClosedByLeg = true
			return res
		}
	}

	current, ok := e.registry.Get(pos.Symbol)
	if !ok {
		return res
	}
	id, err := e.submitMarket(ctx, current.Symbol, current.Side.Opposite(), current.RemainingQuantity)
	if err != nil {
		res.Err = fmt.Errorf("submit market close: %w", err)
		if alertErr := alerting.Emit(ctx, e.alerter, alerting.EventUnprotectedPosition,
			"Exit legs cancelled but market close failed",
			"symbol", current.Symbol,
			"quantity", current.RemainingQuantity,
			"error", err.Error(),
		); alertErr != nil {
			e.logger.Warn("failed to send alert", "err", alertErr)
		}
		return res
	}

	res.OrderID = id
	res.Quantity = current.RemainingQuantity
	res.ExitPrice = e.fillPrice(ctx, id, fallback)

	if last, ok := e.registry.Remove(current.Symbol); ok {
		e.finalize(ctx, last, res.ExitPrice, reason, stopOut)
	}
	return res
}

// checkLegs closes the position when one of its protective legs filled,
// cancelling the sibling leg first.
func (e *Engine) checkLegs(ctx context.Context, pos *position.ManagedPosition) (bool, error) {
	legs := []struct {
		id      string
		sibling string
		reason  string
		stopOut bool
	}{
		{pos.StopOrderID, pos.TakeProfitOrderID, ReasonStop, true},
		{pos.TakeProfitOrderID, pos.StopOrderID, ReasonTarget, false},
	}

	for _, leg := range legs {
		if leg.id == "" {
			continue
		}
		o, err := e.gw.GetOrder(ctx, leg.id)
		if err != nil {
			if errors.Is(err, broker.ErrOrderNotFound) {
				continue
			}
			return false, fmt.Errorf("query leg %s: %w", leg.id, err)
		}
		if o.Status != types.OrderStatusFilled {
			continue
		}

		if leg.sibling != "" {
			cancelled, err := e.gw.CancelOrder(ctx, leg.sibling)
			switch {
			case err != nil && !errors.Is(err, broker.ErrOrderNotFound):
				e.logger.Error("failed to cancel sibling leg", "symbol", pos.Symbol, "order_id", leg.sibling, "err", err)
			case err == nil && !cancelled:
				e.logger.Error("sibling leg already final, position may be over-exited",
					"symbol", pos.Symbol,
					"order_id", leg.sibling,
				)
			}
		}

		last, ok := e.registry.Remove(pos.Symbol)
		if !ok {
			return true, nil
		}
		price := o.AvgFillPrice
		if !price.IsPositive() {
			price = last.CurrentStop
			if leg.reason == ReasonTarget {
				price = last.TakeProfit
			}
		}
		e.finalize(ctx, last, price, leg.reason, leg.stopOut)
		return true, nil
	}
	return false, nil
}

// cancelOpenOrders cancels every working order for symbol plus the given
// ids. It returns how many were cancelled and which ids were already final.
func (e *Engine) cancelOpenOrders(ctx context.Context, symbol string, ids ...string) (int, map[string]bool, error) {
	open, err := e.gw.ListOrders(ctx, broker.OrderFilter{
		Status:  broker.StatusOpen,
		Symbols: []string{symbol},
	})
	if err != nil {
		return 0, nil, fmt.Errorf("list open orders: %w", err)
	}

	seen := make(map[string]bool)
	targets := make([]string, 0, len(open)+len(ids))
	for _, o := range open {
		if !seen[o.OrderID] {
			seen[o.OrderID] = true
			targets = append(targets, o.OrderID)
		}
	}
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			targets = append(targets, id)
		}
	}

	final := make(map[string]bool)
	cancelled := 0
	var errs []error
	for _, id := range targets {
		ok, err := e.gw.CancelOrder(ctx, id)
		switch {
		case errors.Is(err, broker.ErrOrderNotFound):
		case err != nil:
			errs = append(errs, fmt.Errorf("cancel %s: %w", id, err))
		case ok:
			cancelled++
		default:
			final[id] = true
		}
	}
	return cancelled, final, errors.Join(errs...)
}

func (e *Engine) submitMarket(ctx context.Context, symbol string, side types.Side, qty int) (string, error) {
	timer := metrics.NewTimer()
	id, err := e.gw.SubmitOrder(ctx, broker.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		Type:          broker.OrderTypeMarket,
	})
	timer.ObserveOrder()
	return id, err
}

// fillPrice returns the average fill of orderID, or fallback when the
// order has not filled yet.
func (e *Engine) fillPrice(ctx context.Context, orderID string, fallback decimal.Decimal) decimal.Decimal {
	o, err := e.gw.GetOrder(ctx, orderID)
	if err != nil || o.Status != types.OrderStatusFilled || !o.AvgFillPrice.IsPositive() {
		return fallback
	}
	return o.AvgFillPrice
}

// finalize records a closed position: trade audit row, cooldown for stop
// exits, metrics and alerts. last is the position's final state.
func (e *Engine) finalize(ctx context.Context, last *position.ManagedPosition, exitPrice decimal.Decimal, reason string, stopOut bool) {
	now := e.now()
	pl := last.RealizedPL.Add(profit(last.Side, last.EntryPrice, exitPrice, last.RemainingQuantity))

	trade := types.Trade{
		ID:           last.TradeID,
		Symbol:       last.Symbol,
		Side:         last.Side,
		Quantity:     last.OriginalQuantity,
		EntryOrderID: last.EntryOrderID,
		EntryPrice:   last.EntryPrice,
		EntryTime:    last.OpenedAt,
		ExitPrice:    exitPrice,
		ExitTime:     now,
		ExitReason:   reason,
		RealizedPL:   pl,
		RMultiple:    rMultiple(pl, last),
	}
	e.store.UpsertTrade(ctx, trade)
	e.store.ClosePosition(ctx, last.TradeID, now)

	if stopOut {
		at := e.cooldowns.RecordStopOut(last.Symbol)
		e.store.SaveCooldown(ctx, last.Symbol, at)
	}
	if e.gate != nil {
		e.gate.RecordExit(trade)
	}

	e.mu.Lock()
	e.closed = append(e.closed, trade)
	delete(e.lastPrice, last.Symbol)
	e.mu.Unlock()

	e.recorder.RecordExit(last.Symbol, reason)
	e.recorder.RecordManagedPositions(e.registry.Len())
	e.logger.Info("position closed",
		"symbol", last.Symbol,
		"reason", reason,
		"exit_price", exitPrice,
		"realized_pl", pl.StringFixed(2),
		"r_multiple", trade.RMultiple.StringFixed(2),
		"cooldown", stopOut,
	)

	var event alerting.AlertEvent
	switch reason {
	case ReasonStop:
		event = alerting.EventStopExit
	case ReasonTarget:
		event = alerting.EventTargetExit
	default:
		return
	}
	if err := alerting.Emit(ctx, e.alerter, event, "Position closed",
		"symbol", last.Symbol,
		"reason", reason,
		"exit_price", exitPrice.StringFixed(2),
		"realized_pl", pl.StringFixed(2),
	); err != nil {
		e.logger.Warn("failed to send alert", "err", err)
	}
}

// rMultiple is the trade P/L in units of the initial risk on the full size.
func rMultiple(pl decimal.Decimal, p *position.ManagedPosition) decimal.Decimal {
	risk := p.R().Mul(decimal.NewFromInt(int64(p.OriginalQuantity)))
	if risk.IsZero() {
		return decimal.Zero
	}
	return pl.Div(risk).Round(4)
}
