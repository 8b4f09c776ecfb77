package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/alerting"
	"github.com/tathienbao/exit-engine/internal/broker"
	"github.com/tathienbao/exit-engine/internal/metrics"
	"github.com/tathienbao/exit-engine/internal/monitor"
	"github.com/tathienbao/exit-engine/internal/pending"
	"github.com/tathienbao/exit-engine/internal/types"
)

// EntryRequest describes a new entry and the exits to attach once it fills.
type EntryRequest struct {
	Symbol          string
	Side            types.Side
	Quantity        int
	Type            broker.OrderType // MKT or LMT, MKT when empty
	LimitPrice      decimal.Decimal
	TrailDistance   decimal.Decimal
	TakeProfitPrice decimal.Decimal
}

// Validate checks the request shape.
func (r EntryRequest) Validate() error {
	var errs []error
	if r.Symbol == "" {
		errs = append(errs, types.ErrInvalidSymbol)
	}
	if r.Side != types.SideLong && r.Side != types.SideShort {
		errs = append(errs, fmt.Errorf("invalid side %s", r.Side))
	}
	if r.Quantity <= 0 {
		errs = append(errs, fmt.Errorf("%w: quantity %d", types.ErrInvalidOrderSize, r.Quantity))
	}
	switch r.Type {
	case "", broker.OrderTypeMarket:
	case broker.OrderTypeLimit:
		if !r.LimitPrice.IsPositive() {
			errs = append(errs, fmt.Errorf("%w: limit price %s", types.ErrInvalidPrice, r.LimitPrice))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: entry type %s", types.ErrInvalidConfig, r.Type))
	}
	if !r.TrailDistance.IsPositive() {
		errs = append(errs, fmt.Errorf("%w: trail distance %s", types.ErrInvalidPrice, r.TrailDistance))
	}
	if r.TakeProfitPrice.IsNegative() {
		errs = append(errs, fmt.Errorf("%w: take-profit %s", types.ErrInvalidPrice, r.TakeProfitPrice))
	}
	return errors.Join(errs...)
}

// EntryTicket identifies a submitted entry. Done receives the fill
// monitor's result and is then closed.
type EntryTicket struct {
	OrderID string
	TradeID string
	Done    <-chan monitor.Result
}

// SubmitEntry admits, submits and starts watching a new entry order.
// Symbols in cooldown return ErrInCooldown and entries refused by the risk
// gate return ErrEntryNotPermitted.
func (e *Engine) SubmitEntry(ctx context.Context, req EntryRequest) (EntryTicket, error) {
	if err := req.Validate(); err != nil {
		return EntryTicket{}, err
	}
	if req.Type == "" {
		req.Type = broker.OrderTypeMarket
	}

	if err := e.admit(ctx, req.Symbol); err != nil {
		e.recorder.RecordEntry(req.Symbol, "refused")
		e.logger.Info("entry refused", "symbol", req.Symbol, "reason", err)
		return EntryTicket{}, err
	}

	timer := metrics.NewTimer()
	orderID, err := e.gw.SubmitOrder(ctx, broker.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Type:          req.Type,
		LimitPrice:    req.LimitPrice,
	})
	timer.ObserveOrder()
	if err != nil {
		e.recorder.RecordEntry(req.Symbol, "rejected")
		e.logger.Warn("entry order rejected", "symbol", req.Symbol, "err", err)
		if alertErr := alerting.Emit(ctx, e.alerter, alerting.EventEntryFailed, "Entry order rejected",
			"symbol", req.Symbol,
			"error", err.Error(),
		); alertErr != nil {
			e.logger.Warn("failed to send alert", "err", alertErr)
		}
		return EntryTicket{}, fmt.Errorf("submit entry: %w", err)
	}

	entry := pending.EntryOrder{
		OrderID:         orderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Quantity:        req.Quantity,
		TrailDistance:   req.TrailDistance,
		TakeProfitPrice: req.TakeProfitPrice,
		TradeID:         uuid.NewString(),
		NeedsStops:      true,
		CreatedAt:       e.now(),
	}
	if err := e.book.Add(entry); err != nil {
		return EntryTicket{}, fmt.Errorf("track entry: %w", err)
	}
	e.store.SavePendingEntry(ctx, entry)
	e.recorder.RecordEntry(req.Symbol, "submitted")

	e.logger.Info("entry submitted",
		"symbol", req.Symbol,
		"side", req.Side,
		"quantity", req.Quantity,
		"type", req.Type,
		"order_id", orderID,
		"trade_id", entry.TradeID,
		"trail", req.TrailDistance,
		"take_profit", req.TakeProfitPrice,
	)

	return EntryTicket{
		OrderID: orderID,
		TradeID: entry.TradeID,
		Done:    e.watch(orderID),
	}, nil
}

// admit applies the cooldown, the one-position-per-symbol rule and the
// risk gate.
func (e *Engine) admit(ctx context.Context, symbol string) error {
	if remaining, ok := e.cooldowns.Remaining(symbol); ok {
		return fmt.Errorf("%w: %s for %s", types.ErrInCooldown, symbol, remaining.Round(time.Second))
	}
	if _, ok := e.registry.Get(symbol); ok {
		return fmt.Errorf("%w: %s", types.ErrPositionExists, symbol)
	}
	for _, o := range e.book.All() {
		if o.Symbol == symbol && !o.Settled() {
			return fmt.Errorf("%w: %s has pending entry %s", types.ErrPositionExists, symbol, o.OrderID)
		}
	}
	if e.gate != nil {
		if err := e.gate.AllowEntry(ctx, symbol, e.registry.Len()); err != nil {
			return fmt.Errorf("%w: %w", types.ErrEntryNotPermitted, err)
		}
	}
	return nil
}

// watch starts a fill monitor tied to the engine lifetime.
func (e *Engine) watch(orderID string) <-chan monitor.Result {
	e.mu.RLock()
	ctx := e.monitorCtx
	e.mu.RUnlock()

	done := make(chan monitor.Result, 1)
	e.monitors.Add(1)
	go func() {
		defer e.monitors.Done()
		defer close(done)

		res := <-e.monitor.Watch(ctx, orderID)
		e.logger.Debug("fill monitor finished",
			"order_id", orderID,
			"outcome", res.Outcome,
			"polls", res.Polls,
		)
		done <- res
	}()
	return done
}
