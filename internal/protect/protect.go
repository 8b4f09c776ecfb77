// Package protect attaches broker-side exit orders to filled entries.
package protect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/alerting"
	"github.com/tathienbao/exit-engine/internal/broker"
	"github.com/tathienbao/exit-engine/internal/metrics"
	"github.com/tathienbao/exit-engine/internal/pending"
	"github.com/tathienbao/exit-engine/internal/persistence"
	"github.com/tathienbao/exit-engine/internal/position"
	"github.com/tathienbao/exit-engine/internal/scaleout"
	"github.com/tathienbao/exit-engine/internal/types"
)

// Leg names one of the two protective orders.
type Leg string

const (
	LegTrailingStop Leg = "trailing_stop"
	LegTakeProfit   Leg = "take_profit"
)

// ErrLegFinal is returned by Resize when a protective leg already reached a
// final state, usually because it filled.
var ErrLegFinal = errors.New("protective leg already final")

// LegResult is the outcome of one protective order submission.
type LegResult struct {
	Leg     Leg
	OrderID string
	Err     error
}

// Placed reports whether the broker accepted the order.
func (r LegResult) Placed() bool {
	return r.Err == nil && r.OrderID != ""
}

// Transient reports whether the failure may succeed on retry.
func (r LegResult) Transient() bool {
	return r.Err != nil && broker.IsTransient(r.Err)
}

func (r LegResult) outcome() string {
	switch {
	case r.Placed():
		return "placed"
	case r.Transient():
		return "transient"
	default:
		return "permanent"
	}
}

// Result describes one protective placement attempt.
type Result struct {
	OrderID      string
	Symbol       string
	Source       string
	TrailingStop LegResult
	TakeProfit   LegResult
	// Released is true when the claim was given back for a later retry.
	Released bool
	Position *position.ManagedPosition
	// RegisterErr is set when the legs were placed but no managed
	// position could be recorded for them.
	RegisterErr error
}

// Protected reports whether the trailing stop is in place.
func (r Result) Protected() bool {
	return r.TrailingStop.Placed()
}

// Fill is the executed part of an entry order.
type Fill struct {
	Quantity int
	Price    decimal.Decimal
	Time     time.Time
}

// FillFromOrder extracts the fill details of a broker order.
func FillFromOrder(o *broker.Order) Fill {
	at := o.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return Fill{Quantity: o.FilledQty, Price: o.AvgFillPrice, Time: at}
}

// Placer submits the trailing-stop and take-profit legs for filled entries.
// Callers must hold the stops_placed claim, which ProtectFilled acquires.
type Placer struct {
	gw       broker.Gateway
	book     *pending.Book
	registry *position.Registry
	scaleCfg scaleout.Config
	store    *persistence.Store
	alerter  alerting.Alerter
	recorder *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewPlacer creates a placer. store and alerter may be nil.
func NewPlacer(
	gw broker.Gateway,
	book *pending.Book,
	registry *position.Registry,
	scaleCfg scaleout.Config,
	store *persistence.Store,
	alerter alerting.Alerter,
	logger *slog.Logger,
) *Placer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Placer{
		gw:       gw,
		book:     book,
		registry: registry,
		scaleCfg: scaleCfg,
		store:    store,
		alerter:  alerter,
		recorder: metrics.NewRecorder(),
		logger:   logger,
		now:      time.Now,
	}
}

// ProtectFilled claims the entry and places its protective orders. It
// returns false without side effects when another caller already holds
// or completed the claim.
func (p *Placer) ProtectFilled(ctx context.Context, orderID string, fill Fill, source string) (Result, bool) {
	entry, ok := p.book.TryClaim(orderID)
	if !ok {
		return Result{}, false
	}
	p.recorder.RecordClaim(source)

	res := p.place(ctx, entry, fill)
	res.Source = source

	if saved, ok := p.book.Get(orderID); ok {
		p.store.SavePendingEntry(ctx, saved)
	}
	p.report(ctx, res)
	return res, true
}

func (p *Placer) place(ctx context.Context, entry pending.EntryOrder, fill Fill) Result {
	res := Result{OrderID: entry.OrderID, Symbol: entry.Symbol}

	qty := fill.Quantity
	if qty <= 0 {
		qty = entry.Quantity
	}
	exitSide := entry.Side.Opposite()

	res.TrailingStop = p.submit(ctx, LegTrailingStop, broker.OrderRequest{
		Symbol:      entry.Symbol,
		Side:        exitSide,
		Quantity:    qty,
		Type:        broker.OrderTypeTrailStop,
		TrailAmount: entry.TrailDistance,
	})
	res.TakeProfit = p.submit(ctx, LegTakeProfit, broker.OrderRequest{
		Symbol:     entry.Symbol,
		Side:       exitSide,
		Quantity:   qty,
		Type:       broker.OrderTypeLimit,
		LimitPrice: entry.TakeProfitPrice,
	})

	if res.TrailingStop.Transient() && p.withdraw(ctx, res.TakeProfit) {
		res.Released = p.book.Release(entry.OrderID)
		return res
	}

	if res.Protected() {
		pos, err := p.register(ctx, entry, fill, qty, res)
		if err != nil {
			p.logger.Error("failed to register managed position",
				"symbol", entry.Symbol,
				"order_id", entry.OrderID,
				"err", err,
			)
			res.RegisterErr = err
		}
		res.Position = pos
	}
	return res
}

// withdraw cancels a take-profit placed next to a failed stop so a retry
// does not duplicate it. Returns false if the leg could not be withdrawn.
func (p *Placer) withdraw(ctx context.Context, tp LegResult) bool {
	if !tp.Placed() {
		return true
	}
	if _, err := p.gw.CancelOrder(ctx, tp.OrderID); err != nil {
		p.logger.Warn("failed to withdraw take-profit after stop failure",
			"order_id", tp.OrderID,
			"err", err,
		)
		return false
	}
	return true
}

func (p *Placer) submit(ctx context.Context, leg Leg, req broker.OrderRequest) LegResult {
	req.ClientOrderID = uuid.NewString()
	res := LegResult{Leg: leg}

	if req.Type == broker.OrderTypeLimit && !req.LimitPrice.IsPositive() {
		res.Err = fmt.Errorf("%w: take-profit %s", broker.ErrInvalidPrice, req.LimitPrice)
	} else if req.Type == broker.OrderTypeTrailStop && !req.TrailAmount.IsPositive() {
		res.Err = fmt.Errorf("%w: trail %s", broker.ErrInvalidPrice, req.TrailAmount)
	} else {
		timer := metrics.NewTimer()
		res.OrderID, res.Err = p.gw.SubmitOrder(ctx, req)
		timer.ObserveOrder()
	}

	p.recorder.RecordLeg(string(leg), res.outcome())
	return res
}

// register creates the managed position for a protected fill, or records
// the new leg ids on the existing position for the same trade.
func (p *Placer) register(ctx context.Context, entry pending.EntryOrder, fill Fill, qty int, res Result) (*position.ManagedPosition, error) {
	price := fill.Price
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: fill price %s", types.ErrInvalidPrice, price)
	}

	if existing, ok := p.registry.Get(entry.Symbol); ok {
		if existing.TradeID != entry.TradeID {
			return nil, fmt.Errorf("%w: %s held by trade %s", types.ErrPositionExists, entry.Symbol, existing.TradeID)
		}
		updated, err := p.registry.Update(entry.Symbol, func(mp *position.ManagedPosition) error {
			mp.StopOrderID = res.TrailingStop.OrderID
			mp.TakeProfitOrderID = res.TakeProfit.OrderID
			mp.LastUpdate = p.now()
			return nil
		})
		if err != nil {
			return nil, err
		}
		p.store.UpsertPosition(ctx, updated)
		return updated, nil
	}

	stop := entry.Side.Away(price, entry.TrailDistance)
	now := p.now()
	pos := &position.ManagedPosition{
		Symbol:            entry.Symbol,
		Side:              entry.Side,
		TradeID:           entry.TradeID,
		EntryOrderID:      entry.OrderID,
		OriginalQuantity:  qty,
		RemainingQuantity: qty,
		EntryPrice:        price,
		InitialStop:       stop,
		CurrentStop:       stop,
		TrailDistance:     entry.TrailDistance,
		TakeProfit:        entry.TakeProfitPrice,
		TrailingLevel:     position.LevelInitial,
		ScaleOut:          scaleout.Plan(p.scaleCfg, entry.Side, price, stop),
		MaxFavorablePrice: price,
		StopOrderID:       res.TrailingStop.OrderID,
		TakeProfitOrderID: res.TakeProfit.OrderID,
		OpenedAt:          fill.Time,
		LastUpdate:        now,
	}
	if err := p.registry.Create(pos); err != nil {
		return nil, err
	}

	p.recorder.RecordManagedPositions(p.registry.Len())
	p.recorder.RecordTrailingLevel(pos.Symbol, int(pos.TrailingLevel))
	p.store.UpsertPosition(ctx, pos)
	p.store.UpsertTrade(ctx, types.Trade{
		ID:           entry.TradeID,
		Symbol:       entry.Symbol,
		Side:         entry.Side,
		Quantity:     qty,
		EntryOrderID: entry.OrderID,
		EntryPrice:   price,
		EntryTime:    fill.Time,
		Open:         true,
	})
	return pos.Clone(), nil
}

func (p *Placer) report(ctx context.Context, res Result) {
	attrs := []any{
		"symbol", res.Symbol,
		"order_id", res.OrderID,
		"source", res.Source,
		"trailing_stop", res.TrailingStop.outcome(),
		"take_profit", res.TakeProfit.outcome(),
	}

	switch {
	case res.Released:
		p.logger.Warn("protective placement deferred", append(attrs, "err", res.TrailingStop.Err)...)
		return
	case res.Protected():
		p.logger.Info("protective orders placed", attrs...)
	default:
		p.logger.Error("entry filled without trailing stop", append(attrs, "err", res.TrailingStop.Err)...)
		p.alert(ctx, alerting.EventUnprotectedPosition, "Filled entry has no trailing stop", res.Symbol, res.TrailingStop.Err)
	}

	if res.Protected() && res.TakeProfit.Err != nil {
		p.logger.Warn("take-profit leg failed", append(attrs, "err", res.TakeProfit.Err)...)
		p.alert(ctx, alerting.EventProtectionFailed, "Take-profit leg failed", res.Symbol, res.TakeProfit.Err)
	}
	if res.Protected() && res.RegisterErr != nil {
		p.alert(ctx, alerting.EventUnmanagedPosition, "Protected fill is not managed", res.Symbol, res.RegisterErr)
	}
	if res.Protected() && res.Position != nil {
		p.alert(ctx, alerting.EventPositionProtected, "Position protected", res.Symbol, nil)
	}
}

func (p *Placer) alert(ctx context.Context, event alerting.AlertEvent, msg, symbol string, err error) {
	fields := []any{"symbol", symbol}
	if err != nil {
		fields = append(fields, "error", err.Error())
	}
	if alertErr := alerting.Emit(ctx, p.alerter, event, msg, fields...); alertErr != nil {
		p.logger.Warn("failed to send alert", "event", event, "err", alertErr)
	}
}

// Resize cancels the protective legs of symbol and re-submits them for the
// remaining quantity. Legs are cancelled before new ones are submitted so
// broker-side exits never exceed the position. ErrLegFinal means a leg was
// already done and the caller must reconcile the position first.
func (p *Placer) Resize(ctx context.Context, symbol string) (*position.ManagedPosition, error) {
	pos, ok := p.registry.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrPositionNotFound, symbol)
	}

	for _, id := range []string{pos.StopOrderID, pos.TakeProfitOrderID} {
		if id == "" {
			continue
		}
		cancelled, err := p.gw.CancelOrder(ctx, id)
		if err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
			return pos, fmt.Errorf("cancel leg %s: %w", id, err)
		}
		if err == nil && !cancelled {
			return pos, fmt.Errorf("%w: %s", ErrLegFinal, id)
		}
	}

	exitSide := pos.Side.Opposite()
	stop := p.submit(ctx, LegTrailingStop, broker.OrderRequest{
		Symbol:      symbol,
		Side:        exitSide,
		Quantity:    pos.RemainingQuantity,
		Type:        broker.OrderTypeTrailStop,
		TrailAmount: pos.TrailDistance,
	})
	var tp LegResult
	if pos.TakeProfit.IsPositive() {
		tp = p.submit(ctx, LegTakeProfit, broker.OrderRequest{
			Symbol:     symbol,
			Side:       exitSide,
			Quantity:   pos.RemainingQuantity,
			Type:       broker.OrderTypeLimit,
			LimitPrice: pos.TakeProfit,
		})
	}

	updated, err := p.registry.Update(symbol, func(mp *position.ManagedPosition) error {
		mp.StopOrderID = stop.OrderID
		mp.TakeProfitOrderID = tp.OrderID
		mp.LastUpdate = p.now()
		return nil
	})
	if err != nil {
		return pos, err
	}
	p.store.UpsertPosition(ctx, updated)

	if !stop.Placed() {
		p.logger.Error("resized position has no trailing stop", "symbol", symbol, "err", stop.Err)
		p.alert(ctx, alerting.EventUnprotectedPosition, "Resized position has no trailing stop", symbol, stop.Err)
		return updated, fmt.Errorf("resubmit trailing stop: %w", stop.Err)
	}
	p.logger.Info("protective legs resized",
		"symbol", symbol,
		"quantity", updated.RemainingQuantity,
		"stop_order_id", stop.OrderID,
		"take_profit_order_id", tp.OrderID,
	)
	return updated, nil
}
