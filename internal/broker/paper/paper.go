// Package paper provides a simulated gateway and bar feed for paper trading.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/broker"
	"github.com/tathienbao/exit-engine/internal/types"
)

// Config holds paper trading configuration.
type Config struct {
	Slippage  decimal.Decimal // Applied against the taker on market fills
	FillDelay time.Duration   // Zero fills market orders inline
	MaxBars   int             // Bars kept per symbol
}

// DefaultConfig returns default paper trading config.
func DefaultConfig() Config {
	return Config{
		Slippage:  decimal.Zero,
		FillDelay: 50 * time.Millisecond,
		MaxBars:   500,
	}
}

// Broker implements broker.Gateway and broker.BarFeed for paper trading.
type Broker struct {
	cfg    Config
	logger *slog.Logger

	state atomic.Int32

	mu          sync.Mutex
	orders      map[string]*paperOrder
	seq         int
	prices      map[string]decimal.Decimal
	bars        map[string][]types.Bar
	netPosition map[string]int

	done chan struct{}
	wg   sync.WaitGroup
}

type paperOrder struct {
	broker.Order
	seq     int
	extreme decimal.Decimal // best price seen by a trailing stop
}

// NewBroker creates a new paper trading broker.
func NewBroker(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBars <= 0 {
		cfg.MaxBars = 500
	}

	b := &Broker{
		cfg:         cfg,
		logger:      logger,
		orders:      make(map[string]*paperOrder),
		prices:      make(map[string]decimal.Decimal),
		bars:        make(map[string][]types.Bar),
		netPosition: make(map[string]int),
		done:        make(chan struct{}),
	}
	b.state.Store(int32(broker.StateDisconnected))

	return b
}

// Connect simulates connecting to broker.
func (b *Broker) Connect(ctx context.Context) error {
	b.state.Store(int32(broker.StateConnected))
	b.logger.Info("paper broker connected")
	return nil
}

// Disconnect simulates disconnecting from broker.
func (b *Broker) Disconnect() error {
	if b.State() == broker.StateDisconnected {
		return nil
	}
	b.state.Store(int32(broker.StateDisconnected))
	close(b.done)
	b.wg.Wait()
	b.logger.Info("paper broker disconnected")
	return nil
}

// State returns connection state.
func (b *Broker) State() broker.ConnectionState {
	return broker.ConnectionState(b.state.Load())
}

// IsConnected returns true if connected.
func (b *Broker) IsConnected() bool {
	return b.State() == broker.StateConnected
}

// SubmitOrder simulates order placement.
func (b *Broker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	if !b.IsConnected() {
		return "", broker.ErrNotConnected
	}
	if err := validate(req); err != nil {
		return "", err
	}

	b.mu.Lock()
	b.seq++
	id := fmt.Sprintf("PAPER-%d", b.seq)
	now := time.Now()
	o := &paperOrder{
		Order: broker.Order{
			OrderID:       id,
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Quantity:      req.Quantity,
			Type:          req.Type,
			LimitPrice:    req.LimitPrice,
			StopPrice:     req.StopPrice,
			TrailAmount:   req.TrailAmount,
			Status:        types.OrderStatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		seq: b.seq,
	}
	if price, ok := b.prices[req.Symbol]; ok {
		o.extreme = price
	}
	b.orders[id] = o

	fillInline := req.Type == broker.OrderTypeMarket && b.cfg.FillDelay == 0
	if fillInline {
		if price, ok := b.prices[req.Symbol]; ok {
			b.fillLocked(o, b.slipped(price, req.Side))
		}
	}
	b.mu.Unlock()

	b.logger.Info("paper order placed",
		"order_id", id,
		"symbol", req.Symbol,
		"side", req.Side,
		"type", req.Type,
		"qty", req.Quantity,
	)

	if req.Type == broker.OrderTypeMarket && !fillInline {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.simulateMarketFill(id)
		}()
	}

	return id, nil
}

func validate(req broker.OrderRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", broker.ErrNotTradable)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("%w: %v", broker.ErrOrderRejected, types.ErrInvalidOrderSize)
	}
	switch req.Type {
	case broker.OrderTypeMarket:
	case broker.OrderTypeLimit:
		if !req.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit %s", broker.ErrInvalidPrice, req.LimitPrice)
		}
	case broker.OrderTypeStop:
		if !req.StopPrice.IsPositive() {
			return fmt.Errorf("%w: stop %s", broker.ErrInvalidPrice, req.StopPrice)
		}
	case broker.OrderTypeTrailStop:
		if !req.TrailAmount.IsPositive() {
			return fmt.Errorf("%w: trail %s", broker.ErrInvalidPrice, req.TrailAmount)
		}
	default:
		return fmt.Errorf("%w: unsupported type %q", broker.ErrOrderRejected, req.Type)
	}
	return nil
}

// simulateMarketFill fills a market order after the configured delay.
func (b *Broker) simulateMarketFill(orderID string) {
	select {
	case <-b.done:
		return
	case <-time.After(b.cfg.FillDelay):
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok || o.Status.IsFinal() {
		return
	}
	price, ok := b.prices[o.Symbol]
	if !ok {
		return // fills on the next bar
	}
	b.fillLocked(o, b.slipped(price, o.Side))
}

func (b *Broker) slipped(price decimal.Decimal, side types.Side) decimal.Decimal {
	if side == types.SideLong {
		return price.Add(b.cfg.Slippage)
	}
	return price.Sub(b.cfg.Slippage)
}

// fillLocked marks o filled at price. Must be called with mu held.
func (b *Broker) fillLocked(o *paperOrder, price decimal.Decimal) {
	o.Status = types.OrderStatusFilled
	o.FilledQty = o.Quantity
	o.AvgFillPrice = price
	o.UpdatedAt = time.Now()

	if o.Side == types.SideLong {
		b.netPosition[o.Symbol] += o.Quantity
	} else {
		b.netPosition[o.Symbol] -= o.Quantity
	}

	b.logger.Info("paper order filled",
		"order_id", o.OrderID,
		"symbol", o.Symbol,
		"side", o.Side,
		"type", o.Type,
		"qty", o.Quantity,
		"price", price,
	)
}

// OnBar publishes a bar and fills any working orders it crosses.
func (b *Broker) OnBar(bar types.Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()

	series := append(b.bars[bar.Symbol], bar)
	if len(series) > b.cfg.MaxBars {
		series = series[len(series)-b.cfg.MaxBars:]
	}
	b.bars[bar.Symbol] = series
	b.prices[bar.Symbol] = bar.Close

	working := make([]*paperOrder, 0)
	for _, o := range b.orders {
		if o.Symbol == bar.Symbol && o.Status.IsOpen() {
			working = append(working, o)
		}
	}
	sort.Slice(working, func(i, j int) bool { return working[i].seq < working[j].seq })

	for _, o := range working {
		if price, ok := crossed(o, bar); ok {
			b.fillLocked(o, price)
		}
	}
}

// crossed reports whether bar triggers o and the price it fills at.
func crossed(o *paperOrder, bar types.Bar) (decimal.Decimal, bool) {
	buy := o.Side == types.SideLong

	switch o.Type {
	case broker.OrderTypeMarket:
		return bar.Open, true

	case broker.OrderTypeLimit:
		if buy && bar.Low.LessThanOrEqual(o.LimitPrice) {
			return o.LimitPrice, true
		}
		if !buy && bar.High.GreaterThanOrEqual(o.LimitPrice) {
			return o.LimitPrice, true
		}

	case broker.OrderTypeStop:
		if buy && bar.High.GreaterThanOrEqual(o.StopPrice) {
			return o.StopPrice, true
		}
		if !buy && bar.Low.LessThanOrEqual(o.StopPrice) {
			return o.StopPrice, true
		}

	case broker.OrderTypeTrailStop:
		// A sell trail protects a long: it trails the high and fires on
		// a retrace of TrailAmount. Checked against the prior extreme.
		if o.extreme.IsZero() {
			o.extreme = bar.Open
		}
		if buy {
			trigger := o.extreme.Add(o.TrailAmount)
			if bar.High.GreaterThanOrEqual(trigger) {
				return trigger, true
			}
			o.extreme = decimal.Min(o.extreme, bar.Low)
		} else {
			trigger := o.extreme.Sub(o.TrailAmount)
			if bar.Low.LessThanOrEqual(trigger) {
				return trigger, true
			}
			o.extreme = decimal.Max(o.extreme, bar.High)
		}
	}

	return decimal.Zero, false
}

// CancelOrder cancels a working order.
func (b *Broker) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if !b.IsConnected() {
		return false, broker.ErrNotConnected
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return false, broker.ErrOrderNotFound
	}
	if o.Status.IsFinal() {
		return false, nil
	}

	o.Status = types.OrderStatusCancelled
	o.UpdatedAt = time.Now()
	return true, nil
}

// GetOrder returns a snapshot of an order.
func (b *Broker) GetOrder(ctx context.Context, orderID string) (*broker.Order, error) {
	if !b.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return nil, broker.ErrOrderNotFound
	}
	cp := o.Order
	return &cp, nil
}

// ListOrders returns orders matching filter, newest first.
func (b *Broker) ListOrders(ctx context.Context, filter broker.OrderFilter) ([]broker.Order, error) {
	if !b.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	matched := make([]*paperOrder, 0, len(b.orders))
	for _, o := range b.orders {
		if filter.Status.Matches(o.Status) && filter.MatchesSymbol(o.Symbol) {
			matched = append(matched, o)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq > matched[j].seq })
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	orders := make([]broker.Order, len(matched))
	for i, o := range matched {
		orders[i] = o.Order
	}
	return orders, nil
}

// GetRecentBars returns up to limit bars for symbol, oldest first.
// The paper feed keeps a single series per symbol regardless of timeframe.
func (b *Broker) GetRecentBars(ctx context.Context, symbol, timeframe string, limit int) ([]types.Bar, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	series := b.bars[symbol]
	if len(series) == 0 {
		return nil, types.ErrDataUnavailable
	}
	if limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}

	out := make([]types.Bar, len(series))
	copy(out, series)
	return out, nil
}

// NetPosition returns the signed filled quantity for symbol.
func (b *Broker) NetPosition(symbol string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.netPosition[symbol]
}

// Shutdown shuts down the broker.
func (b *Broker) Shutdown(ctx context.Context) error {
	return b.Disconnect()
}

// Ensure Broker implements the broker contracts
var (
	_ broker.Gateway = (*Broker)(nil)
	_ broker.BarFeed = (*Broker)(nil)
)
