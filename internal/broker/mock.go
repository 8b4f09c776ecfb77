package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/types"
)

// MockGateway is an in-memory Gateway for testing.
type MockGateway struct {
	mu     sync.Mutex
	seq    int
	orders map[string]*mockOrder
	calls  []string

	// SubmitHook, when set, can fail a submission before it is recorded.
	SubmitHook func(req OrderRequest) error
	// MarketFillPrice fills market orders immediately when non-zero.
	MarketFillPrice decimal.Decimal

	getErrs  []error
	listErrs []error
}

type mockOrder struct {
	Order
	seq       int
	submitted bool
}

// NewMockGateway creates a new mock gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		orders: make(map[string]*mockOrder),
	}
}

// AddOrder seeds an order, e.g. an entry placed before the engine started.
func (m *MockGateway) AddOrder(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	m.orders[o.OrderID] = &mockOrder{Order: o, seq: m.seq}
}

// SetStatus changes an order's status and fill details.
func (m *MockGateway) SetStatus(orderID string, status types.OrderStatus, filledQty int, avgPrice decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return
	}
	o.Status = status
	o.FilledQty = filledQty
	o.AvgFillPrice = avgPrice
	o.UpdatedAt = time.Now()
}

// FailNextGets makes the next n GetOrder calls return err.
func (m *MockGateway) FailNextGets(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.getErrs = append(m.getErrs, err)
	}
}

// FailNextLists makes the next n ListOrders calls return err.
func (m *MockGateway) FailNextLists(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.listErrs = append(m.listErrs, err)
	}
}

// SubmitOrder implements Gateway.
func (m *MockGateway) SubmitOrder(_ context.Context, req OrderRequest) (string, error) {
	if m.SubmitHook != nil {
		if err := m.SubmitHook(req); err != nil {
			m.mu.Lock()
			m.calls = append(m.calls, fmt.Sprintf("submit-failed:%s:%s", req.Type, req.Symbol))
			m.mu.Unlock()
			return "", err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	id := fmt.Sprintf("MOCK-%d", m.seq)
	now := time.Now()
	o := &mockOrder{
		Order: Order{
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
		seq:       m.seq,
		submitted: true,
	}
	if req.Type == OrderTypeMarket && !m.MarketFillPrice.IsZero() {
		o.Status = types.OrderStatusFilled
		o.FilledQty = req.Quantity
		o.AvgFillPrice = m.MarketFillPrice
	}
	m.orders[id] = o
	m.calls = append(m.calls, fmt.Sprintf("submit:%s:%s", req.Type, req.Symbol))

	return id, nil
}

// CancelOrder implements Gateway.
func (m *MockGateway) CancelOrder(_ context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "cancel:"+orderID)

	o, ok := m.orders[orderID]
	if !ok {
		return false, ErrOrderNotFound
	}
	if o.Status.IsFinal() {
		return false, nil
	}
	o.Status = types.OrderStatusCancelled
	o.UpdatedAt = time.Now()
	return true, nil
}

// GetOrder implements Gateway.
func (m *MockGateway) GetOrder(_ context.Context, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.getErrs) > 0 {
		err := m.getErrs[0]
		m.getErrs = m.getErrs[1:]
		return nil, err
	}

	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := o.Order
	return &cp, nil
}

// ListOrders implements Gateway.
func (m *MockGateway) ListOrders(_ context.Context, filter OrderFilter) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.listErrs) > 0 {
		err := m.listErrs[0]
		m.listErrs = m.listErrs[1:]
		return nil, err
	}

	matched := make([]*mockOrder, 0, len(m.orders))
	for _, o := range m.orders {
		if filter.Status.Matches(o.Status) && filter.MatchesSymbol(o.Symbol) {
			matched = append(matched, o)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq > matched[j].seq })

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]Order, len(matched))
	for i, o := range matched {
		out[i] = o.Order
	}
	return out, nil
}

// Submitted returns the orders placed through SubmitOrder with the given
// type, in submission order. Seeded orders are excluded. An empty type returns every order.
func (m *MockGateway) Submitted(t OrderType) []Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*mockOrder
	for _, o := range m.orders {
		if !o.submitted {
			continue
		}
		if t == "" || o.Type == t {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })

	result := make([]Order, len(out))
	for i, o := range out {
		result[i] = o.Order
	}
	return result
}

// Calls returns the ordered log of submit and cancel calls.
func (m *MockGateway) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, len(m.calls))
	copy(result, m.calls)
	return result
}

var _ Gateway = (*MockGateway)(nil)
