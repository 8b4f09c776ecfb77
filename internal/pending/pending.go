// Package pending tracks entry orders from submission until their
// protective orders are settled.
package pending

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/types"
)

// EntryOrder is an entry order waiting for fill and protection.
type EntryOrder struct {
	OrderID         string
	Symbol          string
	Side            types.Side
	Quantity        int
	TrailDistance   decimal.Decimal
	TakeProfitPrice decimal.Decimal
	TradeID         string

	NeedsStops  bool
	StopsPlaced bool
	EntryFailed bool

	CreatedAt time.Time
	SettledAt time.Time
}

// Settled reports whether the entry needs no further work.
func (o EntryOrder) Settled() bool {
	return o.EntryFailed || o.StopsPlaced || !o.NeedsStops
}

// Unprotected reports whether the entry still needs protective orders.
func (o EntryOrder) Unprotected() bool {
	return o.NeedsStops && !o.StopsPlaced && !o.EntryFailed
}

// Book holds pending entry orders keyed by broker order id.
//
// StopsPlaced is only ever flipped through TryClaim and Release, so at
// most one caller at a time owns protective placement for an order.
type Book struct {
	mu     sync.Mutex
	orders map[string]*EntryOrder
	now    func() time.Time
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{
		orders: make(map[string]*EntryOrder),
		now:    time.Now,
	}
}

// Add registers an entry order.
func (b *Book) Add(o EntryOrder) error {
	if o.OrderID == "" {
		return fmt.Errorf("%w: empty order id", types.ErrOrderNotFound)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: %d", types.ErrInvalidOrderSize, o.Quantity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.orders[o.OrderID]; ok {
		return fmt.Errorf("%w: %s", types.ErrDuplicateOrder, o.OrderID)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = b.now()
	}
	b.orders[o.OrderID] = &o
	return nil
}

// Get returns a copy of the entry for orderID.
func (b *Book) Get(orderID string) (EntryOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return EntryOrder{}, false
	}
	return *o, true
}

// TryClaim atomically flips StopsPlaced from false to true. Only the
// caller that gets true may place protective orders.
func (b *Book) TryClaim(orderID string) (EntryOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok || !o.Unprotected() {
		return EntryOrder{}, false
	}
	o.StopsPlaced = true
	o.SettledAt = b.now()
	return *o, true
}

// Release undoes a claim so a later sweep can retry placement.
func (b *Book) Release(orderID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok || !o.StopsPlaced {
		return false
	}
	o.StopsPlaced = false
	o.SettledAt = time.Time{}
	return true
}

// MarkFailed records that the entry never filled. It has no effect once
// protection was claimed.
func (b *Book) MarkFailed(orderID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok || o.StopsPlaced || o.EntryFailed {
		return false
	}
	o.EntryFailed = true
	o.SettledAt = b.now()
	return true
}

// Unprotected returns entries still waiting for protection, oldest first.
func (b *Book) Unprotected() []EntryOrder {
	return b.filter(EntryOrder.Unprotected)
}

// All returns every tracked entry, oldest first.
func (b *Book) All() []EntryOrder {
	return b.filter(func(EntryOrder) bool { return true })
}

func (b *Book) filter(keep func(EntryOrder) bool) []EntryOrder {
	b.mu.Lock()
	out := make([]EntryOrder, 0, len(b.orders))
	for _, o := range b.orders {
		if keep(*o) {
			out = append(out, *o)
		}
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Archive removes entries settled for at least minAge and returns them.
func (b *Book) Archive(minAge time.Duration) []EntryOrder {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var out []EntryOrder
	for id, o := range b.orders {
		if !o.Settled() || now.Sub(o.SettledAt) < minAge {
			continue
		}
		out = append(out, *o)
		delete(b.orders, id)
	}
	return out
}

// Len returns the number of tracked entries.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}
