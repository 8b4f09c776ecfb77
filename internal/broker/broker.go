// Package broker defines the order gateway and market data contracts
// the exit engine consumes.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/types"
)

// Common broker errors.
//
// ErrNotConnected, ErrConnectionTimeout and ErrRateLimited are transient:
// the caller's own polling loop retries them. The rest are permanent.
var (
	ErrNotConnected      = errors.New("broker not connected")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrRateLimited       = errors.New("rate limited by broker")
	ErrOrderRejected     = errors.New("order rejected by broker")
	ErrNotTradable       = errors.New("asset not tradable")
	ErrInvalidPrice      = errors.New("invalid order price")
	ErrOrderNotFound     = errors.New("order not found")
)

// IsTransient reports whether err is a network or rate-limit failure that
// a later retry may clear.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ConnectionState represents the broker connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Gateway submits, cancels and queries orders.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	// CancelOrder returns false when the order was already final.
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error)
}

// BarFeed serves recent candles, oldest first.
type BarFeed interface {
	GetRecentBars(ctx context.Context, symbol, timeframe string, limit int) ([]types.Bar, error)
}

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MKT"
	OrderTypeLimit     OrderType = "LMT"
	OrderTypeStop      OrderType = "STP"
	OrderTypeTrailStop OrderType = "TRAIL"
)

// OrderRequest describes an order to submit.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          types.Side
	Quantity      int
	Type          OrderType
	LimitPrice    decimal.Decimal // LMT
	StopPrice     decimal.Decimal // STP
	TrailAmount   decimal.Decimal // TRAIL
}

// Order represents a broker order.
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          types.Side
	Quantity      int
	Type          OrderType
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	TrailAmount   decimal.Decimal
	Status        types.OrderStatus
	FilledQty     int
	AvgFillPrice  decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StatusFilter selects orders by lifecycle stage.
type StatusFilter string

const (
	StatusAll    StatusFilter = "all"
	StatusOpen   StatusFilter = "open"
	StatusClosed StatusFilter = "closed"
	StatusFilled StatusFilter = "filled"
)

// Matches reports whether status passes the filter.
func (f StatusFilter) Matches(status types.OrderStatus) bool {
	switch f {
	case StatusOpen:
		return status.IsOpen()
	case StatusClosed:
		return status.IsFinal()
	case StatusFilled:
		return status == types.OrderStatusFilled
	default:
		return true
	}
}

// OrderFilter narrows ListOrders. Results are newest first.
type OrderFilter struct {
	Status  StatusFilter
	Symbols []string
	Limit   int // 0 means no limit
}

// MatchesSymbol reports whether symbol passes the filter.
func (f OrderFilter) MatchesSymbol(symbol string) bool {
	if len(f.Symbols) == 0 {
		return true
	}
	for _, s := range f.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}
