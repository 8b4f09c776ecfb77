// Package types defines shared types used across the exit engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of a position or an order.
// For orders, SideLong buys and SideShort sells.
type Side int

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// ParseSide parses "long"/"buy" and "short"/"sell" in any case.
func ParseSide(v string) (Side, bool) {
	switch v {
	case "LONG", "long", "BUY", "buy":
		return SideLong, true
	case "SHORT", "short", "SELL", "sell":
		return SideShort, true
	default:
		return SideFlat, false
	}
}

// Beyond reports whether price a is strictly past price b in the favorable
// direction for a position on this side.
func (s Side) Beyond(a, b decimal.Decimal) bool {
	switch s {
	case SideLong:
		return a.GreaterThan(b)
	case SideShort:
		return a.LessThan(b)
	default:
		return false
	}
}

// Reached reports whether price a is at or past price b in the favorable direction.
func (s Side) Reached(a, b decimal.Decimal) bool {
	return a.Equal(b) || s.Beyond(a, b)
}

// Toward moves price by distance in the favorable direction.
func (s Side) Toward(price, distance decimal.Decimal) decimal.Decimal {
	if s == SideShort {
		return price.Sub(distance)
	}
	return price.Add(distance)
}

// Away moves price by distance against the position, where its stop lives.
func (s Side) Away(price, distance decimal.Decimal) decimal.Decimal {
	if s == SideShort {
		return price.Add(distance)
	}
	return price.Sub(distance)
}

// OrderStatus represents the state of an order.
type OrderStatus int

const (
	OrderStatusCreated OrderStatus = iota
	OrderStatusPending
	OrderStatusPartialFill
	OrderStatusFilled
	OrderStatusRejected
	OrderStatusCancelled
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusCreated:
		return "CREATED"
	case OrderStatusPending:
		return "PENDING"
	case OrderStatusPartialFill:
		return "PARTIAL_FILL"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusRejected:
		return "REJECTED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the order is in a terminal state.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// IsOpen returns true if the order can still fill.
func (s OrderStatus) IsOpen() bool {
	return !s.IsFinal()
}

// Bar is one OHLCV candle.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
}

// Trade is the audit record of one entry and its exits.
type Trade struct {
	ID           string
	Symbol       string
	Side         Side
	Quantity     int
	EntryOrderID string
	EntryPrice   decimal.Decimal
	EntryTime    time.Time
	ExitPrice    decimal.Decimal
	ExitTime     time.Time
	ExitReason   string
	RealizedPL   decimal.Decimal
	RMultiple    decimal.Decimal
	Open         bool
}
