// Package position holds the managed-position data model and the registry
// that owns it.
package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/types"
)

// TrailingLevel is the stage of the progressive trailing stop.
// Levels only move forward.
type TrailingLevel int

const (
	LevelInitial TrailingLevel = iota
	LevelBreakeven
	LevelBarByBar
	LevelMA8
	LevelMA20
)

func (l TrailingLevel) String() string {
	switch l {
	case LevelInitial:
		return "INITIAL"
	case LevelBreakeven:
		return "BREAKEVEN"
	case LevelBarByBar:
		return "BAR_BY_BAR"
	case LevelMA8:
		return "MA_8"
	case LevelMA20:
		return "MA_20"
	default:
		return "UNKNOWN"
	}
}

// ParseTrailingLevel is the inverse of String.
func ParseTrailingLevel(s string) (TrailingLevel, error) {
	for l := LevelInitial; l <= LevelMA20; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return LevelInitial, fmt.Errorf("unknown trailing level %q", s)
}

// ScaleOutPlan holds the three profit targets and which tranches have sold.
// Executed flags are write-once.
type ScaleOutPlan struct {
	T1Price    decimal.Decimal
	T2Price    decimal.Decimal
	T3Price    decimal.Decimal // informational, the runner exits on the stop
	T1Executed bool
	T2Executed bool
	T3Executed bool
}

// Status is the externally visible summary of a position.
type Status struct {
	Symbol            string          `json:"symbol"`
	Side              string          `json:"side"`
	OriginalQuantity  int             `json:"original_quantity"`
	RemainingQuantity int             `json:"remaining_quantity"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	CurrentStop       decimal.Decimal `json:"current_stop"`
	TrailingLevel     string          `json:"trailing_level"`
	ScaleOut          ScaleOutStatus  `json:"scale_out_status"`
	LastUpdate        time.Time       `json:"last_update"`
}

// ScaleOutStatus reports target prices and tranche progress.
type ScaleOutStatus struct {
	T1Price    decimal.Decimal `json:"t1_price"`
	T2Price    decimal.Decimal `json:"t2_price"`
	T3Price    decimal.Decimal `json:"t3_price"`
	T1Executed bool            `json:"t1_executed"`
	T2Executed bool            `json:"t2_executed"`
	T3Executed bool            `json:"t3_executed"`
}

// ManagedPosition is one open position under exit management.
type ManagedPosition struct {
	Symbol            string
	Side              types.Side
	TradeID           string
	EntryOrderID      string
	OriginalQuantity  int
	RemainingQuantity int

	EntryPrice    decimal.Decimal
	InitialStop   decimal.Decimal
	CurrentStop   decimal.Decimal
	TrailDistance decimal.Decimal
	TakeProfit    decimal.Decimal
	TrailingLevel TrailingLevel
	ScaleOut      ScaleOutPlan

	BarsInFavor       int
	MaxFavorablePrice decimal.Decimal
	RealizedPL        decimal.Decimal // from scale-out tranches
	LastBarTime       time.Time
	StopOrderID       string
	TakeProfitOrderID string
	OpenedAt          time.Time
	LastUpdate        time.Time
}

// R returns the risk unit |entry - initial stop|.
func (p *ManagedPosition) R() decimal.Decimal {
	return p.EntryPrice.Sub(p.InitialStop).Abs()
}

// TightenStop adopts candidate only if it improves the stop in the
// favorable direction. Returns true if the stop moved.
func (p *ManagedPosition) TightenStop(candidate decimal.Decimal) bool {
	if candidate.IsZero() || !p.Side.Beyond(candidate, p.CurrentStop) {
		return false
	}
	p.CurrentStop = candidate
	return true
}

// Advance moves the trailing level forward. Regressions are ignored.
func (p *ManagedPosition) Advance(level TrailingLevel) bool {
	if level <= p.TrailingLevel {
		return false
	}
	p.TrailingLevel = level
	return true
}

// Reduce removes qty from the remaining quantity, clamped at zero.
// Returns the quantity actually removed.
func (p *ManagedPosition) Reduce(qty int) int {
	if qty > p.RemainingQuantity {
		qty = p.RemainingQuantity
	}
	if qty < 0 {
		qty = 0
	}
	p.RemainingQuantity -= qty
	return qty
}

// StopTouched reports whether bar traded through the current stop.
func (p *ManagedPosition) StopTouched(bar types.Bar) bool {
	if p.Side == types.SideShort {
		return bar.High.GreaterThanOrEqual(p.CurrentStop)
	}
	return bar.Low.LessThanOrEqual(p.CurrentStop)
}

// Status returns the externally visible summary.
func (p *ManagedPosition) Status() Status {
	return Status{
		Symbol:            p.Symbol,
		Side:              p.Side.String(),
		OriginalQuantity:  p.OriginalQuantity,
		RemainingQuantity: p.RemainingQuantity,
		EntryPrice:        p.EntryPrice,
		CurrentStop:       p.CurrentStop,
		TrailingLevel:     p.TrailingLevel.String(),
		ScaleOut: ScaleOutStatus{
			T1Price:    p.ScaleOut.T1Price,
			T2Price:    p.ScaleOut.T2Price,
			T3Price:    p.ScaleOut.T3Price,
			T1Executed: p.ScaleOut.T1Executed,
			T2Executed: p.ScaleOut.T2Executed,
			T3Executed: p.ScaleOut.T3Executed,
		},
		LastUpdate: p.LastUpdate,
	}
}

// Clone returns a copy safe to read outside the registry lock.
func (p *ManagedPosition) Clone() *ManagedPosition {
	cp := *p
	return &cp
}
