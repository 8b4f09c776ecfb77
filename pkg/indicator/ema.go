package indicator

import (
	"github.com/shopspring/decimal"
)

// EMA calculates an Exponential Moving Average.
// The first value is seeded with the SMA of the first period inputs.
type EMA struct {
	period int
	alpha  decimal.Decimal
	seed   []decimal.Decimal
	value  decimal.Decimal
	ready  bool
}

// NewEMA creates a new EMA calculator with the given period.
func NewEMA(period int) *EMA {
	if period < 1 {
		period = 1
	}
	// alpha = 2 / (period + 1)
	alpha := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period + 1)))
	return &EMA{
		period: period,
		alpha:  alpha,
		seed:   make([]decimal.Decimal, 0, period),
	}
}

// Update adds a new value and returns the current EMA.
// Returns zero until period values have been seen.
func (e *EMA) Update(value decimal.Decimal) decimal.Decimal {
	if !e.ready {
		e.seed = append(e.seed, value)
		if len(e.seed) < e.period {
			return decimal.Zero
		}
		e.value = SMA(e.seed, e.period)
		e.ready = true
		e.seed = nil
		return e.value
	}

	e.value = value.Sub(e.value).Mul(e.alpha).Add(e.value)
	return e.value
}

// Current returns the current EMA value without adding new data.
func (e *EMA) Current() decimal.Decimal {
	if !e.ready {
		return decimal.Zero
	}
	return e.value
}

// Ready returns true if enough data points have been collected.
func (e *EMA) Ready() bool {
	return e.ready
}

// Period returns the EMA period.
func (e *EMA) Period() int {
	return e.period
}

// EMAOf runs a fresh EMA over values and returns the final value.
// Returns zero if there are fewer than period values.
func EMAOf(values []decimal.Decimal, period int) decimal.Decimal {
	ema := NewEMA(period)
	result := decimal.Zero
	for _, v := range values {
		result = ema.Update(v)
	}
	return result
}
