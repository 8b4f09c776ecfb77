// Package indicator provides technical indicator calculations.
package indicator

import (
	"github.com/shopspring/decimal"
)

// SMA returns the simple moving average of the last period values.
// Returns zero if there are fewer than period values.
func SMA(values []decimal.Decimal, period int) decimal.Decimal {
	if period < 1 || len(values) < period {
		return decimal.Zero
	}

	sum := decimal.Zero
	for _, v := range values[len(values)-period:] {
		sum = sum.Add(v)
	}

	return sum.Div(decimal.NewFromInt(int64(period)))
}
