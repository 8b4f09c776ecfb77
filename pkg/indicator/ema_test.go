package indicator

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestEMA_SeededWithSMA(t *testing.T) {
	ema := NewEMA(3)

	if ema.Ready() {
		t.Error("EMA should not be ready with no data")
	}

	ema.Update(decimal.NewFromInt(10))
	if got := ema.Update(decimal.NewFromInt(20)); !got.IsZero() {
		t.Errorf("EMA should be zero before period values, got %s", got)
	}

	result := ema.Update(decimal.NewFromInt(30))
	if !result.Equal(decimal.NewFromInt(20)) {
		t.Errorf("seed EMA = %s, want 20", result)
	}
	if !ema.Ready() {
		t.Error("EMA should be ready after 3 values")
	}
}

func TestEMA_Smoothing(t *testing.T) {
	ema := NewEMA(3) // alpha = 0.5

	for _, v := range ints(10, 20, 30) {
		ema.Update(v)
	}

	// 20 + 0.5 * (40 - 20) = 30
	result := ema.Update(decimal.NewFromInt(40))
	if !result.Equal(decimal.NewFromInt(30)) {
		t.Errorf("EMA = %s, want 30", result)
	}
	if !ema.Current().Equal(result) {
		t.Errorf("Current = %s, want %s", ema.Current(), result)
	}
}

func TestEMAOf(t *testing.T) {
	tests := []struct {
		name   string
		values []decimal.Decimal
		period int
		want   decimal.Decimal
	}{
		{"not enough data", ints(1, 2), 3, decimal.Zero},
		{"exactly period", ints(10, 20, 30), 3, decimal.NewFromInt(20)},
		{"one past period", ints(10, 20, 30, 40), 3, decimal.NewFromInt(30)},
		{"flat series", ints(5, 5, 5, 5, 5, 5, 5, 5, 5), 8, decimal.NewFromInt(5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EMAOf(tt.values, tt.period)
			if !got.Equal(tt.want) {
				t.Errorf("EMAOf = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEMA_Period(t *testing.T) {
	if NewEMA(0).Period() != 1 {
		t.Error("period below 1 should clamp to 1")
	}
	if NewEMA(20).Period() != 20 {
		t.Error("period should be kept")
	}
}
