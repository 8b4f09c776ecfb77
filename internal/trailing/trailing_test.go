package trailing

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/position"
	"github.com/tathienbao/exit-engine/internal/types"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func flatBars(n int, price string) []types.Bar {
	bars := make([]types.Bar, n)
	for i := range bars {
		p := d(price)
		bars[i] = types.Bar{Open: p, High: p, Low: p, Close: p}
	}
	return bars
}

func TestNextLevel(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name string
		in   Input
		want position.TrailingLevel
	}{
		{"initial waits", Input{Level: position.LevelInitial, BarsInFavor: 1}, position.LevelInitial},
		{"initial to breakeven", Input{Level: position.LevelInitial, BarsInFavor: 2}, position.LevelBreakeven},
		{"one step only", Input{Level: position.LevelInitial, BarsInFavor: 9}, position.LevelBreakeven},
		{"breakeven waits", Input{Level: position.LevelBreakeven, BarsInFavor: 3}, position.LevelBreakeven},
		{"breakeven to bar-by-bar", Input{Level: position.LevelBreakeven, BarsInFavor: 4}, position.LevelBarByBar},
		{"bar-by-bar to ma8", Input{Level: position.LevelBarByBar, BarsInFavor: 5}, position.LevelMA8},
		{"ma8 needs t2", Input{Level: position.LevelMA8, BarsInFavor: 50}, position.LevelMA8},
		{"ma8 to ma20", Input{Level: position.LevelMA8, T2Executed: true}, position.LevelMA20},
		{"t2 alone does not skip", Input{Level: position.LevelBreakeven, T2Executed: true}, position.LevelBreakeven},
		{"ma20 terminal", Input{Level: position.LevelMA20, T2Executed: true, BarsInFavor: 0}, position.LevelMA20},
		{"reset count keeps level", Input{Level: position.LevelBarByBar, BarsInFavor: 0}, position.LevelBarByBar},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextLevel(cfg, tt.in); got != tt.want {
				t.Errorf("NextLevel() = %s, want %s", got, tt.want)
			}
		})
	}
}

// Entry 100, stop 98: two favorable bars move the stop to breakeven.
func TestEvaluate_BreakevenAfterTwoBars(t *testing.T) {
	dec := Evaluate(DefaultConfig(), Input{
		Side:        types.SideLong,
		Level:       position.LevelInitial,
		BarsInFavor: 2,
		EntryPrice:  d("100"),
		CurrentStop: d("98"),
		Bars:        flatBars(2, "101"),
	})

	if dec.Level != position.LevelBreakeven {
		t.Errorf("Level = %s, want BREAKEVEN", dec.Level)
	}
	if !dec.Moved || !dec.Stop.Equal(d("100")) {
		t.Errorf("Stop = %s (moved=%v), want 100", dec.Stop, dec.Moved)
	}
}

func TestEvaluate_BarByBarEntryKeepsStop(t *testing.T) {
	bars := []types.Bar{
		{High: d("104"), Low: d("103"), Close: d("103.5")},
		{High: d("105"), Low: d("104"), Close: d("104.5")},
	}
	in := Input{
		Side:        types.SideLong,
		Level:       position.LevelBreakeven,
		BarsInFavor: 4,
		EntryPrice:  d("100"),
		CurrentStop: d("100"),
		Bars:        bars,
	}

	dec := Evaluate(DefaultConfig(), in)
	if dec.Level != position.LevelBarByBar {
		t.Fatalf("Level = %s, want BAR_BY_BAR", dec.Level)
	}
	if dec.Moved {
		t.Errorf("entering BAR_BY_BAR should not move the stop, got %s", dec.Stop)
	}

	// Next tick at BAR_BY_BAR trails the prior bar low.
	in.Level = position.LevelBarByBar
	dec = Evaluate(DefaultConfig(), in)
	if !dec.Moved || !dec.Stop.Equal(d("102.99")) {
		t.Errorf("Stop = %s, want 102.99", dec.Stop)
	}
}

func TestEvaluate_BarByBarNeverLoosens(t *testing.T) {
	bars := []types.Bar{
		{High: d("101"), Low: d("99"), Close: d("100")},
		{High: d("102"), Low: d("100"), Close: d("101")},
	}
	dec := Evaluate(DefaultConfig(), Input{
		Side:        types.SideLong,
		Level:       position.LevelBarByBar,
		BarsInFavor: 4,
		EntryPrice:  d("95"),
		CurrentStop: d("100"),
		Bars:        bars,
	})

	if dec.Moved || !dec.Stop.Equal(d("100")) {
		t.Errorf("candidate 98.99 must be discarded, got stop %s", dec.Stop)
	}
	if !dec.Candidate.Equal(d("98.99")) {
		t.Errorf("Candidate = %s, want 98.99", dec.Candidate)
	}
}

func TestEvaluate_MA8UsesFastEMA(t *testing.T) {
	dec := Evaluate(DefaultConfig(), Input{
		Side:        types.SideLong,
		Level:       position.LevelMA8,
		BarsInFavor: 6,
		EntryPrice:  d("100"),
		CurrentStop: d("105"),
		Bars:        flatBars(10, "110"),
	})

	if !dec.Moved || !dec.Stop.Equal(d("109.99")) {
		t.Errorf("Stop = %s, want 109.99", dec.Stop)
	}
}

func TestEvaluate_MA20UsesWideBuffer(t *testing.T) {
	dec := Evaluate(DefaultConfig(), Input{
		Side:        types.SideLong,
		Level:       position.LevelMA8,
		T2Executed:  true,
		EntryPrice:  d("100"),
		CurrentStop: d("105"),
		Bars:        flatBars(25, "110"),
	})

	if dec.Level != position.LevelMA20 {
		t.Fatalf("Level = %s, want MA_20", dec.Level)
	}
	if !dec.Stop.Equal(d("109.95")) {
		t.Errorf("Stop = %s, want 109.95", dec.Stop)
	}
}

func TestEvaluate_EMANotReadyProposesNothing(t *testing.T) {
	dec := Evaluate(DefaultConfig(), Input{
		Side:        types.SideLong,
		Level:       position.LevelMA20,
		EntryPrice:  d("100"),
		CurrentStop: d("101"),
		Bars:        flatBars(5, "110"),
	})

	if dec.Moved || !dec.Candidate.IsZero() {
		t.Errorf("expected no proposal with 5 bars, got %s", dec.Candidate)
	}
}

func TestEvaluate_ShortMirrors(t *testing.T) {
	cfg := DefaultConfig()

	dec := Evaluate(cfg, Input{
		Side:        types.SideShort,
		Level:       position.LevelInitial,
		BarsInFavor: 2,
		EntryPrice:  d("100"),
		CurrentStop: d("102"),
	})
	if !dec.Stop.Equal(d("100")) {
		t.Errorf("short breakeven stop = %s, want 100", dec.Stop)
	}

	bars := []types.Bar{
		{High: d("97"), Low: d("96"), Close: d("96.5")},
		{High: d("96"), Low: d("95"), Close: d("95.5")},
	}
	dec = Evaluate(cfg, Input{
		Side:        types.SideShort,
		Level:       position.LevelBarByBar,
		BarsInFavor: 4,
		EntryPrice:  d("100"),
		CurrentStop: d("100"),
		Bars:        bars,
	})
	if !dec.Stop.Equal(d("97.01")) {
		t.Errorf("short bar-by-bar stop = %s, want 97.01", dec.Stop)
	}
}

func TestFavorable(t *testing.T) {
	entry := d("100")
	up := types.Bar{Close: d("101")}

	if !Favorable(types.SideLong, entry, decimal.Zero, up) {
		t.Error("first bar above entry should be favorable")
	}
	if !Favorable(types.SideLong, entry, d("100.5"), up) {
		t.Error("higher close above entry should be favorable")
	}
	if Favorable(types.SideLong, entry, d("101.5"), up) {
		t.Error("lower close should not be favorable")
	}
	if Favorable(types.SideLong, entry, decimal.Zero, types.Bar{Close: d("99")}) {
		t.Error("close below entry should not be favorable")
	}
	if !Favorable(types.SideShort, entry, d("99"), types.Bar{Close: d("98")}) {
		t.Error("short: lower close below entry should be favorable")
	}
}

// Over random bar sequences the stop only tightens and the level only climbs.
func TestEvaluate_MonotonicProperty(t *testing.T) {
	cfg := DefaultConfig()
	rng := rand.New(rand.NewSource(7))

	for _, side := range []types.Side{types.SideLong, types.SideShort} {
		for run := 0; run < 50; run++ {
			entry := d("100")
			stop := side.Away(entry, d("2"))
			level := position.LevelInitial
			inFavor := 0
			t2 := false
			price := entry
			var bars []types.Bar

			for tick := 0; tick < 60; tick++ {
				move := decimal.NewFromFloat(rng.Float64()*2 - 0.9).Round(2)
				prev := price
				price = price.Add(move)
				hi := decimal.Max(prev, price).Add(d("0.3"))
				lo := decimal.Min(prev, price).Sub(d("0.3"))
				bar := types.Bar{Open: prev, High: hi, Low: lo, Close: price}

				prevClose := decimal.Zero
				if len(bars) > 0 {
					prevClose = bars[len(bars)-1].Close
				}
				bars = append(bars, bar)
				if Favorable(side, entry, prevClose, bar) {
					inFavor++
				} else {
					inFavor = 0
				}
				if tick > 30 {
					t2 = true
				}

				dec := Evaluate(cfg, Input{
					Side: side, Level: level, BarsInFavor: inFavor, T2Executed: t2,
					EntryPrice: entry, CurrentStop: stop, Bars: bars,
				})

				if dec.Level < level {
					t.Fatalf("level regressed %s -> %s", level, dec.Level)
				}
				if side.Beyond(stop, dec.Stop) {
					t.Fatalf("%s stop loosened %s -> %s", side, stop, dec.Stop)
				}
				level, stop = dec.Level, dec.Stop
			}
		}
	}
}
