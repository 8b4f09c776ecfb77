// Package trailing implements the five-level progressive trailing stop as a
// pure function of position state and recent bars.
package trailing

import (
	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/position"
	"github.com/tathienbao/exit-engine/internal/types"
	"github.com/tathienbao/exit-engine/pkg/indicator"
)

// Config holds the trailing stop thresholds.
type Config struct {
	BreakevenBars int             // INITIAL -> BREAKEVEN
	BarByBarBars  int             // BREAKEVEN -> BAR_BY_BAR
	MA8Bars       int             // BAR_BY_BAR -> MA_8
	FastEMA       int             // period used at MA_8
	SlowEMA       int             // period used at MA_20
	Buffer        decimal.Decimal // ε below the prior bar and the fast EMA
	WideBuffer    decimal.Decimal // ε′ below the slow EMA
}

// DefaultConfig returns the standard ladder: 2/4/5 bars, EMA 8/20.
func DefaultConfig() Config {
	return Config{
		BreakevenBars: 2,
		BarByBarBars:  4,
		MA8Bars:       5,
		FastEMA:       8,
		SlowEMA:       20,
		Buffer:        decimal.RequireFromString("0.01"),
		WideBuffer:    decimal.RequireFromString("0.05"),
	}
}

// BarsNeeded is the lookback required to evaluate every level.
func (c Config) BarsNeeded() int {
	n := c.SlowEMA
	if c.FastEMA > n {
		n = c.FastEMA
	}
	return n + 1
}

// Input is the state one evaluation sees.
type Input struct {
	Side        types.Side
	Level       position.TrailingLevel
	BarsInFavor int
	T2Executed  bool
	EntryPrice  decimal.Decimal
	CurrentStop decimal.Decimal
	Bars        []types.Bar // oldest first, last is the bar just closed
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Level     position.TrailingLevel
	Stop      decimal.Decimal // the stop after this tick
	Candidate decimal.Decimal // zero when the level proposes nothing
	Moved     bool
}

// Transitioned reports whether the level changed from in.
func (d Decision) Transitioned(in Input) bool {
	return d.Level != in.Level
}

// NextLevel returns the level after one tick. It advances at most one step
// and never moves backward.
func NextLevel(cfg Config, in Input) position.TrailingLevel {
	switch in.Level {
	case position.LevelInitial:
		if in.BarsInFavor >= cfg.BreakevenBars {
			return position.LevelBreakeven
		}
	case position.LevelBreakeven:
		if in.BarsInFavor >= cfg.BarByBarBars {
			return position.LevelBarByBar
		}
	case position.LevelBarByBar:
		if in.BarsInFavor >= cfg.MA8Bars {
			return position.LevelMA8
		}
	case position.LevelMA8:
		if in.T2Executed {
			return position.LevelMA20
		}
	}
	return in.Level
}

// Evaluate advances the level and proposes a stop for it. The proposal is
// adopted only when it tightens the current stop.
func Evaluate(cfg Config, in Input) Decision {
	level := NextLevel(cfg, in)
	out := Decision{Level: level, Stop: in.CurrentStop}

	switch level {
	case position.LevelBreakeven:
		out.Candidate = in.EntryPrice
	case position.LevelBarByBar:
		// Entering BAR_BY_BAR leaves the stop where it is.
		if level == in.Level {
			out.Candidate = priorBarStop(cfg, in)
		}
	case position.LevelMA8:
		out.Candidate = emaStop(in, cfg.FastEMA, cfg.Buffer)
	case position.LevelMA20:
		out.Candidate = emaStop(in, cfg.SlowEMA, cfg.WideBuffer)
	}

	if !out.Candidate.IsZero() && in.Side.Beyond(out.Candidate, in.CurrentStop) {
		out.Stop = out.Candidate
		out.Moved = true
	}
	return out
}

// priorBarStop is ε beyond the previous bar's extreme on the stop side.
func priorBarStop(cfg Config, in Input) decimal.Decimal {
	if len(in.Bars) < 2 {
		return decimal.Zero
	}
	prior := in.Bars[len(in.Bars)-2]
	if in.Side == types.SideShort {
		return prior.High.Add(cfg.Buffer)
	}
	return prior.Low.Sub(cfg.Buffer)
}

func emaStop(in Input, period int, buffer decimal.Decimal) decimal.Decimal {
	closes := make([]decimal.Decimal, len(in.Bars))
	for i, b := range in.Bars {
		closes[i] = b.Close
	}
	ema := indicator.EMAOf(closes, period)
	if ema.IsZero() {
		return decimal.Zero
	}
	return in.Side.Away(ema, buffer)
}

// Favorable reports whether bar moved in the position's favor: it closed
// beyond the entry and beyond the previous close.
func Favorable(side types.Side, entry, prevClose decimal.Decimal, bar types.Bar) bool {
	if !side.Beyond(bar.Close, entry) {
		return false
	}
	return prevClose.IsZero() || side.Beyond(bar.Close, prevClose)
}
