// Package scaleout plans and evaluates partial profit-taking tranches.
package scaleout

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/position"
	"github.com/tathienbao/exit-engine/internal/types"
)

// Config holds target multiples of R and tranche sizes as fractions of the
// original quantity. T3 is never sold by price.
type Config struct {
	T1R        decimal.Decimal
	T2R        decimal.Decimal
	T3R        decimal.Decimal
	T1Fraction decimal.Decimal
	T2Fraction decimal.Decimal
}

// DefaultConfig returns 1.5R/2.5R/4R targets selling 30% then 40%.
func DefaultConfig() Config {
	return Config{
		T1R:        decimal.RequireFromString("1.5"),
		T2R:        decimal.RequireFromString("2.5"),
		T3R:        decimal.RequireFromString("4.0"),
		T1Fraction: decimal.RequireFromString("0.30"),
		T2Fraction: decimal.RequireFromString("0.40"),
	}
}

// Validate checks the multiples ascend and the fractions leave a runner.
func (c Config) Validate() error {
	if !c.T1R.IsPositive() || !c.T2R.GreaterThan(c.T1R) || !c.T3R.GreaterThan(c.T2R) {
		return fmt.Errorf("%w: scale-out targets must ascend (%s, %s, %s)", types.ErrInvalidConfig, c.T1R, c.T2R, c.T3R)
	}
	if !c.T1Fraction.IsPositive() || !c.T2Fraction.IsPositive() ||
		c.T1Fraction.Add(c.T2Fraction).GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: scale-out fractions must be positive and leave a runner", types.ErrInvalidConfig)
	}
	return nil
}

// Plan computes target prices from entry and the initial stop.
func Plan(cfg Config, side types.Side, entry, initialStop decimal.Decimal) position.ScaleOutPlan {
	r := entry.Sub(initialStop).Abs()
	return position.ScaleOutPlan{
		T1Price: side.Toward(entry, r.Mul(cfg.T1R)),
		T2Price: side.Toward(entry, r.Mul(cfg.T2R)),
		T3Price: side.Toward(entry, r.Mul(cfg.T3R)),
	}
}

// Tier identifies a tranche.
type Tier int

const (
	TierT1 Tier = 1
	TierT2 Tier = 2
)

func (t Tier) String() string {
	return fmt.Sprintf("T%d", int(t))
}

// Tranche is one partial exit to execute.
type Tranche struct {
	Tier     Tier
	Quantity int
	Target   decimal.Decimal
}

// Due returns the tranches price has reached, T1 before T2. A single bar
// that clears both targets yields both.
func Due(cfg Config, p *position.ManagedPosition, price decimal.Decimal) []Tranche {
	var due []Tranche
	remaining := p.RemainingQuantity
	t1Done := p.ScaleOut.T1Executed

	if !t1Done && p.Side.Reached(price, p.ScaleOut.T1Price) {
		qty := trancheSize(p.OriginalQuantity, cfg.T1Fraction, remaining)
		due = append(due, Tranche{Tier: TierT1, Quantity: qty, Target: p.ScaleOut.T1Price})
		remaining -= qty
		t1Done = true
	}

	if t1Done && !p.ScaleOut.T2Executed && p.Side.Reached(price, p.ScaleOut.T2Price) {
		qty := trancheSize(p.OriginalQuantity, cfg.T2Fraction, remaining)
		due = append(due, Tranche{Tier: TierT2, Quantity: qty, Target: p.ScaleOut.T2Price})
	}

	return due
}

// Apply records an executed tranche on p.
func Apply(p *position.ManagedPosition, tr Tranche) error {
	switch tr.Tier {
	case TierT1:
		if p.ScaleOut.T1Executed {
			return fmt.Errorf("T1 already executed for %s", p.Symbol)
		}
		p.ScaleOut.T1Executed = true
	case TierT2:
		if !p.ScaleOut.T1Executed {
			return fmt.Errorf("T2 before T1 for %s", p.Symbol)
		}
		if p.ScaleOut.T2Executed {
			return fmt.Errorf("T2 already executed for %s", p.Symbol)
		}
		p.ScaleOut.T2Executed = true
	default:
		return fmt.Errorf("unknown tier %d", tr.Tier)
	}
	p.Reduce(tr.Quantity)
	return nil
}

func trancheSize(original int, fraction decimal.Decimal, remaining int) int {
	qty := int(decimal.NewFromInt(int64(original)).Mul(fraction).Floor().IntPart())
	if qty > remaining {
		qty = remaining
	}
	if qty < 0 {
		qty = 0
	}
	return qty
}
