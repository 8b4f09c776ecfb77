// Package risk gates new entries on open-position count, the session's
// realized loss and drawdown from the realized-equity peak.
package risk

import (
	"sync"

	"github.com/shopspring/decimal"
)

// EquityCurve tracks realized equity and its high-water mark.
// Thread-safe for concurrent access.
type EquityCurve struct {
	mu     sync.RWMutex
	peak   decimal.Decimal
	equity decimal.Decimal
}

// NewEquityCurve starts a curve at start.
func NewEquityCurve(start decimal.Decimal) *EquityCurve {
	return &EquityCurve{peak: start, equity: start}
}

// Add books a realized P/L. Returns true if equity set a new peak.
func (c *EquityCurve) Add(pl decimal.Decimal) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.equity = c.equity.Add(pl)
	if c.equity.GreaterThan(c.peak) {
		c.peak = c.equity
		return true
	}
	return false
}

// Equity returns the current realized equity.
func (c *EquityCurve) Equity() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.equity
}

// Peak returns the high-water mark.
func (c *EquityCurve) Peak() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peak
}

// Drawdown returns (peak - equity) / peak; 0.15 means 15%.
func (c *EquityCurve) Drawdown() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return drawdown(c.peak, c.equity)
}

func drawdown(peak, equity decimal.Decimal) decimal.Decimal {
	if !peak.IsPositive() || equity.GreaterThanOrEqual(peak) {
		return decimal.Zero
	}
	return peak.Sub(equity).Div(peak)
}
