package alerting

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/types"
)

// SessionSummary aggregates the trades closed during one session.
type SessionSummary struct {
	Date          time.Time
	ClosedTrades  int
	Winners       int
	Losers        int
	RealizedPL    decimal.Decimal
	TotalR        decimal.Decimal
	ExitsByReason map[string]int
	OpenPositions int
}

// SummarySender is implemented by alerters with a dedicated summary format.
type SummarySender interface {
	SendSessionSummary(ctx context.Context, s SessionSummary) error
}

// NewSessionSummary builds a summary from closed trades.
func NewSessionSummary(date time.Time, trades []types.Trade, openPositions int) SessionSummary {
	s := SessionSummary{
		Date:          date,
		ExitsByReason: make(map[string]int),
		OpenPositions: openPositions,
	}
	for _, t := range trades {
		if t.Open {
			continue
		}
		s.ClosedTrades++
		s.RealizedPL = s.RealizedPL.Add(t.RealizedPL)
		s.TotalR = s.TotalR.Add(t.RMultiple)
		s.ExitsByReason[t.ExitReason]++
		switch {
		case t.RealizedPL.IsPositive():
			s.Winners++
		case t.RealizedPL.IsNegative():
			s.Losers++
		}
	}
	return s
}

// WinRate returns winners over closed trades, in percent.
func (s SessionSummary) WinRate() decimal.Decimal {
	if s.ClosedTrades == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.Winners)).
		Div(decimal.NewFromInt(int64(s.ClosedTrades))).
		Mul(decimal.NewFromInt(100))
}

// Reasons returns the exit reasons in sorted order.
func (s SessionSummary) Reasons() []string {
	out := make([]string, 0, len(s.ExitsByReason))
	for r := range s.ExitsByReason {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// SendSummary delivers s through a's summary format when it has one, and
// as a plain alert otherwise.
func SendSummary(ctx context.Context, a Alerter, s SessionSummary) error {
	if a == nil {
		return nil
	}
	if ss, ok := a.(SummarySender); ok {
		return ss.SendSessionSummary(ctx, s)
	}
	return Emit(ctx, a, EventSessionSummary, "Session summary",
		"closed_trades", s.ClosedTrades,
		"realized_pl", s.RealizedPL.StringFixed(2),
		"total_r", s.TotalR.StringFixed(2),
		"open_positions", s.OpenPositions,
	)
}
