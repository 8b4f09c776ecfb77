package alerting

import (
	"context"
	"log/slog"
)

// ConsoleAlerter writes alerts to the structured log.
type ConsoleAlerter struct {
	logger *slog.Logger
}

// NewConsoleAlerter creates a console alerter.
func NewConsoleAlerter(logger *slog.Logger) *ConsoleAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleAlerter{logger: logger}
}

// Name returns the name of the alerter.
func (c *ConsoleAlerter) Name() string {
	return "console"
}

// Alert logs at a level matching severity.
func (c *ConsoleAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	attrs := append([]any{"severity", severity.String()}, fields...)
	c.logger.Log(ctx, logLevel(severity), "[ALERT] "+message, attrs...)
	return nil
}

// SendSessionSummary logs the summary as one record.
func (c *ConsoleAlerter) SendSessionSummary(ctx context.Context, s SessionSummary) error {
	exits := make([]any, 0, len(s.ExitsByReason)*2)
	for _, reason := range s.Reasons() {
		exits = append(exits, reason, s.ExitsByReason[reason])
	}
	c.logger.LogAttrs(ctx, slog.LevelInfo, "[SUMMARY] session closed",
		slog.String("date", s.Date.Format("2006-01-02")),
		slog.Int("closed_trades", s.ClosedTrades),
		slog.Int("winners", s.Winners),
		slog.Int("losers", s.Losers),
		slog.String("win_rate", s.WinRate().StringFixed(1)),
		slog.String("realized_pl", s.RealizedPL.StringFixed(2)),
		slog.String("total_r", s.TotalR.StringFixed(2)),
		slog.Int("open_positions", s.OpenPositions),
		slog.Group("exits", exits...),
	)
	return nil
}

func logLevel(s Severity) slog.Level {
	switch s {
	case SeverityCritical:
		return slog.LevelError
	case SeverityHigh, SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
