package alerting

import "context"

// FilteredAlerter drops alerts whose event is not enabled. Alerts sent
// without an "event" field always pass.
type FilteredAlerter struct {
	next    Alerter
	enabled func(event string) bool
}

// NewFilteredAlerter wraps next. A nil enabled func passes everything.
func NewFilteredAlerter(next Alerter, enabled func(event string) bool) *FilteredAlerter {
	if enabled == nil {
		enabled = func(string) bool { return true }
	}
	return &FilteredAlerter{next: next, enabled: enabled}
}

// Name returns the name of the wrapped alerter.
func (f *FilteredAlerter) Name() string {
	return "filtered:" + f.next.Name()
}

// Alert forwards the alert when its event is enabled.
func (f *FilteredAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	if event, ok := eventField(fields); ok && !f.enabled(event) {
		return nil
	}
	return f.next.Alert(ctx, severity, message, fields...)
}

// SendSessionSummary forwards the summary when session summaries are enabled.
func (f *FilteredAlerter) SendSessionSummary(ctx context.Context, s SessionSummary) error {
	if !f.enabled(string(EventSessionSummary)) {
		return nil
	}
	return SendSummary(ctx, f.next, s)
}

func eventField(fields []any) (string, bool) {
	for i := 0; i+1 < len(fields); i += 2 {
		if key, ok := fields[i].(string); ok && key == "event" {
			event, ok := fields[i+1].(string)
			return event, ok
		}
	}
	return "", false
}
