// Package alerting fans exit-engine notifications out to operators.
package alerting

import (
	"context"
	"fmt"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is for warning messages.
	SeverityWarning
	// SeverityHigh is for high priority alerts.
	SeverityHigh
	// SeverityCritical is for critical alerts requiring immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// Field represents a key-value pair for structured alert data.
type Field struct {
	Key   string
	Value any
}

// FormatFields converts variadic fields to a formatted string.
func FormatFields(fields ...any) string {
	if len(fields) == 0 {
		return ""
	}

	result := ""
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		value := fields[i+1]
		if result != "" {
			result += "\n"
		}
		result += fmt.Sprintf("• %s: %v", key, value)
	}
	return result
}

// AlertEvent represents a pre-defined alert event type.
type AlertEvent string

const (
	// EventProtectionFailed is sent when a protective leg fails permanently.
	EventProtectionFailed AlertEvent = "protection_failed"
	// EventUnprotectedPosition is sent when a filled entry has no trailing stop.
	EventUnprotectedPosition AlertEvent = "unprotected_position"
	// EventUnmanagedPosition is sent when protective legs are live but the
	// position could not be registered for exit management.
	EventUnmanagedPosition AlertEvent = "unmanaged_position"
	// EventPositionProtected is sent when protective orders are attached.
	EventPositionProtected AlertEvent = "position_protected"
	// EventScaleOut is sent when a tranche sells.
	EventScaleOut AlertEvent = "scale_out"
	// EventScaleOutFailed is sent when a tranche order is refused.
	EventScaleOutFailed AlertEvent = "scale_out_failed"
	// EventStopExit is sent when the trailing stop closes a position.
	EventStopExit AlertEvent = "stop_exit"
	// EventTargetExit is sent when the take-profit closes a position.
	EventTargetExit AlertEvent = "target_exit"
	// EventForceClose is sent when a position is force-closed.
	EventForceClose AlertEvent = "force_close"
	// EventForceCloseFailed is sent when a force-close only partly succeeded.
	EventForceCloseFailed AlertEvent = "force_close_failed"
	// EventEntryFailed is sent when an entry order ends without a fill.
	EventEntryFailed AlertEvent = "entry_failed"
	// EventSessionSummary is sent at the session cutoff.
	EventSessionSummary AlertEvent = "session_summary"
	// EventEngineStarted is sent when the engine starts.
	EventEngineStarted AlertEvent = "engine_started"
	// EventEngineStopped is sent when the engine stops.
	EventEngineStopped AlertEvent = "engine_stopped"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventUnprotectedPosition, EventUnmanagedPosition:
		return SeverityCritical
	case EventProtectionFailed, EventForceCloseFailed, EventScaleOutFailed:
		return SeverityHigh
	case EventStopExit, EventEntryFailed, EventForceClose:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Emit sends an event through a, using the event's default severity.
// A nil alerter is a no-op.
func Emit(ctx context.Context, a Alerter, event AlertEvent, message string, fields ...any) error {
	if a == nil {
		return nil
	}
	fields = append([]any{"event", string(event)}, fields...)
	return a.Alert(ctx, EventSeverity(event), message, fields...)
}
