package alerting

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// MultiAlerter fans alerts and session summaries out to every channel
// concurrently. One failing channel does not stop the others.
type MultiAlerter struct {
	mu       sync.RWMutex
	alerters []Alerter
	logger   *slog.Logger
}

// NewMultiAlerter creates a new multi-channel alerter.
func NewMultiAlerter(logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{
		alerters: alerters,
		logger:   logger,
	}
}

// Name returns the name of the alerter.
func (m *MultiAlerter) Name() string {
	return "multi"
}

// AddAlerter adds a channel.
func (m *MultiAlerter) AddAlerter(alerter Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerters = append(m.alerters, alerter)
}

// Len returns the number of channels.
func (m *MultiAlerter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.alerters)
}

// Alert sends an alert to all channels. Channel errors are joined.
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	return m.fanOut("alert", func(a Alerter) error {
		return a.Alert(ctx, severity, message, fields...)
	})
}

// SendSessionSummary delivers s to every channel in that channel's own
// summary format.
func (m *MultiAlerter) SendSessionSummary(ctx context.Context, s SessionSummary) error {
	return m.fanOut("session summary", func(a Alerter) error {
		return SendSummary(ctx, a, s)
	})
}

// AlertEvent sends an alert for a predefined event type.
func (m *MultiAlerter) AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error {
	return Emit(ctx, m, event, message, fields...)
}

func (m *MultiAlerter) fanOut(op string, send func(Alerter) error) error {
	m.mu.RLock()
	alerters := make([]Alerter, len(m.alerters))
	copy(alerters, m.alerters)
	m.mu.RUnlock()

	errs := make([]error, len(alerters))
	var wg sync.WaitGroup
	for i, a := range alerters {
		i, a := i, a
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := send(a); err != nil {
				m.logger.Error("alert channel failed", "channel", a.Name(), "op", op, "err", err)
				errs[i] = err
			}
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}
