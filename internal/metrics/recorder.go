package metrics

import (
	"time"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordEntry records an entry submission outcome.
func (r *Recorder) RecordEntry(symbol, outcome string) {
	EntriesTotal.WithLabelValues(symbol, outcome).Inc()
}

// MonitorStarted tracks a new fill monitor.
func (r *Recorder) MonitorStarted() {
	FillMonitorsActive.Inc()
}

// MonitorStopped tracks a finished fill monitor.
func (r *Recorder) MonitorStopped() {
	FillMonitorsActive.Dec()
}

// RecordClaim records a won placement claim.
func (r *Recorder) RecordClaim(source string) {
	ProtectionClaimsTotal.WithLabelValues(source).Inc()
}

// RecordLeg records one protective order attempt.
func (r *Recorder) RecordLeg(leg, outcome string) {
	ProtectiveLegsTotal.WithLabelValues(leg, outcome).Inc()
}

// RecordSweep records a completed reconciliation sweep.
func (r *Recorder) RecordSweep(repaired int, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	SweepRunsTotal.WithLabelValues(result).Inc()
	SweepRepairsTotal.Add(float64(repaired))
	SweepDuration.Observe(duration.Seconds())
	if err == nil {
		SweepLastRun.Set(float64(time.Now().Unix()))
	}
}

// RecordScaleOut records an executed tranche.
func (r *Recorder) RecordScaleOut(symbol, tier string) {
	ScaleOutsTotal.WithLabelValues(symbol, tier).Inc()
}

// RecordStopMove records a stop improvement.
func (r *Recorder) RecordStopMove(symbol, level string) {
	StopMovesTotal.WithLabelValues(symbol, level).Inc()
}

// RecordTrailingLevel records the current trailing level.
func (r *Recorder) RecordTrailingLevel(symbol string, level int) {
	TrailingLevel.WithLabelValues(symbol).Set(float64(level))
}

// RecordManagedPositions records the open position count.
func (r *Recorder) RecordManagedPositions(n int) {
	ManagedPositions.Set(float64(n))
}

// RecordExit records a full exit.
func (r *Recorder) RecordExit(symbol, reason string) {
	ExitsTotal.WithLabelValues(symbol, reason).Inc()
	TrailingLevel.DeleteLabelValues(symbol)
}

// RecordForceClose records a force-close outcome.
func (r *Recorder) RecordForceClose(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "partial_failure"
	}
	ForceClosesTotal.WithLabelValues(outcome).Inc()
}

// RecordPersistenceError records a failed best-effort write.
func (r *Recorder) RecordPersistenceError(op string) {
	PersistenceErrorsTotal.WithLabelValues(op).Inc()
}

// RecordBrokerStatus records broker connection status.
func (r *Recorder) RecordBrokerStatus(connected bool) {
	if connected {
		BrokerConnected.Set(1)
	} else {
		BrokerConnected.Set(0)
	}
}

// RecordHeartbeat records a heartbeat.
func (r *Recorder) RecordHeartbeat() {
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// RecordError records an error.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveOrder observes the elapsed time as order latency.
func (t *Timer) ObserveOrder() {
	OrderLatency.Observe(t.Elapsed().Seconds())
}
