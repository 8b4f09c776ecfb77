// Package metrics exposes Prometheus collectors for the exit engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "exit_engine"

var (
	// EntriesTotal counts entry submissions by outcome.
	EntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entries_total",
		Help:      "Entry orders by outcome.",
	}, []string{"symbol", "outcome"})

	// FillMonitorsActive is the number of running fill monitors.
	FillMonitorsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fill_monitors_active",
		Help:      "Fill monitors currently polling.",
	})

	// ProtectionClaimsTotal counts won placement claims by caller.
	ProtectionClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protection_claims_total",
		Help:      "Protective placements claimed, by source.",
	}, []string{"source"})

	// ProtectiveLegsTotal counts protective order submissions.
	ProtectiveLegsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protective_legs_total",
		Help:      "Protective order legs by leg and outcome.",
	}, []string{"leg", "outcome"})

	// SweepRunsTotal counts reconciliation sweeps.
	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_runs_total",
		Help:      "Reconciliation sweeps by result.",
	}, []string{"result"})

	// SweepRepairsTotal counts entries the sweep protected.
	SweepRepairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_repairs_total",
		Help:      "Filled entries protected by the sweep.",
	})

	// SweepLastRun is the unix time of the last completed sweep.
	SweepLastRun = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sweep_last_run_timestamp",
		Help:      "Unix time of the last completed sweep.",
	})

	// SweepDuration tracks sweep latency.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Reconciliation sweep duration.",
		Buckets:   prometheus.DefBuckets,
	})

	// ScaleOutsTotal counts executed tranches.
	ScaleOutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scale_outs_total",
		Help:      "Scale-out tranches executed.",
	}, []string{"symbol", "tier"})

	// StopMovesTotal counts stop improvements.
	StopMovesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stop_moves_total",
		Help:      "Trailing stop improvements by level.",
	}, []string{"symbol", "level"})

	// TrailingLevel is the current trailing level per symbol.
	TrailingLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "trailing_level",
		Help:      "Trailing level (0=INITIAL .. 4=MA_20).",
	}, []string{"symbol"})

	// ManagedPositions is the number of open managed positions.
	ManagedPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "managed_positions",
		Help:      "Open positions under exit management.",
	})

	// ExitsTotal counts full exits by reason.
	ExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exits_total",
		Help:      "Full position exits by reason.",
	}, []string{"symbol", "reason"})

	// ForceClosesTotal counts force-close attempts.
	ForceClosesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "force_closes_total",
		Help:      "Force-close attempts by outcome.",
	}, []string{"outcome"})

	// PersistenceErrorsTotal counts failed best-effort writes.
	PersistenceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persistence_errors_total",
		Help:      "Failed persistence writes by operation.",
	}, []string{"op"})

	// OrderLatency tracks gateway submission latency.
	OrderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "order_latency_seconds",
		Help:      "Order submission latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// BrokerConnected is 1 when the gateway is connected.
	BrokerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broker_connected",
		Help:      "Gateway connection status.",
	})

	// HeartbeatTimestamp is the unix time of the last tick.
	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "heartbeat_timestamp",
		Help:      "Unix time of the last evaluation tick.",
	})

	// ErrorsTotal counts errors by type.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Errors by type.",
	}, []string{"type"})
)
