// Package ledgermetrics exposes Prometheus instrumentation for the ledger
// daemon: lock-wait latency, heartbeat tick duration, crash detections,
// active operations, and spawned-call outcomes. Grounded on the pack's
// octoreflex internal/observability conventions (a Metrics struct holding
// pre-registered collectors, constructed once and threaded through, rather
// than package-global promauto registration).
package ledgermetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors registered against one prometheus.Registry.
type Metrics struct {
	LockWaitSeconds       prometheus.Histogram
	HeartbeatTickSeconds  prometheus.Histogram
	ActiveOperations      prometheus.Gauge
	CrashDetections       prometheus.Counter
	SpawnedCallOutcomes   *prometheus.CounterVec
}

// New constructs and registers a Metrics bundle against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ledger",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire a per-operation lock.",
			Buckets:   prometheus.DefBuckets,
		}),
		HeartbeatTickSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ledger",
			Name:      "heartbeat_tick_seconds",
			Help:      "Duration of one heartbeat mutation, including disk I/O.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveOperations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledger",
			Name:      "active_operations",
			Help:      "Number of operations currently tracked in-process.",
		}),
		CrashDetections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "crash_detections_total",
			Help:      "Number of times a heartbeat tick observed a stale co-participant.",
		}),
		SpawnedCallOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "spawned_call_outcomes_total",
			Help:      "Spawned-call terminal outcomes by category.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.LockWaitSeconds,
		m.HeartbeatTickSeconds,
		m.ActiveOperations,
		m.CrashDetections,
		m.SpawnedCallOutcomes,
	)
	return m
}

// ObserveOutcome increments the spawned-call outcome counter for the given
// category ("successful", "failed", "unknown").
func (m *Metrics) ObserveOutcome(outcome string) {
	m.SpawnedCallOutcomes.WithLabelValues(outcome).Inc()
}
