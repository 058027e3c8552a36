package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type settlementMetrics struct {
	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	faults     prometheus.Counter
	hooks      prometheus.Counter
}

var (
	settlementOnce     sync.Once
	settlementRegistry *settlementMetrics
)

// SettlementMetrics returns the lazily-initialised metrics registry for
// settlement engine activity.
func SettlementMetrics() *settlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &settlementMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tranchelend",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Total settlement operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tranchelend",
				Subsystem: "engine",
				Name:      "errors_total",
				Help:      "Total settlement operation errors segmented by operation.",
			}, []string{"operation"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tranchelend",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for settlement operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			faults: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tranchelend",
				Subsystem: "engine",
				Name:      "distribution_faults_total",
				Help:      "Tranche payouts redirected after a recipient transfer fault.",
			}),
			hooks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tranchelend",
				Subsystem: "engine",
				Name:      "hook_failures_total",
				Help:      "Position holder notification hooks that errored, panicked or timed out.",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.operations,
			settlementRegistry.errors,
			settlementRegistry.latency,
			settlementRegistry.faults,
			settlementRegistry.hooks,
		)
	})
	return settlementRegistry
}

// ObserveOperation records one settlement operation's outcome and latency.
func (m *settlementMetrics) ObserveOperation(operation string, err error, start time.Time) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(operation).Inc()
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordDistributionFault counts a redirected tranche payout.
func (m *settlementMetrics) RecordDistributionFault() {
	if m == nil {
		return
	}
	m.faults.Inc()
}

// RecordHookFailure counts a swallowed notification hook failure.
func (m *settlementMetrics) RecordHookFailure() {
	if m == nil {
		return
	}
	m.hooks.Inc()
}
