package observability

import (
	"tranchelend/core/events"
)

// metricsEmitter taps the engine event stream to keep operational counters
// current, then forwards every event unchanged.
type metricsEmitter struct {
	next events.Emitter
}

// MetricsEmitter wraps an emitter so distribution faults and hook failures
// surface as Prometheus counters. A nil next emitter discards events after
// counting.
func MetricsEmitter(next events.Emitter) events.Emitter {
	if next == nil {
		next = events.NoopEmitter{}
	}
	return &metricsEmitter{next: next}
}

func (m *metricsEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	switch evt.EventType() {
	case events.TypeDistributionFailed:
		SettlementMetrics().RecordDistributionFault()
	case events.TypeHookFailed:
		SettlementMetrics().RecordHookFailure()
	}
	m.next.Emit(evt)
}

// Unwrap exposes the wrapped emitter so callers can reach a concrete sink
// (e.g. the event indexer) through the chain.
func (m *metricsEmitter) Unwrap() events.Emitter { return m.next }
