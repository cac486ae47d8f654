package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SinkMetrics tracks consumer-side processing and duplicate suppression.
type SinkMetrics struct {
	processed    prometheus.Counter
	dedupSkipped prometheus.Counter
	failed       prometheus.Counter
}

// NewSinkMetrics registers the sink metrics on the provided registerer.
func NewSinkMetrics(reg prometheus.Registerer) *SinkMetrics {
	if reg == nil {
		return &SinkMetrics{}
	}
	processed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sink_processed_total",
		Help: "Events processed and durably marked by the sink.",
	})
	dedupSkipped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sink_dedup_skipped_total",
		Help: "Redeliveries skipped because their idempotency key was already processed.",
	})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sink_handler_failures_total",
		Help: "Handler invocations that rolled back and will be redelivered.",
	})
	reg.MustRegister(processed, dedupSkipped, failed)
	return &SinkMetrics{
		processed:    processed,
		dedupSkipped: dedupSkipped,
		failed:       failed,
	}
}

// IncProcessed counts a successfully handled event.
func (m *SinkMetrics) IncProcessed() {
	if m == nil || m.processed == nil {
		return
	}
	m.processed.Inc()
}

// IncDedupSkipped counts redeliveries collapsed by the deduplicator or the
// durable processed marker.
func (m *SinkMetrics) IncDedupSkipped() {
	if m == nil || m.dedupSkipped == nil {
		return
	}
	m.dedupSkipped.Inc()
}

// IncFailed counts handler failures.
func (m *SinkMetrics) IncFailed() {
	if m == nil || m.failed == nil {
		return
	}
	m.failed.Inc()
}
