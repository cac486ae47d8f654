package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics tracks the delivery pipeline from claim to broker ack.
type RelayMetrics struct {
	published      *prometheus.CounterVec
	failed         *prometheus.CounterVec
	deadLettered   prometheus.Counter
	claimed        prometheus.Counter
	reclaimed      prometheus.Counter
	publishLatency prometheus.Histogram
	pendingBacklog prometheus.Gauge
	oldestPending  prometheus.Gauge
}

// NewRelayMetrics registers the relay metrics on the provided registerer.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	if reg == nil {
		return &RelayMetrics{}
	}
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Events acknowledged by the broker.",
	}, []string{"topic"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_publish_failures_total",
		Help: "Publish attempts that did not reach the broker.",
	}, []string{"reason"})
	deadLettered := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_dead_lettered_total",
		Help: "Events moved to the dead-letter sink.",
	})
	claimed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_claimed_total",
		Help: "Events claimed by relay workers.",
	})
	reclaimed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_reclaimed_total",
		Help: "Claims released back to pending after the lease lapsed.",
	})
	publishLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_publish_latency_seconds",
		Help:    "Time from claim to broker acknowledgement.",
		Buckets: prometheus.DefBuckets,
	})
	pendingBacklog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_pending_events",
		Help: "Events waiting to be claimed.",
	})
	oldestPending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_oldest_pending_age_seconds",
		Help: "Age of the oldest pending event.",
	})
	reg.MustRegister(
		published,
		failed,
		deadLettered,
		claimed,
		reclaimed,
		publishLatency,
		pendingBacklog,
		oldestPending,
	)
	return &RelayMetrics{
		published:      published,
		failed:         failed,
		deadLettered:   deadLettered,
		claimed:        claimed,
		reclaimed:      reclaimed,
		publishLatency: publishLatency,
		pendingBacklog: pendingBacklog,
		oldestPending:  oldestPending,
	}
}

// IncPublished increments the published counter for a topic.
func (m *RelayMetrics) IncPublished(topic string) {
	if m == nil || m.published == nil {
		return
	}
	m.published.WithLabelValues(normalizeLabel(topic)).Inc()
}

// IncFailed increments the failure counter with a reason label.
func (m *RelayMetrics) IncFailed(reason string) {
	if m == nil || m.failed == nil {
		return
	}
	m.failed.WithLabelValues(normalizeLabel(reason)).Inc()
}

// IncDeadLettered increments the dead-letter counter.
func (m *RelayMetrics) IncDeadLettered() {
	if m == nil || m.deadLettered == nil {
		return
	}
	m.deadLettered.Inc()
}

// AddClaimed counts events claimed in a batch.
func (m *RelayMetrics) AddClaimed(n int) {
	if m == nil || m.claimed == nil {
		return
	}
	m.claimed.Add(float64(n))
}

// AddReclaimed counts expired claims returned to pending.
func (m *RelayMetrics) AddReclaimed(n int) {
	if m == nil || m.reclaimed == nil {
		return
	}
	m.reclaimed.Add(float64(n))
}

// ObservePublishLatency records end-to-end publish latency.
func (m *RelayMetrics) ObservePublishLatency(d time.Duration) {
	if m == nil || m.publishLatency == nil {
		return
	}
	m.publishLatency.Observe(d.Seconds())
}

// SetPendingBacklog updates the pending backlog gauge.
func (m *RelayMetrics) SetPendingBacklog(n int64) {
	if m == nil || m.pendingBacklog == nil {
		return
	}
	m.pendingBacklog.Set(float64(n))
}

// SetOldestPendingAge updates the oldest pending age gauge.
func (m *RelayMetrics) SetOldestPendingAge(age time.Duration) {
	if m == nil || m.oldestPending == nil {
		return
	}
	m.oldestPending.Set(age.Seconds())
}
