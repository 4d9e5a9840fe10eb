package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CollectorMetrics holds the Prometheus metric vectors for an Event
// Collector worker (§4.2). Dropped/malformed/flush-failure counts mirror
// the Worker.Stats() accessors; a collector process samples those
// counters on a timer and forwards the deltas here, the same pull-then-
// push shape the teacher's metrics.Collector uses for Allow outcomes.
type CollectorMetrics struct {
	datagramsReceived prometheus.Counter
	datagramsDropped  *prometheus.CounterVec
	eventsMalformed   prometheus.Counter
	flushFailures     prometheus.Counter
	queueDepth        prometheus.Gauge
	flushDuration     prometheus.Histogram
}

// NewCollectorMetrics creates and registers a CollectorMetrics. A nil
// registry falls back to prometheus.DefaultRegisterer.
func NewCollectorMetrics(registry prometheus.Registerer) *CollectorMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	m := &CollectorMetrics{
		datagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weirqos",
			Subsystem: "collector",
			Name:      "datagrams_received_total",
			Help:      "Total UDP datagrams received by this worker.",
		}),

		datagramsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weirqos",
			Subsystem: "collector",
			Name:      "datagrams_dropped_total",
			Help:      "Datagrams dropped, partitioned by reason (oversized, queue_full).",
		}, []string{"reason"}),

		eventsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weirqos",
			Subsystem: "collector",
			Name:      "events_malformed_total",
			Help:      "Events that failed to parse.",
		}),

		flushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weirqos",
			Subsystem: "collector",
			Name:      "flush_failures_total",
			Help:      "KV store writes that failed during a flush.",
		}),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "weirqos",
			Subsystem: "collector",
			Name:      "queue_depth",
			Help:      "Current depth of the worker's bounded event queue.",
		}),

		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "weirqos",
			Subsystem: "collector",
			Name:      "flush_duration_seconds",
			Help:      "Time spent flushing aggregates to the KV store.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(m.datagramsReceived, m.datagramsDropped, m.eventsMalformed,
		m.flushFailures, m.queueDepth, m.flushDuration)
	return m
}

// RecordDatagram increments the received counter.
func (m *CollectorMetrics) RecordDatagram() {
	m.datagramsReceived.Inc()
}

// RecordDrop increments the dropped counter for the given reason
// ("oversized" or "queue_full", per §4.2/§7).
func (m *CollectorMetrics) RecordDrop(reason string) {
	m.datagramsDropped.WithLabelValues(reason).Inc()
}

// RecordMalformed increments the malformed-event counter.
func (m *CollectorMetrics) RecordMalformed() {
	m.eventsMalformed.Inc()
}

// RecordFlushFailure increments the flush-failure counter.
func (m *CollectorMetrics) RecordFlushFailure() {
	m.flushFailures.Inc()
}

// SetQueueDepth sets the current queue-depth gauge.
func (m *CollectorMetrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// ObserveFlushDuration records how long one flush took.
func (m *CollectorMetrics) ObserveFlushDuration(seconds float64) {
	m.flushDuration.Observe(seconds)
}
