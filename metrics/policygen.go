package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PolicyGenMetrics holds the Prometheus metric vectors for a Policy
// Generator process (§4.3). Partitioned by policy kind where that maps
// cleanly onto the wire protocol's own block names (§6 "Policy channel").
type PolicyGenMetrics struct {
	tickDuration      prometheus.Histogram
	violationsEmitted *prometheus.CounterVec
	sharesBroadcast   prometheus.Counter
	connectedEdges    prometheus.Gauge
	configReloads     *prometheus.CounterVec
}

// NewPolicyGenMetrics creates and registers a PolicyGenMetrics. A nil
// registry falls back to prometheus.DefaultRegisterer.
func NewPolicyGenMetrics(registry prometheus.Registerer) *PolicyGenMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	m := &PolicyGenMetrics{
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "weirqos",
			Subsystem: "policygen",
			Name:      "tick_duration_seconds",
			Help:      "Time spent computing and broadcasting one tick's policies.",
			Buckets:   prometheus.DefBuckets,
		}),

		violationsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weirqos",
			Subsystem: "policygen",
			Name:      "violations_emitted_total",
			Help:      "Policy messages emitted, partitioned by kind (rate, reqs_block, reqs_unblock, bandwidth).",
		}, []string{"kind"}),

		sharesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weirqos",
			Subsystem: "policygen",
			Name:      "limit_shares_broadcast_total",
			Help:      "Total limit_share blocks broadcast to connected edges.",
		}),

		connectedEdges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "weirqos",
			Subsystem: "policygen",
			Name:      "connected_edges",
			Help:      "Current number of Policy Channel connections.",
		}),

		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weirqos",
			Subsystem: "policygen",
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts, partitioned by outcome (ok, failed).",
		}, []string{"outcome"}),
	}

	registry.MustRegister(m.tickDuration, m.violationsEmitted, m.sharesBroadcast,
		m.connectedEdges, m.configReloads)
	return m
}

// ObserveTick records the wall-clock duration of one tick.
func (m *PolicyGenMetrics) ObserveTick(seconds float64) {
	m.tickDuration.Observe(seconds)
}

// RecordViolations increments the per-kind violation counter by count.
func (m *PolicyGenMetrics) RecordViolations(kind string, count int) {
	if count <= 0 {
		return
	}
	m.violationsEmitted.WithLabelValues(kind).Add(float64(count))
}

// RecordShareBroadcast increments the limit-share broadcast counter.
func (m *PolicyGenMetrics) RecordShareBroadcast() {
	m.sharesBroadcast.Inc()
}

// SetConnectedEdges sets the current Policy Channel connection-count gauge.
func (m *PolicyGenMetrics) SetConnectedEdges(n int) {
	m.connectedEdges.Set(float64(n))
}

// RecordReload increments the config-reload counter for the given outcome
// ("ok" or "failed").
func (m *PolicyGenMetrics) RecordReload(outcome string) {
	m.configReloads.WithLabelValues(outcome).Inc()
}
