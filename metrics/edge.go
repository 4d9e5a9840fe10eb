package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/weirqos/weirqos/enforcer"
)

// EdgeMetrics holds the Prometheus metric vectors for an Edge Enforcer
// instance (§4.1). Requests, bytes shaped, and rejections are partitioned
// by direction; active-request and throttle-state gauges are partitioned
// by user so an operator can see which users are currently constrained.
type EdgeMetrics struct {
	requestsTotal   *prometheus.CounterVec
	rejectionsTotal *prometheus.CounterVec
	bytesShaped     *prometheus.CounterVec
	bytesDropped    *prometheus.CounterVec
	activeRequests  *prometheus.GaugeVec
}

// NewEdgeMetrics creates and registers an EdgeMetrics. A nil registry
// falls back to prometheus.DefaultRegisterer, matching the admin-limiter
// Collector's convention.
func NewEdgeMetrics(registry prometheus.Registerer) *EdgeMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	m := &EdgeMetrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weirqos",
			Subsystem: "edge",
			Name:      "requests_total",
			Help:      "Total requests admitted or rejected by the edge enforcer.",
		}, []string{"direction", "decision"}),

		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weirqos",
			Subsystem: "edge",
			Name:      "rejections_total",
			Help:      "Total requests rejected, partitioned by the rejection reason.",
		}, []string{"reason"}),

		bytesShaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weirqos",
			Subsystem: "edge",
			Name:      "bytes_shaped_total",
			Help:      "Bytes forwarded through the shaper, partitioned by direction.",
		}, []string{"direction"}),

		bytesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weirqos",
			Subsystem: "edge",
			Name:      "bytes_dropped_total",
			Help:      "Bytes the shaper refused to forward, partitioned by direction.",
		}, []string{"direction"}),

		activeRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "weirqos",
			Subsystem: "edge",
			Name:      "active_requests",
			Help:      "In-flight requests per user and direction, as last reported.",
		}, []string{"user", "direction"}),
	}

	registry.MustRegister(m.requestsTotal, m.rejectionsTotal, m.bytesShaped, m.bytesDropped, m.activeRequests)
	return m
}

// RecordAdmit records an admitted (or rejected) request.
func (m *EdgeMetrics) RecordAdmit(dir enforcer.Direction, reason enforcer.RejectReason) {
	if reason == enforcer.RejectNone {
		m.requestsTotal.WithLabelValues(string(dir), "admitted").Inc()
		return
	}
	m.requestsTotal.WithLabelValues(string(dir), "rejected").Inc()
	m.rejectionsTotal.WithLabelValues(string(reason)).Inc()
}

// RecordShape records the outcome of one ShapeChunk decision: requested is
// the size of the chunk the caller tried to forward, result is what the
// shaper allowed.
func (m *EdgeMetrics) RecordShape(dir enforcer.Direction, requested int64, result enforcer.ShapeResult) {
	m.bytesShaped.WithLabelValues(string(dir)).Add(float64(result.AllowBytes))
	if dropped := requested - result.AllowBytes; dropped > 0 {
		m.bytesDropped.WithLabelValues(string(dir)).Add(float64(dropped))
	}
}

// SetActiveRequests sets the current active-request gauge for a user/direction.
func (m *EdgeMetrics) SetActiveRequests(user string, dir enforcer.Direction, n int64) {
	m.activeRequests.WithLabelValues(user, string(dir)).Set(float64(n))
}

// InstrumentedSink wraps an enforcer.EventSink, forwarding every call
// unchanged while also recording Prometheus metrics, the same
// decorator shape as Wrap does for ratelimit.Limiter.
type InstrumentedSink struct {
	inner   enforcer.EventSink
	metrics *EdgeMetrics
}

// WrapSink returns an EventSink that records metrics on m for every event
// forwarded to inner.
func WrapSink(inner enforcer.EventSink, m *EdgeMetrics) *InstrumentedSink {
	return &InstrumentedSink{inner: inner, metrics: m}
}

func (s *InstrumentedSink) EmitReq(srcAddr, userKey, verb string, dir enforcer.Direction, instanceID string, activeRequests int64, opClass string) {
	s.metrics.SetActiveRequests(userKey, dir, activeRequests)
	s.inner.EmitReq(srcAddr, userKey, verb, dir, instanceID, activeRequests, opClass)
}

func (s *InstrumentedSink) EmitReqEnd(srcAddr, userKey, verb string, dir enforcer.Direction, instanceID string, activeRequests int64) {
	s.metrics.SetActiveRequests(userKey, dir, activeRequests)
	s.inner.EmitReqEnd(srcAddr, userKey, verb, dir, instanceID, activeRequests)
}

func (s *InstrumentedSink) EmitDataXfer(srcAddr, userKey string, dir enforcer.Direction, length int64) {
	s.inner.EmitDataXfer(srcAddr, userKey, dir, length)
}

func (s *InstrumentedSink) EmitActiveReqs(instanceID, userKey string, dir enforcer.Direction, activeRequests int64) {
	s.metrics.SetActiveRequests(userKey, dir, activeRequests)
	s.inner.EmitActiveReqs(instanceID, userKey, dir, activeRequests)
}
