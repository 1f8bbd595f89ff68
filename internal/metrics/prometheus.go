package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	malformedRequests prometheus.Counter

	storeErrorsTotal *prometheus.CounterVec

	spfChecksTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chapps_connections_total",
			Help: "Total number of policy connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chapps_connections_active",
			Help: "Number of currently active policy connections.",
		}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chapps_requests_total",
			Help: "Total number of policy requests processed.",
		}, []string{"policy", "decision"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chapps_request_duration_seconds",
			Help:    "Time spent deciding one policy request.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"policy"}),
		malformedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chapps_malformed_requests_total",
			Help: "Total number of malformed request frames received.",
		}),

		storeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chapps_store_errors_total",
			Help: "Total number of backing store soft failures.",
		}, []string{"store"}),

		spfChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chapps_spf_checks_total",
			Help: "Total number of SPF checks performed.",
		}, []string{"sender_domain", "result"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.requestsTotal,
		c.requestDuration,
		c.malformedRequests,
		c.storeErrorsTotal,
		c.spfChecksTotal,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// RequestProcessed increments the request counter.
func (c *PrometheusCollector) RequestProcessed(policy, decision string) {
	c.requestsTotal.WithLabelValues(policy, decision).Inc()
}

// RequestDuration observes the decision latency for one request.
func (c *PrometheusCollector) RequestDuration(policy string, seconds float64) {
	c.requestDuration.WithLabelValues(policy).Observe(seconds)
}

// MalformedRequest increments the malformed frame counter.
func (c *PrometheusCollector) MalformedRequest() {
	c.malformedRequests.Inc()
}

// StoreError increments the backing store failure counter.
func (c *PrometheusCollector) StoreError(store string) {
	c.storeErrorsTotal.WithLabelValues(store).Inc()
}

// SPFCheckCompleted increments the SPF check counter.
func (c *PrometheusCollector) SPFCheckCompleted(senderDomain, result string) {
	c.spfChecksTotal.WithLabelValues(senderDomain, result).Inc()
}
