package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPMetrics holds the Prometheus collectors the daemon exposes on
// /metrics. They cover the HTTP surface and reload lifecycle; per-plugin
// metrics flow through the OpenTelemetry instruments instead.
type HTTPMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	reloadsTotal    *prometheus.CounterVec
	workflowInfo    *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewHTTPMetrics creates the collectors on a private registry.
func NewHTTPMetrics() *HTTPMetrics {
	registry := prometheus.NewRegistry()

	m := &HTTPMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flume_http_requests_total",
				Help: "HTTP requests handled, by path and status code",
			},
			[]string{"path", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flume_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flume_config_reloads_total",
				Help: "Configuration reloads, by result",
			},
			[]string{"result"},
		),
		workflowInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flume_workflow_generation",
				Help: "Generation of the live workflow",
			},
			[]string{"workflow"},
		),
		registry: registry,
	}

	registry.MustRegister(m.requestsTotal, m.requestDuration, m.reloadsTotal, m.workflowInfo)
	return m
}

// ObserveRequest records one handled HTTP request.
func (m *HTTPMetrics) ObserveRequest(path string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(path, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// ObserveReload records the outcome of a configuration reload attempt.
func (m *HTTPMetrics) ObserveReload(result string) {
	m.reloadsTotal.WithLabelValues(result).Inc()
}

// SetWorkflowGeneration publishes the generation of the live workflow.
func (m *HTTPMetrics) SetWorkflowGeneration(workflow string, generation int64) {
	m.workflowInfo.WithLabelValues(workflow).Set(float64(generation))
}

// Handler returns the /metrics endpoint for the private registry.
func (m *HTTPMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
