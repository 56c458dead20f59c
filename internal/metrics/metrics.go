// Package metrics provides Prometheus metrics for the Idios service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "idios"

// Metrics holds all Prometheus metrics for the service. Collectors are
// registered on a private registry so multiple instances can coexist
// (one per test, one per process).
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Dispatcher client metrics
	RPCCallsTotal *prometheus.CounterVec
	RPCDuration   *prometheus.HistogramVec

	// Worker metrics
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
}

// New creates a new Metrics instance with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),

		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_calls_total",
				Help:      "Total number of dispatcher calls by command and status",
			},
			[]string{"command", "status"},
		),

		// Buckets: 10ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s, 30s
		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_call_duration_seconds",
				Help:      "Duration of dispatcher calls in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"command"},
		),

		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_jobs_total",
				Help:      "Total number of worker jobs by command and status",
			},
			[]string{"command", "status"},
		),

		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_job_duration_seconds",
				Help:      "Duration of worker jobs in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"command"},
		),
	}
}

// Handler returns an HTTP handler serving the metrics in Prometheus text
// format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(method, path string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, statusLabel(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight requests.
func (m *Metrics) RecordRequestStart() {
	m.RequestsInFlight.Inc()
}

// RecordRequestEnd decrements in-flight requests.
func (m *Metrics) RecordRequestEnd() {
	m.RequestsInFlight.Dec()
}

// RecordRPCCall records a dispatcher call with its duration and outcome.
func (m *Metrics) RecordRPCCall(command string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RPCCallsTotal.WithLabelValues(command, status).Inc()
	m.RPCDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordJob records a worker job with its duration and outcome.
func (m *Metrics) RecordJob(command string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.JobsTotal.WithLabelValues(command, status).Inc()
	m.JobDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// StartJobTimer returns a function that records the job duration when
// called. Usage: done := m.StartJobTimer(command); ...; done(err)
func (m *Metrics) StartJobTimer(command string) func(error) {
	start := time.Now()
	return func(err error) {
		m.RecordJob(command, time.Since(start), err)
	}
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
