// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request and handler latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Bridge outcome label values.
const (
	OutcomeOK         = "ok"
	OutcomeBadRequest = "bad_request"
	OutcomeNotFound   = "not_found"
	OutcomeTooLarge   = "too_large"
	OutcomeAppError   = "app_error"
	OutcomeAbandoned  = "abandoned"
)

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	DispatchWait    prometheus.Histogram
	HandlerDuration prometheus.Histogram
	WorkersBusy     prometheus.Gauge
	QueueDepth      prometheus.Gauge
	BodySpills      prometheus.Counter
	Outcomes        *prometheus.CounterVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncgate_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syncgate_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncgate_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		DispatchWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncgate_dispatch_queue_wait_seconds",
			Help:    "Time a task spent queued before a worker picked it up.",
			Buckets: defaultBuckets,
		}),

		HandlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncgate_handler_duration_seconds",
			Help:    "Time spent running the application on a worker.",
			Buckets: defaultBuckets,
		}),

		WorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncgate_dispatch_workers_busy",
			Help: "Number of workers currently running a task.",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncgate_dispatch_queue_depth",
			Help: "Number of tasks waiting for a worker.",
		}),

		BodySpills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncgate_body_spills_total",
			Help: "Request bodies moved from memory to a temp file.",
		}),

		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncgate_bridge_outcomes_total",
			Help: "Bridged requests by outcome.",
		}, []string{"outcome"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syncgate_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncgate_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.DispatchWait,
		m.HandlerDuration,
		m.WorkersBusy,
		m.QueueDepth,
		m.BodySpills,
		m.Outcomes,
		m.UpstreamDuration,
		m.UpstreamResponses,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizeRoute returns a bounded route label from the matched route
// pattern. Unmatched requests report "unmatched".
func NormalizeRoute(pattern string) string {
	if pattern == "" {
		return "unmatched"
	}
	// Drop echo's wildcard suffix so "/app/*" and "/app" share a label.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" || pattern == "*" {
		return "/"
	}
	return pattern
}
