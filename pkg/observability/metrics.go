// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the labflow engine.
package observability

import "github.com/prometheus/client_golang/prometheus"

// AnalysisBuckets defines histogram buckets suited for external analysis
// latencies (OCR and vision models), ranging from 100ms to 120s.
var AnalysisBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts HTTP requests by method, route pattern, and
	// status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labflow_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration records non-streaming request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labflow_request_duration_seconds",
			Help:    "Request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// StreamingConnections tracks the number of open event streams.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "labflow_streaming_connections_active",
			Help: "Active event stream connections",
		},
	)

	// SessionsStarted counts sessions started per protocol.
	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labflow_sessions_started_total",
			Help: "Sessions started",
		},
		[]string{"protocol"},
	)

	// SessionsFinished counts sessions reaching a terminal status.
	SessionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labflow_sessions_finished_total",
			Help: "Sessions finished",
		},
		[]string{"status"},
	)

	// StepsCompleted counts completed steps by step kind.
	StepsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labflow_steps_completed_total",
			Help: "Steps completed",
		},
		[]string{"kind"},
	)

	// TimersActive tracks running step timers.
	TimersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "labflow_timers_active",
			Help: "Running step timers",
		},
	)

	// AnalysisRequestsTotal counts analysis submissions by service and outcome.
	AnalysisRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labflow_analysis_requests_total",
			Help: "Analysis requests",
		},
		[]string{"service", "status"},
	)

	// AnalysisLatency records analysis latency in seconds.
	AnalysisLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labflow_analysis_latency_seconds",
			Help:    "Analysis latency",
			Buckets: AnalysisBuckets,
		},
		[]string{"service"},
	)

	// AnalysisInFlight tracks analyses currently running.
	AnalysisInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "labflow_analysis_in_flight",
			Help: "Analyses in flight",
		},
	)

	// EventsDropped counts engine events not delivered to a slow subscriber.
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labflow_events_dropped_total",
			Help: "Events dropped for slow subscribers",
		},
	)

	// CatalogReloads counts protocol catalog reloads by result (ok/error).
	CatalogReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labflow_catalog_reloads_total",
			Help: "Catalog reloads",
		},
		[]string{"result"},
	)

	// RateLimitRejected counts requests rejected by the per-role limiter.
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labflow_ratelimit_rejected_total",
			Help: "Requests rejected by rate limiting",
		},
		[]string{"role"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		SessionsStarted,
		SessionsFinished,
		StepsCompleted,
		TimersActive,
		AnalysisRequestsTotal,
		AnalysisLatency,
		AnalysisInFlight,
		EventsDropped,
		CatalogReloads,
		RateLimitRejected,
	)
}
