package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsCollector owns the process registry and the metrics recorded by
// the HTTP layer and the instrumented LLM and booking provider wrappers.
// Domain packages register their own metrics on Registry.
// Uses a custom registry; no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// LLM planner metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Booking provider metrics.
	ProviderCallsTotal   *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec
	BookedAmountTotal    *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a fresh prometheus.Registry, together with the Go runtime and process
// collectors.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripgate",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests made by the planner.",
		}, []string{"provider", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tripgate",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripgate",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "direction"}),

		ProviderCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripgate",
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Total booking provider calls.",
		}, []string{"domain", "provider", "operation", "status"}),

		ProviderCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tripgate",
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Booking provider call duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"domain", "operation"}),

		BookedAmountTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripgate",
			Subsystem: "provider",
			Name:      "booked_amount_total",
			Help:      "Total amount confirmed by booking providers.",
		}, []string{"domain"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripgate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tripgate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tripgate",
			Name:      "active_requests",
			Help:      "Number of HTTP requests currently being served.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.ProviderCallsTotal,
		m.ProviderCallDuration,
		m.BookedAmountTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
