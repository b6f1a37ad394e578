package approval

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the approval gate.
type Metrics struct {
	RequestsTotal  *prometheus.CounterVec
	DecisionsTotal *prometheus.CounterVec
	Pending        prometheus.Gauge
	WaitDuration   prometheus.Histogram
}

// NewMetrics creates and registers approval metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripgate",
			Subsystem: "approval",
			Name:      "requests_total",
			Help:      "Approvals requested by domain.",
		}, []string{"domain"}),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripgate",
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Approval decisions by status and source (human, timeout).",
		}, []string{"status", "source"}),

		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tripgate",
			Subsystem: "approval",
			Name:      "pending",
			Help:      "Approvals currently awaiting a decision in this process.",
		}),

		WaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tripgate",
			Subsystem: "approval",
			Name:      "wait_duration_seconds",
			Help:      "Time a gated action waited for its decision.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}),
	}

	reg.MustRegister(m.RequestsTotal, m.DecisionsTotal, m.Pending, m.WaitDuration)
	return m
}
