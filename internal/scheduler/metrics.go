package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the approval sweeper.
type Metrics struct {
	SweepsTotal   prometheus.Counter
	SweepErrors   prometheus.Counter
	ExpiredTotal  prometheus.Counter
	SweepDuration prometheus.Histogram
}

// NewMetrics creates and registers sweeper metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tripgate",
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Total approval sweeps run.",
		}),
		SweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tripgate",
			Subsystem: "sweeper",
			Name:      "errors_total",
			Help:      "Total approval sweeps that failed.",
		}),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tripgate",
			Subsystem: "sweeper",
			Name:      "expired_total",
			Help:      "Total pending approvals rejected for exceeding the timeout.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tripgate",
			Subsystem: "sweeper",
			Name:      "duration_seconds",
			Help:      "Duration of each approval sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}

	reg.MustRegister(
		m.SweepsTotal,
		m.SweepErrors,
		m.ExpiredTotal,
		m.SweepDuration,
	)

	return m
}
