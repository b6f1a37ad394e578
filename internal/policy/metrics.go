package policy

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for policy evaluation.
type Metrics struct {
	EvaluationsTotal *prometheus.CounterVec
	ViolationsTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers policy metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripgate",
			Subsystem: "policy",
			Name:      "evaluations_total",
			Help:      "Policy evaluations by domain and outcome (compliant, flagged, blocked).",
		}, []string{"domain", "outcome"}),

		ViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripgate",
			Subsystem: "policy",
			Name:      "violations_total",
			Help:      "Policy violations by rule key and severity.",
		}, []string{"rule_key", "severity"}),
	}

	reg.MustRegister(m.EvaluationsTotal, m.ViolationsTotal)
	return m
}
