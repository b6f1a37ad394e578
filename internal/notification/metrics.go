package notification

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for notification delivery.
type Metrics struct {
	SentTotal    *prometheus.CounterVec
	DroppedTotal prometheus.Counter
}

// NewMetrics creates and registers notification metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		SentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripgate",
			Subsystem: "notifications",
			Name:      "sent_total",
			Help:      "Notification deliveries by channel type and status.",
		}, []string{"channel_type", "status"}),
		DroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tripgate",
			Subsystem: "notifications",
			Name:      "dropped_total",
			Help:      "Events dropped because the notification queue was full.",
		}),
	}
	reg.MustRegister(m.SentTotal, m.DroppedTotal)
	return m
}
