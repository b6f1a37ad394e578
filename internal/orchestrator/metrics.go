package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for trip orchestration.
// All metrics use the tripgate_ namespace.
type Metrics struct {
	TripsTotal          *prometheus.CounterVec
	TripDuration        *prometheus.HistogramVec
	SubtasksTotal       *prometheus.CounterVec
	SubtaskRetriesTotal *prometheus.CounterVec
	ActiveTrips         prometheus.Gauge
}

// NewMetrics creates and registers orchestration metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		TripsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripgate",
			Name:      "trips_total",
			Help:      "Total trips by final status.",
		}, []string{"status"}),

		TripDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tripgate",
			Name:      "trip_duration_seconds",
			Help:      "Trip duration from start to terminal state, in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600},
		}, []string{"status"}),

		SubtasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripgate",
			Name:      "subtasks_total",
			Help:      "Total sub-tasks by domain and final status.",
		}, []string{"domain", "status"}),

		SubtaskRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripgate",
			Name:      "subtask_retries_total",
			Help:      "Total sub-task retries by domain.",
		}, []string{"domain"}),

		ActiveTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tripgate",
			Name:      "active_trips",
			Help:      "Number of trips currently running.",
		}),
	}

	reg.MustRegister(
		m.TripsTotal,
		m.TripDuration,
		m.SubtasksTotal,
		m.SubtaskRetriesTotal,
		m.ActiveTrips,
	)

	return m
}
