package events

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Publisher is the narrow contract the core uses to emit events.
type Publisher interface {
	Publish(ev Event)
}

// Fanout publishes every event to each publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ev Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ev)
		}
	}
}

// Metrics holds Prometheus metrics for event fan-out.
type Metrics struct {
	PublishedTotal *prometheus.CounterVec
	DroppedTotal   prometheus.Counter
	ActiveStreams  prometheus.Gauge
}

// NewMetrics creates and registers event metrics. Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		PublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripgate",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published by type.",
		}, []string{"type"}),
		DroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tripgate",
			Subsystem: "events",
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers dropped because their buffer was full.",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tripgate",
			Subsystem: "events",
			Name:      "active_streams",
			Help:      "Trips with at least one open event stream.",
		}),
	}
	reg.MustRegister(m.PublishedTotal, m.DroppedTotal, m.ActiveStreams)
	return m
}

// Hub owns one Bus per trip. Buses are created on first subscription and
// closed shortly after a terminal event so open streams end cleanly.
type Hub struct {
	mu      sync.Mutex
	buses   map[uuid.UUID]*Bus
	grace   time.Duration
	metrics *Metrics
	logger  *slog.Logger
}

// NewHub creates a Hub. grace is how long a bus stays open after a
// terminal event; zero closes it immediately after delivery.
func NewHub(grace time.Duration, metrics *Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		buses:   make(map[uuid.UUID]*Bus),
		grace:   grace,
		metrics: metrics,
		logger:  logger,
	}
}

// Subscribe attaches a new observer to the trip's bus. When the last
// observer of a trip unsubscribes, the bus is released.
func (h *Hub) Subscribe(tripID uuid.UUID, buffer int) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buses[tripID]
	if !ok {
		b = NewBus(h.logger.With(slog.String("trip_id", tripID.String())))
		if h.metrics != nil {
			b.onDrop = h.metrics.DroppedTotal.Inc
			h.metrics.ActiveStreams.Inc()
		}
		b.onEmpty = func() { h.releaseIfEmpty(tripID, b) }
		h.buses[tripID] = b
	}
	return b.Subscribe(buffer)
}

// Publish delivers ev to the trip's subscribers. With no subscribers the
// event is discarded.
func (h *Hub) Publish(ev Event) {
	if h.metrics != nil {
		h.metrics.PublishedTotal.WithLabelValues(string(ev.Type)).Inc()
	}

	h.mu.Lock()
	b, ok := h.buses[ev.TripID]
	h.mu.Unlock()
	if !ok {
		return
	}
	b.Publish(ev)

	if ev.Type.Terminal() {
		if h.grace <= 0 {
			h.closeBus(ev.TripID, b)
			return
		}
		time.AfterFunc(h.grace, func() { h.closeBus(ev.TripID, b) })
	}
}

// Close closes every bus.
func (h *Hub) Close() {
	h.mu.Lock()
	buses := h.buses
	h.buses = make(map[uuid.UUID]*Bus)
	h.mu.Unlock()
	for _, b := range buses {
		b.Close()
		if h.metrics != nil {
			h.metrics.ActiveStreams.Dec()
		}
	}
}

func (h *Hub) closeBus(tripID uuid.UUID, b *Bus) {
	h.mu.Lock()
	if cur, ok := h.buses[tripID]; ok && cur == b {
		delete(h.buses, tripID)
		if h.metrics != nil {
			h.metrics.ActiveStreams.Dec()
		}
	}
	h.mu.Unlock()
	b.Close()
}

// releaseIfEmpty drops b when nobody has subscribed again since its last
// observer left.
func (h *Hub) releaseIfEmpty(tripID uuid.UUID, b *Bus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.buses[tripID]; !ok || cur != b || b.Subscribers() > 0 {
		return
	}
	delete(h.buses, tripID)
	if h.metrics != nil {
		h.metrics.ActiveStreams.Dec()
	}
	b.Close()
}

// Streams returns the number of trips with an open bus.
func (h *Hub) Streams() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buses)
}

var _ Publisher = (*Hub)(nil)
