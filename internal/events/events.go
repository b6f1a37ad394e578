// Package events implements the per-trip broadcast of lifecycle events.
//
// Publishing never blocks: every subscriber owns a bounded buffer, and a
// subscriber whose buffer is full is dropped. Events are not persisted, so a
// subscriber only sees what is published after it joined.
package events

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies a lifecycle event.
type Type string

const (
	TripStarted      Type = "trip_started"
	Progress         Type = "progress"
	ToolCall         Type = "tool_call"
	ApprovalRequired Type = "approval_required"
	ApprovalDecided  Type = "approval_decided"
	SubTaskCompleted Type = "subtask_completed"
	TripCompleted    Type = "trip_completed"
	TripFailed       Type = "trip_failed"

	// Snapshot is sent first on every new stream with the trip's current
	// state. It is never published on a bus.
	Snapshot Type = "snapshot"
)

// Terminal reports whether t ends a trip's event stream.
func (t Type) Terminal() bool {
	return t == TripCompleted || t == TripFailed
}

// Event is a single published lifecycle event.
type Event struct {
	Type      Type           `json:"type"`
	TripID    uuid.UUID      `json:"trip_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an event stamped with the current time.
func New(t Type, tripID uuid.UUID, data map[string]any) Event {
	return Event{Type: t, TripID: tripID, Timestamp: time.Now().UTC(), Data: data}
}

// DefaultBuffer is the per-subscriber buffer used when none is given.
const DefaultBuffer = 64

// Subscription is one observer's view of a bus.
type Subscription struct {
	id     uint64
	ch     chan Event
	bus    *Bus
	closed bool // guarded by bus.mu
}

// C returns the receive channel. It is closed when the subscriber is
// dropped, unsubscribed, or the bus closes.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() { s.bus.remove(s.id) }

// Bus broadcasts events for a single trip.
type Bus struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	closed  bool
	dropped uint64
	onDrop  func()
	onEmpty func() // called, unlocked, when the last subscriber unsubscribes
	logger  *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{subs: make(map[uint64]*Subscription), logger: logger}
}

// Subscribe registers a new observer with the given buffer size.
// Subscribing to a closed bus returns an already-closed subscription.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{id: b.nextID, ch: make(chan Event, buffer), bus: b}
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish delivers ev to every subscriber without blocking. Subscribers
// with a full buffer are dropped. Publishing with no subscribers is a no-op.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			b.dropLocked(id, s)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many subscribers were dropped for a full buffer.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.closed = true
		close(s.ch)
	}
}

func (b *Bus) dropLocked(id uint64, s *Subscription) {
	delete(b.subs, id)
	s.closed = true
	close(s.ch)
	b.dropped++
	if b.onDrop != nil {
		b.onDrop()
	}
	b.logger.Warn("event subscriber dropped: buffer full", slog.Uint64("subscriber", id))
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
	}
	empty := ok && !b.closed && len(b.subs) == 0
	onEmpty := b.onEmpty
	b.mu.Unlock()

	if empty && onEmpty != nil {
		onEmpty()
	}
}
