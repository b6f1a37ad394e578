package events

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func drain(t *testing.T, s *Subscription) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("subscription not closed; got %d events", len(out))
		}
	}
}

// --- Bus ---

func TestBus_FanOutPreservesOrder(t *testing.T) {
	b := NewBus(nil)
	id := uuid.New()
	s1, s2 := b.Subscribe(8), b.Subscribe(8)

	for _, typ := range []Type{TripStarted, Progress, SubTaskCompleted} {
		b.Publish(New(typ, id, nil))
	}
	b.Close()

	for _, s := range []*Subscription{s1, s2} {
		got := drain(t, s)
		if len(got) != 3 || got[0].Type != TripStarted || got[2].Type != SubTaskCompleted {
			t.Errorf("subscriber saw %v", got)
		}
	}
}

func TestBus_SlowSubscriberDroppedWithoutBlocking(t *testing.T) {
	b := NewBus(nil)
	id := uuid.New()
	slow := b.Subscribe(1)
	fast := b.Subscribe(16)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(New(Progress, id, map[string]any{"i": i}))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if b.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", b.Dropped())
	}
	if b.Subscribers() != 1 {
		t.Errorf("Subscribers = %d, want 1", b.Subscribers())
	}
	if got := drain(t, slow); len(got) != 1 {
		t.Errorf("slow subscriber kept %d events, want 1", len(got))
	}

	b.Close()
	if got := drain(t, fast); len(got) != 10 {
		t.Errorf("fast subscriber got %d events, want 10", len(got))
	}
}

func TestBus_CloseIsIdempotentAndSubscribeAfterClose(t *testing.T) {
	b := NewBus(nil)
	s := b.Subscribe(0)
	s.Close()
	s.Close()
	b.Close()
	b.Close()
	b.Publish(New(Progress, uuid.New(), nil))

	late := b.Subscribe(4)
	if _, ok := <-late.C(); ok {
		t.Error("subscription on a closed bus should be closed")
	}
}

func TestBus_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBus(nil)
	id := uuid.New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := b.Subscribe(64)
			defer s.Close()
		}()
		go func() {
			defer wg.Done()
			b.Publish(New(Progress, id, nil))
		}()
	}
	wg.Wait()
	b.Close()
}

// --- Hub ---

func TestHub_RoutesByTripAndClosesOnTerminal(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := NewHub(0, m, nil)

	a, other := uuid.New(), uuid.New()
	sa := h.Subscribe(a, 8)
	so := h.Subscribe(other, 8)

	h.Publish(New(TripStarted, a, nil))
	h.Publish(New(TripCompleted, a, map[string]any{"summary": "done"}))

	got := drain(t, sa)
	if len(got) != 2 || !got[1].Type.Terminal() {
		t.Errorf("trip A events = %v", got)
	}

	select {
	case ev := <-so.C():
		t.Errorf("other trip received %v", ev)
	default:
	}

	if v := testutil.ToFloat64(m.PublishedTotal.WithLabelValues(string(TripCompleted))); v != 1 {
		t.Errorf("published_total{trip_completed} = %v", v)
	}
	if v := testutil.ToFloat64(m.ActiveStreams); v != 1 {
		t.Errorf("active_streams = %v, want 1", v)
	}

	h.Close()
	if _, ok := <-so.C(); ok {
		t.Error("Close should end every stream")
	}
}

func TestHub_GraceKeepsStreamOpenBriefly(t *testing.T) {
	h := NewHub(50*time.Millisecond, nil, nil)
	id := uuid.New()
	s := h.Subscribe(id, 8)

	h.Publish(New(TripFailed, id, map[string]any{"error": "boom"}))
	select {
	case ev := <-s.C():
		if ev.Type != TripFailed {
			t.Fatalf("got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("terminal event not delivered")
	}
	if got := drain(t, s); len(got) != 0 {
		t.Errorf("unexpected trailing events %v", got)
	}
}

func TestHub_PublishWithoutSubscribersIsNoop(t *testing.T) {
	h := NewHub(0, nil, nil)
	h.Publish(New(Progress, uuid.New(), nil))
}

func TestHub_ReleasesBusWhenLastSubscriberLeaves(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	h := NewHub(0, m, nil)
	id := uuid.New()

	s1 := h.Subscribe(id, 4)
	s2 := h.Subscribe(id, 4)
	s1.Close()
	if h.Streams() != 1 {
		t.Fatalf("streams = %d, want 1 while a subscriber remains", h.Streams())
	}
	s2.Close()
	s2.Close()
	if h.Streams() != 0 {
		t.Errorf("streams = %d, want 0 after the last subscriber left", h.Streams())
	}
	if v := testutil.ToFloat64(m.ActiveStreams); v != 0 {
		t.Errorf("active_streams = %v, want 0", v)
	}

	// A new subscriber gets a fresh bus that still receives events.
	s3 := h.Subscribe(id, 4)
	defer s3.Close()
	h.Publish(New(Progress, id, nil))
	select {
	case ev := <-s3.C():
		if ev.Type != Progress {
			t.Errorf("got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered after resubscribe")
	}
}

type countingPublisher struct{ n int }

func (c *countingPublisher) Publish(Event) { c.n++ }

func TestFanout_PublishesToEach(t *testing.T) {
	a, b := &countingPublisher{}, &countingPublisher{}
	f := Fanout{a, nil, b}
	f.Publish(New(Progress, uuid.New(), nil))
	f.Publish(New(TripCompleted, uuid.New(), nil))
	if a.n != 2 || b.n != 2 {
		t.Errorf("counts = %d, %d", a.n, b.n)
	}
}
