package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/events"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) waitFor(t *testing.T, typ events.Type) events.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		for _, ev := range p.events {
			if ev.Type == typ {
				p.mu.Unlock()
				return ev
			}
		}
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s event published", typ)
	return events.Event{}
}

func testRequest() Request {
	return Request{
		TripID:    uuid.New(),
		Domain:    domain.DomainFlight,
		Action:    "book_flight:FL001",
		ToolName:  "book_flight",
		Arguments: map[string]any{"flight_id": "FL001"},
		Violations: []domain.ViolationSummary{
			{ViolationID: uuid.New(), RuleKey: "allowed_cabin_classes", Message: "business not allowed"},
		},
	}
}

// approvalIDFrom extracts the approval id from an approval_required event.
func approvalIDFrom(t *testing.T, ev events.Event) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(ev.Data["approval_id"].(string))
	if err != nil {
		t.Fatalf("bad approval_id in event: %v", err)
	}
	return id
}

// --- Check ---

func TestCheck_Approved(t *testing.T) {
	pub := &recordingPublisher{}
	g := NewGate(NewMemoryStore(), nil, WithPublisher(pub), WithPollInterval(time.Hour))

	type result struct {
		a   *domain.HumanApproval
		err error
	}
	done := make(chan result, 1)
	go func() {
		a, err := g.Check(context.Background(), testRequest())
		done <- result{a, err}
	}()

	ev := pub.waitFor(t, events.ApprovalRequired)
	if vs, ok := ev.Data["policy_violations"].([]domain.ViolationSummary); !ok || len(vs) != 1 {
		t.Errorf("approval_required should carry violations, got %v", ev.Data["policy_violations"])
	}
	id := approvalIDFrom(t, ev)
	if _, err := g.Decide(context.Background(), id, true, "alice"); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Check: %v", r.err)
		}
		if r.a.Status != domain.ApprovalApproved || r.a.DecidedBy != "alice" {
			t.Errorf("unexpected approval: %+v", r.a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Check did not return after decision")
	}
	pub.waitFor(t, events.ApprovalDecided)
}

func TestCheck_Rejected(t *testing.T) {
	pub := &recordingPublisher{}
	g := NewGate(NewMemoryStore(), nil, WithPublisher(pub))

	done := make(chan error, 1)
	go func() {
		_, err := g.Check(context.Background(), testRequest())
		done <- err
	}()
	id := approvalIDFrom(t, pub.waitFor(t, events.ApprovalRequired))
	if _, err := g.Decide(context.Background(), id, false, "bob"); err != nil {
		t.Fatal(err)
	}

	if err := <-done; !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	ok, err := g.VerifyApproved(context.Background(), id)
	if err != nil || ok {
		t.Errorf("VerifyApproved = %v, %v; want false", ok, err)
	}
}

func TestCheck_TimeoutRecordsRejection(t *testing.T) {
	store := NewMemoryStore()
	g := NewGate(store, nil, WithTimeout(30*time.Millisecond), WithPollInterval(10*time.Millisecond))

	a, err := g.Check(context.Background(), testRequest())
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if a.Status != domain.ApprovalRejected || a.DecidedBy != TimeoutDecider || a.DecidedAt == nil {
		t.Errorf("timeout not recorded: %+v", a)
	}

	stored, _ := store.GetApproval(context.Background(), a.ID)
	if stored.Status != domain.ApprovalRejected {
		t.Errorf("stored status = %s", stored.Status)
	}
}

func TestCheck_SeesDecisionFromStore(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	g := NewGate(store, nil, WithPublisher(pub), WithPollInterval(10*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := g.Check(context.Background(), testRequest())
		done <- err
	}()
	id := approvalIDFrom(t, pub.waitFor(t, events.ApprovalRequired))

	// Decided out of band, as another process would.
	if _, err := store.DecideApproval(context.Background(), id, domain.ApprovalApproved, "other", time.Now()); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll fallback did not observe decision")
	}
}

func TestCheck_RejectedActionIsNotAskedAgain(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	g := NewGate(store, nil, WithPublisher(pub))
	req := testRequest()

	done := make(chan error, 1)
	go func() {
		_, err := g.Check(context.Background(), req)
		done <- err
	}()
	id := approvalIDFrom(t, pub.waitFor(t, events.ApprovalRequired))
	if _, err := g.Decide(context.Background(), id, false, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := <-done; !errors.Is(err, ErrRejected) {
		t.Fatalf("first Check: expected ErrRejected, got %v", err)
	}

	a, err := g.Check(context.Background(), req)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("second Check: expected ErrRejected, got %v", err)
	}
	if a == nil || a.ID != id {
		t.Errorf("second Check should return the prior decision %s, got %+v", id, a)
	}
	all, _ := store.ListApprovals(context.Background(), &req.TripID)
	if len(all) != 1 {
		t.Errorf("approvals for trip = %d, want 1", len(all))
	}
	pub.mu.Lock()
	var required int
	for _, ev := range pub.events {
		if ev.Type == events.ApprovalRequired {
			required++
		}
	}
	pub.mu.Unlock()
	if required != 1 {
		t.Errorf("approval_required published %d times, want 1", required)
	}

	// A different action on the same trip still goes to a human.
	other := req
	other.Action = "book_flight:FL002"
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Check(ctx, other); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("different action: expected a pending wait, got %v", err)
	}
}

func TestCheck_ExpiredActionStaysExpired(t *testing.T) {
	store := NewMemoryStore()
	g := NewGate(store, nil, WithTimeout(20*time.Millisecond), WithPollInterval(5*time.Millisecond))
	req := testRequest()

	if _, err := g.Check(context.Background(), req); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	start := time.Now()
	if _, err := g.Check(context.Background(), req); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("repeat: expected ErrTimedOut, got %v", err)
	}
	if time.Since(start) >= 20*time.Millisecond {
		t.Error("repeat Check waited instead of reusing the expired decision")
	}
}

func TestCheck_ContextCanceled(t *testing.T) {
	g := NewGate(NewMemoryStore(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Check(ctx, testRequest())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

// --- Decide ---

func TestDecide_ReplayKeepsOutcome(t *testing.T) {
	store := NewMemoryStore()
	g := NewGate(store, nil)
	ctx := context.Background()

	a := &domain.HumanApproval{ID: uuid.New(), TripID: uuid.New(), Status: domain.ApprovalPending, CreatedAt: time.Now()}
	_ = store.CreateApproval(ctx, a)

	if _, err := g.Decide(ctx, a.ID, true, "alice"); err != nil {
		t.Fatal(err)
	}
	got, err := g.Decide(ctx, a.ID, false, "mallory")
	if !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
	if got == nil || got.Status != domain.ApprovalApproved || got.DecidedBy != "alice" {
		t.Errorf("replay changed outcome: %+v", got)
	}

	ok, err := g.VerifyApproved(ctx, a.ID)
	if err != nil || !ok {
		t.Errorf("VerifyApproved = %v, %v; want true", ok, err)
	}
}

func TestDecide_UnknownID(t *testing.T) {
	g := NewGate(NewMemoryStore(), nil)
	if _, err := g.Decide(context.Background(), uuid.New(), true, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ok, err := g.VerifyApproved(context.Background(), uuid.New()); ok || !errors.Is(err, ErrNotFound) {
		t.Fatalf("VerifyApproved = %v, %v", ok, err)
	}
}

func TestDecide_ConcurrentDecisionsOnlyOneWins(t *testing.T) {
	store := NewMemoryStore()
	g := NewGate(store, nil)
	ctx := context.Background()
	a := &domain.HumanApproval{ID: uuid.New(), TripID: uuid.New(), Status: domain.ApprovalPending, CreatedAt: time.Now()}
	_ = store.CreateApproval(ctx, a)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(approve bool) {
			defer wg.Done()
			if _, err := g.Decide(ctx, a.ID, approve, "racer"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i%2 == 0)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winning decision, got %d", wins)
	}
}

// --- Sweeper support ---

func TestExpireBefore(t *testing.T) {
	store := NewMemoryStore()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	g := NewGate(store, nil, WithMetrics(m))
	ctx := context.Background()

	old := &domain.HumanApproval{ID: uuid.New(), Status: domain.ApprovalPending, CreatedAt: time.Now().Add(-time.Hour)}
	fresh := &domain.HumanApproval{ID: uuid.New(), Status: domain.ApprovalPending, CreatedAt: time.Now()}
	_ = store.CreateApproval(ctx, old)
	_ = store.CreateApproval(ctx, fresh)

	n, err := g.ExpireBefore(ctx, time.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}
	got, _ := store.GetApproval(ctx, old.ID)
	if got.Status != domain.ApprovalRejected || got.DecidedBy != TimeoutDecider {
		t.Errorf("old approval = %+v", got)
	}
	got, _ = store.GetApproval(ctx, fresh.ID)
	if got.Status != domain.ApprovalPending {
		t.Errorf("fresh approval should stay pending")
	}
	if v := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("rejected", "timeout")); v != 1 {
		t.Errorf("timeout decisions = %v", v)
	}
}
