package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/tripgate/internal/approval"
	"github.com/jkaninda/tripgate/internal/domain"
)

func seedPending(t *testing.T, store *approval.MemoryStore, createdAt time.Time) uuid.UUID {
	t.Helper()
	a := &domain.HumanApproval{
		ID:        uuid.New(),
		TripID:    uuid.New(),
		Domain:    domain.DomainFlight,
		Action:    "book_flight:FL001",
		ToolName:  "book_flight",
		Status:    domain.ApprovalPending,
		CreatedAt: createdAt,
	}
	if err := store.CreateApproval(context.Background(), a); err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}
	return a.ID
}

func TestSweep_ExpiresOnlyOverdue(t *testing.T) {
	now := time.Date(2027, 1, 10, 12, 0, 0, 0, time.UTC)
	store := approval.NewMemoryStore()
	gate := approval.NewGate(store, nil)

	old := seedPending(t, store, now.Add(-2*time.Hour))
	fresh := seedPending(t, store, now.Add(-5*time.Minute))

	m := NewMetrics(prometheus.NewRegistry())
	s, err := New("@every 1h", gate, 30*time.Minute, nil, WithClock(func() time.Time { return now }), WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if n := s.Sweep(context.Background()); n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}

	a, _ := gate.Get(context.Background(), old)
	if a.Status != domain.ApprovalRejected || a.DecidedBy != approval.TimeoutDecider {
		t.Errorf("overdue approval = %s by %q", a.Status, a.DecidedBy)
	}
	b, _ := gate.Get(context.Background(), fresh)
	if b.Status != domain.ApprovalPending {
		t.Errorf("fresh approval = %s, want pending", b.Status)
	}

	// A second sweep finds nothing left to expire.
	if n := s.Sweep(context.Background()); n != 0 {
		t.Errorf("second sweep expired %d", n)
	}
	if v := testutil.ToFloat64(m.ExpiredTotal); v != 1 {
		t.Errorf("expired_total = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.SweepsTotal); v != 2 {
		t.Errorf("runs_total = %v, want 2", v)
	}
}

type failingExpirer struct{}

func (failingExpirer) ExpireBefore(context.Context, time.Time) (int, error) {
	return 0, errors.New("database is locked")
}

func TestSweep_ErrorCounted(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	s, err := New("@every 1m", failingExpirer{}, time.Minute, nil, WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	s.Sweep(context.Background())
	if v := testutil.ToFloat64(m.SweepErrors); v != 1 {
		t.Errorf("errors_total = %v, want 1", v)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("not a schedule", failingExpirer{}, time.Minute, nil); err == nil {
		t.Error("invalid cron spec should fail")
	}
	if _, err := New("@every 1m", failingExpirer{}, 0, nil); err == nil {
		t.Error("zero timeout should fail")
	}
	if _, err := New("*/5 * * * *", failingExpirer{}, time.Minute, nil); err != nil {
		t.Errorf("standard spec rejected: %v", err)
	}
}

type countingExpirer struct{ calls chan struct{} }

func (c countingExpirer) ExpireBefore(context.Context, time.Time) (int, error) {
	select {
	case c.calls <- struct{}{}:
	default:
	}
	return 0, nil
}

func TestStart_SweepsImmediately(t *testing.T) {
	exp := countingExpirer{calls: make(chan struct{}, 1)}
	s, err := New("@every 1h", exp, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	stop := s.Start(context.Background())
	defer stop()

	select {
	case <-exp.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("Start should run an initial sweep")
	}
}
