package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/tripgate/internal/domain"
)

type memStore struct {
	mu         sync.Mutex
	toolCalls  []domain.ToolCall
	bookings   []domain.Booking
	violations []domain.PolicyViolation
	failInsert error
}

func (m *memStore) InsertToolCall(_ context.Context, tc *domain.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert != nil {
		return m.failInsert
	}
	m.toolCalls = append(m.toolCalls, *tc)
	return nil
}

func (m *memStore) ListToolCalls(_ context.Context, tripID uuid.UUID) ([]domain.ToolCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ToolCall
	for _, tc := range m.toolCalls {
		if tc.TripID == tripID {
			out = append(out, tc)
		}
	}
	return out, nil
}

func (m *memStore) InsertBooking(_ context.Context, b *domain.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert != nil {
		return m.failInsert
	}
	m.bookings = append(m.bookings, *b)
	return nil
}

func (m *memStore) ListBookings(_ context.Context, tripID uuid.UUID) ([]domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Booking
	for _, b := range m.bookings {
		if b.TripID == tripID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) InsertViolations(_ context.Context, vs []domain.PolicyViolation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = append(m.violations, vs...)
	return nil
}

func (m *memStore) ListViolations(_ context.Context, tripID uuid.UUID) ([]domain.PolicyViolation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PolicyViolation
	for _, v := range m.violations {
		if v.TripID == tripID {
			out = append(out, v)
		}
	}
	return out, nil
}

func TestLogger_ToolCallDefaults(t *testing.T) {
	store := &memStore{}
	l := NewLogger(store, nil)
	tripID := uuid.New()

	tc, err := l.LogToolCall(context.Background(), domain.ToolCall{
		TripID:    tripID,
		AgentName: "FlightAgent",
		ToolName:  "search_flights",
		Status:    domain.ToolCallSuccess,
	})
	if err != nil {
		t.Fatalf("LogToolCall: %v", err)
	}
	if tc.ID == uuid.Nil || tc.CreatedAt.IsZero() {
		t.Errorf("id and timestamp should be assigned: %+v", tc)
	}

	got, _ := l.ToolCalls(context.Background(), tripID)
	if len(got) != 1 || got[0].ID != tc.ID {
		t.Errorf("ToolCalls = %+v", got)
	}
}

func TestLogger_BookingRejectsNegativeAmount(t *testing.T) {
	store := &memStore{}
	l := NewLogger(store, nil)

	if _, err := l.LogBooking(context.Background(), domain.Booking{Amount: -5}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if len(store.bookings) != 0 {
		t.Error("rejected booking must not be stored")
	}
}

func TestLogger_BookingErrorsWrapStore(t *testing.T) {
	store := &memStore{failInsert: ErrTripNotFound}
	l := NewLogger(store, nil)

	_, err := l.LogBooking(context.Background(), domain.Booking{TripID: uuid.New(), BookingReference: "SANDBOX-1", Amount: 10})
	if !errors.Is(err, ErrTripNotFound) {
		t.Fatalf("expected wrapped ErrTripNotFound, got %v", err)
	}
}

func TestLogger_ReadsAreScopedToTrip(t *testing.T) {
	store := &memStore{}
	l := NewLogger(store, nil)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	for _, id := range []uuid.UUID{a, a, b} {
		if _, err := l.LogBooking(ctx, domain.Booking{TripID: id, Amount: 1}); err != nil {
			t.Fatal(err)
		}
	}
	_ = store.InsertViolations(ctx, []domain.PolicyViolation{{TripID: b, RuleKey: "max_flight_cost"}})

	if got, _ := l.Bookings(ctx, a); len(got) != 2 {
		t.Errorf("trip A bookings = %d, want 2", len(got))
	}
	if got, _ := l.Violations(ctx, a); len(got) != 0 {
		t.Errorf("trip A violations = %d, want 0", len(got))
	}
	if got, _ := l.Violations(ctx, b); len(got) != 1 {
		t.Errorf("trip B violations = %d, want 1", len(got))
	}
}
