// Package audit is the append-only record of tool invocations, bookings and
// policy decisions for every trip.
//
// The store interfaces here expose inserts and reads only. There is no
// update or delete path for any audit entity.
package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tripgate/internal/domain"
)

var (
	ErrInvalidAmount = errors.New("booking amount must not be negative")
	ErrTripNotFound  = errors.New("trip not found")
)

// ToolCallStore persists tool invocation rows.
type ToolCallStore interface {
	InsertToolCall(ctx context.Context, tc *domain.ToolCall) error
	ListToolCalls(ctx context.Context, tripID uuid.UUID) ([]domain.ToolCall, error)
}

// BookingStore persists bookings. InsertBooking must insert the row and add
// its amount to the owning trip's total_spent in a single transaction.
type BookingStore interface {
	InsertBooking(ctx context.Context, b *domain.Booking) error
	ListBookings(ctx context.Context, tripID uuid.UUID) ([]domain.Booking, error)
}

// ViolationStore persists policy violation rows.
type ViolationStore interface {
	InsertViolations(ctx context.Context, vs []domain.PolicyViolation) error
	ListViolations(ctx context.Context, tripID uuid.UUID) ([]domain.PolicyViolation, error)
}

// Store is the full append-only audit surface.
type Store interface {
	ToolCallStore
	BookingStore
	ViolationStore
}

// Logger is the write entry point for tool calls and bookings and the read
// side for a trip's full history.
type Logger struct {
	store  Store
	logger *slog.Logger
}

// NewLogger creates a Logger over store.
func NewLogger(store Store, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Logger{store: store, logger: logger}
}

// LogToolCall appends a tool invocation row.
func (l *Logger) LogToolCall(ctx context.Context, tc domain.ToolCall) (*domain.ToolCall, error) {
	if tc.ID == uuid.Nil {
		tc.ID = uuid.New()
	}
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = time.Now().UTC()
	}
	if err := l.store.InsertToolCall(ctx, &tc); err != nil {
		return nil, fmt.Errorf("logging tool call %s: %w", tc.ToolName, err)
	}
	l.logger.DebugContext(ctx, "tool call logged",
		slog.String("trip_id", tc.TripID.String()),
		slog.String("agent", tc.AgentName),
		slog.String("tool", tc.ToolName),
		slog.String("status", string(tc.Status)),
	)
	return &tc, nil
}

// LogBooking appends a booking and increments the trip total atomically.
// It must be called exactly once per successful provider booking.
func (l *Logger) LogBooking(ctx context.Context, b domain.Booking) (*domain.Booking, error) {
	if b.Amount < 0 {
		return nil, ErrInvalidAmount
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if err := l.store.InsertBooking(ctx, &b); err != nil {
		return nil, fmt.Errorf("logging booking %s: %w", b.BookingReference, err)
	}
	l.logger.InfoContext(ctx, "booking committed",
		slog.String("trip_id", b.TripID.String()),
		slog.String("domain", string(b.Domain)),
		slog.String("provider", b.Provider),
		slog.String("reference", b.BookingReference),
		slog.Float64("amount", b.Amount),
		slog.Bool("sandbox", b.Sandbox),
	)
	return &b, nil
}

// ToolCalls returns a trip's tool calls in chronological order.
func (l *Logger) ToolCalls(ctx context.Context, tripID uuid.UUID) ([]domain.ToolCall, error) {
	return l.store.ListToolCalls(ctx, tripID)
}

// Bookings returns a trip's bookings in chronological order.
func (l *Logger) Bookings(ctx context.Context, tripID uuid.UUID) ([]domain.Booking, error) {
	return l.store.ListBookings(ctx, tripID)
}

// Violations returns a trip's policy violations in chronological order.
// This is the trip's compliance record and is available for failed trips.
func (l *Logger) Violations(ctx context.Context, tripID uuid.UUID) ([]domain.PolicyViolation, error) {
	return l.store.ListViolations(ctx, tripID)
}
