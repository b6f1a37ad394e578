package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/jkaninda/tripgate/internal/domain"
)

// TripStore persists trips. total_spent is owned by the audit booking path
// and is never written through this interface.
type TripStore interface {
	CreateTrip(ctx context.Context, t *domain.Trip) error
	// GetTrip returns the trip or ErrTripNotFound.
	GetTrip(ctx context.Context, id uuid.UUID) (*domain.Trip, error)
	// ListTrips returns trips newest first.
	ListTrips(ctx context.Context, f TripFilter) ([]domain.Trip, error)
	// UpdateTrip applies u. Nil fields are left unchanged. A status change
	// on a completed or failed trip returns ErrTripFinished and writes
	// nothing.
	UpdateTrip(ctx context.Context, id uuid.UUID, u TripUpdate) error
}

// TripFilter narrows ListTrips. Zero fields match everything.
type TripFilter struct {
	OrgID  string
	UserID string
	Status domain.TripStatus
	Limit  int
}

// TripUpdate is a partial trip update.
type TripUpdate struct {
	Status   *domain.TripStatus
	PolicyID *uuid.UUID
	Summary  *string
	Error    *string
}
