package approval

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tripgate/internal/domain"
)

// Store is the persistence contract for approval records.
// Implementations must enforce the state machine:
//   - pending -> approved
//   - pending -> rejected
//
// Once decided, status is immutable.
type Store interface {
	CreateApproval(ctx context.Context, a *domain.HumanApproval) error
	// GetApproval returns the record or ErrNotFound.
	GetApproval(ctx context.Context, id uuid.UUID) (*domain.HumanApproval, error)
	// ListApprovals returns approvals oldest first. A nil tripID lists all.
	ListApprovals(ctx context.Context, tripID *uuid.UUID) ([]domain.HumanApproval, error)
	// DecideApproval atomically moves a pending approval to status. When the
	// approval was already decided it returns the stored record together
	// with ErrAlreadyDecided.
	DecideApproval(ctx context.Context, id uuid.UUID, status domain.ApprovalStatus, decidedBy string, at time.Time) (*domain.HumanApproval, error)
	// ListPendingBefore returns pending approvals created before cutoff.
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]domain.HumanApproval, error)
	// FindRejected returns the most recent rejected approval for the same
	// trip, domain and action, or ErrNotFound.
	FindRejected(ctx context.Context, tripID uuid.UUID, d domain.Domain, action string) (*domain.HumanApproval, error)
}

// MemoryStore stores approvals in memory. Thread-safe.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]*domain.HumanApproval
	order []uuid.UUID
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[uuid.UUID]*domain.HumanApproval)}
}

func (s *MemoryStore) CreateApproval(_ context.Context, a *domain.HumanApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.byID[a.ID] = &cp
	s.order = append(s.order, a.ID)
	return nil
}

func (s *MemoryStore) GetApproval(_ context.Context, id uuid.UUID) (*domain.HumanApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListApprovals(_ context.Context, tripID *uuid.UUID) ([]domain.HumanApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.HumanApproval
	for _, id := range s.order {
		a := s.byID[id]
		if tripID == nil || a.TripID == *tripID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *MemoryStore) DecideApproval(_ context.Context, id uuid.UUID, status domain.ApprovalStatus, decidedBy string, at time.Time) (*domain.HumanApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status != domain.ApprovalPending {
		cp := *a
		return &cp, ErrAlreadyDecided
	}
	a.Status = status
	a.DecidedBy = decidedBy
	a.DecidedAt = &at
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListPendingBefore(_ context.Context, cutoff time.Time) ([]domain.HumanApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.HumanApproval
	for _, a := range s.byID {
		if a.Status == domain.ApprovalPending && a.CreatedAt.Before(cutoff) {
			out = append(out, *a)
		}
	}
	slices.SortFunc(out, func(a, b domain.HumanApproval) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *MemoryStore) FindRejected(_ context.Context, tripID uuid.UUID, d domain.Domain, action string) (*domain.HumanApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range slices.Backward(s.order) {
		a := s.byID[id]
		if a.TripID == tripID && a.Domain == d && a.Action == action && a.Status == domain.ApprovalRejected {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

var _ Store = (*MemoryStore)(nil)
