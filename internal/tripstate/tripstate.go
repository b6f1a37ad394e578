// Package tripstate holds the mutable aggregate shared by a trip's
// concurrently running sub-tasks.
//
// All reads and writes go through a single mutex; no method hands out a
// reference to internal slices, so callers can never hold a private copy of
// the running total that drifts from the shared one.
package tripstate

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jkaninda/tripgate/internal/domain"
)

// State is the concurrency-safe aggregate for one trip.
type State struct {
	tripID uuid.UUID
	goal   string
	params domain.ExtractedParams
	policy *domain.CorporatePolicy
	orgID  string

	mu         sync.Mutex
	bookings   []domain.Booking
	totalSpent float64
	reserved   float64 // held by bookings that passed policy but are not committed yet
	results    []domain.SubTaskResult
}

// New creates the state for a trip. initialSpent seeds the running total
// (non-zero only when resuming a trip that already has bookings).
func New(tripID uuid.UUID, goal string, params domain.ExtractedParams, initialSpent float64) *State {
	return &State{
		tripID:     tripID,
		goal:       goal,
		params:     params,
		totalSpent: initialSpent,
	}
}

// WithPolicy records the resolved policy for the trip. Call before any
// sub-task starts; the policy is treated as read-only afterwards.
func (s *State) WithPolicy(p *domain.CorporatePolicy, orgID string) *State {
	s.policy = p
	s.orgID = orgID
	return s
}

func (s *State) TripID() uuid.UUID { return s.tripID }
func (s *State) Goal() string      { return s.goal }
func (s *State) OrgID() string     { return s.orgID }

// Policy returns the resolved policy, or nil when none applies.
func (s *State) Policy() *domain.CorporatePolicy { return s.policy }

// PolicyID returns the resolved policy id, or nil when none applies.
func (s *State) PolicyID() *uuid.UUID {
	if s.policy == nil {
		return nil
	}
	id := s.policy.ID
	return &id
}

// Params returns the immutable extracted parameters.
func (s *State) Params() domain.ExtractedParams { return s.params }

// AddBooking appends a booking that held no spend beforehand.
func (s *State) AddBooking(b domain.Booking) error {
	return s.Reserve(0).Commit(b)
}

// Hold is the spend reserved for one in-flight booking. A hold ends exactly
// once, by Commit or Release.
type Hold struct {
	s      *State
	amount float64
	prior  float64
	done   bool
}

// Reserve holds amount against the trip total until the booking commits or
// fails. The returned hold's Prior is the committed total plus every other
// open hold, taken in the same critical section, so concurrent sub-tasks
// can never each evaluate a spend cap against the same unreserved total.
func (s *State) Reserve(amount float64) *Hold {
	if amount < 0 {
		amount = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &Hold{s: s, amount: amount, prior: s.totalSpent + s.reserved}
	s.reserved += amount
	return h
}

// Prior is the committed plus reserved spend seen when the hold was taken.
func (h *Hold) Prior() float64 { return h.prior }

// Commit turns the hold into the booking: the booking is appended, its
// amount added to the total and the hold dropped in one critical section.
func (h *Hold) Commit(b domain.Booking) error {
	if b.Amount < 0 {
		return fmt.Errorf("booking %s: negative amount %.2f", b.BookingReference, b.Amount)
	}
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.done {
		return fmt.Errorf("booking %s: hold already closed", b.BookingReference)
	}
	h.done = true
	s.reserved -= h.amount
	s.bookings = append(s.bookings, b)
	s.totalSpent += b.Amount
	return nil
}

// Release drops the hold. It is a no-op after Commit or a previous Release.
func (h *Hold) Release() {
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.done {
		return
	}
	h.done = true
	s.reserved -= h.amount
}

// Reserved returns the spend held by uncommitted bookings.
func (s *State) Reserved() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserved
}

// TotalSpent returns the running total.
func (s *State) TotalSpent() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSpent
}

// Bookings returns a copy of the committed bookings.
func (s *State) Bookings() []domain.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Booking, len(s.bookings))
	copy(out, s.bookings)
	return out
}

// AddResult records a sub-task outcome.
func (s *State) AddResult(r domain.SubTaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

// Results returns a copy of the sub-task outcomes in completion order.
func (s *State) Results() []domain.SubTaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SubTaskResult, len(s.results))
	copy(out, s.results)
	return out
}

// SuccessfulDomains lists domains whose sub-task succeeded.
func (s *State) SuccessfulDomains() []domain.Domain {
	return s.domainsWith(domain.SubTaskSuccess)
}

// FailedDomains lists domains whose sub-task failed.
func (s *State) FailedDomains() []domain.Domain {
	return s.domainsWith(domain.SubTaskFailed)
}

func (s *State) domainsWith(status domain.SubTaskStatus) []domain.Domain {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Domain
	for _, r := range s.results {
		if r.Status == status {
			out = append(out, r.Domain)
		}
	}
	return out
}

// Summary snapshots the state for synthesis.
func (s *State) Summary() domain.TripSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]domain.SubTaskResult, len(s.results))
	copy(results, s.results)
	bookings := make([]domain.Booking, len(s.bookings))
	copy(bookings, s.bookings)
	return domain.TripSummary{
		TripID:     s.tripID,
		Goal:       s.goal,
		Params:     s.params,
		Results:    results,
		Bookings:   bookings,
		TotalSpent: s.totalSpent,
	}
}
