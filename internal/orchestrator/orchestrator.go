// Package orchestrator runs trips end to end: policy resolution, goal
// decomposition, phased sub-task scheduling and synthesis.
//
// Flight runs alone first because later domains depend on its dates and
// destination. Hotel, transport and activity then run concurrently against
// the shared trip state. Every sub-task is attempted at most twice; a failed
// optional sub-task is skipped, a failed required one aborts the trip.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/tripgate/internal/agent"
	"github.com/jkaninda/tripgate/internal/audit"
	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/events"
	"github.com/jkaninda/tripgate/internal/planner"
)

var (
	// ErrTripNotFound is returned for unknown trip ids.
	ErrTripNotFound = audit.ErrTripNotFound
	// ErrRequiredSubTaskFailed aborts a trip after a required domain failed twice.
	ErrRequiredSubTaskFailed = errors.New("required sub-task failed")
	// ErrInvalidRequest is returned by Submit for malformed requests.
	ErrInvalidRequest = errors.New("invalid trip request")
	// ErrShuttingDown is returned by Submit once Shutdown has begun.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	// ErrTripFinished is returned by TripStore.UpdateTrip when a status
	// change targets a trip that is already completed or failed.
	ErrTripFinished = errors.New("trip already finished")
)

// interruptedMessage is recorded on trips found unfinished at startup.
const interruptedMessage = "interrupted by restart"

// PolicyResolver picks the policy governing a trip.
type PolicyResolver interface {
	Resolve(ctx context.Context, trip *domain.Trip) (*domain.CorporatePolicy, error)
}

// Agents hands out the runner for a booking domain.
type Agents interface {
	Get(d domain.Domain) (agent.Runner, error)
}

// AuditReader is the read side of the audit log.
type AuditReader interface {
	Bookings(ctx context.Context, tripID uuid.UUID) ([]domain.Booking, error)
	Violations(ctx context.Context, tripID uuid.UUID) ([]domain.PolicyViolation, error)
}

// Config tunes trip execution.
type Config struct {
	MaxConcurrentTrips  int           // Process-wide. Default: 10.
	MaxParallelSubtasks int           // Per trip, after the flight phase. Default: 3.
	SubtaskTimeout      time.Duration // Per attempt. Zero means no limit.
}

func (c Config) concurrentTrips() int {
	if c.MaxConcurrentTrips > 0 {
		return c.MaxConcurrentTrips
	}
	return 10
}

func (c Config) parallelSubtasks() int {
	if c.MaxParallelSubtasks > 0 {
		return c.MaxParallelSubtasks
	}
	return 3
}

// SubmitRequest describes a new trip.
type SubmitRequest struct {
	Goal        string     `json:"goal"`
	OrgID       string     `json:"org_id,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	PolicyID    *uuid.UUID `json:"policy_id,omitempty"`
	TotalBudget *float64   `json:"total_budget,omitempty"`
}

// TripDetail is a trip together with its committed bookings.
type TripDetail struct {
	domain.Trip
	Bookings []domain.Booking `json:"bookings"`
}

// PolicyReport is a trip's full compliance record, available in any state.
type PolicyReport struct {
	TripID     uuid.UUID                `json:"trip_id"`
	PolicyID   *uuid.UUID               `json:"policy_id,omitempty"`
	Status     domain.TripStatus        `json:"status"`
	Violations []domain.PolicyViolation `json:"violations"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets the lifecycle event sink.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics enables Prometheus metrics. nil is allowed.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer used for trip and sub-task spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// Engine is the entry point for running trips.
type Engine struct {
	trips     TripStore
	policies  PolicyResolver
	planner   planner.Planner
	agents    Agents
	audit     AuditReader
	publisher events.Publisher
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	config    Config

	sem    chan struct{}
	wg     sync.WaitGroup
	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	running map[uuid.UUID]chan struct{}
}

// NewEngine creates a trip engine with the given components.
func NewEngine(
	trips TripStore,
	policies PolicyResolver,
	p planner.Planner,
	agents Agents,
	auditLog AuditReader,
	logger *slog.Logger,
	config Config,
	opts ...Option,
) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	base, cancel := context.WithCancel(context.Background())
	e := &Engine{
		trips:    trips,
		policies: policies,
		planner:  p,
		agents:   agents,
		audit:    auditLog,
		tracer:   noop.NewTracerProvider().Tracer("tripgate/orchestrator"),
		logger:   logger,
		config:   config,
		sem:      make(chan struct{}, config.concurrentTrips()),
		base:     base,
		cancel:   cancel,
		running:  make(map[uuid.UUID]chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit persists a pending trip and starts it in the background. The
// returned trip is in its initial pending state.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*domain.Trip, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, fmt.Errorf("%w: goal is required", ErrInvalidRequest)
	}
	if req.TotalBudget != nil && *req.TotalBudget < 0 {
		return nil, fmt.Errorf("%w: total_budget must not be negative", ErrInvalidRequest)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrShuttingDown
	}
	e.mu.Unlock()

	now := time.Now().UTC()
	trip := &domain.Trip{
		ID:          uuid.New(),
		Goal:        goal,
		OrgID:       req.OrgID,
		UserID:      req.UserID,
		PolicyID:    req.PolicyID,
		TotalBudget: req.TotalBudget,
		Status:      domain.TripPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.trips.CreateTrip(ctx, trip); err != nil {
		return nil, fmt.Errorf("creating trip: %w", err)
	}

	done := make(chan struct{})
	e.mu.Lock()
	e.running[trip.ID] = done
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "trip submitted",
		slog.String("trip_id", trip.ID.String()),
		slog.String("org_id", trip.OrgID),
		slog.String("user_id", trip.UserID),
		slog.String("goal", trip.Goal),
	)

	started := *trip
	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.running, started.ID)
			e.mu.Unlock()
			close(done)
			e.wg.Done()
		}()

		select {
		case e.sem <- struct{}{}:
		case <-e.base.Done():
			e.fail(e.base, &started, errors.New("orchestrator shut down before the trip started"))
			return
		}
		defer func() { <-e.sem }()

		e.run(e.base, &started)
	}()

	return trip, nil
}

// Status returns the trip and its bookings.
func (e *Engine) Status(ctx context.Context, id uuid.UUID) (*TripDetail, error) {
	trip, err := e.trips.GetTrip(ctx, id)
	if err != nil {
		return nil, err
	}
	bookings, err := e.audit.Bookings(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading bookings: %w", err)
	}
	if bookings == nil {
		bookings = []domain.Booking{}
	}
	return &TripDetail{Trip: *trip, Bookings: bookings}, nil
}

// List returns trips newest first.
func (e *Engine) List(ctx context.Context, f TripFilter) ([]domain.Trip, error) {
	return e.trips.ListTrips(ctx, f)
}

// Wait blocks until the trip is no longer running in this process, then
// returns its status.
func (e *Engine) Wait(ctx context.Context, id uuid.UUID) (*TripDetail, error) {
	e.mu.Lock()
	done, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.Status(ctx, id)
}

// PolicyReport returns every policy violation recorded for the trip.
func (e *Engine) PolicyReport(ctx context.Context, id uuid.UUID) (*PolicyReport, error) {
	trip, err := e.trips.GetTrip(ctx, id)
	if err != nil {
		return nil, err
	}
	vs, err := e.audit.Violations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading violations: %w", err)
	}
	if vs == nil {
		vs = []domain.PolicyViolation{}
	}
	return &PolicyReport{TripID: trip.ID, PolicyID: trip.PolicyID, Status: trip.Status, Violations: vs}, nil
}

// Reconcile fails every pending or running trip this engine is not
// executing. Run it once at startup, before accepting trips: a trip left
// unfinished by a previous process has no goroutine that will ever finish
// it. It assumes one engine per database. It returns how many trips were
// failed.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	var stale []domain.Trip
	for _, status := range []domain.TripStatus{domain.TripPending, domain.TripRunning} {
		trips, err := e.trips.ListTrips(ctx, TripFilter{Status: status})
		if err != nil {
			return 0, fmt.Errorf("listing %s trips: %w", status, err)
		}
		stale = append(stale, trips...)
	}

	n := 0
	for i := range stale {
		trip := &stale[i]
		e.mu.Lock()
		_, owned := e.running[trip.ID]
		e.mu.Unlock()
		if owned {
			continue
		}
		if e.fail(ctx, trip, errors.New(interruptedMessage)) {
			n++
		}
	}
	if n > 0 {
		e.logger.WarnContext(ctx, "failed trips left unfinished by a previous run", slog.Int("trips", n))
	}
	return n, nil
}

// Shutdown stops accepting trips and waits for running ones. When ctx ends
// first, running trips are cancelled and Shutdown waits for them to record
// their failure.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.logger.Warn("shutdown deadline reached, cancelling running trips")
		e.cancel()
		<-idle
		return ctx.Err()
	}
}

func (e *Engine) publish(ev events.Event) {
	if e.publisher != nil {
		e.publisher.Publish(ev)
	}
}
