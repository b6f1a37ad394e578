// Package approval implements the human approval gate that every
// money-moving action must pass.
//
// The gate has two layers. Check records a pending approval and blocks until
// a human decides it or it times out. VerifyApproved re-reads the store of
// record right before the provider call, so a bypassed or stale Check cannot
// lead to a booking.
package approval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/events"
)

var (
	ErrNotFound       = errors.New("approval not found")
	ErrAlreadyDecided = errors.New("approval already decided")
	ErrRejected       = errors.New("approval rejected")
	ErrTimedOut       = errors.New("approval timed out")
)

// TimeoutDecider is recorded as decided_by when an approval expires.
const TimeoutDecider = "system:timeout"

const (
	DefaultTimeout      = 30 * time.Minute
	DefaultPollInterval = 2 * time.Second
)

// Request describes a gated action awaiting approval.
type Request struct {
	TripID     uuid.UUID
	Domain     domain.Domain
	Action     string // e.g. "book_flight:FL001"
	ToolName   string
	Arguments  map[string]any
	Violations []domain.ViolationSummary // soft violations shown to the approver
}

// Gate creates approvals, waits for decisions and verifies them.
type Gate struct {
	store        Store
	publisher    events.Publisher
	metrics      *Metrics
	logger       *slog.Logger
	timeout      time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	waiters map[uuid.UUID]chan struct{}
}

// Option configures a Gate.
type Option func(*Gate)

// WithTimeout sets how long Check waits before treating silence as rejection.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithPollInterval sets how often Check re-reads the store while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.pollInterval = d
		}
	}
}

// WithPublisher emits approval_required and approval_decided events.
func WithPublisher(p events.Publisher) Option {
	return func(g *Gate) { g.publisher = p }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// NewGate creates an approval gate over store.
func NewGate(store Store, logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	g := &Gate{
		store:        store,
		logger:       logger,
		timeout:      DefaultTimeout,
		pollInterval: DefaultPollInterval,
		waiters:      make(map[uuid.UUID]chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Timeout returns the configured decision timeout.
func (g *Gate) Timeout() time.Duration { return g.timeout }

// Check records a pending approval for req and blocks until it is decided.
// It returns the decided approval and nil when approved. A rejection returns
// ErrRejected, an expired wait ErrTimedOut; in both cases the approval is
// returned as well. If ctx ends first the approval stays pending and the
// sweeper expires it later.
//
// A decision is keyed on trip, domain and action: an action already
// rejected for the trip is refused again without asking a human.
func (g *Gate) Check(ctx context.Context, req Request) (*domain.HumanApproval, error) {
	prior, err := g.store.FindRejected(ctx, req.TripID, req.Domain, req.Action)
	switch {
	case err == nil:
		g.logger.InfoContext(ctx, "action already rejected",
			slog.String("approval_id", prior.ID.String()),
			slog.String("trip_id", prior.TripID.String()),
			slog.String("action", prior.Action),
		)
		return prior, outcomeErr(prior)
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("looking up prior decision: %w", err)
	}

	a := &domain.HumanApproval{
		ID:               uuid.New(),
		TripID:           req.TripID,
		Domain:           req.Domain,
		Action:           req.Action,
		ToolName:         req.ToolName,
		Arguments:        req.Arguments,
		PolicyViolations: req.Violations,
		Status:           domain.ApprovalPending,
		CreatedAt:        time.Now().UTC(),
	}

	// Register before the record is visible so a fast decision still signals.
	signal := g.register(a.ID)
	defer g.unregister(a.ID)

	if err := g.store.CreateApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("creating approval: %w", err)
	}

	g.logger.InfoContext(ctx, "approval requested",
		slog.String("approval_id", a.ID.String()),
		slog.String("trip_id", a.TripID.String()),
		slog.String("domain", string(a.Domain)),
		slog.String("action", a.Action),
		slog.Int("soft_violations", len(a.PolicyViolations)),
	)
	g.publish(events.ApprovalRequired, a)

	start := time.Now()
	if g.metrics != nil {
		g.metrics.RequestsTotal.WithLabelValues(string(a.Domain)).Inc()
		g.metrics.Pending.Inc()
		defer func() {
			g.metrics.Pending.Dec()
			g.metrics.WaitDuration.Observe(time.Since(start).Seconds())
		}()
	}

	decided, err := g.wait(ctx, a.ID, signal)
	if err != nil {
		return nil, err
	}
	return decided, outcomeErr(decided)
}

func (g *Gate) wait(ctx context.Context, id uuid.UUID, signal <-chan struct{}) (*domain.HumanApproval, error) {
	deadline := time.NewTimer(g.timeout)
	defer deadline.Stop()
	poll := time.NewTicker(g.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for approval %s: %w", id, ctx.Err())
		case <-deadline.C:
			return g.expire(ctx, id)
		case <-signal:
			signal = nil
		case <-poll.C:
		}

		a, err := g.store.GetApproval(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("reading approval %s: %w", id, err)
		}
		if a.Status != domain.ApprovalPending {
			return a, nil
		}
	}
}

// expire records a timeout as a rejection. A decision that landed at the
// same moment wins.
func (g *Gate) expire(ctx context.Context, id uuid.UUID) (*domain.HumanApproval, error) {
	a, err := g.decide(ctx, id, domain.ApprovalRejected, TimeoutDecider)
	if err != nil && !errors.Is(err, ErrAlreadyDecided) {
		return nil, fmt.Errorf("expiring approval %s: %w", id, err)
	}
	return a, nil
}

// VerifyApproved re-reads the approval from the store of record and reports
// whether it is approved. A missing approval returns false and ErrNotFound.
func (g *Gate) VerifyApproved(ctx context.Context, id uuid.UUID) (bool, error) {
	a, err := g.store.GetApproval(ctx, id)
	if err != nil {
		return false, err
	}
	return a.Status == domain.ApprovalApproved, nil
}

// Decide records a human decision. Each approval is decided exactly once:
// a replay returns the existing record with ErrAlreadyDecided and leaves
// the outcome unchanged.
func (g *Gate) Decide(ctx context.Context, id uuid.UUID, approved bool, decidedBy string) (*domain.HumanApproval, error) {
	status := domain.ApprovalRejected
	if approved {
		status = domain.ApprovalApproved
	}
	if decidedBy == "" {
		decidedBy = "api"
	}
	return g.decide(ctx, id, status, decidedBy)
}

func (g *Gate) decide(ctx context.Context, id uuid.UUID, status domain.ApprovalStatus, decidedBy string) (*domain.HumanApproval, error) {
	a, err := g.store.DecideApproval(ctx, id, status, decidedBy, time.Now().UTC())
	if err != nil {
		return a, err
	}

	g.notify(id)

	source := "human"
	if decidedBy == TimeoutDecider {
		source = "timeout"
	}
	if g.metrics != nil {
		g.metrics.DecisionsTotal.WithLabelValues(string(status), source).Inc()
	}
	g.logger.InfoContext(ctx, "approval decided",
		slog.String("approval_id", id.String()),
		slog.String("trip_id", a.TripID.String()),
		slog.String("status", string(status)),
		slog.String("decided_by", decidedBy),
	)
	g.publish(events.ApprovalDecided, a)
	return a, nil
}

// Get returns an approval by id.
func (g *Gate) Get(ctx context.Context, id uuid.UUID) (*domain.HumanApproval, error) {
	return g.store.GetApproval(ctx, id)
}

// List returns approvals, optionally filtered by trip.
func (g *Gate) List(ctx context.Context, tripID *uuid.UUID) ([]domain.HumanApproval, error) {
	return g.store.ListApprovals(ctx, tripID)
}

// ExpireBefore rejects every pending approval created before cutoff and
// returns how many were expired. Used by the sweeper to cover waits lost to
// a restart.
func (g *Gate) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	pending, err := g.store.ListPendingBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing overdue approvals: %w", err)
	}
	n := 0
	for _, a := range pending {
		_, err := g.decide(ctx, a.ID, domain.ApprovalRejected, TimeoutDecider)
		if errors.Is(err, ErrAlreadyDecided) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("expiring approval %s: %w", a.ID, err)
		}
		n++
	}
	return n, nil
}

func (g *Gate) register(id uuid.UUID) <-chan struct{} {
	ch := make(chan struct{})
	g.mu.Lock()
	g.waiters[id] = ch
	g.mu.Unlock()
	return ch
}

func (g *Gate) unregister(id uuid.UUID) {
	g.mu.Lock()
	delete(g.waiters, id)
	g.mu.Unlock()
}

func (g *Gate) notify(id uuid.UUID) {
	g.mu.Lock()
	ch, ok := g.waiters[id]
	if ok {
		delete(g.waiters, id)
	}
	g.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (g *Gate) publish(t events.Type, a *domain.HumanApproval) {
	if g.publisher == nil {
		return
	}
	data := map[string]any{
		"approval_id": a.ID.String(),
		"domain":      string(a.Domain),
		"action":      a.Action,
		"tool_name":   a.ToolName,
		"status":      string(a.Status),
	}
	if t == events.ApprovalRequired {
		data["arguments"] = a.Arguments
		data["policy_violations"] = a.PolicyViolations
	} else {
		data["decided_by"] = a.DecidedBy
	}
	g.publisher.Publish(events.New(t, a.TripID, data))
}

func outcomeErr(a *domain.HumanApproval) error {
	if a.Status == domain.ApprovalApproved {
		return nil
	}
	if a.DecidedBy == TimeoutDecider {
		return ErrTimedOut
	}
	return ErrRejected
}
