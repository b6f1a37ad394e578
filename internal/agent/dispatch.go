package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tripgate/internal/approval"
	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/events"
	"github.com/jkaninda/tripgate/internal/policy"
	"github.com/jkaninda/tripgate/internal/provider"
	"github.com/jkaninda/tripgate/internal/tripstate"
)

// PolicyEvaluator checks proposed actions and records follow-up outcomes.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, p *domain.CorporatePolicy, tripID uuid.UUID, d domain.Domain, action policy.ProposedAction) (*policy.Result, error)
	RecordOutcome(ctx context.Context, soft []domain.PolicyViolation, approvalID uuid.UUID, outcome domain.ViolationOutcome) error
}

// ApprovalGate blocks until a human decides and re-verifies decisions.
type ApprovalGate interface {
	Check(ctx context.Context, req approval.Request) (*domain.HumanApproval, error)
	VerifyApproved(ctx context.Context, id uuid.UUID) (bool, error)
}

// AuditLog appends tool call and booking rows.
type AuditLog interface {
	LogToolCall(ctx context.Context, tc domain.ToolCall) (*domain.ToolCall, error)
	LogBooking(ctx context.Context, b domain.Booking) (*domain.Booking, error)
}

// Receipt is what a gated provider call returns to the dispatcher.
type Receipt struct {
	Provider  string
	Reference string
	Amount    float64
	Details   map[string]any
	Output    any
}

// GatedCall describes one booking or cancellation tool invocation.
type GatedCall struct {
	Agent  string
	Domain domain.Domain
	Tool   string
	Input  map[string]any
	Action policy.ProposedAction
	Book   bool // success commits a Booking row
	Exec   func(ctx context.Context) (*Receipt, error)
	// Compensate undoes a provider booking that could not be committed.
	Compensate func(ctx context.Context, reference string) error
}

// compensateTimeout bounds the undo call, which runs even when the
// sub-task's context is already done.
const compensateTimeout = 30 * time.Second

// priceTolerance absorbs rounding between the quoted and confirmed amount.
const priceTolerance = 0.005

// Dispatcher routes tool calls through policy, approval and audit.
type Dispatcher struct {
	policy PolicyEvaluator
	gate   ApprovalGate
	audit  AuditLog
	events events.Publisher
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPublisher sets where tool_call and progress events go.
func WithPublisher(p events.Publisher) Option {
	return func(d *Dispatcher) { d.events = p }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(pe PolicyEvaluator, gate ApprovalGate, audit AuditLog, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &Dispatcher{policy: pe, gate: gate, audit: audit, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Call runs an ungated tool (search, details) and records it.
func (d *Dispatcher) Call(ctx context.Context, st *tripstate.State, agent, tool string, input map[string]any, fn func(ctx context.Context) (any, error)) error {
	out, err := fn(ctx)
	if err != nil {
		d.record(ctx, st, agent, tool, input, domain.ToolCallError, map[string]any{"error": err.Error()})
		return fmt.Errorf("%s: %w", tool, err)
	}
	d.record(ctx, st, agent, tool, input, domain.ToolCallSuccess, out)
	return nil
}

// Gated runs a money-moving call in a fixed order: policy evaluation,
// approval check, re-verification, provider call, booking log. A hard
// violation stops before any approval is created. It returns the committed
// booking for booking calls and nil for cancellations.
//
// A booking call holds its estimated cost against the trip total from
// policy evaluation until the booking commits or fails, so concurrent
// sub-tasks are evaluated against each other's pending spend.
func (d *Dispatcher) Gated(ctx context.Context, st *tripstate.State, call GatedCall) (*domain.Booking, error) {
	action := call.Action
	var quoted float64
	if action.EstimatedCost != nil {
		quoted = *action.EstimatedCost
	}
	var hold *tripstate.Hold
	if call.Book {
		hold = st.Reserve(quoted)
		defer hold.Release()
		action.TripTotalSpent = hold.Prior()
	} else {
		action.TripTotalSpent = st.TotalSpent()
	}

	res, err := d.policy.Evaluate(ctx, st.Policy(), st.TripID(), call.Domain, action)
	if err != nil {
		d.record(ctx, st, call.Agent, call.Tool, call.Input, domain.ToolCallError, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("%s: evaluating policy: %w", call.Tool, err)
	}
	if res.Blocked() {
		msg := res.HardMessage()
		d.record(ctx, st, call.Agent, call.Tool, call.Input, domain.ToolCallPolicyBlocked, "POLICY_BLOCKED: "+msg)
		return nil, fmt.Errorf("%s: %w: %s", call.Tool, ErrPolicyBlocked, msg)
	}

	a, err := d.gate.Check(ctx, approval.Request{
		TripID:     st.TripID(),
		Domain:     call.Domain,
		Action:     action.Action,
		ToolName:   call.Tool,
		Arguments:  call.Input,
		Violations: res.Summaries(),
	})
	if err != nil {
		if a == nil {
			d.record(ctx, st, call.Agent, call.Tool, call.Input, domain.ToolCallError, map[string]any{"error": err.Error()})
			return nil, fmt.Errorf("%s: awaiting approval: %w", call.Tool, err)
		}
		if rerr := d.policy.RecordOutcome(ctx, res.Soft, a.ID, domain.OutcomeFlaggedRejected); rerr != nil {
			d.logger.ErrorContext(ctx, "recording rejected violations", slog.String("error", rerr.Error()))
		}
		d.record(ctx, st, call.Agent, call.Tool, call.Input, domain.ToolCallApprovalRejected, map[string]any{
			"approval_id": a.ID.String(),
			"decided_by":  a.DecidedBy,
		})
		return nil, fmt.Errorf("%s: %w", call.Tool, err)
	}
	if err := d.policy.RecordOutcome(ctx, res.Soft, a.ID, domain.OutcomeFlaggedApproved); err != nil {
		d.record(ctx, st, call.Agent, call.Tool, call.Input, domain.ToolCallError, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("%s: %w", call.Tool, err)
	}

	ok, err := d.gate.VerifyApproved(ctx, a.ID)
	if err != nil || !ok {
		out := map[string]any{"approval_id": a.ID.String(), "error": ErrApprovalNotVerified.Error()}
		d.record(ctx, st, call.Agent, call.Tool, call.Input, domain.ToolCallError, out)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %v", call.Tool, ErrApprovalNotVerified, err)
		}
		return nil, fmt.Errorf("%s: %w", call.Tool, ErrApprovalNotVerified)
	}

	rcpt, err := call.Exec(ctx)
	if err != nil {
		d.record(ctx, st, call.Agent, call.Tool, call.Input, domain.ToolCallError, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("%s: %w", call.Tool, err)
	}
	d.record(ctx, st, call.Agent, call.Tool, call.Input, domain.ToolCallSuccess, rcpt.Output)
	if !call.Book {
		return nil, nil
	}

	// The policy and the approver saw the quoted price; a provider that
	// confirms at a higher one has not been authorised for the difference.
	if action.EstimatedCost != nil && rcpt.Amount > quoted+priceTolerance {
		cause := fmt.Errorf("%w: quoted %.2f, confirmed %.2f", ErrPriceChanged, quoted, rcpt.Amount)
		if d.compensate(ctx, st, call, rcpt, cause) {
			return nil, fmt.Errorf("%s: %w", call.Tool, cause)
		}
		return nil, fmt.Errorf("%s: %w: reference %s: %v", call.Tool, ErrBookingNotRecorded, rcpt.Reference, cause)
	}

	b, err := d.audit.LogBooking(ctx, domain.Booking{
		TripID:           st.TripID(),
		ApprovalID:       a.ID,
		Domain:           call.Domain,
		Provider:         rcpt.Provider,
		BookingReference: rcpt.Reference,
		Amount:           rcpt.Amount,
		Sandbox:          provider.IsSandbox(rcpt.Reference),
		Details:          rcpt.Details,
	})
	if err != nil {
		d.compensate(ctx, st, call, rcpt, err)
		return nil, fmt.Errorf("%s: %w: reference %s: %v", call.Tool, ErrBookingNotRecorded, rcpt.Reference, err)
	}
	if err := hold.Commit(*b); err != nil {
		// The row is stored; only the in-memory total missed it.
		return nil, fmt.Errorf("%s: %w: %v", call.Tool, ErrBookingNotRecorded, err)
	}
	return b, nil
}

// compensate tries to cancel a provider booking that will not be committed
// and records the outcome with the orphaned reference. It reports whether
// the provider confirmed the cancellation.
func (d *Dispatcher) compensate(ctx context.Context, st *tripstate.State, call GatedCall, rcpt *Receipt, cause error) bool {
	out := map[string]any{
		"error":              cause.Error(),
		"orphaned_reference": rcpt.Reference,
		"amount":             rcpt.Amount,
		"compensated":        false,
	}
	if call.Compensate != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
		defer cancel()
		if err := call.Compensate(cctx, rcpt.Reference); err != nil {
			out["compensation_error"] = err.Error()
		} else {
			out["compensated"] = true
		}
	}
	d.record(ctx, st, call.Agent, call.Tool, call.Input, domain.ToolCallError, out)

	ok := out["compensated"] == true
	lvl := slog.LevelWarn
	if !ok {
		lvl = slog.LevelError
	}
	d.logger.Log(ctx, lvl, "provider booking not committed",
		slog.String("trip_id", st.TripID().String()),
		slog.String("tool", call.Tool),
		slog.String("reference", rcpt.Reference),
		slog.Bool("compensated", ok),
		slog.String("error", cause.Error()),
	)
	return ok
}

func (d *Dispatcher) record(ctx context.Context, st *tripstate.State, agent, tool string, input map[string]any, status domain.ToolCallStatus, output any) {
	if _, err := d.audit.LogToolCall(ctx, domain.ToolCall{
		TripID:    st.TripID(),
		AgentName: agent,
		ToolName:  tool,
		Input:     input,
		Output:    output,
		Status:    status,
	}); err != nil {
		d.logger.ErrorContext(ctx, "tool call not logged",
			slog.String("trip_id", st.TripID().String()),
			slog.String("tool", tool),
			slog.String("error", err.Error()),
		)
	}
	d.publish(events.New(events.ToolCall, st.TripID(), map[string]any{
		"agent":  agent,
		"tool":   tool,
		"status": string(status),
	}))
}

func (d *Dispatcher) publish(ev events.Event) {
	if d.events != nil {
		d.events.Publish(ev)
	}
}

func toInput(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}
