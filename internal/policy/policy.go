// Package policy evaluates proposed bookings against an organization's
// corporate travel policy.
//
// Hard violations block an action before it reaches the approval gate.
// Soft violations are carried to the approver as context. Every violation is
// appended to the audit trail before Evaluate returns.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tripgate/internal/audit"
	"github.com/jkaninda/tripgate/internal/domain"
)

var (
	ErrPolicyNotFound     = errors.New("policy not found or inactive")
	ErrActivePolicyExists = errors.New("an active policy already exists for this org")
	ErrRuleNotFound       = errors.New("policy rule not found")
	ErrInvalidRule        = errors.New("invalid policy rule")
)

// Store is the persistence contract for policies and their rules.
type Store interface {
	// CreatePolicy inserts p with its rules. Returns ErrActivePolicyExists
	// if p is active and the org already has an active policy.
	CreatePolicy(ctx context.Context, p *domain.CorporatePolicy) error
	// GetPolicy returns the policy with all rules, or ErrPolicyNotFound.
	GetPolicy(ctx context.Context, id uuid.UUID) (*domain.CorporatePolicy, error)
	// ActivePolicyForOrg returns the org's active policy, or ErrPolicyNotFound.
	ActivePolicyForOrg(ctx context.Context, orgID string) (*domain.CorporatePolicy, error)
	// ListPolicies returns policies newest first, optionally filtered by org.
	ListPolicies(ctx context.Context, orgID string) ([]domain.CorporatePolicy, error)
	UpdatePolicy(ctx context.Context, id uuid.UUID, patch PolicyPatch) (*domain.CorporatePolicy, error)
	UpdateRule(ctx context.Context, policyID, ruleID uuid.UUID, patch RulePatch) (*domain.PolicyRule, error)
}

// PolicyPatch is a partial policy update. Nil fields are left unchanged.
type PolicyPatch struct {
	Name     *string `json:"name,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
}

// RulePatch is a partial rule update. Nil fields are left unchanged.
type RulePatch struct {
	IsEnabled *bool            `json:"is_enabled,omitempty"`
	Value     json.RawMessage  `json:"value,omitempty"`
	Severity  *domain.Severity `json:"severity,omitempty"`
	Message   *string          `json:"message,omitempty"`
}

// Result is the outcome of evaluating one proposed action.
type Result struct {
	Hard []domain.PolicyViolation
	Soft []domain.PolicyViolation
}

// Blocked reports whether any hard violation was found.
func (r *Result) Blocked() bool { return r != nil && len(r.Hard) > 0 }

// Compliant reports whether no rule fired.
func (r *Result) Compliant() bool { return r == nil || len(r.Hard)+len(r.Soft) == 0 }

// HardMessage joins the hard violation messages.
func (r *Result) HardMessage() string {
	msgs := make([]string, 0, len(r.Hard))
	for _, v := range r.Hard {
		msgs = append(msgs, v.Message)
	}
	return strings.Join(msgs, "; ")
}

// Summaries converts soft violations to approval context.
func (r *Result) Summaries() []domain.ViolationSummary {
	if r == nil {
		return nil
	}
	out := make([]domain.ViolationSummary, 0, len(r.Soft))
	for _, v := range r.Soft {
		out = append(out, domain.ViolationSummary{
			ViolationID: v.ID,
			RuleKey:     v.RuleKey,
			Message:     v.Message,
			ActualValue: v.ActualValue,
			RuleValue:   v.RuleValue,
		})
	}
	return out
}

// Engine evaluates actions and records violations.
type Engine struct {
	store      Store
	violations audit.ViolationStore
	auditLog   *audit.Logger
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for advance-booking checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAuditLog enables a policy_evaluation summary tool call per evaluation.
func WithAuditLog(l *audit.Logger) Option {
	return func(e *Engine) { e.auditLog = l }
}

// NewEngine creates a policy engine.
func NewEngine(store Store, violations audit.ViolationStore, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		store:      store,
		violations: violations,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load returns the policy with its rules. Missing or inactive policies
// return ErrPolicyNotFound.
func (e *Engine) Load(ctx context.Context, policyID uuid.UUID) (*domain.CorporatePolicy, error) {
	p, err := e.store.GetPolicy(ctx, policyID)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			return nil, fmt.Errorf("policy %s: %w", policyID, ErrPolicyNotFound)
		}
		return nil, fmt.Errorf("loading policy %s: %w", policyID, err)
	}
	if !p.IsActive {
		return nil, fmt.Errorf("policy %s is inactive: %w", policyID, ErrPolicyNotFound)
	}
	return p, nil
}

// Evaluate runs every enabled rule of p that applies to d against action.
// Each violation is appended (blocked if hard, flagged_pending if soft)
// before the result is returned. A nil policy yields a compliant result.
// Absent inputs never cause an error; only storage failures do.
func (e *Engine) Evaluate(ctx context.Context, p *domain.CorporatePolicy, tripID uuid.UUID, d domain.Domain, action ProposedAction) (*Result, error) {
	res := &Result{}
	if p == nil {
		return res, nil
	}

	now := e.now().UTC()
	var rows []domain.PolicyViolation
	for _, rule := range p.Rules {
		if !applies(rule, d) {
			continue
		}
		actual, violated := evaluateRule(rule, action, now)
		if !violated {
			continue
		}
		v := e.newViolation(p, rule, tripID, d, action.Action, actual, now)
		if rule.Severity == domain.SeverityHard {
			v.Outcome = domain.OutcomeBlocked
			res.Hard = append(res.Hard, v)
		} else {
			v.Outcome = domain.OutcomeFlaggedPending
			res.Soft = append(res.Soft, v)
		}
		rows = append(rows, v)
	}

	if len(rows) > 0 {
		if err := e.violations.InsertViolations(ctx, rows); err != nil {
			return nil, fmt.Errorf("recording policy violations: %w", err)
		}
	}

	e.observe(ctx, tripID, d, action, res)
	return res, nil
}

// RecordOutcome appends follow-up rows for soft violations once the
// approval they were attached to is decided. Original rows are untouched.
func (e *Engine) RecordOutcome(ctx context.Context, soft []domain.PolicyViolation, approvalID uuid.UUID, outcome domain.ViolationOutcome) error {
	if len(soft) == 0 {
		return nil
	}
	now := e.now().UTC()
	rows := make([]domain.PolicyViolation, len(soft))
	for i, v := range soft {
		v.ID = uuid.New()
		id := approvalID
		v.ApprovalID = &id
		v.Outcome = outcome
		v.RecordedAt = now
		rows[i] = v
	}
	if err := e.violations.InsertViolations(ctx, rows); err != nil {
		return fmt.Errorf("recording %s violations: %w", outcome, err)
	}
	return nil
}

func (e *Engine) newViolation(p *domain.CorporatePolicy, rule domain.PolicyRule, tripID uuid.UUID, d domain.Domain, action string, actual map[string]any, now time.Time) domain.PolicyViolation {
	actualJSON, _ := json.Marshal(actual)
	ruleValue := rule.Value
	if len(ruleValue) == 0 {
		ruleValue = json.RawMessage("{}")
	}
	return domain.PolicyViolation{
		ID:          uuid.New(),
		PolicyID:    p.ID,
		RuleID:      rule.ID,
		RuleKey:     rule.RuleKey,
		TripID:      tripID,
		BookingType: d,
		Action:      action,
		Severity:    rule.Severity,
		ActualValue: actualJSON,
		RuleValue:   ruleValue,
		Message:     rule.Message,
		RecordedAt:  now,
	}
}

func (e *Engine) observe(ctx context.Context, tripID uuid.UUID, d domain.Domain, action ProposedAction, res *Result) {
	outcome := "compliant"
	switch {
	case res.Blocked():
		outcome = "blocked"
	case len(res.Soft) > 0:
		outcome = "flagged"
	}

	if e.metrics != nil {
		e.metrics.EvaluationsTotal.WithLabelValues(string(d), outcome).Inc()
		for _, vs := range [][]domain.PolicyViolation{res.Hard, res.Soft} {
			for _, v := range vs {
				e.metrics.ViolationsTotal.WithLabelValues(v.RuleKey, string(v.Severity)).Inc()
			}
		}
	}

	e.logger.InfoContext(ctx, "policy evaluated",
		slog.String("trip_id", tripID.String()),
		slog.String("domain", string(d)),
		slog.String("action", action.Action),
		slog.String("outcome", outcome),
		slog.Int("hard", len(res.Hard)),
		slog.Int("soft", len(res.Soft)),
	)

	if e.auditLog == nil {
		return
	}
	summary := map[string]any{
		"outcome":         outcome,
		"hard_violations": ruleKeys(res.Hard),
		"soft_violations": ruleKeys(res.Soft),
	}
	status := domain.ToolCallSuccess
	if res.Blocked() {
		status = domain.ToolCallPolicyBlocked
	}
	if _, err := e.auditLog.LogToolCall(ctx, domain.ToolCall{
		TripID:    tripID,
		AgentName: "PolicyEngine",
		ToolName:  "policy_evaluation",
		Input:     map[string]any{"domain": string(d), "action": action.Action},
		Output:    summary,
		Status:    status,
	}); err != nil {
		e.logger.WarnContext(ctx, "policy evaluation summary not logged", slog.String("error", err.Error()))
	}
}

func ruleKeys(vs []domain.PolicyViolation) []string {
	keys := make([]string, len(vs))
	for i, v := range vs {
		keys[i] = v.RuleKey
	}
	return keys
}
