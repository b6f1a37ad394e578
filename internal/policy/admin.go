package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/tripgate/internal/domain"
)

// CreateRequest describes a new policy and its rules. It is also the shape
// of a YAML policy document.
type CreateRequest struct {
	OrgID     string     `json:"org_id" yaml:"org_id"`
	Name      string     `json:"name" yaml:"name"`
	IsActive  *bool      `json:"is_active,omitempty" yaml:"is_active,omitempty"` // Default: true.
	CreatedBy string     `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	Rules     []RuleSpec `json:"rules" yaml:"rules"`
}

// RuleSpec describes one rule in a CreateRequest.
type RuleSpec struct {
	BookingType domain.Domain   `json:"booking_type" yaml:"booking_type"`
	RuleKey     string          `json:"rule_key" yaml:"rule_key"`
	Operator    string          `json:"operator,omitempty" yaml:"operator,omitempty"` // Derived from the rule key when empty.
	Value       map[string]any  `json:"value" yaml:"value"`
	Severity    domain.Severity `json:"severity" yaml:"severity"`
	Message     string          `json:"message" yaml:"message"`
	IsEnabled   *bool           `json:"is_enabled,omitempty" yaml:"is_enabled,omitempty"` // Default: true.
}

var defaultOperators = map[string]string{
	RuleMaxFlightCost:             "lte",
	RuleAllowedCabinClasses:       "in",
	RuleRequireAdvanceBookingDays: "gte",
	RuleMaxFlightDurationHours:    "lte",
	RuleMaxHotelCostPerNight:      "lte",
	RuleMaxHotelStayTotal:         "lte",
	RuleMaxHotelStarRating:        "lte",
	RulePreferredVendorsOnly:      "in",
	RuleMaxTotalTripSpend:         "lte",
}

// Admin is the policy administration surface.
type Admin struct {
	store  Store
	logger *slog.Logger
}

// NewAdmin creates an Admin over store.
func NewAdmin(store Store, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Admin{store: store, logger: logger}
}

// Create validates req and persists the policy. Only one active policy per
// org is allowed.
func (a *Admin) Create(ctx context.Context, req CreateRequest) (*domain.CorporatePolicy, error) {
	p, err := req.toPolicy()
	if err != nil {
		return nil, err
	}
	if err := a.store.CreatePolicy(ctx, p); err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "policy created",
		slog.String("policy_id", p.ID.String()),
		slog.String("org_id", p.OrgID),
		slog.Bool("active", p.IsActive),
		slog.Int("rules", len(p.Rules)),
	)
	return p, nil
}

// Get returns a policy with its rules, active or not.
func (a *Admin) Get(ctx context.Context, id uuid.UUID) (*domain.CorporatePolicy, error) {
	return a.store.GetPolicy(ctx, id)
}

// List returns policies, optionally filtered by org.
func (a *Admin) List(ctx context.Context, orgID string) ([]domain.CorporatePolicy, error) {
	return a.store.ListPolicies(ctx, orgID)
}

// Update renames or (de)activates a policy.
func (a *Admin) Update(ctx context.Context, id uuid.UUID, patch PolicyPatch) (*domain.CorporatePolicy, error) {
	if patch.Name != nil && *patch.Name == "" {
		return nil, fmt.Errorf("%w: name must not be empty", ErrInvalidRule)
	}
	p, err := a.store.UpdatePolicy(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "policy updated",
		slog.String("policy_id", id.String()),
		slog.Bool("active", p.IsActive),
	)
	return p, nil
}

// Deactivate soft-deletes a policy. Recorded violations are unaffected.
func (a *Admin) Deactivate(ctx context.Context, id uuid.UUID) error {
	inactive := false
	_, err := a.Update(ctx, id, PolicyPatch{IsActive: &inactive})
	return err
}

// UpdateRule patches a single rule.
func (a *Admin) UpdateRule(ctx context.Context, policyID, ruleID uuid.UUID, patch RulePatch) (*domain.PolicyRule, error) {
	if patch.Severity != nil && !validSeverity(*patch.Severity) {
		return nil, fmt.Errorf("%w: severity %q", ErrInvalidRule, *patch.Severity)
	}
	if len(patch.Value) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(patch.Value, &obj); err != nil {
			return nil, fmt.Errorf("%w: value must be a JSON object", ErrInvalidRule)
		}
	}
	r, err := a.store.UpdateRule(ctx, policyID, ruleID, patch)
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "policy rule updated",
		slog.String("policy_id", policyID.String()),
		slog.String("rule_id", ruleID.String()),
		slog.String("rule_key", r.RuleKey),
	)
	return r, nil
}

// ParseDocuments decodes one or more YAML policy documents separated by
// "---".
func ParseDocuments(data []byte) ([]CreateRequest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []CreateRequest
	for {
		var req CreateRequest
		err := dec.Decode(&req)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing policy document %d: %w", len(out)+1, err)
		}
		out = append(out, req)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no policy documents found", ErrInvalidRule)
	}
	return out, nil
}

func (req CreateRequest) toPolicy() (*domain.CorporatePolicy, error) {
	if req.OrgID == "" {
		return nil, fmt.Errorf("%w: org_id is required", ErrInvalidRule)
	}
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRule)
	}

	now := time.Now().UTC()
	p := &domain.CorporatePolicy{
		ID:        uuid.New(),
		OrgID:     req.OrgID,
		Name:      req.Name,
		IsActive:  req.IsActive == nil || *req.IsActive,
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.CreatedBy == "" {
		p.CreatedBy = "system"
	}

	for i, rs := range req.Rules {
		rule, err := rs.toRule(p.ID)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		p.Rules = append(p.Rules, rule)
	}
	return p, nil
}

func (rs RuleSpec) toRule(policyID uuid.UUID) (domain.PolicyRule, error) {
	if !KnownRule(rs.RuleKey) {
		return domain.PolicyRule{}, fmt.Errorf("%w: unknown rule_key %q", ErrInvalidRule, rs.RuleKey)
	}
	if !validSeverity(rs.Severity) {
		return domain.PolicyRule{}, fmt.Errorf("%w: severity %q (use hard or soft)", ErrInvalidRule, rs.Severity)
	}
	bookingType := rs.BookingType
	if bookingType == "" {
		bookingType = ruleScopes[rs.RuleKey]
	}
	if bookingType != domain.DomainAny && !bookingType.Valid() {
		return domain.PolicyRule{}, fmt.Errorf("%w: booking_type %q", ErrInvalidRule, rs.BookingType)
	}
	op := rs.Operator
	if op == "" {
		op = defaultOperators[rs.RuleKey]
	}
	switch op {
	case "lte", "gte", "in", "not_in":
	default:
		return domain.PolicyRule{}, fmt.Errorf("%w: operator %q", ErrInvalidRule, op)
	}
	value := rs.Value
	if value == nil {
		value = map[string]any{}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return domain.PolicyRule{}, fmt.Errorf("%w: value: %v", ErrInvalidRule, err)
	}
	msg := rs.Message
	if msg == "" {
		msg = fmt.Sprintf("%s violated", rs.RuleKey)
	}
	return domain.PolicyRule{
		ID:          uuid.New(),
		PolicyID:    policyID,
		BookingType: bookingType,
		RuleKey:     rs.RuleKey,
		Operator:    op,
		Value:       raw,
		Severity:    rs.Severity,
		Message:     msg,
		IsEnabled:   rs.IsEnabled == nil || *rs.IsEnabled,
	}, nil
}

func validSeverity(s domain.Severity) bool {
	return s == domain.SeverityHard || s == domain.SeveritySoft
}
