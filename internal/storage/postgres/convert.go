package postgres

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/jkaninda/tripgate/internal/domain"
)

// --- Trip ---

func toTripModel(t *domain.Trip) TripModel {
	return TripModel{
		ID:          t.ID,
		Goal:        t.Goal,
		OrgID:       t.OrgID,
		UserID:      t.UserID,
		PolicyID:    t.PolicyID,
		TotalBudget: t.TotalBudget,
		Status:      string(t.Status),
		TotalSpent:  t.TotalSpent,
		Summary:     t.Summary,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func toTripDomain(m *TripModel) *domain.Trip {
	return &domain.Trip{
		ID:          m.ID,
		Goal:        m.Goal,
		OrgID:       m.OrgID,
		UserID:      m.UserID,
		PolicyID:    m.PolicyID,
		TotalBudget: m.TotalBudget,
		Status:      domain.TripStatus(m.Status),
		TotalSpent:  m.TotalSpent,
		Summary:     m.Summary,
		Error:       m.Error,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

// --- Policy ---

func toPolicyModel(p *domain.CorporatePolicy) PolicyModel {
	rules := make([]RuleModel, len(p.Rules))
	for i, r := range p.Rules {
		rules[i] = toRuleModel(p.ID, r, i)
	}
	return PolicyModel{
		ID:        p.ID,
		OrgID:     p.OrgID,
		Name:      p.Name,
		IsActive:  p.IsActive,
		CreatedBy: p.CreatedBy,
		Rules:     rules,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func toPolicyDomain(m *PolicyModel) *domain.CorporatePolicy {
	rules := make([]domain.PolicyRule, len(m.Rules))
	for i := range m.Rules {
		rules[i] = toRuleDomain(&m.Rules[i])
	}
	return &domain.CorporatePolicy{
		ID:        m.ID,
		OrgID:     m.OrgID,
		Name:      m.Name,
		IsActive:  m.IsActive,
		CreatedBy: m.CreatedBy,
		Rules:     rules,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func toRuleModel(policyID uuid.UUID, r domain.PolicyRule, pos int) RuleModel {
	value := JSONB(r.Value)
	if len(value) == 0 {
		value = JSONB("{}")
	}
	return RuleModel{
		ID:          r.ID,
		PolicyID:    policyID,
		BookingType: string(r.BookingType),
		RuleKey:     r.RuleKey,
		Operator:    r.Operator,
		Value:       value,
		Severity:    string(r.Severity),
		Message:     r.Message,
		IsEnabled:   r.IsEnabled,
		Position:    pos,
	}
}

func toRuleDomain(m *RuleModel) domain.PolicyRule {
	return domain.PolicyRule{
		ID:          m.ID,
		PolicyID:    m.PolicyID,
		BookingType: domain.Domain(m.BookingType),
		RuleKey:     m.RuleKey,
		Operator:    m.Operator,
		Value:       json.RawMessage(m.Value),
		Severity:    domain.Severity(m.Severity),
		Message:     m.Message,
		IsEnabled:   m.IsEnabled,
	}
}

// --- Violation ---

func toViolationModel(v *domain.PolicyViolation) ViolationModel {
	return ViolationModel{
		ID:          v.ID,
		PolicyID:    v.PolicyID,
		RuleID:      v.RuleID,
		RuleKey:     v.RuleKey,
		TripID:      v.TripID,
		ApprovalID:  v.ApprovalID,
		BookingType: string(v.BookingType),
		Action:      v.Action,
		Severity:    string(v.Severity),
		ActualValue: JSONB(v.ActualValue),
		RuleValue:   JSONB(v.RuleValue),
		Outcome:     string(v.Outcome),
		Message:     v.Message,
		RecordedAt:  v.RecordedAt,
	}
}

func toViolationDomain(m *ViolationModel) domain.PolicyViolation {
	return domain.PolicyViolation{
		ID:          m.ID,
		PolicyID:    m.PolicyID,
		RuleID:      m.RuleID,
		RuleKey:     m.RuleKey,
		TripID:      m.TripID,
		ApprovalID:  m.ApprovalID,
		BookingType: domain.Domain(m.BookingType),
		Action:      m.Action,
		Severity:    domain.Severity(m.Severity),
		ActualValue: json.RawMessage(m.ActualValue),
		RuleValue:   json.RawMessage(m.RuleValue),
		Outcome:     domain.ViolationOutcome(m.Outcome),
		Message:     m.Message,
		RecordedAt:  m.RecordedAt,
	}
}

// --- Approval ---

func toApprovalModel(a *domain.HumanApproval) ApprovalModel {
	return ApprovalModel{
		ID:               a.ID,
		TripID:           a.TripID,
		Domain:           string(a.Domain),
		Action:           a.Action,
		ToolName:         a.ToolName,
		Arguments:        marshalJSONB(a.Arguments),
		PolicyViolations: marshalJSONB(a.PolicyViolations),
		Status:           string(a.Status),
		DecidedBy:        a.DecidedBy,
		CreatedAt:        a.CreatedAt,
		DecidedAt:        a.DecidedAt,
	}
}

func toApprovalDomain(m *ApprovalModel) *domain.HumanApproval {
	a := &domain.HumanApproval{
		ID:        m.ID,
		TripID:    m.TripID,
		Domain:    domain.Domain(m.Domain),
		Action:    m.Action,
		ToolName:  m.ToolName,
		Status:    domain.ApprovalStatus(m.Status),
		DecidedBy: m.DecidedBy,
		CreatedAt: m.CreatedAt,
		DecidedAt: m.DecidedAt,
	}
	unmarshalJSONB(m.Arguments, &a.Arguments)
	unmarshalJSONB(m.PolicyViolations, &a.PolicyViolations)
	return a
}

// --- Audit ---

func toBookingModel(b *domain.Booking) BookingModel {
	return BookingModel{
		ID:               b.ID,
		TripID:           b.TripID,
		ApprovalID:       b.ApprovalID,
		Domain:           string(b.Domain),
		Provider:         b.Provider,
		BookingReference: b.BookingReference,
		Amount:           b.Amount,
		Sandbox:          b.Sandbox,
		Details:          marshalJSONB(b.Details),
		CreatedAt:        b.CreatedAt,
	}
}

func toBookingDomain(m *BookingModel) domain.Booking {
	b := domain.Booking{
		ID:               m.ID,
		TripID:           m.TripID,
		ApprovalID:       m.ApprovalID,
		Domain:           domain.Domain(m.Domain),
		Provider:         m.Provider,
		BookingReference: m.BookingReference,
		Amount:           m.Amount,
		Sandbox:          m.Sandbox,
		CreatedAt:        m.CreatedAt,
	}
	unmarshalJSONB(m.Details, &b.Details)
	return b
}

func toToolCallModel(tc *domain.ToolCall) ToolCallModel {
	return ToolCallModel{
		ID:        tc.ID,
		TripID:    tc.TripID,
		AgentName: tc.AgentName,
		ToolName:  tc.ToolName,
		Input:     marshalJSONB(tc.Input),
		Output:    marshalJSONB(tc.Output),
		Status:    string(tc.Status),
		CreatedAt: tc.CreatedAt,
	}
}

func toToolCallDomain(m *ToolCallModel) domain.ToolCall {
	tc := domain.ToolCall{
		ID:        m.ID,
		TripID:    m.TripID,
		AgentName: m.AgentName,
		ToolName:  m.ToolName,
		Status:    domain.ToolCallStatus(m.Status),
		CreatedAt: m.CreatedAt,
	}
	unmarshalJSONB(m.Input, &tc.Input)
	unmarshalJSONB(m.Output, &tc.Output)
	return tc
}

// --- JSON helpers ---

func marshalJSONB(v any) JSONB {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return nil
	}
	return JSONB(data)
}

func unmarshalJSONB(j JSONB, out any) {
	if len(j) == 0 {
		return
	}
	_ = json.Unmarshal(j, out)
}
