// Package domain defines cross-cutting entity types used across the system.
// Types here are ORM-free; persistence mapping lives in storage/postgres.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Domain identifies a travel booking domain.
type Domain string

const (
	DomainFlight    Domain = "flight"
	DomainHotel     Domain = "hotel"
	DomainTransport Domain = "transport"
	DomainActivity  Domain = "activity"
	// DomainAny is only valid as a rule scope.
	DomainAny Domain = "any"
)

// BookingDomains lists the bookable domains in scheduling order.
var BookingDomains = []Domain{DomainFlight, DomainHotel, DomainTransport, DomainActivity}

// Valid reports whether d is a bookable domain.
func (d Domain) Valid() bool {
	switch d {
	case DomainFlight, DomainHotel, DomainTransport, DomainActivity:
		return true
	}
	return false
}

// TripStatus is the lifecycle state of a Trip.
type TripStatus string

const (
	TripPending   TripStatus = "pending"
	TripRunning   TripStatus = "running"
	TripCompleted TripStatus = "completed"
	TripFailed    TripStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripFailed
}

// Trip is one end-to-end booking goal and its lifecycle.
type Trip struct {
	ID          uuid.UUID  `json:"id"`
	Goal        string     `json:"goal"`
	OrgID       string     `json:"org_id,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	PolicyID    *uuid.UUID `json:"policy_id,omitempty"`
	TotalBudget *float64   `json:"total_budget,omitempty"`
	Status      TripStatus `json:"status"`
	TotalSpent  float64    `json:"total_spent"`
	Summary     string     `json:"summary,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ExtractedParams is the typed projection of a plan into per-domain fields.
// Produced once by decomposition and never mutated afterwards.
type ExtractedParams struct {
	DepartureCity    string  `json:"departure_city,omitempty"`
	DepartureAirport string  `json:"departure_airport,omitempty"`
	ArrivalCity      string  `json:"arrival_city,omitempty"`
	ArrivalAirport   string  `json:"arrival_airport,omitempty"`
	DestinationCity  string  `json:"destination_city,omitempty"`
	DepartureDate    string  `json:"departure_date,omitempty"` // YYYY-MM-DD
	ReturnDate       string  `json:"return_date,omitempty"`
	CheckInDate      string  `json:"check_in_date,omitempty"`
	CheckOutDate     string  `json:"check_out_date,omitempty"`
	NumTravelers     int     `json:"num_travelers,omitempty"`
	CabinClass       string  `json:"cabin_class,omitempty"`
	BudgetCeiling    float64 `json:"budget_ceiling,omitempty"`
	PreferredVendor  string  `json:"preferred_vendor,omitempty"`
}

// Travelers returns the traveler count, defaulting to one.
func (p ExtractedParams) Travelers() int {
	if p.NumTravelers > 0 {
		return p.NumTravelers
	}
	return 1
}

// Destination returns the best-known destination city.
func (p ExtractedParams) Destination() string {
	switch {
	case p.DestinationCity != "":
		return p.DestinationCity
	case p.ArrivalCity != "":
		return p.ArrivalCity
	default:
		return p.ArrivalAirport
	}
}

// PlanTask is one sub-task in a decomposed plan.
type PlanTask struct {
	Domain Domain `json:"domain"`
	Goal   string `json:"goal"`
}

// TripPlan is the structured output of goal decomposition.
type TripPlan struct {
	Tasks    []PlanTask      `json:"tasks"`
	Required []Domain        `json:"required"`
	Optional []Domain        `json:"optional"`
	Params   ExtractedParams `json:"params"`
}

// IsOptional reports whether the plan marks d optional. Required wins
// when a domain appears in both lists.
func (p *TripPlan) IsOptional(d Domain) bool {
	for _, r := range p.Required {
		if r == d {
			return false
		}
	}
	for _, o := range p.Optional {
		if o == d {
			return true
		}
	}
	return false
}

// Task returns the plan task for d, if present.
func (p *TripPlan) Task(d Domain) (PlanTask, bool) {
	for _, t := range p.Tasks {
		if t.Domain == d {
			return t, true
		}
	}
	return PlanTask{}, false
}

// SubTaskStatus is the terminal outcome of a domain sub-task.
type SubTaskStatus string

const (
	SubTaskSuccess SubTaskStatus = "success"
	SubTaskFailed  SubTaskStatus = "failed"
	SubTaskSkipped SubTaskStatus = "skipped"
)

// SubTaskResult records the outcome of one domain sub-task.
type SubTaskResult struct {
	Domain   Domain        `json:"domain"`
	Goal     string        `json:"goal"`
	Status   SubTaskStatus `json:"status"`
	Optional bool          `json:"optional"`
	Attempts int           `json:"attempts"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// TripSummary is the input to synthesis.
type TripSummary struct {
	TripID     uuid.UUID       `json:"trip_id"`
	Goal       string          `json:"goal"`
	Params     ExtractedParams `json:"params"`
	Results    []SubTaskResult `json:"sub_results"`
	Bookings   []Booking       `json:"bookings"`
	TotalSpent float64         `json:"total_spent"`
}

// --- Policy ---

// Severity classifies a policy rule.
type Severity string

const (
	SeverityHard Severity = "hard"
	SeveritySoft Severity = "soft"
)

// CorporatePolicy is an organization's booking policy.
type CorporatePolicy struct {
	ID        uuid.UUID    `json:"id"`
	OrgID     string       `json:"org_id"`
	Name      string       `json:"name"`
	IsActive  bool         `json:"is_active"`
	CreatedBy string       `json:"created_by"`
	Rules     []PolicyRule `json:"rules"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// PolicyRule is a single rule within a policy.
type PolicyRule struct {
	ID          uuid.UUID       `json:"id"`
	PolicyID    uuid.UUID       `json:"policy_id"`
	BookingType Domain          `json:"booking_type"`
	RuleKey     string          `json:"rule_key"`
	Operator    string          `json:"operator"`
	Value       json.RawMessage `json:"value"`
	Severity    Severity        `json:"severity"`
	Message     string          `json:"message"`
	IsEnabled   bool            `json:"is_enabled"`
}

// ViolationOutcome is the recorded state of a policy violation row.
type ViolationOutcome string

const (
	OutcomeBlocked         ViolationOutcome = "blocked"
	OutcomeFlaggedPending  ViolationOutcome = "flagged_pending"
	OutcomeFlaggedApproved ViolationOutcome = "flagged_approved"
	OutcomeFlaggedRejected ViolationOutcome = "flagged_rejected"
)

// PolicyViolation is an append-only record of one rule firing.
type PolicyViolation struct {
	ID          uuid.UUID        `json:"id"`
	PolicyID    uuid.UUID        `json:"policy_id"`
	RuleID      uuid.UUID        `json:"rule_id"`
	RuleKey     string           `json:"rule_key"`
	TripID      uuid.UUID        `json:"trip_id"`
	ApprovalID  *uuid.UUID       `json:"approval_id,omitempty"`
	BookingType Domain           `json:"booking_type"`
	Action      string           `json:"action"`
	Severity    Severity         `json:"severity"`
	ActualValue json.RawMessage  `json:"actual_value"`
	RuleValue   json.RawMessage  `json:"rule_value"`
	Outcome     ViolationOutcome `json:"outcome"`
	Message     string           `json:"message"`
	RecordedAt  time.Time        `json:"recorded_at"`
}

// --- Approval ---

// ApprovalStatus is the decision state of a HumanApproval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ViolationSummary is the soft-violation context snapshotted onto an approval.
type ViolationSummary struct {
	ViolationID uuid.UUID `json:"violation_id"`
	RuleKey     string    `json:"rule_key"`
	Message     string    `json:"message"`
	ActualValue any       `json:"actual_value,omitempty"`
	RuleValue   any       `json:"rule_value,omitempty"`
}

// HumanApproval is the record a human decides on before a gated call.
type HumanApproval struct {
	ID               uuid.UUID          `json:"id"`
	TripID           uuid.UUID          `json:"trip_id"`
	Domain           Domain             `json:"domain"`
	Action           string             `json:"action"`
	ToolName         string             `json:"tool_name"`
	Arguments        map[string]any     `json:"arguments"`
	PolicyViolations []ViolationSummary `json:"policy_violations,omitempty"`
	Status           ApprovalStatus     `json:"status"`
	DecidedBy        string             `json:"decided_by,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	DecidedAt        *time.Time         `json:"decided_at,omitempty"`
}

// --- Audit ---

// Booking is an append-only record of a committed provider booking.
type Booking struct {
	ID               uuid.UUID      `json:"id"`
	TripID           uuid.UUID      `json:"trip_id"`
	ApprovalID       uuid.UUID      `json:"approval_id"`
	Domain           Domain         `json:"domain"`
	Provider         string         `json:"provider"`
	BookingReference string         `json:"booking_reference"`
	Amount           float64        `json:"amount"`
	Sandbox          bool           `json:"sandbox"`
	Details          map[string]any `json:"details,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// ToolCallStatus is the result status of a tool invocation.
type ToolCallStatus string

const (
	ToolCallSuccess          ToolCallStatus = "success"
	ToolCallError            ToolCallStatus = "error"
	ToolCallPolicyBlocked    ToolCallStatus = "policy_blocked"
	ToolCallApprovalRejected ToolCallStatus = "approval_rejected"
)

// ToolCall is an append-only audit row for one tool invocation.
type ToolCall struct {
	ID        uuid.UUID      `json:"id"`
	TripID    uuid.UUID      `json:"trip_id"`
	AgentName string         `json:"agent_name"`
	ToolName  string         `json:"tool_name"`
	Input     map[string]any `json:"input,omitempty"`
	Output    any            `json:"output,omitempty"`
	Status    ToolCallStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}
