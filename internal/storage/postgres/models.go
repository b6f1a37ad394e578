package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TripModel maps to the "trips" table.
type TripModel struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Goal        string     `gorm:"not null"`
	OrgID       string     `gorm:"index"`
	UserID      string     `gorm:"index"`
	PolicyID    *uuid.UUID `gorm:"type:uuid"`
	TotalBudget *float64   `gorm:"type:numeric(14,2)"`
	Status      string     `gorm:"not null;index"`
	TotalSpent  float64    `gorm:"type:numeric(14,2);not null;default:0"`
	Summary     string
	Error       string
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

func (TripModel) TableName() string { return "trips" }

// PolicyModel maps to the "corporate_policies" table. The partial unique
// index on (org_id) WHERE is_active is created in ensureIndexes.
type PolicyModel struct {
	ID        uuid.UUID   `gorm:"type:uuid;primaryKey"`
	OrgID     string      `gorm:"not null;index"`
	Name      string      `gorm:"not null"`
	IsActive  bool        `gorm:"not null;default:true"`
	CreatedBy string      `gorm:"not null"`
	Rules     []RuleModel `gorm:"foreignKey:PolicyID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PolicyModel) TableName() string { return "corporate_policies" }

// RuleModel maps to the "policy_rules" table.
type RuleModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	PolicyID    uuid.UUID `gorm:"type:uuid;not null;index"`
	BookingType string    `gorm:"not null"`
	RuleKey     string    `gorm:"not null"`
	Operator    string    `gorm:"not null"`
	Value       JSONB     `gorm:"type:jsonb;not null"`
	Severity    string    `gorm:"not null"`
	Message     string    `gorm:"not null"`
	IsEnabled   bool      `gorm:"not null;default:true"`
	Position    int       `gorm:"not null;default:0"`
}

func (RuleModel) TableName() string { return "policy_rules" }

// ViolationModel maps to the "policy_violations" table.
// No UpdatedAt: rows are append-only.
type ViolationModel struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	PolicyID    uuid.UUID  `gorm:"type:uuid;not null"`
	RuleID      uuid.UUID  `gorm:"type:uuid;not null"`
	RuleKey     string     `gorm:"not null"`
	TripID      uuid.UUID  `gorm:"type:uuid;not null;index"`
	ApprovalID  *uuid.UUID `gorm:"type:uuid;index"`
	BookingType string     `gorm:"not null"`
	Action      string
	Severity    string `gorm:"not null"`
	ActualValue JSONB  `gorm:"type:jsonb"`
	RuleValue   JSONB  `gorm:"type:jsonb"`
	Outcome     string `gorm:"not null"`
	Message     string
	RecordedAt  time.Time `gorm:"index"`
}

func (ViolationModel) TableName() string { return "policy_violations" }

// ApprovalModel maps to the "human_approvals" table.
type ApprovalModel struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	TripID           uuid.UUID `gorm:"type:uuid;not null;index"`
	Domain           string    `gorm:"not null"`
	Action           string    `gorm:"not null"`
	ToolName         string    `gorm:"not null"`
	Arguments        JSONB     `gorm:"type:jsonb"`
	PolicyViolations JSONB     `gorm:"type:jsonb"`
	Status           string    `gorm:"not null;index"`
	DecidedBy        string
	CreatedAt        time.Time `gorm:"index"`
	DecidedAt        *time.Time
}

func (ApprovalModel) TableName() string { return "human_approvals" }

// BookingModel maps to the "bookings" table.
// No UpdatedAt: rows are append-only.
type BookingModel struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	TripID           uuid.UUID `gorm:"type:uuid;not null;index"`
	ApprovalID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	Domain           string    `gorm:"not null"`
	Provider         string    `gorm:"not null"`
	BookingReference string    `gorm:"not null"`
	Amount           float64   `gorm:"type:numeric(14,2);not null"`
	Sandbox          bool      `gorm:"not null;default:false"`
	Details          JSONB     `gorm:"type:jsonb"`
	CreatedAt        time.Time `gorm:"index"`
}

func (BookingModel) TableName() string { return "bookings" }

// ToolCallModel maps to the "tool_calls" table.
// No UpdatedAt: rows are append-only.
type ToolCallModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TripID    uuid.UUID `gorm:"type:uuid;not null;index"`
	AgentName string    `gorm:"not null"`
	ToolName  string    `gorm:"not null"`
	Input     JSONB     `gorm:"type:jsonb"`
	Output    JSONB     `gorm:"type:jsonb"`
	Status    string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"index"`
}

func (ToolCallModel) TableName() string { return "tool_calls" }

// JSONB is a json.RawMessage that implements the driver.Valuer and sql.Scanner interfaces
// for GORM JSONB columns.
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return errors.New("JSONB: unsupported scan source")
	}
	return nil
}
