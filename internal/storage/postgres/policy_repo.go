package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/policy"
)

// PolicyRepository implements policy.Store.
type PolicyRepository struct {
	db *gorm.DB
}

// NewPolicyRepository creates a PolicyRepository.
func NewPolicyRepository(db *gorm.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// CreatePolicy inserts p and its rules in one transaction. The partial unique
// index on active policies backs up the explicit check against races.
func (r *PolicyRepository) CreatePolicy(ctx context.Context, p *domain.CorporatePolicy) error {
	model := toPolicyModel(p)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.IsActive {
			if err := ensureNoActive(tx, p.OrgID, uuid.Nil); err != nil {
				return err
			}
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return policy.ErrActivePolicyExists
		}
		if errors.Is(err, policy.ErrActivePolicyExists) {
			return err
		}
		return fmt.Errorf("creating policy: %w", err)
	}
	p.CreatedAt = model.CreatedAt
	p.UpdatedAt = model.UpdatedAt
	return nil
}

func (r *PolicyRepository) GetPolicy(ctx context.Context, id uuid.UUID) (*domain.CorporatePolicy, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *PolicyRepository) ActivePolicyForOrg(ctx context.Context, orgID string) (*domain.CorporatePolicy, error) {
	return r.first(r.db.WithContext(ctx).Where("org_id = ? AND is_active = ?", orgID, true))
}

func (r *PolicyRepository) ListPolicies(ctx context.Context, orgID string) ([]domain.CorporatePolicy, error) {
	q := r.db.WithContext(ctx).Preload("Rules", orderRules).Order("created_at DESC")
	if orgID != "" {
		q = q.Where("org_id = ?", orgID)
	}
	var models []PolicyModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing policies: %w", err)
	}
	out := make([]domain.CorporatePolicy, len(models))
	for i := range models {
		out[i] = *toPolicyDomain(&models[i])
	}
	return out, nil
}

// UpdatePolicy applies patch. Activating a policy fails with
// ErrActivePolicyExists while another policy of the same org is active.
func (r *PolicyRepository) UpdatePolicy(ctx context.Context, id uuid.UUID, patch policy.PolicyPatch) (*domain.CorporatePolicy, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model PolicyModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return policy.ErrPolicyNotFound
			}
			return err
		}

		updates := map[string]any{"updated_at": time.Now().UTC()}
		if patch.Name != nil {
			updates["name"] = *patch.Name
		}
		if patch.IsActive != nil {
			if *patch.IsActive && !model.IsActive {
				if err := ensureNoActive(tx, model.OrgID, model.ID); err != nil {
					return err
				}
			}
			updates["is_active"] = *patch.IsActive
		}
		return tx.Model(&PolicyModel{}).Where("id = ?", id).Updates(updates).Error
	})
	switch {
	case err == nil:
	case errors.Is(err, policy.ErrPolicyNotFound), errors.Is(err, policy.ErrActivePolicyExists):
		return nil, err
	case isUniqueViolation(err):
		return nil, policy.ErrActivePolicyExists
	default:
		return nil, fmt.Errorf("updating policy: %w", err)
	}
	return r.GetPolicy(ctx, id)
}

func (r *PolicyRepository) UpdateRule(ctx context.Context, policyID, ruleID uuid.UUID, patch policy.RulePatch) (*domain.PolicyRule, error) {
	var model RuleModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model, "id = ? AND policy_id = ?", ruleID, policyID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return policy.ErrRuleNotFound
			}
			return err
		}

		updates := map[string]any{}
		if patch.IsEnabled != nil {
			updates["is_enabled"] = *patch.IsEnabled
			model.IsEnabled = *patch.IsEnabled
		}
		if len(patch.Value) > 0 {
			updates["value"] = JSONB(patch.Value)
			model.Value = JSONB(patch.Value)
		}
		if patch.Severity != nil {
			updates["severity"] = string(*patch.Severity)
			model.Severity = string(*patch.Severity)
		}
		if patch.Message != nil {
			updates["message"] = *patch.Message
			model.Message = *patch.Message
		}
		if len(updates) == 0 {
			return nil
		}
		if err := tx.Model(&RuleModel{}).Where("id = ?", ruleID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Model(&PolicyModel{}).Where("id = ?", policyID).Update("updated_at", time.Now().UTC()).Error
	})
	if err != nil {
		if errors.Is(err, policy.ErrRuleNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("updating rule: %w", err)
	}
	rule := toRuleDomain(&model)
	return &rule, nil
}

func (r *PolicyRepository) first(q *gorm.DB) (*domain.CorporatePolicy, error) {
	var model PolicyModel
	if err := q.Preload("Rules", orderRules).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, policy.ErrPolicyNotFound
		}
		return nil, fmt.Errorf("getting policy: %w", err)
	}
	return toPolicyDomain(&model), nil
}

func orderRules(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

// ensureNoActive returns ErrActivePolicyExists if orgID has an active policy
// other than except.
func ensureNoActive(tx *gorm.DB, orgID string, except uuid.UUID) error {
	var count int64
	if err := tx.Model(&PolicyModel{}).
		Where("org_id = ? AND is_active = ? AND id <> ?", orgID, true, except).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return policy.ErrActivePolicyExists
	}
	return nil
}

// isUniqueViolation detects unique-constraint errors from both backends.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ policy.Store = (*PolicyRepository)(nil)
