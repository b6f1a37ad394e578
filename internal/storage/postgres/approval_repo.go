package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/tripgate/internal/approval"
	"github.com/jkaninda/tripgate/internal/domain"
)

// ApprovalRepository implements approval.Store.
type ApprovalRepository struct {
	db *gorm.DB
}

// NewApprovalRepository creates an ApprovalRepository.
func NewApprovalRepository(db *gorm.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

func (r *ApprovalRepository) CreateApproval(ctx context.Context, a *domain.HumanApproval) error {
	model := toApprovalModel(a)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating approval: %w", err)
	}
	return nil
}

func (r *ApprovalRepository) GetApproval(ctx context.Context, id uuid.UUID) (*domain.HumanApproval, error) {
	return r.get(r.db.WithContext(ctx), id)
}

func (r *ApprovalRepository) ListApprovals(ctx context.Context, tripID *uuid.UUID) ([]domain.HumanApproval, error) {
	q := r.db.WithContext(ctx).Order("created_at ASC")
	if tripID != nil {
		q = q.Where("trip_id = ?", *tripID)
	}
	return r.find(q)
}

// DecideApproval uses a conditional update on status = pending, so two
// concurrent deciders cannot both win.
func (r *ApprovalRepository) DecideApproval(ctx context.Context, id uuid.UUID, status domain.ApprovalStatus, decidedBy string, at time.Time) (*domain.HumanApproval, error) {
	var out *domain.HumanApproval
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ApprovalModel{}).
			Where("id = ? AND status = ?", id, string(domain.ApprovalPending)).
			Updates(map[string]any{
				"status":     string(status),
				"decided_by": decidedBy,
				"decided_at": at.UTC(),
			})
		if res.Error != nil {
			return res.Error
		}

		a, err := r.get(tx, id)
		if err != nil {
			return err
		}
		out = a
		if res.RowsAffected == 0 {
			return approval.ErrAlreadyDecided
		}
		return nil
	})
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, approval.ErrAlreadyDecided):
		return out, err
	case errors.Is(err, approval.ErrNotFound):
		return nil, err
	default:
		return nil, fmt.Errorf("deciding approval: %w", err)
	}
}

func (r *ApprovalRepository) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]domain.HumanApproval, error) {
	return r.find(r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(domain.ApprovalPending), cutoff.UTC()).
		Order("created_at ASC"))
}

func (r *ApprovalRepository) FindRejected(ctx context.Context, tripID uuid.UUID, d domain.Domain, action string) (*domain.HumanApproval, error) {
	var model ApprovalModel
	err := r.db.WithContext(ctx).
		Where("trip_id = ? AND domain = ? AND action = ? AND status = ?", tripID, string(d), action, string(domain.ApprovalRejected)).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, approval.ErrNotFound
		}
		return nil, fmt.Errorf("finding rejected approval: %w", err)
	}
	return toApprovalDomain(&model), nil
}

func (r *ApprovalRepository) get(db *gorm.DB, id uuid.UUID) (*domain.HumanApproval, error) {
	var model ApprovalModel
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, approval.ErrNotFound
		}
		return nil, fmt.Errorf("getting approval: %w", err)
	}
	return toApprovalDomain(&model), nil
}

func (r *ApprovalRepository) find(q *gorm.DB) ([]domain.HumanApproval, error) {
	var models []ApprovalModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing approvals: %w", err)
	}
	out := make([]domain.HumanApproval, len(models))
	for i := range models {
		out[i] = *toApprovalDomain(&models[i])
	}
	return out, nil
}

var _ approval.Store = (*ApprovalRepository)(nil)
