package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/tripgate/internal/audit"
	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/orchestrator"
)

// TripRepository implements orchestrator.TripStore.
type TripRepository struct {
	db *gorm.DB
}

// NewTripRepository creates a TripRepository.
func NewTripRepository(db *gorm.DB) *TripRepository {
	return &TripRepository{db: db}
}

func (r *TripRepository) CreateTrip(ctx context.Context, t *domain.Trip) error {
	model := toTripModel(t)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating trip: %w", err)
	}
	t.CreatedAt = model.CreatedAt
	t.UpdatedAt = model.UpdatedAt
	return nil
}

func (r *TripRepository) GetTrip(ctx context.Context, id uuid.UUID) (*domain.Trip, error) {
	var model TripModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, audit.ErrTripNotFound
		}
		return nil, fmt.Errorf("getting trip: %w", err)
	}
	return toTripDomain(&model), nil
}

func (r *TripRepository) ListTrips(ctx context.Context, f orchestrator.TripFilter) ([]domain.Trip, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if f.OrgID != "" {
		q = q.Where("org_id = ?", f.OrgID)
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var models []TripModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing trips: %w", err)
	}
	out := make([]domain.Trip, len(models))
	for i := range models {
		out[i] = *toTripDomain(&models[i])
	}
	return out, nil
}

// UpdateTrip writes only the fields set in u. total_spent is never touched
// here so it cannot race with the booking transaction.
func (r *TripRepository) UpdateTrip(ctx context.Context, id uuid.UUID, u orchestrator.TripUpdate) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if u.Status != nil {
		updates["status"] = string(*u.Status)
	}
	if u.PolicyID != nil {
		updates["policy_id"] = *u.PolicyID
	}
	if u.Summary != nil {
		updates["summary"] = *u.Summary
	}
	if u.Error != nil {
		updates["error"] = *u.Error
	}

	q := r.db.WithContext(ctx).Model(&TripModel{}).Where("id = ?", id)
	if u.Status != nil {
		q = q.Where("status NOT IN ?", terminalStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating trip: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if u.Status == nil {
		return audit.ErrTripNotFound
	}
	var count int64
	if err := r.db.WithContext(ctx).Model(&TripModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("updating trip: %w", err)
	}
	if count == 0 {
		return audit.ErrTripNotFound
	}
	return orchestrator.ErrTripFinished
}

// terminalStatuses are never left once reached.
var terminalStatuses = []string{string(domain.TripCompleted), string(domain.TripFailed)}

var _ orchestrator.TripStore = (*TripRepository)(nil)
