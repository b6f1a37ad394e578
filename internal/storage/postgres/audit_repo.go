package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/tripgate/internal/audit"
	"github.com/jkaninda/tripgate/internal/domain"
)

// AuditRepository implements audit.Store. All rows are append-only.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// --- Tool calls ---

func (r *AuditRepository) InsertToolCall(ctx context.Context, tc *domain.ToolCall) error {
	model := toToolCallModel(tc)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("inserting tool call: %w", err)
	}
	return nil
}

func (r *AuditRepository) ListToolCalls(ctx context.Context, tripID uuid.UUID) ([]domain.ToolCall, error) {
	var models []ToolCallModel
	if err := r.db.WithContext(ctx).
		Where("trip_id = ?", tripID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing tool calls: %w", err)
	}
	out := make([]domain.ToolCall, len(models))
	for i := range models {
		out[i] = toToolCallDomain(&models[i])
	}
	return out, nil
}

// --- Bookings ---

// InsertBooking writes the booking and increments trips.total_spent in one
// transaction. The trip row is locked first so concurrent bookings on the
// same trip serialize.
func (r *AuditRepository) InsertBooking(ctx context.Context, b *domain.Booking) error {
	model := toBookingModel(b)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&TripModel{}).Select("id").Where("id = ?", b.TripID)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var trip TripModel
		if err := q.First(&trip).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return audit.ErrTripNotFound
			}
			return err
		}

		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return tx.Model(&TripModel{}).
			Where("id = ?", b.TripID).
			Update("total_spent", gorm.Expr("total_spent + ?", b.Amount)).Error
	})
	if err != nil {
		if errors.Is(err, audit.ErrTripNotFound) {
			return err
		}
		return fmt.Errorf("inserting booking: %w", err)
	}
	return nil
}

func (r *AuditRepository) ListBookings(ctx context.Context, tripID uuid.UUID) ([]domain.Booking, error) {
	var models []BookingModel
	if err := r.db.WithContext(ctx).
		Where("trip_id = ?", tripID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing bookings: %w", err)
	}
	out := make([]domain.Booking, len(models))
	for i := range models {
		out[i] = toBookingDomain(&models[i])
	}
	return out, nil
}

// --- Violations ---

func (r *AuditRepository) InsertViolations(ctx context.Context, vs []domain.PolicyViolation) error {
	if len(vs) == 0 {
		return nil
	}
	models := make([]ViolationModel, len(vs))
	for i := range vs {
		models[i] = toViolationModel(&vs[i])
	}
	if err := r.db.WithContext(ctx).Create(&models).Error; err != nil {
		return fmt.Errorf("inserting violations: %w", err)
	}
	return nil
}

func (r *AuditRepository) ListViolations(ctx context.Context, tripID uuid.UUID) ([]domain.PolicyViolation, error) {
	var models []ViolationModel
	if err := r.db.WithContext(ctx).
		Where("trip_id = ?", tripID).
		Order("recorded_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing violations: %w", err)
	}
	out := make([]domain.PolicyViolation, len(models))
	for i := range models {
		out[i] = toViolationDomain(&models[i])
	}
	return out, nil
}

var _ audit.Store = (*AuditRepository)(nil)
