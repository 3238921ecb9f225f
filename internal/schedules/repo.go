package schedules

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/recurring-billing/pkg/db/models"
	"github.com/angelmondragon/recurring-billing/pkg/enums"
)

// Repository persists recurring schedules. State changes go through
// UpdateState, a compare-and-set on version; claims use their own columns
// and never bump the version.
type Repository interface {
	Create(ctx context.Context, schedule *models.RecurringSchedule) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.RecurringSchedule, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.RecurringSchedule, error)
	Claim(ctx context.Context, id uuid.UUID, owner string, until, now time.Time) (int64, error)
	Release(ctx context.Context, id uuid.UUID, owner string) (int64, error)
	UpdateState(ctx context.Context, schedule *models.RecurringSchedule, expectedVersion int64) (int64, error)
}

const dueClause = "(status = ? OR pending_transaction_id IS NOT NULL) AND next_billing_date <= ?"

type repository struct {
	db *gorm.DB
}

// NewRepository binds a schedule repository to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, schedule *models.RecurringSchedule) error {
	return r.db.WithContext(ctx).Create(schedule).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.RecurringSchedule, error) {
	var schedule models.RecurringSchedule
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&schedule).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &schedule, nil
}

// ListDue returns schedules whose billing date has passed and that no worker
// currently holds, oldest due first. Paused and cancelled schedules are listed
// only while a current-cycle transaction is still in flight.
func (r *repository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.RecurringSchedule, error) {
	var rows []models.RecurringSchedule
	err := r.db.WithContext(ctx).
		Where(dueClause, enums.ScheduleStatusActive, now).
		Where("(claimed_until IS NULL OR claimed_until < ?)", now).
		Order("next_billing_date ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Claim takes exclusive ownership of a due schedule until the given time.
// Zero rows means another worker holds it or it is no longer due.
func (r *repository) Claim(ctx context.Context, id uuid.UUID, owner string, until, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.RecurringSchedule{}).
		Where("id = ?", id).
		Where(dueClause, enums.ScheduleStatusActive, now).
		Where("(claimed_until IS NULL OR claimed_until < ?)", now).
		UpdateColumns(map[string]any{"claimed_until": until, "claim_owner": owner})
	return res.RowsAffected, res.Error
}

func (r *repository) Release(ctx context.Context, id uuid.UUID, owner string) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.RecurringSchedule{}).
		Where("id = ? AND claim_owner = ?", id, owner).
		UpdateColumns(map[string]any{"claimed_until": nil, "claim_owner": nil})
	return res.RowsAffected, res.Error
}

func (r *repository) UpdateState(ctx context.Context, s *models.RecurringSchedule, expectedVersion int64) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.RecurringSchedule{}).
		Where("id = ? AND version = ?", s.ID, expectedVersion).
		UpdateColumns(map[string]any{
			"status":                 s.Status,
			"cycle_date":             s.CycleDate,
			"next_billing_date":      s.NextBillingDate,
			"failed_attempt_count":   s.FailedAttemptCount,
			"last_processed_at":      s.LastProcessedAt,
			"last_transaction_id":    s.LastTransactionID,
			"pending_transaction_id": s.PendingTransactionID,
			"last_failure_reason":    s.LastFailureReason,
			"cancelled_at":           s.CancelledAt,
			"version":                expectedVersion + 1,
			"updated_at":             time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}
