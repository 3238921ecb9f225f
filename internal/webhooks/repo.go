package webhooks

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/recurring-billing/pkg/db/models"
	"github.com/angelmondragon/recurring-billing/pkg/enums"
)

// Repository persists webhook deliveries. Rows are never deleted.
type Repository interface {
	Create(ctx context.Context, event *models.WebhookEvent) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error)
	// HasApplied reports whether another delivery with the same key already took effect.
	HasApplied(ctx context.Context, dedupKey string, excludeID uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, result enums.WebhookResult, processingErr *string, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, processingErr string, nextRetryAt *time.Time) error
	ResetAttempts(ctx context.Context, id uuid.UUID) error
	ListRetryDue(ctx context.Context, now time.Time, limit int) ([]models.WebhookEvent, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, event *models.WebhookEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *repository) HasApplied(ctx context.Context, dedupKey string, excludeID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("dedup_key = ? AND processed = ? AND result = ? AND id <> ?", dedupKey, true, enums.WebhookResultApplied, excludeID).
		Count(&count).Error
	return count > 0, err
}

func (r *repository) MarkProcessed(ctx context.Context, id uuid.UUID, result enums.WebhookResult, processingErr *string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"processed":           true,
			"result":              result,
			"processing_error":    processingErr,
			"processing_attempts": gorm.Expr("processing_attempts + 1"),
			"next_retry_at":       nil,
			"processed_at":        at,
		}).Error
}

func (r *repository) MarkFailed(ctx context.Context, id uuid.UUID, processingErr string, nextRetryAt *time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ? AND processed = ?", id, false).
		UpdateColumns(map[string]any{
			"result":              enums.WebhookResultTransientError,
			"processing_error":    processingErr,
			"processing_attempts": gorm.Expr("processing_attempts + 1"),
			"next_retry_at":       nextRetryAt,
		}).Error
}

func (r *repository) ResetAttempts(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"processed":           false,
			"result":              nil,
			"processing_error":    nil,
			"processing_attempts": 0,
			"next_retry_at":       nil,
			"processed_at":        nil,
		}).Error
}

func (r *repository) ListRetryDue(ctx context.Context, now time.Time, limit int) ([]models.WebhookEvent, error) {
	var rows []models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("processed = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", false, now).
		Order("next_retry_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
