package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/recurring-billing/pkg/db/models"
	"github.com/angelmondragon/recurring-billing/pkg/enums"
	"github.com/angelmondragon/recurring-billing/pkg/pagination"
)

// Repository persists transactions. Every status change is a conditional
// update on status = 'pending'; callers inspect RowsAffected.
type Repository interface {
	Create(ctx context.Context, txn *models.Transaction) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	FindByGatewayTransactionID(ctx context.Context, gatewayID string) (*models.Transaction, error)
	FinalizePending(ctx context.Context, id uuid.UUID, update finalizeUpdate) (int64, error)
	RecordSubmission(ctx context.Context, id uuid.UUID, gatewayID *string, at time.Time) (int64, error)
	IncrementRetry(ctx context.Context, id uuid.UUID) (int64, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.Transaction, error)
}

type finalizeUpdate struct {
	Status          enums.TransactionStatus
	GatewayID       *string
	ResponseCode    *string
	ResponseMessage *string
	FraudScore      *string
	RawResponse     json.RawMessage
	ProcessedAt     time.Time
}

type repository struct {
	db *gorm.DB
}

// NewRepository binds a transaction repository to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, txn *models.Transaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *repository) FindByGatewayTransactionID(ctx context.Context, gatewayID string) (*models.Transaction, error) {
	return r.first(r.db.WithContext(ctx).Where("gateway_transaction_id = ?", gatewayID))
}

func (r *repository) FinalizePending(ctx context.Context, id uuid.UUID, update finalizeUpdate) (int64, error) {
	values := map[string]any{
		"status":                 update.Status,
		"gateway_transaction_id": gorm.Expr("COALESCE(gateway_transaction_id, ?)", nullable(update.GatewayID)),
		"processed_at":           update.ProcessedAt,
		"updated_at":             update.ProcessedAt,
	}
	if update.ResponseCode != nil {
		values["response_code"] = *update.ResponseCode
	}
	if update.ResponseMessage != nil {
		values["response_message"] = *update.ResponseMessage
	}
	if update.FraudScore != nil {
		values["fraud_score"] = *update.FraudScore
	}
	if len(update.RawResponse) > 0 {
		values["raw_response"] = update.RawResponse
	}
	res := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND status = ?", id, enums.TransactionStatusPending).
		Updates(values)
	return res.RowsAffected, res.Error
}

func (r *repository) RecordSubmission(ctx context.Context, id uuid.UUID, gatewayID *string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND status = ?", id, enums.TransactionStatusPending).
		Updates(map[string]any{
			"gateway_transaction_id": gorm.Expr("COALESCE(gateway_transaction_id, ?)", nullable(gatewayID)),
			"submitted_at":           gorm.Expr("COALESCE(submitted_at, ?)", at),
			"updated_at":             at,
		})
	return res.RowsAffected, res.Error
}

func (r *repository) IncrementRetry(ctx context.Context, id uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND status = ? AND retry_count < max_retries", id, enums.TransactionStatusPending).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1"))
	return res.RowsAffected, res.Error
}

// ListByAccount returns up to limit+1 rows so the caller can detect a next page.
func (r *repository) ListByAccount(ctx context.Context, accountID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.Transaction, error) {
	q := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(pagination.LimitWithBuffer(limit))
	if cursor != nil {
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var rows []models.Transaction
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) first(q *gorm.DB) (*models.Transaction, error) {
	var txn models.Transaction
	if err := q.First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

// nullable turns a nil pointer into an untyped SQL NULL for COALESCE.
func nullable(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
