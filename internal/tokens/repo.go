package tokens

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/recurring-billing/pkg/db/models"
)

// Repository persists customer tokens. Rows are deactivated, never deleted.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, token *models.CustomerToken) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.CustomerToken, error)
	FindByGatewayToken(ctx context.Context, gatewayToken string) (*models.CustomerToken, error)
	FindActive(ctx context.Context, accountID uuid.UUID, purpose string) (*models.CustomerToken, error)
	DeactivateActive(ctx context.Context, accountID uuid.UUID, purpose string, at time.Time) (int64, error)
	Deactivate(ctx context.Context, id uuid.UUID, at time.Time) (int64, error)
	UpdateMaskedMeta(ctx context.Context, id uuid.UUID, updates map[string]any) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a token repository bound to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, token *models.CustomerToken) error {
	return r.db.WithContext(ctx).Create(token).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.CustomerToken, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *repository) FindByGatewayToken(ctx context.Context, gatewayToken string) (*models.CustomerToken, error) {
	return r.first(r.db.WithContext(ctx).Where("gateway_token = ?", gatewayToken))
}

func (r *repository) FindActive(ctx context.Context, accountID uuid.UUID, purpose string) (*models.CustomerToken, error) {
	return r.first(r.db.WithContext(ctx).
		Where("account_id = ? AND purpose = ? AND active = ?", accountID, purpose, true).
		Order("created_at DESC"))
}

func (r *repository) DeactivateActive(ctx context.Context, accountID uuid.UUID, purpose string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.CustomerToken{}).
		Where("account_id = ? AND purpose = ? AND active = ?", accountID, purpose, true).
		Updates(map[string]any{"active": false, "deactivated_at": at})
	return res.RowsAffected, res.Error
}

func (r *repository) Deactivate(ctx context.Context, id uuid.UUID, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.CustomerToken{}).
		Where("id = ? AND active = ?", id, true).
		Updates(map[string]any{"active": false, "deactivated_at": at})
	return res.RowsAffected, res.Error
}

func (r *repository) UpdateMaskedMeta(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&models.CustomerToken{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repository) first(q *gorm.DB) (*models.CustomerToken, error) {
	var token models.CustomerToken
	if err := q.First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &token, nil
}
