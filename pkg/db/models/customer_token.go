package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultTokenPurpose is used when a caller does not scope a token.
const DefaultTokenPurpose = "billing"

// CustomerToken is a gateway-issued stand-in for a stored payment method.
// Only masked card metadata is kept; raw card data never reaches this table.
type CustomerToken struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID         uuid.UUID  `gorm:"column:account_id;type:uuid;not null;index;uniqueIndex:ux_customer_tokens_active,where:active" json:"account_id"`
	Purpose           string     `gorm:"column:purpose;not null;uniqueIndex:ux_customer_tokens_active,where:active" json:"purpose"`
	GatewayToken      string     `gorm:"column:gateway_token;not null;uniqueIndex" json:"-"`
	GatewayCustomerID *string    `gorm:"column:gateway_customer_id" json:"gateway_customer_id,omitempty"`
	CardBrand         *string    `gorm:"column:card_brand" json:"card_brand,omitempty"`
	CardLast4         *string    `gorm:"column:card_last4" json:"card_last4,omitempty"`
	CardExpMonth      *int       `gorm:"column:card_exp_month" json:"card_exp_month,omitempty"`
	CardExpYear       *int       `gorm:"column:card_exp_year" json:"card_exp_year,omitempty"`
	Active            bool       `gorm:"column:active;not null" json:"active"`
	DeactivatedAt     *time.Time `gorm:"column:deactivated_at" json:"deactivated_at,omitempty"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (t *CustomerToken) BeforeCreate(*gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Purpose == "" {
		t.Purpose = DefaultTokenPurpose
	}
	return nil
}
