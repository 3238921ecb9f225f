package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/recurring-billing/pkg/enums"
)

// Transaction is one attempted charge. Status only moves out of pending once.
type Transaction struct {
	ID                   uuid.UUID               `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID            uuid.UUID               `gorm:"column:account_id;type:uuid;not null;index" json:"account_id"`
	ScheduleID           *uuid.UUID              `gorm:"column:schedule_id;type:uuid;index" json:"schedule_id,omitempty"`
	CustomerTokenID      uuid.UUID               `gorm:"column:customer_token_id;type:uuid;not null" json:"customer_token_id"`
	Amount               decimal.Decimal         `gorm:"column:amount;type:numeric(12,2);not null" json:"amount"`
	Currency             string                  `gorm:"column:currency;not null" json:"currency"`
	Type                 enums.TransactionType   `gorm:"column:type;type:text;not null" json:"type"`
	Status               enums.TransactionStatus `gorm:"column:status;type:text;not null;index" json:"status"`
	GatewayTransactionID *string                 `gorm:"column:gateway_transaction_id;uniqueIndex" json:"gateway_transaction_id,omitempty"`
	ResponseCode         *string                 `gorm:"column:response_code" json:"response_code,omitempty"`
	ResponseMessage      *string                 `gorm:"column:response_message" json:"response_message,omitempty"`
	RetryCount           int                     `gorm:"column:retry_count;not null" json:"retry_count"`
	MaxRetries           int                     `gorm:"column:max_retries;not null" json:"max_retries"`
	FraudScore           *string                 `gorm:"column:fraud_score" json:"fraud_score,omitempty"`
	SubmittedAt          *time.Time              `gorm:"column:submitted_at" json:"submitted_at,omitempty"`
	ProcessedAt          *time.Time              `gorm:"column:processed_at" json:"processed_at,omitempty"`
	RawResponse          json.RawMessage         `gorm:"column:raw_response;type:jsonb" json:"-"`
	CreatedAt            time.Time               `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time               `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (t *Transaction) BeforeCreate(*gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = enums.TransactionStatusPending
	}
	return nil
}

// AwaitingGateway reports a pending charge the gateway acknowledged without an outcome.
func (t *Transaction) AwaitingGateway() bool {
	return t != nil && t.Status == enums.TransactionStatusPending && t.SubmittedAt != nil
}
