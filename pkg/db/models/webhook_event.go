package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/recurring-billing/pkg/enums"
)

// WebhookEvent stores one inbound gateway delivery. RawPayload is kept as
// text so malformed bodies are still retained for audit.
type WebhookEvent struct {
	ID                   uuid.UUID            `gorm:"type:uuid;primaryKey" json:"id"`
	EventType            string               `gorm:"column:event_type;not null" json:"event_type"`
	GatewayTransactionID *string              `gorm:"column:gateway_transaction_id;index" json:"gateway_transaction_id,omitempty"`
	CustomerToken        *string              `gorm:"column:customer_token" json:"-"`
	DedupKey             string               `gorm:"column:dedup_key;not null;index" json:"dedup_key"`
	RawPayload           string               `gorm:"column:raw_payload;type:text;not null" json:"-"`
	SourceIP             *string              `gorm:"column:source_ip" json:"source_ip,omitempty"`
	Headers              json.RawMessage      `gorm:"column:headers;type:jsonb" json:"-"`
	ReceivedAt           time.Time            `gorm:"column:received_at;not null" json:"received_at"`
	Processed            bool                 `gorm:"column:processed;not null;index" json:"processed"`
	ProcessingAttempts   int                  `gorm:"column:processing_attempts;not null" json:"processing_attempts"`
	ProcessingError      *string              `gorm:"column:processing_error" json:"processing_error,omitempty"`
	Result               *enums.WebhookResult `gorm:"column:result;type:text" json:"result,omitempty"`
	NextRetryAt          *time.Time           `gorm:"column:next_retry_at;index" json:"next_retry_at,omitempty"`
	ProcessedAt          *time.Time           `gorm:"column:processed_at" json:"processed_at,omitempty"`
	CreatedAt            time.Time            `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (e *WebhookEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	return nil
}
