package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/recurring-billing/pkg/enums"
)

// RecurringSchedule charges a fixed amount at a fixed cadence.
//
// CycleDate is the scheduled date of the occurrence currently being billed.
// NextBillingDate equals CycleDate unless a failed attempt pushed it to a
// retry time; approvals always advance from CycleDate.
type RecurringSchedule struct {
	ID                   uuid.UUID            `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID            uuid.UUID            `gorm:"column:account_id;type:uuid;not null;index" json:"account_id"`
	CustomerTokenID      uuid.UUID            `gorm:"column:customer_token_id;type:uuid;not null" json:"customer_token_id"`
	Amount               decimal.Decimal      `gorm:"column:amount;type:numeric(12,2);not null" json:"amount"`
	Currency             string               `gorm:"column:currency;not null" json:"currency"`
	Cadence              enums.Cadence        `gorm:"column:cadence;type:text;not null" json:"cadence"`
	StartDate            time.Time            `gorm:"column:start_date;not null" json:"start_date"`
	CycleDate            time.Time            `gorm:"column:cycle_date;not null" json:"cycle_date"`
	NextBillingDate      time.Time            `gorm:"column:next_billing_date;not null;index:idx_recurring_schedules_due,priority:2" json:"next_billing_date"`
	EndDate              *time.Time           `gorm:"column:end_date" json:"end_date,omitempty"`
	Status               enums.ScheduleStatus `gorm:"column:status;type:text;not null;index:idx_recurring_schedules_due,priority:1" json:"status"`
	FailedAttemptCount   int                  `gorm:"column:failed_attempt_count;not null" json:"failed_attempt_count"`
	MaxFailedAttempts    int                  `gorm:"column:max_failed_attempts;not null" json:"max_failed_attempts"`
	LastProcessedAt      *time.Time           `gorm:"column:last_processed_at" json:"last_processed_at,omitempty"`
	LastTransactionID    *uuid.UUID           `gorm:"column:last_transaction_id;type:uuid" json:"last_transaction_id,omitempty"`
	PendingTransactionID *uuid.UUID           `gorm:"column:pending_transaction_id;type:uuid" json:"pending_transaction_id,omitempty"`
	LastFailureReason    *string              `gorm:"column:last_failure_reason" json:"last_failure_reason,omitempty"`
	ClaimedUntil         *time.Time           `gorm:"column:claimed_until" json:"-"`
	ClaimOwner           *string              `gorm:"column:claim_owner" json:"-"`
	CancelledAt          *time.Time           `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`
	Version              int64                `gorm:"column:version;not null" json:"version"`
	CreatedAt            time.Time            `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time            `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (s *RecurringSchedule) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = enums.ScheduleStatusActive
	}
	return nil
}
