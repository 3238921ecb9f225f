// Package gateway defines the payment gateway contract the billing engine
// charges through, and the Square implementation of it.
package gateway

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/recurring-billing/pkg/enums"
)

// ChargeRequest charges a stored payment method once.
//
// Reference is echoed back by the gateway on webhooks and lets an event be
// matched to its transaction before the gateway id is known. IdempotencyKey
// must be stable across retries of the same transaction.
type ChargeRequest struct {
	Token          string
	CustomerRef    string
	Amount         decimal.Decimal
	Currency       string
	Reference      string
	IdempotencyKey string
}

// Outcome is a terminal gateway answer for a charge.
type Outcome struct {
	Status               enums.TransactionStatus
	GatewayTransactionID string
	ResponseCode         string
	ResponseMessage      string
	FraudScore           *string
	Raw                  json.RawMessage
}

// ChargeResult is either Immediate (terminal outcome known now) or Pending
// (accepted, outcome arrives by webhook).
type ChargeResult struct {
	Immediate            *Outcome
	Pending              bool
	GatewayTransactionID string
	Raw                  json.RawMessage
}

// Client submits charges. Declines and other terminal gateway answers come
// back as an Immediate outcome; a retryable error leaves the charge pending.
type Client interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// MinorUnits converts a two-decimal amount into cents.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}
