package webhooks

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/angelmondragon/recurring-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
)

// Event is one parsed gateway notification. The set of implementations is closed.
type Event interface {
	Type() enums.WebhookEventType
	// DedupKey identifies deliveries that must only take effect once.
	DedupKey() string
	isEvent()
}

// PaymentSuccess reports an approved charge.
type PaymentSuccess struct {
	GatewayTransactionID string
	Reference            string
	ResponseCode         string
	ResponseMessage      string
	FraudScore           string
}

// PaymentFailure reports a declined or failed charge.
type PaymentFailure struct {
	EventType            enums.WebhookEventType
	GatewayTransactionID string
	Reference            string
	ResponseCode         string
	ResponseMessage      string
	FraudScore           string
}

// CustomerUpdated carries refreshed masked card data for a stored token.
type CustomerUpdated struct {
	CustomerToken string
	Brand         string
	Last4         string
	ExpMonth      int
	ExpYear       int
	digest        string
}

// Unrecognized is any well-formed event the engine does not handle.
type Unrecognized struct {
	EventType string
	digest    string
}

func (PaymentSuccess) Type() enums.WebhookEventType { return enums.WebhookEventPaymentSuccessful }
func (e PaymentFailure) Type() enums.WebhookEventType { return e.EventType }
func (CustomerUpdated) Type() enums.WebhookEventType { return enums.WebhookEventCustomerUpdated }
func (e Unrecognized) Type() enums.WebhookEventType { return enums.WebhookEventType(e.EventType) }

func (e PaymentSuccess) DedupKey() string {
	return paymentKey(e.Type(), e.GatewayTransactionID, e.Reference)
}

func (e PaymentFailure) DedupKey() string {
	return paymentKey(e.Type(), e.GatewayTransactionID, e.Reference)
}

// Customer updates for one token may legitimately repeat with new data, so
// only byte-identical payloads share a key.
func (e CustomerUpdated) DedupKey() string {
	return string(e.Type()) + ":" + e.CustomerToken + ":" + e.digest
}

func (e Unrecognized) DedupKey() string {
	return e.EventType + ":" + e.digest
}

func (PaymentSuccess) isEvent()  {}
func (PaymentFailure) isEvent()  {}
func (CustomerUpdated) isEvent() {}
func (Unrecognized) isEvent()    {}

func paymentKey(t enums.WebhookEventType, gatewayID, reference string) string {
	if gatewayID != "" {
		return string(t) + ":" + gatewayID
	}
	return string(t) + ":ref:" + reference
}

type payload struct {
	EventType       string `json:"eventType"`
	TransactionID   string `json:"transactionId"`
	Reference       string `json:"reference"`
	CustomerToken   string `json:"customerToken"`
	ResponseCode    string `json:"responseCode"`
	ResponseMessage string `json:"responseMessage"`
	FraudScore      string `json:"fraudScore"`
	Card            *struct {
		Brand    string `json:"brand"`
		Last4    string `json:"last4"`
		ExpMonth int    `json:"expMonth"`
		ExpYear  int    `json:"expYear"`
	} `json:"card"`
}

// Parse turns a raw delivery into an Event. Malformed bodies and supported
// events missing the fields they are resolved by return a validation error.
func Parse(raw []byte) (Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "empty webhook payload")
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed webhook payload")
	}
	p.EventType = strings.TrimSpace(p.EventType)
	p.TransactionID = strings.TrimSpace(p.TransactionID)
	p.Reference = strings.TrimSpace(p.Reference)
	if p.EventType == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "webhook event type missing")
	}

	switch t := enums.WebhookEventType(p.EventType); t {
	case enums.WebhookEventPaymentSuccessful, enums.WebhookEventPaymentDeclined, enums.WebhookEventPaymentFailed:
		if p.TransactionID == "" && p.Reference == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment event has neither transaction id nor reference")
		}
		if t == enums.WebhookEventPaymentSuccessful {
			return PaymentSuccess{
				GatewayTransactionID: p.TransactionID,
				Reference:            p.Reference,
				ResponseCode:         p.ResponseCode,
				ResponseMessage:      p.ResponseMessage,
				FraudScore:           p.FraudScore,
			}, nil
		}
		return PaymentFailure{
			EventType:            t,
			GatewayTransactionID: p.TransactionID,
			Reference:            p.Reference,
			ResponseCode:         p.ResponseCode,
			ResponseMessage:      p.ResponseMessage,
			FraudScore:           p.FraudScore,
		}, nil
	case enums.WebhookEventCustomerUpdated:
		token := strings.TrimSpace(p.CustomerToken)
		if token == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer event has no customer token")
		}
		ev := CustomerUpdated{CustomerToken: token, digest: digest(raw)}
		if p.Card != nil {
			ev.Brand = p.Card.Brand
			ev.Last4 = p.Card.Last4
			ev.ExpMonth = p.Card.ExpMonth
			ev.ExpYear = p.Card.ExpYear
		}
		return ev, nil
	default:
		return Unrecognized{EventType: p.EventType, digest: digest(raw)}, nil
	}
}

func digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// Status maps a payment event to the transaction outcome it reports.
func (e PaymentFailure) Status() enums.TransactionStatus {
	if e.EventType == enums.WebhookEventPaymentDeclined {
		return enums.TransactionStatusDeclined
	}
	return enums.TransactionStatusFailed
}
