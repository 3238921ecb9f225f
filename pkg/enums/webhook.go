package enums

import "fmt"

// WebhookEventType is the gateway's event name as delivered on the wire.
type WebhookEventType string

const (
	WebhookEventPaymentSuccessful WebhookEventType = "Payment.Successful"
	WebhookEventPaymentDeclined   WebhookEventType = "Payment.Declined"
	WebhookEventPaymentFailed     WebhookEventType = "Payment.Failed"
	WebhookEventCustomerUpdated   WebhookEventType = "Customer.Updated"
)

var knownWebhookEventTypes = []WebhookEventType{
	WebhookEventPaymentSuccessful,
	WebhookEventPaymentDeclined,
	WebhookEventPaymentFailed,
	WebhookEventCustomerUpdated,
}

// String implements fmt.Stringer.
func (t WebhookEventType) String() string {
	return string(t)
}

// IsKnown reports whether the engine dispatches this event type.
func (t WebhookEventType) IsKnown() bool {
	for _, candidate := range knownWebhookEventTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// WebhookResult records what processing a webhook delivery did.
type WebhookResult string

const (
	WebhookResultApplied          WebhookResult = "applied"
	WebhookResultDuplicate        WebhookResult = "duplicate"
	WebhookResultUnknownReference WebhookResult = "unknown_reference"
	WebhookResultUnsupported      WebhookResult = "unsupported"
	WebhookResultInvalid          WebhookResult = "invalid"
	WebhookResultTransientError   WebhookResult = "transient_error"
)

var validWebhookResults = []WebhookResult{
	WebhookResultApplied,
	WebhookResultDuplicate,
	WebhookResultUnknownReference,
	WebhookResultUnsupported,
	WebhookResultInvalid,
	WebhookResultTransientError,
}

// String implements fmt.Stringer.
func (r WebhookResult) String() string {
	return string(r)
}

// IsValid reports whether the value is a known WebhookResult.
func (r WebhookResult) IsValid() bool {
	for _, candidate := range validWebhookResults {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseWebhookResult converts raw input into a WebhookResult.
func ParseWebhookResult(value string) (WebhookResult, error) {
	for _, candidate := range validWebhookResults {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid webhook result %q", value)
}
