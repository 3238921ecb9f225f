package enums

import "testing"

func TestTransactionStatusTerminal(t *testing.T) {
	if TransactionStatusPending.IsTerminal() {
		t.Fatalf("pending must not be terminal")
	}
	for _, s := range []TransactionStatus{TransactionStatusApproved, TransactionStatusDeclined, TransactionStatusFailed} {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
}

func TestParseHelpers(t *testing.T) {
	if _, err := ParseCadence("fortnightly"); err == nil {
		t.Fatalf("expected unknown cadence to fail")
	}
	if c, err := ParseCadence("quarterly"); err != nil || c != CadenceQuarterly {
		t.Fatalf("unexpected cadence parse result %q %v", c, err)
	}
	if s, err := ParseScheduleStatus("paused"); err != nil || s != ScheduleStatusPaused {
		t.Fatalf("unexpected status parse result %q %v", s, err)
	}
	if _, err := ParseTransactionStatus("settled"); err == nil {
		t.Fatalf("expected unknown transaction status to fail")
	}
}

func TestWebhookEventTypeKnown(t *testing.T) {
	if !WebhookEventPaymentDeclined.IsKnown() {
		t.Fatalf("declined events are dispatched")
	}
	if WebhookEventType("Refund.Created").IsKnown() {
		t.Fatalf("refund events are not dispatched")
	}
}
