package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestBillingMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBillingMetrics(reg)
	m.IncFinalized("approved", "sync")
	m.IncFinalized("approved", "sync")
	m.IncWebhook("Payment.Successful", "duplicate")
	m.IncScheduleResult("")
	m.ObserveCycle(20 * time.Millisecond)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "billing_transactions_finalized_total", "outcome", "approved"); err != nil || got != 2 {
		t.Fatalf("expected finalized=2, got %f (%v)", got, err)
	}
	if got, err := fetchCounterValue(mfs, "billing_webhook_events_total", "result", "duplicate"); err != nil || got != 1 {
		t.Fatalf("expected duplicate webhook=1, got %f (%v)", got, err)
	}
	if got, err := fetchCounterValue(mfs, "billing_schedule_cycles_total", "result", "unknown"); err != nil || got != 1 {
		t.Fatalf("expected empty label to normalise to unknown, got %f (%v)", got, err)
	}
}

func TestBillingMetricsNilSafe(t *testing.T) {
	var m *BillingMetrics
	m.IncFinalized("approved", "sync")
	m.IncWebhook("x", "y")
	m.ObserveCycle(time.Second)
	NewBillingMetrics(nil).IncScheduleResult("approved")
}
