package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics tracks charge, schedule and webhook outcomes.
type BillingMetrics struct {
	finalized     *prometheus.CounterVec
	schedules     *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
	cycleDuration prometheus.Histogram
}

// NewBillingMetrics registers the billing collectors on reg. A nil registerer
// yields a no-op recorder.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	finalized := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_transactions_finalized_total",
		Help: "Transactions moved out of pending, by outcome and source.",
	}, []string{"outcome", "source"})
	schedules := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_schedule_cycles_total",
		Help: "Per-schedule results of due-cycle processing.",
	}, []string{"result"})
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_events_total",
		Help: "Webhook deliveries by event type and processing result.",
	}, []string{"event_type", "result"})
	cycleDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "billing_due_cycle_duration_seconds",
		Help:    "Duration of a full due-cycle run.",
		Buckets: prometheus.DefBuckets,
	})
	reg.MustRegister(finalized, schedules, webhooks, cycleDuration)
	return &BillingMetrics{
		finalized:     finalized,
		schedules:     schedules,
		webhooks:      webhooks,
		cycleDuration: cycleDuration,
	}
}

func (m *BillingMetrics) IncFinalized(outcome, source string) {
	if m == nil || m.finalized == nil {
		return
	}
	m.finalized.WithLabelValues(normalizeLabel(outcome), normalizeLabel(source)).Inc()
}

func (m *BillingMetrics) IncScheduleResult(result string) {
	if m == nil || m.schedules == nil {
		return
	}
	m.schedules.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *BillingMetrics) IncWebhook(eventType, result string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(normalizeLabel(eventType), normalizeLabel(result)).Inc()
}

func (m *BillingMetrics) ObserveCycle(duration time.Duration) {
	if m == nil || m.cycleDuration == nil {
		return
	}
	m.cycleDuration.Observe(duration.Seconds())
}
