package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCronJobMetricsRecordsRunsAndSkips(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCronJobMetrics(reg)
	m.ObserveRun("billing-cycle", 250*time.Millisecond, nil)
	m.ObserveRun("billing-cycle", time.Second, errors.New("gateway down"))
	m.ObserveRun("", time.Millisecond, nil)
	m.IncLockSkipped()
	m.IncLockSkipped()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "billing_cron_job_runs_total", "outcome", "failure"); err != nil || got != 1 {
		t.Fatalf("expected one failed run, got %v (%v)", got, err)
	}
	if got, err := fetchCounterValue(mfs, "billing_cron_job_runs_total", "job", "unknown"); err != nil || got != 1 {
		t.Fatalf("expected empty job name mapped to unknown, got %v (%v)", got, err)
	}
	if got, err := fetchHistogramSum(mfs, "billing_cron_job_duration_seconds", "job", "billing-cycle"); err != nil || got < 1.25 {
		t.Fatalf("expected duration sum >= 1.25s, got %v (%v)", got, err)
	}
	skipped := findMetricFamily(mfs, "billing_cron_lock_skipped_total")
	if skipped == nil || skipped.GetMetric()[0].GetCounter().GetValue() != 2 {
		t.Fatalf("expected two lock skips")
	}
}

func TestNilCronJobMetricsIsNoop(t *testing.T) {
	var m *CronJobMetrics
	m.ObserveRun("job", time.Second, nil)
	m.IncLockSkipped()
	NewCronJobMetrics(nil).ObserveRun("job", time.Second, nil)
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetHistogram().GetSampleSum(), nil
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}
