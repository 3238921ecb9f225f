package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/recurring-billing/internal/scheduler"
	"github.com/angelmondragon/recurring-billing/internal/webhooks"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
)

type fakeCycleRunner struct {
	calls  int
	lastAt time.Time
	err    error
}

func (f *fakeCycleRunner) RunDueCycle(_ context.Context, now time.Time) (scheduler.CycleReport, error) {
	f.calls++
	f.lastAt = now
	return scheduler.CycleReport{Candidates: 2, Claimed: 2}, f.err
}

type fakeRetrier struct {
	limit int
	err   error
}

func (f *fakeRetrier) RetryDue(_ context.Context, _ time.Time, limit int) (webhooks.RetryReport, error) {
	f.limit = limit
	return webhooks.RetryReport{Attempted: 1, Deferred: 1}, f.err
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "cron-test"})
}

func TestBillingCycleJobUsesTickTime(t *testing.T) {
	runner := &fakeCycleRunner{}
	job, err := NewBillingCycleJob(BillingCycleJobParams{Logger: testLogger(), Scheduler: runner})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	tick := time.Date(2024, 2, 1, 0, 0, 30, 0, time.FixedZone("EST", -5*3600))
	job.(*billingCycleJob).now = func() time.Time { return tick }

	if job.Name() != "billing-cycle" {
		t.Fatalf("unexpected job name %s", job.Name())
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if runner.calls != 1 || !runner.lastAt.Equal(tick) || runner.lastAt.Location() != time.UTC {
		t.Fatalf("expected one UTC cycle at tick, got calls=%d at=%s", runner.calls, runner.lastAt)
	}

	runner.err = errors.New("partial failure")
	if err := job.Run(context.Background()); !errors.Is(err, runner.err) {
		t.Fatalf("expected cycle error to propagate, got %v", err)
	}
}

func TestWebhookRetryJob(t *testing.T) {
	retrier := &fakeRetrier{}
	job, err := NewWebhookRetryJob(WebhookRetryJobParams{Logger: testLogger(), Webhooks: retrier})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if retrier.limit != defaultWebhookRetryBatch {
		t.Fatalf("expected default batch, got %d", retrier.limit)
	}

	retrier.err = errors.New("store down")
	if err := job.Run(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestJobConstructorsValidate(t *testing.T) {
	if _, err := NewBillingCycleJob(BillingCycleJobParams{Logger: testLogger()}); err == nil {
		t.Fatalf("expected scheduler required")
	}
	if _, err := NewWebhookRetryJob(WebhookRetryJobParams{Webhooks: &fakeRetrier{}}); err == nil {
		t.Fatalf("expected logger required")
	}
}
