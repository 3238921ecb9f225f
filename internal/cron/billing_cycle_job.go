package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/recurring-billing/internal/scheduler"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
)

type cycleRunner interface {
	RunDueCycle(ctx context.Context, now time.Time) (scheduler.CycleReport, error)
}

type BillingCycleJobParams struct {
	Logger    *logger.Logger
	Scheduler cycleRunner
}

// NewBillingCycleJob charges every schedule that is due at the tick.
func NewBillingCycleJob(params BillingCycleJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Scheduler == nil {
		return nil, fmt.Errorf("scheduler required")
	}
	return &billingCycleJob{logg: params.Logger, scheduler: params.Scheduler, now: time.Now}, nil
}

type billingCycleJob struct {
	logg      *logger.Logger
	scheduler cycleRunner
	now       func() time.Time
}

func (j *billingCycleJob) Name() string { return "billing-cycle" }

func (j *billingCycleJob) Run(ctx context.Context) error {
	report, err := j.scheduler.RunDueCycle(ctx, j.now().UTC())
	if err != nil {
		return fmt.Errorf("billing cycle: %w", err)
	}
	if report.Candidates > 0 {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"candidates": report.Candidates,
			"claimed":    report.Claimed,
		}), "billing cycle processed due schedules")
	}
	return nil
}
