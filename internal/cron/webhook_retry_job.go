package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/recurring-billing/internal/webhooks"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
)

const defaultWebhookRetryBatch = 50

type webhookRetrier interface {
	RetryDue(ctx context.Context, now time.Time, limit int) (webhooks.RetryReport, error)
}

type WebhookRetryJobParams struct {
	Logger    *logger.Logger
	Webhooks  webhookRetrier
	BatchSize int
}

// NewWebhookRetryJob re-runs webhook deliveries that failed transiently.
func NewWebhookRetryJob(params WebhookRetryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Webhooks == nil {
		return nil, fmt.Errorf("webhook service required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultWebhookRetryBatch
	}
	return &webhookRetryJob{logg: params.Logger, webhooks: params.Webhooks, batch: batch, now: time.Now}, nil
}

type webhookRetryJob struct {
	logg     *logger.Logger
	webhooks webhookRetrier
	batch    int
	now      func() time.Time
}

func (j *webhookRetryJob) Name() string { return "webhook-retry" }

func (j *webhookRetryJob) Run(ctx context.Context) error {
	report, err := j.webhooks.RetryDue(ctx, j.now().UTC(), j.batch)
	if report.Attempted > 0 {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"attempted": report.Attempted,
			"completed": report.Completed,
			"deferred":  report.Deferred,
		}), "webhook retries processed")
	}
	if err != nil {
		return fmt.Errorf("webhook retry: %w", err)
	}
	return nil
}
