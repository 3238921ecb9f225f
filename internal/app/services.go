// Package app assembles the billing service graph shared by cmd/api and cmd/cron-worker.
package app

import (
	"errors"
	"fmt"

	"github.com/angelmondragon/recurring-billing/internal/billing"
	"github.com/angelmondragon/recurring-billing/internal/gateway"
	"github.com/angelmondragon/recurring-billing/internal/ledger"
	"github.com/angelmondragon/recurring-billing/internal/retry"
	"github.com/angelmondragon/recurring-billing/internal/scheduler"
	"github.com/angelmondragon/recurring-billing/internal/schedules"
	"github.com/angelmondragon/recurring-billing/internal/tokens"
	"github.com/angelmondragon/recurring-billing/internal/webhooks"
	"github.com/angelmondragon/recurring-billing/pkg/config"
	"github.com/angelmondragon/recurring-billing/pkg/db"
	"github.com/angelmondragon/recurring-billing/pkg/instance"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
	"github.com/angelmondragon/recurring-billing/pkg/metrics"
)

// Params are the process-level resources the services run on. Metrics is optional.
type Params struct {
	Config  *config.Config
	Logger  *logger.Logger
	DB      *db.Client
	Gateway gateway.Client
	Metrics *metrics.BillingMetrics
}

// Services is the wired billing engine.
type Services struct {
	Tokens    tokens.Service
	Ledger    ledger.Service
	Schedules schedules.Service
	Processor *billing.Processor
	Webhooks  *webhooks.Service
	Scheduler *scheduler.Scheduler
}

func New(params Params) (*Services, error) {
	if params.Config == nil {
		return nil, errors.New("config required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.DB == nil {
		return nil, errors.New("db client required")
	}
	if params.Gateway == nil {
		return nil, errors.New("gateway client required")
	}
	cfg := params.Config
	conn := params.DB.DB()

	tokenSvc, err := tokens.NewService(tokens.ServiceParams{
		Repo:   tokens.NewRepository(conn),
		TX:     params.DB,
		Logger: params.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("token service: %w", err)
	}

	ledgerSvc, err := ledger.NewService(ledger.ServiceParams{
		Repo:    ledger.NewRepository(conn),
		Tokens:  tokenSvc,
		Logger:  params.Logger,
		Metrics: params.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger service: %w", err)
	}

	scheduleSvc, err := schedules.NewService(schedules.ServiceParams{
		Repo:              schedules.NewRepository(conn),
		Tokens:            tokenSvc,
		ChargePolicy:      retry.FromConfig(cfg.Retry.Charge()),
		MaxFailedAttempts: cfg.Scheduler.MaxFailedAttempts,
		Logger:            params.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("schedule service: %w", err)
	}

	processor, err := billing.NewProcessor(billing.ProcessorParams{
		Ledger:  ledgerSvc,
		Tokens:  tokenSvc,
		Gateway: params.Gateway,
		Logger:  params.Logger,
		Timeout: cfg.Gateway.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("charge processor: %w", err)
	}

	webhookSvc, err := webhooks.NewService(webhooks.ServiceParams{
		Repo:      webhooks.NewRepository(conn),
		Ledger:    ledgerSvc,
		Schedules: scheduleSvc,
		Tokens:    tokenSvc,
		Policy:    retry.FromConfig(cfg.Retry.Webhook()),
		Logger:    params.Logger,
		Metrics:   params.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook service: %w", err)
	}

	sched, err := scheduler.New(scheduler.Params{
		Schedules:             scheduleSvc,
		Ledger:                ledgerSvc,
		Processor:             processor,
		TransientPolicy:       retry.FromConfig(cfg.Retry.Transient()),
		Logger:                params.Logger,
		Metrics:               params.Metrics,
		BatchSize:             cfg.Scheduler.BatchSize,
		Concurrency:           cfg.Scheduler.Concurrency,
		ClaimTTL:              cfg.Scheduler.ClaimTTL,
		TransactionMaxRetries: cfg.Scheduler.TransactionMaxRetries,
		Owner:                 "scheduler-" + instance.GetID(),
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	return &Services{
		Tokens:    tokenSvc,
		Ledger:    ledgerSvc,
		Schedules: scheduleSvc,
		Processor: processor,
		Webhooks:  webhookSvc,
		Scheduler: sched,
	}, nil
}
