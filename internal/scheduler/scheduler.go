// Package scheduler runs due recurring schedules through the charge pipeline.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/recurring-billing/internal/billing"
	"github.com/angelmondragon/recurring-billing/internal/ledger"
	"github.com/angelmondragon/recurring-billing/internal/retry"
	"github.com/angelmondragon/recurring-billing/internal/schedules"
	"github.com/angelmondragon/recurring-billing/pkg/db/models"
	"github.com/angelmondragon/recurring-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
	"github.com/angelmondragon/recurring-billing/pkg/metrics"
)

const (
	defaultBatchSize   = 100
	defaultConcurrency = 8
	defaultClaimTTL    = 5 * time.Minute
)

// Result is what processing one schedule did.
type Result string

const (
	ResultApproved   Result = "approved"
	ResultDeclined   Result = "declined"
	ResultFailed     Result = "failed"
	ResultTransient  Result = "transient"
	ResultWaiting    Result = "waiting"
	ResultReconciled Result = "reconciled"
	ResultNoToken    Result = "no_payment_method"
	ResultSkipped    Result = "skipped"
	ResultError      Result = "error"
)

// CycleReport summarises one RunDueCycle call.
type CycleReport struct {
	Candidates int
	Claimed    int
	Results    map[Result]int
	Duration   time.Duration
}

func (r CycleReport) Count(result Result) int {
	return r.Results[result]
}

type attempter interface {
	Attempt(ctx context.Context, txn *models.Transaction) (billing.AttemptResult, error)
}

// Params wires a Scheduler. TransientPolicy spaces resubmissions of a
// pending transaction after gateway timeouts.
type Params struct {
	Schedules       schedules.Service
	Ledger          ledger.Service
	Processor       attempter
	TransientPolicy retry.Policy
	Logger          *logger.Logger
	Metrics         *metrics.BillingMetrics
	BatchSize       int
	Concurrency     int
	ClaimTTL        time.Duration
	// TransactionMaxRetries is stored on every transaction the scheduler opens.
	TransactionMaxRetries int
	// Owner identifies this instance on claims; a random id is used when empty.
	Owner string
}

// Scheduler claims due schedules and charges them.
type Scheduler struct {
	schedules   schedules.Service
	ledger      ledger.Service
	processor   attempter
	transient   retry.Policy
	logg        *logger.Logger
	metrics     *metrics.BillingMetrics
	batchSize   int
	concurrency int
	claimTTL    time.Duration
	maxRetries  int
	owner       string
}

// New builds a Scheduler.
func New(params Params) (*Scheduler, error) {
	if params.Schedules == nil {
		return nil, fmt.Errorf("schedule service required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if params.Processor == nil {
		return nil, fmt.Errorf("charge processor required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := params.TransientPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("transient retry policy: %w", err)
	}
	s := &Scheduler{
		schedules:   params.Schedules,
		ledger:      params.Ledger,
		processor:   params.Processor,
		transient:   params.TransientPolicy,
		logg:        params.Logger,
		metrics:     params.Metrics,
		batchSize:   params.BatchSize,
		concurrency: params.Concurrency,
		claimTTL:    params.ClaimTTL,
		maxRetries:  params.TransactionMaxRetries,
		owner:       params.Owner,
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultConcurrency
	}
	if s.claimTTL <= 0 {
		s.claimTTL = defaultClaimTTL
	}
	if s.maxRetries < 0 {
		s.maxRetries = 0
	}
	if s.owner == "" {
		s.owner = "scheduler-" + uuid.NewString()
	}
	return s, nil
}

// RunDueCycle charges every due schedule this instance manages to claim.
// One schedule's failure never stops the others; their errors are combined
// in the returned error.
func (s *Scheduler) RunDueCycle(ctx context.Context, now time.Time) (CycleReport, error) {
	started := time.Now()
	now = now.UTC()
	report := CycleReport{Results: map[Result]int{}}

	due, err := s.schedules.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return report, err
	}
	report.Candidates = len(due)

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, candidate := range due {
		id := candidate.ID
		g.Go(func() error {
			claimed, result, err := s.claimAndProcess(ctx, id, now)
			mu.Lock()
			defer mu.Unlock()
			if claimed {
				report.Claimed++
			}
			report.Results[result]++
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("schedule %s: %w", id, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(started)
	s.metrics.ObserveCycle(report.Duration)
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"candidates":  report.Candidates,
		"claimed":     report.Claimed,
		"results":     report.Results,
		"duration_ms": report.Duration.Milliseconds(),
	})
	if errs != nil {
		s.logg.Error(logCtx, "due cycle finished with errors", errs)
	} else {
		s.logg.Info(logCtx, "due cycle finished")
	}
	return report, errs
}

func (s *Scheduler) claimAndProcess(ctx context.Context, id uuid.UUID, now time.Time) (bool, Result, error) {
	ok, err := s.schedules.Claim(ctx, id, s.owner, s.claimTTL, now)
	if err != nil {
		return false, ResultError, err
	}
	if !ok {
		return false, ResultSkipped, nil
	}
	defer func() {
		// The claim must be released even when the cycle is being cancelled.
		if err := s.schedules.Release(context.WithoutCancel(ctx), id, s.owner); err != nil {
			s.logg.Warn(s.logg.WithField(s.logg.WithScheduleID(ctx, id.String()), "error", err.Error()), "release schedule claim failed")
		}
	}()

	result, err := s.process(s.logg.WithScheduleID(ctx, id.String()), id, now)
	if err != nil {
		result = ResultError
	}
	s.metrics.IncScheduleResult(string(result))
	return true, result, err
}

func (s *Scheduler) process(ctx context.Context, id uuid.UUID, now time.Time) (Result, error) {
	schedule, err := s.schedules.Get(ctx, id)
	if err != nil {
		return ResultError, err
	}
	// Another instance may have billed it between ListDue and Claim. A paused
	// or cancelled schedule only settles the transaction already in flight.
	if schedule.NextBillingDate.After(now) ||
		(schedule.Status != enums.ScheduleStatusActive && schedule.PendingTransactionID == nil) {
		return ResultSkipped, nil
	}

	txn, result, err := s.currentTransaction(ctx, schedule, now)
	if err != nil || txn == nil {
		return result, err
	}

	attempt, err := s.processor.Attempt(ctx, txn)
	if err != nil {
		return ResultError, err
	}
	return s.record(ctx, schedule.ID, attempt, now)
}

// currentTransaction returns the transaction to submit for this cycle, or a
// final Result when there is nothing to submit. Only active schedules open a
// new transaction.
func (s *Scheduler) currentTransaction(ctx context.Context, schedule *models.RecurringSchedule, now time.Time) (*models.Transaction, Result, error) {
	if schedule.PendingTransactionID != nil {
		txn, err := s.ledger.Get(ctx, *schedule.PendingTransactionID)
		if err != nil {
			return nil, ResultError, err
		}
		switch {
		case txn.Status.IsTerminal():
			// Finalized elsewhere without the schedule transition landing.
			if _, _, err := s.schedules.ApplyOutcome(ctx, schedule.ID, outcomeFor(txn)); err != nil {
				return nil, ResultError, err
			}
			return nil, ResultReconciled, nil
		case txn.AwaitingGateway():
			return nil, ResultWaiting, s.deferTo(ctx, schedule.ID, txn.ID, now.Add(retry.Backoff(1, s.transient)))
		default:
			return txn, "", nil
		}
	}
	if schedule.Status != enums.ScheduleStatusActive {
		return nil, ResultSkipped, nil
	}

	txn, err := s.ledger.CreatePending(ctx, ledger.CreatePendingInput{
		AccountID:  schedule.AccountID,
		ScheduleID: &schedule.ID,
		Type:       enums.TransactionTypeRecurring,
		Amount:     schedule.Amount,
		Currency:   schedule.Currency,
		MaxRetries: s.maxRetries,
	})
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeConfiguration) {
			_, _, applyErr := s.schedules.ApplyOutcome(ctx, schedule.ID, schedules.Outcome{
				Status: enums.TransactionStatusFailed,
				Reason: err.Error(),
			})
			s.logg.Warn(s.logg.WithField(ctx, "account_id", schedule.AccountID.String()), "schedule has no active payment method")
			return nil, ResultNoToken, applyErr
		}
		return nil, ResultError, err
	}
	if _, err := s.schedules.MarkPending(ctx, schedule.ID, txn.ID, nil); err != nil {
		return nil, ResultError, err
	}
	return txn, "", nil
}

func (s *Scheduler) record(ctx context.Context, scheduleID uuid.UUID, attempt billing.AttemptResult, now time.Time) (Result, error) {
	txn := attempt.Transaction
	switch attempt.Status {
	case billing.AttemptTransient:
		decision := retry.NextAttempt(txn.RetryCount, s.transient.WithMaxAttempts(txn.MaxRetries+1), now)
		notBefore := decision.NotBefore
		if !decision.ShouldRetry {
			notBefore = now.Add(retry.Backoff(txn.RetryCount, s.transient))
		}
		return ResultTransient, s.deferTo(ctx, scheduleID, txn.ID, notBefore)
	case billing.AttemptPending:
		return ResultWaiting, s.deferTo(ctx, scheduleID, txn.ID, now.Add(retry.Backoff(1, s.transient)))
	}

	if _, _, err := s.schedules.ApplyOutcome(ctx, scheduleID, outcomeFor(txn)); err != nil {
		return ResultError, err
	}
	switch attempt.Status {
	case billing.AttemptApproved:
		return ResultApproved, nil
	case billing.AttemptDeclined:
		return ResultDeclined, nil
	default:
		return ResultFailed, nil
	}
}

func (s *Scheduler) deferTo(ctx context.Context, scheduleID, txnID uuid.UUID, notBefore time.Time) error {
	_, err := s.schedules.MarkPending(ctx, scheduleID, txnID, &notBefore)
	return err
}

func outcomeFor(txn *models.Transaction) schedules.Outcome {
	id := txn.ID
	outcome := schedules.Outcome{TransactionID: &id, Status: txn.Status}
	if txn.ResponseCode != nil {
		outcome.Reason = *txn.ResponseCode
	}
	return outcome
}
