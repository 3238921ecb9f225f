package schedules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/recurring-billing/internal/retry"
	"github.com/angelmondragon/recurring-billing/pkg/db"
	"github.com/angelmondragon/recurring-billing/pkg/db/models"
	"github.com/angelmondragon/recurring-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
)

const (
	defaultMaxFailedAttempts = 3
	maxCASAttempts           = 5
)

// ErrScheduleNotFound is returned for unknown schedule ids.
var ErrScheduleNotFound = pkgerrors.New(pkgerrors.CodeNotFound, "schedule not found")

// Outcome is a terminal charge result to fold into a schedule.
// TransactionID is nil when the charge could not be created at all.
type Outcome struct {
	TransactionID *uuid.UUID
	Status        enums.TransactionStatus
	Reason        string
}

// CreateInput defines a new recurring schedule.
type CreateInput struct {
	AccountID         uuid.UUID `validate:"required"`
	CustomerTokenID   *uuid.UUID
	Amount            decimal.Decimal
	Currency          string        `validate:"required,len=3,alpha"`
	Cadence           enums.Cadence `validate:"required"`
	StartDate         time.Time
	EndDate           *time.Time
	MaxFailedAttempts int `validate:"min=0,max=50"`
}

type tokenSource interface {
	GetActive(ctx context.Context, accountID uuid.UUID) (*models.CustomerToken, error)
	Get(ctx context.Context, tokenID uuid.UUID) (*models.CustomerToken, error)
}

// Service owns the schedule state machine.
type Service interface {
	Create(ctx context.Context, input CreateInput) (*models.RecurringSchedule, error)
	Get(ctx context.Context, id uuid.UUID) (*models.RecurringSchedule, error)
	Pause(ctx context.Context, id uuid.UUID) (*models.RecurringSchedule, error)
	Resume(ctx context.Context, id uuid.UUID) (*models.RecurringSchedule, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.RecurringSchedule, error)
	// ApplyOutcome folds a finalized transaction into its schedule. It reports
	// false when the outcome was already applied or is not the schedule's
	// current transaction.
	ApplyOutcome(ctx context.Context, id uuid.UUID, outcome Outcome) (*models.RecurringSchedule, bool, error)
	// MarkPending records txnID as in flight; notBefore optionally defers the schedule.
	MarkPending(ctx context.Context, id uuid.UUID, txnID uuid.UUID, notBefore *time.Time) (*models.RecurringSchedule, error)

	ListDue(ctx context.Context, now time.Time, limit int) ([]models.RecurringSchedule, error)
	Claim(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration, now time.Time) (bool, error)
	Release(ctx context.Context, id uuid.UUID, owner string) error
}

// ServiceParams wires the schedule service. ChargePolicy spaces retries
// after declined or failed charges.
type ServiceParams struct {
	Repo         Repository
	Tokens       tokenSource
	ChargePolicy retry.Policy
	// MaxFailedAttempts applies to schedules created without their own limit.
	MaxFailedAttempts int
	Logger            *logger.Logger
	Now               func() time.Time
}

type service struct {
	repo      Repository
	tokens    tokenSource
	policy    retry.Policy
	maxFailed int
	logg      *logger.Logger
	now       func() time.Time
	validate  *validator.Validate
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "schedule repository required")
	}
	if params.Tokens == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "token source required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := params.ChargePolicy.Validate(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "invalid charge retry policy")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	maxFailed := params.MaxFailedAttempts
	if maxFailed <= 0 {
		maxFailed = defaultMaxFailedAttempts
	}
	return &service{
		repo:      params.Repo,
		tokens:    params.Tokens,
		policy:    params.ChargePolicy,
		maxFailed: maxFailed,
		logg:      params.Logger,
		now:       now,
		validate:  validator.New(),
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateInput) (*models.RecurringSchedule, error) {
	input.Currency = strings.ToUpper(strings.TrimSpace(input.Currency))
	if err := s.validate.Struct(input); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid schedule input")
	}
	if !input.Cadence.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid cadence %q", input.Cadence))
	}
	if !input.Amount.IsPositive() || !input.Amount.Equal(input.Amount.Round(2)) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive with at most two decimal places")
	}
	if input.StartDate.IsZero() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "start date is required")
	}
	start := input.StartDate.UTC()
	if input.EndDate != nil && input.EndDate.Before(start) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "end date precedes start date")
	}
	maxFailed := input.MaxFailedAttempts
	if maxFailed == 0 {
		maxFailed = s.maxFailed
	}

	token, err := s.resolveToken(ctx, input)
	if err != nil {
		return nil, err
	}

	schedule := &models.RecurringSchedule{
		AccountID:         input.AccountID,
		CustomerTokenID:   token.ID,
		Amount:            input.Amount,
		Currency:          input.Currency,
		Cadence:           input.Cadence,
		StartDate:         start,
		CycleDate:         start,
		NextBillingDate:   start,
		Status:            enums.ScheduleStatusActive,
		MaxFailedAttempts: maxFailed,
	}
	if input.EndDate != nil {
		end := input.EndDate.UTC()
		schedule.EndDate = &end
	}
	if err := s.repo.Create(ctx, schedule); err != nil {
		return nil, db.Classify(err, "create schedule")
	}

	logCtx := s.logg.WithScheduleID(ctx, schedule.ID.String())
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"account_id": schedule.AccountID.String(),
		"cadence":    schedule.Cadence,
		"amount":     schedule.Amount.StringFixed(2),
	})
	s.logg.Info(logCtx, "recurring schedule created")
	return schedule, nil
}

func (s *service) resolveToken(ctx context.Context, input CreateInput) (*models.CustomerToken, error) {
	if input.CustomerTokenID == nil {
		return s.tokens.GetActive(ctx, input.AccountID)
	}
	token, err := s.tokens.Get(ctx, *input.CustomerTokenID)
	if err != nil {
		return nil, err
	}
	if token.AccountID != input.AccountID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "token does not belong to account")
	}
	return token, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.RecurringSchedule, error) {
	schedule, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, db.Classify(err, "load schedule")
	}
	if schedule == nil {
		return nil, ErrScheduleNotFound
	}
	return schedule, nil
}

func (s *service) Pause(ctx context.Context, id uuid.UUID) (*models.RecurringSchedule, error) {
	return s.lifecycle(ctx, id, "paused", func(sch *models.RecurringSchedule) (bool, error) {
		switch sch.Status {
		case enums.ScheduleStatusPaused:
			return false, nil
		case enums.ScheduleStatusActive:
			sch.Status = enums.ScheduleStatusPaused
			return true, nil
		default:
			return false, stateConflict(sch.Status, "pause")
		}
	})
}

// Resume reactivates a paused or failed schedule. Resuming a failed schedule
// resets its failure counter; an overdue billing date is charged on the next cycle.
func (s *service) Resume(ctx context.Context, id uuid.UUID) (*models.RecurringSchedule, error) {
	return s.lifecycle(ctx, id, "resumed", func(sch *models.RecurringSchedule) (bool, error) {
		switch sch.Status {
		case enums.ScheduleStatusActive:
			return false, nil
		case enums.ScheduleStatusPaused:
			sch.Status = enums.ScheduleStatusActive
			return true, nil
		case enums.ScheduleStatusFailed:
			sch.Status = enums.ScheduleStatusActive
			sch.FailedAttemptCount = 0
			sch.LastFailureReason = nil
			return true, nil
		default:
			return false, stateConflict(sch.Status, "resume")
		}
	})
}

// Cancel stops future cycles. A transaction already in flight still settles.
func (s *service) Cancel(ctx context.Context, id uuid.UUID) (*models.RecurringSchedule, error) {
	return s.lifecycle(ctx, id, "cancelled", func(sch *models.RecurringSchedule) (bool, error) {
		if sch.Status == enums.ScheduleStatusCancelled {
			return false, nil
		}
		now := s.now().UTC()
		sch.Status = enums.ScheduleStatusCancelled
		sch.CancelledAt = &now
		return true, nil
	})
}

func (s *service) lifecycle(ctx context.Context, id uuid.UUID, verb string, fn func(*models.RecurringSchedule) (bool, error)) (*models.RecurringSchedule, error) {
	schedule, changed, err := s.mutate(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	if changed {
		logCtx := s.logg.WithScheduleID(ctx, id.String())
		s.logg.Info(s.logg.WithField(logCtx, "status", schedule.Status), "recurring schedule "+verb)
	}
	return schedule, nil
}

func (s *service) ApplyOutcome(ctx context.Context, id uuid.UUID, outcome Outcome) (*models.RecurringSchedule, bool, error) {
	if !outcome.Status.IsTerminal() {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("outcome %q is not terminal", outcome.Status))
	}
	schedule, applied, err := s.mutate(ctx, id, func(sch *models.RecurringSchedule) (bool, error) {
		if outcome.TransactionID != nil {
			if sch.LastTransactionID != nil && *sch.LastTransactionID == *outcome.TransactionID {
				return false, nil
			}
			if sch.PendingTransactionID == nil || *sch.PendingTransactionID != *outcome.TransactionID {
				return false, nil
			}
		}
		*sch = ApplyOutcome(*sch, outcome, s.now().UTC(), s.policy)
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}

	logCtx := s.logg.WithScheduleID(ctx, id.String())
	fields := map[string]any{
		"outcome":              outcome.Status,
		"applied":              applied,
		"status":               schedule.Status,
		"next_billing_date":    schedule.NextBillingDate.Format(time.RFC3339),
		"failed_attempt_count": schedule.FailedAttemptCount,
	}
	if outcome.TransactionID != nil {
		fields["transaction_id"] = outcome.TransactionID.String()
	}
	logCtx = s.logg.WithFields(logCtx, fields)
	if applied {
		s.logg.Info(logCtx, "schedule outcome applied")
	} else {
		s.logg.Debug(logCtx, "schedule outcome skipped")
	}
	return schedule, applied, nil
}

func (s *service) MarkPending(ctx context.Context, id uuid.UUID, txnID uuid.UUID, notBefore *time.Time) (*models.RecurringSchedule, error) {
	schedule, _, err := s.mutate(ctx, id, func(sch *models.RecurringSchedule) (bool, error) {
		if sch.PendingTransactionID != nil && *sch.PendingTransactionID != txnID {
			return false, pkgerrors.New(pkgerrors.CodeStateConflict, "schedule already has a different pending transaction")
		}
		*sch = ApplyPending(*sch, txnID, notBefore, s.now().UTC())
		return true, nil
	})
	return schedule, err
}

// mutate reloads and re-applies fn until the version CAS succeeds.
func (s *service) mutate(ctx context.Context, id uuid.UUID, fn func(*models.RecurringSchedule) (bool, error)) (*models.RecurringSchedule, bool, error) {
	for range maxCASAttempts {
		schedule, err := s.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		changed, err := fn(schedule)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return schedule, false, nil
		}
		expected := schedule.Version
		rows, err := s.repo.UpdateState(ctx, schedule, expected)
		if err != nil {
			return nil, false, db.Classify(err, "update schedule")
		}
		if rows == 1 {
			schedule.Version = expected + 1
			return schedule, true, nil
		}
	}
	return nil, false, pkgerrors.New(pkgerrors.CodeStateConflict, "schedule changed concurrently")
}

func (s *service) ListDue(ctx context.Context, now time.Time, limit int) ([]models.RecurringSchedule, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.repo.ListDue(ctx, now.UTC(), limit)
	if err != nil {
		return nil, db.Classify(err, "list due schedules")
	}
	return rows, nil
}

func (s *service) Claim(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration, now time.Time) (bool, error) {
	now = now.UTC()
	rows, err := s.repo.Claim(ctx, id, owner, now.Add(ttl), now)
	if err != nil {
		return false, db.Classify(err, "claim schedule")
	}
	return rows == 1, nil
}

func (s *service) Release(ctx context.Context, id uuid.UUID, owner string) error {
	if _, err := s.repo.Release(ctx, id, owner); err != nil {
		return db.Classify(err, "release schedule")
	}
	return nil
}

func stateConflict(status enums.ScheduleStatus, op string) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("cannot %s a %s schedule", op, status))
}
