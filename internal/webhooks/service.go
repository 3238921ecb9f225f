// Package webhooks ingests gateway notifications and reconciles them with the
// ledger and schedules.
package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/recurring-billing/internal/ledger"
	"github.com/angelmondragon/recurring-billing/internal/retry"
	"github.com/angelmondragon/recurring-billing/internal/schedules"
	"github.com/angelmondragon/recurring-billing/internal/tokens"
	"github.com/angelmondragon/recurring-billing/pkg/db"
	"github.com/angelmondragon/recurring-billing/pkg/db/models"
	"github.com/angelmondragon/recurring-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
	"github.com/angelmondragon/recurring-billing/pkg/metrics"
)

const (
	invalidEventType  = "invalid"
	defaultRetryBatch = 50
)

// SourceMetadata describes where a delivery came from.
type SourceMetadata struct {
	IP      string
	Headers map[string]string
}

type ledgerService interface {
	Finalize(ctx context.Context, input ledger.FinalizeInput) (*models.Transaction, ledger.FinalizeResult, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	FindByGatewayTransactionID(ctx context.Context, gatewayID string) (*models.Transaction, error)
}

type scheduleService interface {
	ApplyOutcome(ctx context.Context, id uuid.UUID, outcome schedules.Outcome) (*models.RecurringSchedule, bool, error)
}

type tokenService interface {
	UpdateMaskedMeta(ctx context.Context, gatewayToken string, meta tokens.MaskedMeta) (*models.CustomerToken, error)
}

// ServiceParams wires the dispatcher. Metrics is optional.
type ServiceParams struct {
	Repo      Repository
	Ledger    ledgerService
	Schedules scheduleService
	Tokens    tokenService
	Policy    retry.Policy
	Logger    *logger.Logger
	Metrics   *metrics.BillingMetrics
	Now       func() time.Time
}

// RetryReport summarises one RetryDue pass.
type RetryReport struct {
	Attempted int
	Completed int
	Deferred  int
}

type Service struct {
	repo      Repository
	ledger    ledgerService
	schedules scheduleService
	tokens    tokenService
	policy    retry.Policy
	logg      *logger.Logger
	metrics   *metrics.BillingMetrics
	now       func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "webhook repository required")
	}
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger required")
	}
	if params.Schedules == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "schedule service required")
	}
	if params.Tokens == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "token service required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := params.Policy.Validate(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "invalid webhook retry policy")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:      params.Repo,
		ledger:    params.Ledger,
		schedules: params.Schedules,
		tokens:    params.Tokens,
		policy:    params.Policy,
		logg:      params.Logger,
		metrics:   params.Metrics,
		now:       now,
	}, nil
}

// Ingest stores a delivery and applies it. The returned error is non-nil only
// when the delivery could not be stored or hit a transient failure; callers
// should have the gateway redeliver in that case.
func (s *Service) Ingest(ctx context.Context, raw []byte, meta SourceMetadata) (*models.WebhookEvent, error) {
	parsed, parseErr := Parse(raw)

	event := &models.WebhookEvent{
		RawPayload: string(raw),
		ReceivedAt: s.now().UTC(),
	}
	if meta.IP != "" {
		ip := meta.IP
		event.SourceIP = &ip
	}
	if len(meta.Headers) > 0 {
		headers, err := json.Marshal(meta.Headers)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "encode webhook headers")
		}
		event.Headers = headers
	}
	if parseErr != nil {
		event.EventType = invalidEventType
		event.DedupKey = invalidEventType + ":" + digest(raw)
	} else {
		describe(event, parsed)
	}

	if err := s.repo.Create(ctx, event); err != nil {
		return nil, db.Classify(err, "store webhook event")
	}
	ctx = s.logg.WithEventID(ctx, event.ID.String())

	if parseErr != nil {
		msg := parseErr.Error()
		s.logg.Warn(s.logg.WithField(ctx, "error", msg), "webhook payload rejected")
		return s.finish(ctx, event, enums.WebhookResultInvalid, &msg)
	}
	return s.process(ctx, event, parsed)
}

// RetryEvent clears the delivery's attempt bookkeeping and runs it again.
// Deliveries that already took effect are left alone.
func (s *Service) RetryEvent(ctx context.Context, eventID uuid.UUID) (*models.WebhookEvent, error) {
	event, err := s.repo.FindByID(ctx, eventID)
	if err != nil {
		return nil, db.Classify(err, "load webhook event")
	}
	if event == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "webhook event not found")
	}
	if event.Processed && event.Result != nil &&
		(*event.Result == enums.WebhookResultApplied || *event.Result == enums.WebhookResultDuplicate) {
		return event, nil
	}
	if err := s.repo.ResetAttempts(ctx, event.ID); err != nil {
		return nil, db.Classify(err, "reset webhook event")
	}
	event.Processed = false
	event.ProcessingAttempts = 0
	event.ProcessingError = nil
	event.NextRetryAt = nil
	event.Result = nil

	ctx = s.logg.WithEventID(ctx, event.ID.String())
	s.logg.Info(ctx, "webhook event retry requested")
	return s.reprocess(ctx, event)
}

// RetryDue re-runs unprocessed deliveries whose next_retry_at has passed.
func (s *Service) RetryDue(ctx context.Context, now time.Time, limit int) (RetryReport, error) {
	if limit <= 0 {
		limit = defaultRetryBatch
	}
	due, err := s.repo.ListRetryDue(ctx, now.UTC(), limit)
	if err != nil {
		return RetryReport{}, db.Classify(err, "list webhook retries")
	}

	var (
		report RetryReport
		errs   error
	)
	for i := range due {
		event := &due[i]
		report.Attempted++
		_, err := s.reprocess(s.logg.WithEventID(ctx, event.ID.String()), event)
		switch {
		case err == nil:
			report.Completed++
		case pkgerrors.IsRetryable(err):
			report.Deferred++
		default:
			errs = multierr.Append(errs, fmt.Errorf("webhook event %s: %w", event.ID, err))
		}
	}
	return report, errs
}

func (s *Service) reprocess(ctx context.Context, event *models.WebhookEvent) (*models.WebhookEvent, error) {
	parsed, err := Parse([]byte(event.RawPayload))
	if err != nil {
		msg := err.Error()
		return s.finish(ctx, event, enums.WebhookResultInvalid, &msg)
	}
	return s.process(ctx, event, parsed)
}

func (s *Service) process(ctx context.Context, event *models.WebhookEvent, parsed Event) (*models.WebhookEvent, error) {
	if _, ok := parsed.(Unrecognized); ok {
		s.logg.Info(s.logg.WithField(ctx, "event_type", event.EventType), "unsupported webhook event type ignored")
		return s.finish(ctx, event, enums.WebhookResultUnsupported, nil)
	}

	applied, err := s.repo.HasApplied(ctx, event.DedupKey, event.ID)
	if err != nil {
		return s.fail(ctx, event, db.Classify(err, "check webhook dedup"))
	}
	if applied {
		return s.finish(ctx, event, enums.WebhookResultDuplicate, nil)
	}

	var result enums.WebhookResult
	switch ev := parsed.(type) {
	case PaymentSuccess:
		result, err = s.onPaymentSuccess(ctx, event, ev)
	case PaymentFailure:
		result, err = s.onPaymentFailure(ctx, event, ev)
	case CustomerUpdated:
		result, err = s.onCustomerUpdated(ctx, ev)
	}
	if err != nil {
		if transient(err) {
			return s.fail(ctx, event, err)
		}
		msg := err.Error()
		s.logg.Warn(s.logg.WithField(ctx, "error", msg), "webhook event could not be applied")
		return s.finish(ctx, event, enums.WebhookResultInvalid, &msg)
	}
	return s.finish(ctx, event, result, nil)
}

func (s *Service) onPaymentSuccess(ctx context.Context, event *models.WebhookEvent, ev PaymentSuccess) (enums.WebhookResult, error) {
	return s.applyPayment(ctx, event, paymentUpdate{
		gatewayID:       ev.GatewayTransactionID,
		reference:       ev.Reference,
		status:          enums.TransactionStatusApproved,
		responseCode:    ev.ResponseCode,
		responseMessage: ev.ResponseMessage,
		fraudScore:      ev.FraudScore,
	})
}

func (s *Service) onPaymentFailure(ctx context.Context, event *models.WebhookEvent, ev PaymentFailure) (enums.WebhookResult, error) {
	return s.applyPayment(ctx, event, paymentUpdate{
		gatewayID:       ev.GatewayTransactionID,
		reference:       ev.Reference,
		status:          ev.Status(),
		responseCode:    ev.ResponseCode,
		responseMessage: ev.ResponseMessage,
		fraudScore:      ev.FraudScore,
	})
}

type paymentUpdate struct {
	gatewayID       string
	reference       string
	status          enums.TransactionStatus
	responseCode    string
	responseMessage string
	fraudScore      string
}

func (s *Service) applyPayment(ctx context.Context, event *models.WebhookEvent, update paymentUpdate) (enums.WebhookResult, error) {
	txn, err := s.resolve(ctx, update.gatewayID, update.reference)
	if err != nil {
		return "", err
	}
	if txn == nil {
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"gateway_transaction_id": update.gatewayID,
			"reference":              update.reference,
		}), "webhook references an unknown transaction")
		return enums.WebhookResultUnknownReference, nil
	}
	ctx = s.logg.WithTransactionID(ctx, txn.ID.String())

	input := ledger.FinalizeInput{
		TransactionID:        txn.ID,
		Outcome:              update.status,
		GatewayTransactionID: update.gatewayID,
		ResponseCode:         update.responseCode,
		ResponseMessage:      update.responseMessage,
		RawPayload:           rawJSON(event.RawPayload),
		Source:               ledger.SourceWebhook,
	}
	if update.fraudScore != "" {
		score := update.fraudScore
		input.FraudScore = &score
	}
	stored, res, err := s.ledger.Finalize(ctx, input)
	if err != nil {
		return "", err
	}

	scheduleApplied, err := s.applySchedule(ctx, stored)
	if err != nil {
		return "", err
	}
	if res == ledger.Finalized || scheduleApplied {
		return enums.WebhookResultApplied, nil
	}
	if stored.Status != update.status {
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"stored_status":   stored.Status,
			"reported_status": update.status,
		}), "webhook outcome disagrees with finalized transaction")
	}
	return enums.WebhookResultDuplicate, nil
}

// applySchedule runs the schedule transition for the transaction's final
// status. The schedule only accepts it while the transaction is its pending
// one, so repeating it after a partial failure is safe.
func (s *Service) applySchedule(ctx context.Context, txn *models.Transaction) (bool, error) {
	if txn.ScheduleID == nil {
		return false, nil
	}
	id := txn.ID
	outcome := schedules.Outcome{TransactionID: &id, Status: txn.Status}
	if txn.ResponseCode != nil {
		outcome.Reason = *txn.ResponseCode
	}
	_, applied, err := s.schedules.ApplyOutcome(ctx, *txn.ScheduleID, outcome)
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
			s.logg.Warn(s.logg.WithScheduleID(ctx, txn.ScheduleID.String()), "transaction schedule no longer exists")
			return false, nil
		}
		return false, err
	}
	return applied, nil
}

func (s *Service) resolve(ctx context.Context, gatewayID, reference string) (*models.Transaction, error) {
	if gatewayID != "" {
		txn, err := s.ledger.FindByGatewayTransactionID(ctx, gatewayID)
		if err != nil || txn != nil {
			return txn, err
		}
	}
	id, err := uuid.Parse(reference)
	if err != nil {
		return nil, nil
	}
	txn, err := s.ledger.Get(ctx, id)
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return txn, nil
}

func (s *Service) onCustomerUpdated(ctx context.Context, ev CustomerUpdated) (enums.WebhookResult, error) {
	_, err := s.tokens.UpdateMaskedMeta(ctx, ev.CustomerToken, tokens.MaskedMeta{
		Brand:    ev.Brand,
		Last4:    ev.Last4,
		ExpMonth: ev.ExpMonth,
		ExpYear:  ev.ExpYear,
	})
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
			s.logg.Warn(ctx, "webhook references an unknown customer token")
			return enums.WebhookResultUnknownReference, nil
		}
		return "", err
	}
	return enums.WebhookResultApplied, nil
}

func (s *Service) finish(ctx context.Context, event *models.WebhookEvent, result enums.WebhookResult, processingErr *string) (*models.WebhookEvent, error) {
	at := s.now().UTC()
	if err := s.repo.MarkProcessed(ctx, event.ID, result, processingErr, at); err != nil {
		return event, db.Classify(err, "mark webhook processed")
	}
	event.Processed = true
	event.Result = &result
	event.ProcessingError = processingErr
	event.ProcessingAttempts++
	event.NextRetryAt = nil
	event.ProcessedAt = &at

	s.metrics.IncWebhook(event.EventType, string(result))
	s.logg.Info(s.logg.WithField(ctx, "result", string(result)), "webhook event processed")
	return event, nil
}

func (s *Service) fail(ctx context.Context, event *models.WebhookEvent, cause error) (*models.WebhookEvent, error) {
	attempts := event.ProcessingAttempts + 1
	var next *time.Time
	if decision := retry.NextAttempt(attempts, s.policy, s.now().UTC()); decision.ShouldRetry {
		next = &decision.NotBefore
	}
	msg := cause.Error()
	if err := s.repo.MarkFailed(ctx, event.ID, msg, next); err != nil {
		return event, multierr.Append(cause, db.Classify(err, "mark webhook failed"))
	}
	result := enums.WebhookResultTransientError
	event.Result = &result
	event.ProcessingAttempts = attempts
	event.ProcessingError = &msg
	event.NextRetryAt = next

	s.metrics.IncWebhook(event.EventType, string(result))
	fields := map[string]any{"attempts": attempts}
	if next != nil {
		fields["next_retry_at"] = next.Format(time.RFC3339)
	}
	s.logg.Error(s.logg.WithFields(ctx, fields), "webhook processing failed", cause)

	if pkgerrors.IsRetryable(cause) {
		return event, cause
	}
	return event, pkgerrors.Wrap(pkgerrors.CodeDependency, cause, "webhook processing failed")
}

func describe(event *models.WebhookEvent, parsed Event) {
	event.EventType = string(parsed.Type())
	event.DedupKey = parsed.DedupKey()
	switch ev := parsed.(type) {
	case PaymentSuccess:
		event.GatewayTransactionID = optional(ev.GatewayTransactionID)
	case PaymentFailure:
		event.GatewayTransactionID = optional(ev.GatewayTransactionID)
	case CustomerUpdated:
		event.CustomerToken = optional(ev.CustomerToken)
	}
}

// transient treats untyped errors as retryable; only classified business
// errors are final.
func transient(err error) bool {
	if pkgerrors.IsRetryable(err) {
		return true
	}
	return pkgerrors.As(err) == nil
}

func rawJSON(raw string) json.RawMessage {
	if !json.Valid([]byte(raw)) {
		return nil
	}
	return json.RawMessage(raw)
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
