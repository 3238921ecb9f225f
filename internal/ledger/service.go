package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/recurring-billing/internal/tokens"
	"github.com/angelmondragon/recurring-billing/pkg/db"
	"github.com/angelmondragon/recurring-billing/pkg/db/models"
	"github.com/angelmondragon/recurring-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
	"github.com/angelmondragon/recurring-billing/pkg/metrics"
	"github.com/angelmondragon/recurring-billing/pkg/pagination"
)

// ErrNoPaymentMethod is returned when a charge is requested for an account
// without an active customer token.
var ErrNoPaymentMethod = tokens.ErrNoActiveToken

// FinalizeResult tells the caller whether its Finalize call moved the transaction.
type FinalizeResult int

const (
	// Finalized means this call performed the pending -> terminal transition.
	Finalized FinalizeResult = iota + 1
	// AlreadyFinalized means the transaction was terminal before this call; nothing changed.
	AlreadyFinalized
)

func (r FinalizeResult) String() string {
	switch r {
	case Finalized:
		return "finalized"
	case AlreadyFinalized:
		return "already_finalized"
	default:
		return "unknown"
	}
}

// Finalize sources, used for logs and metrics.
const (
	SourceGateway = "gateway"
	SourceWebhook = "webhook"
	SourceRetry   = "retry"
)

// CreatePendingInput opens a new charge attempt.
type CreatePendingInput struct {
	AccountID  uuid.UUID  `validate:"required"`
	ScheduleID *uuid.UUID
	// CustomerTokenID pins a specific token; it must be active and owned by the account.
	CustomerTokenID *uuid.UUID
	TokenPurpose    string                `validate:"omitempty,max=64"`
	Type            enums.TransactionType `validate:"required"`
	Amount          decimal.Decimal
	Currency        string `validate:"required,len=3,alpha"`
	MaxRetries      int    `validate:"min=0,max=100"`
}

// FinalizeInput carries the gateway outcome for a pending transaction.
type FinalizeInput struct {
	TransactionID        uuid.UUID               `validate:"required"`
	Outcome              enums.TransactionStatus `validate:"required"`
	GatewayTransactionID string
	ResponseCode         string
	ResponseMessage      string
	RawPayload           json.RawMessage
	FraudScore           *string
	Source               string
}

// ListQuery pages an account's transactions newest first.
type ListQuery struct {
	AccountID uuid.UUID
	Params    pagination.Params
}

// ListResult is one page of transactions.
type ListResult struct {
	Transactions []models.Transaction `json:"transactions"`
	NextCursor   string               `json:"next_cursor,omitempty"`
}

type tokenSource interface {
	GetActiveForPurpose(ctx context.Context, accountID uuid.UUID, purpose string) (*models.CustomerToken, error)
	Get(ctx context.Context, tokenID uuid.UUID) (*models.CustomerToken, error)
}

// Service is the transaction ledger.
type Service interface {
	CreatePending(ctx context.Context, input CreatePendingInput) (*models.Transaction, error)
	Finalize(ctx context.Context, input FinalizeInput) (*models.Transaction, FinalizeResult, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	// FindByGatewayTransactionID returns nil without error when no transaction matches.
	FindByGatewayTransactionID(ctx context.Context, gatewayID string) (*models.Transaction, error)
	RecordSubmission(ctx context.Context, id uuid.UUID, gatewayID string) error
	// IncrementRetry reports false once retry_count has reached max_retries.
	IncrementRetry(ctx context.Context, id uuid.UUID) (bool, error)
	ListByAccount(ctx context.Context, query ListQuery) (ListResult, error)
}

// ServiceParams wires the ledger service. Metrics is optional.
type ServiceParams struct {
	Repo    Repository
	Tokens  tokenSource
	Logger  *logger.Logger
	Metrics *metrics.BillingMetrics
	Now     func() time.Time
}

type service struct {
	repo     Repository
	tokens   tokenSource
	logg     *logger.Logger
	metrics  *metrics.BillingMetrics
	now      func() time.Time
	validate *validator.Validate
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger repository required")
	}
	if params.Tokens == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "token source required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:     params.Repo,
		tokens:   params.Tokens,
		logg:     params.Logger,
		metrics:  params.Metrics,
		now:      now,
		validate: validator.New(),
	}, nil
}

func (s *service) CreatePending(ctx context.Context, input CreatePendingInput) (*models.Transaction, error) {
	input.Currency = strings.ToUpper(strings.TrimSpace(input.Currency))
	if err := s.validate.Struct(input); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid transaction input")
	}
	if !input.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid transaction type %q", input.Type))
	}
	if !input.Amount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if !input.Amount.Equal(input.Amount.Round(2)) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount supports at most two decimal places")
	}

	token, err := s.resolveToken(ctx, input)
	if err != nil {
		return nil, err
	}

	txn := &models.Transaction{
		AccountID:       input.AccountID,
		ScheduleID:      input.ScheduleID,
		CustomerTokenID: token.ID,
		Amount:          input.Amount,
		Currency:        input.Currency,
		Type:            input.Type,
		Status:          enums.TransactionStatusPending,
		MaxRetries:      input.MaxRetries,
	}
	if err := s.repo.Create(ctx, txn); err != nil {
		return nil, db.Classify(err, "create pending transaction")
	}

	logCtx := s.logg.WithTransactionID(ctx, txn.ID.String())
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"account_id":        txn.AccountID.String(),
		"customer_token_id": txn.CustomerTokenID.String(),
		"amount":            txn.Amount.StringFixed(2),
		"currency":          txn.Currency,
		"type":              txn.Type,
	})
	s.logg.Info(logCtx, "pending transaction created")
	return txn, nil
}

func (s *service) resolveToken(ctx context.Context, input CreatePendingInput) (*models.CustomerToken, error) {
	if input.CustomerTokenID == nil {
		token, err := s.tokens.GetActiveForPurpose(ctx, input.AccountID, input.TokenPurpose)
		if err != nil {
			return nil, err
		}
		return token, nil
	}
	token, err := s.tokens.Get(ctx, *input.CustomerTokenID)
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
			return nil, ErrNoPaymentMethod
		}
		return nil, err
	}
	if !token.Active || token.AccountID != input.AccountID {
		return nil, ErrNoPaymentMethod
	}
	return token, nil
}

// Finalize performs at most one pending -> terminal transition per transaction.
// Later calls return the stored row with AlreadyFinalized and change nothing.
func (s *service) Finalize(ctx context.Context, input FinalizeInput) (*models.Transaction, FinalizeResult, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, 0, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid finalize input")
	}
	if !input.Outcome.IsTerminal() {
		return nil, 0, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("outcome %q is not terminal", input.Outcome))
	}

	update := finalizeUpdate{
		Status:          input.Outcome,
		GatewayID:       optional(input.GatewayTransactionID),
		ResponseCode:    optional(input.ResponseCode),
		ResponseMessage: optional(input.ResponseMessage),
		FraudScore:      input.FraudScore,
		RawResponse:     input.RawPayload,
		ProcessedAt:     s.now().UTC(),
	}
	rows, err := s.repo.FinalizePending(ctx, input.TransactionID, update)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, 0, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "gateway transaction id belongs to another transaction")
		}
		return nil, 0, db.Classify(err, "finalize transaction")
	}

	txn, err := s.Get(ctx, input.TransactionID)
	if err != nil {
		return nil, 0, err
	}

	logCtx := s.logg.WithTransactionID(ctx, txn.ID.String())
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"outcome": input.Outcome,
		"status":  txn.Status,
		"source":  input.Source,
	})
	if rows == 0 {
		if txn.Status == enums.TransactionStatusPending {
			return nil, 0, pkgerrors.New(pkgerrors.CodeStateConflict, "transaction still pending after finalize")
		}
		s.logg.Debug(logCtx, "transaction already finalized")
		return txn, AlreadyFinalized, nil
	}

	s.metrics.IncFinalized(string(txn.Status), input.Source)
	s.logg.Info(logCtx, "transaction finalized")
	return txn, Finalized, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	txn, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, db.Classify(err, "load transaction")
	}
	if txn == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found")
	}
	return txn, nil
}

func (s *service) FindByGatewayTransactionID(ctx context.Context, gatewayID string) (*models.Transaction, error) {
	gatewayID = strings.TrimSpace(gatewayID)
	if gatewayID == "" {
		return nil, nil
	}
	txn, err := s.repo.FindByGatewayTransactionID(ctx, gatewayID)
	if err != nil {
		return nil, db.Classify(err, "load transaction by gateway id")
	}
	return txn, nil
}

// RecordSubmission marks a pending transaction as accepted by the gateway.
// An already recorded gateway id or submission time is kept.
func (s *service) RecordSubmission(ctx context.Context, id uuid.UUID, gatewayID string) error {
	if _, err := s.repo.RecordSubmission(ctx, id, optional(gatewayID), s.now().UTC()); err != nil {
		if db.IsUniqueViolation(err, "") {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "gateway transaction id belongs to another transaction")
		}
		return db.Classify(err, "record submission")
	}
	return nil
}

func (s *service) IncrementRetry(ctx context.Context, id uuid.UUID) (bool, error) {
	rows, err := s.repo.IncrementRetry(ctx, id)
	if err != nil {
		return false, db.Classify(err, "increment retry count")
	}
	return rows == 1, nil
}

func (s *service) ListByAccount(ctx context.Context, query ListQuery) (ListResult, error) {
	if query.AccountID == uuid.Nil {
		return ListResult{}, pkgerrors.New(pkgerrors.CodeValidation, "account id is required")
	}
	cursor, err := pagination.ParseCursor(query.Params.Cursor)
	if err != nil {
		return ListResult{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.ListByAccount(ctx, query.AccountID, cursor, query.Params.Limit)
	if err != nil {
		return ListResult{}, db.Classify(err, "list transactions")
	}

	page, last := pagination.Split(rows, query.Params.Limit)
	result := ListResult{Transactions: page}
	if last != nil {
		result.NextCursor = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return result, nil
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
