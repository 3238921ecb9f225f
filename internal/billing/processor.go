package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/recurring-billing/internal/gateway"
	"github.com/angelmondragon/recurring-billing/internal/ledger"
	"github.com/angelmondragon/recurring-billing/pkg/db/models"
	"github.com/angelmondragon/recurring-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
)

const defaultGatewayTimeout = 15 * time.Second

// AttemptStatus classifies what one charge attempt produced.
type AttemptStatus string

const (
	AttemptApproved  AttemptStatus = "approved"
	AttemptDeclined  AttemptStatus = "declined"
	AttemptFailed    AttemptStatus = "failed"
	AttemptPending   AttemptStatus = "pending"
	AttemptTransient AttemptStatus = "transient"
)

// Response codes recorded when the engine, not the gateway, ends an attempt.
const (
	ResponseRetriesExhausted = "RETRIES_EXHAUSTED"
)

// AttemptResult reports the stored transaction after an attempt.
// Finalized is true only when this attempt moved it out of pending.
type AttemptResult struct {
	Status      AttemptStatus
	Transaction *models.Transaction
	Finalized   bool
	// Cause is the gateway error behind a transient or failed attempt, if any.
	Cause error
}

// Terminal reports whether the attempt left the transaction finalized.
func (r AttemptResult) Terminal() bool {
	return r.Status == AttemptApproved || r.Status == AttemptDeclined || r.Status == AttemptFailed
}

// ChargeOnceInput requests an ad-hoc purchase.
type ChargeOnceInput struct {
	AccountID       uuid.UUID
	CustomerTokenID *uuid.UUID
	Amount          decimal.Decimal
	Currency        string
	MaxRetries      int
}

type tokenGetter interface {
	Get(ctx context.Context, tokenID uuid.UUID) (*models.CustomerToken, error)
}

// ProcessorParams wires the charge processor.
type ProcessorParams struct {
	Ledger  ledger.Service
	Tokens  tokenGetter
	Gateway gateway.Client
	Logger  *logger.Logger
	// Timeout bounds every gateway call.
	Timeout time.Duration
}

// Processor submits pending transactions to the gateway and records the outcome.
type Processor struct {
	ledger  ledger.Service
	tokens  tokenGetter
	gateway gateway.Client
	logg    *logger.Logger
	timeout time.Duration
}

// NewProcessor builds a charge processor.
func NewProcessor(params ProcessorParams) (*Processor, error) {
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger required")
	}
	if params.Tokens == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "token store required")
	}
	if params.Gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "gateway client required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	return &Processor{
		ledger:  params.Ledger,
		tokens:  params.Tokens,
		gateway: params.Gateway,
		logg:    params.Logger,
		timeout: timeout,
	}, nil
}

// ChargeOnce creates a purchase transaction and attempts it immediately.
func (p *Processor) ChargeOnce(ctx context.Context, input ChargeOnceInput) (AttemptResult, error) {
	txn, err := p.ledger.CreatePending(ctx, ledger.CreatePendingInput{
		AccountID:       input.AccountID,
		CustomerTokenID: input.CustomerTokenID,
		Type:            enums.TransactionTypePurchase,
		Amount:          input.Amount,
		Currency:        input.Currency,
		MaxRetries:      input.MaxRetries,
	})
	if err != nil {
		return AttemptResult{}, err
	}
	return p.Attempt(ctx, txn)
}

// Attempt submits txn to the gateway. The transaction id is both the gateway
// idempotency key and the reference, so resubmitting a pending transaction
// after a timeout cannot double charge.
//
// A transient gateway error keeps the transaction pending and consumes one
// retry; once retries are exhausted the transaction is finalized as failed.
// A non-pending transaction is reported as is without calling the gateway.
func (p *Processor) Attempt(ctx context.Context, txn *models.Transaction) (AttemptResult, error) {
	if txn == nil {
		return AttemptResult{}, pkgerrors.New(pkgerrors.CodeValidation, "transaction required")
	}
	ctx = p.logg.WithTransactionID(ctx, txn.ID.String())
	if txn.Status != enums.TransactionStatusPending {
		return resultFor(txn, false, nil), nil
	}

	token, err := p.tokens.Get(ctx, txn.CustomerTokenID)
	if err != nil {
		return AttemptResult{}, err
	}
	req := gateway.ChargeRequest{
		Token:          token.GatewayToken,
		Amount:         txn.Amount,
		Currency:       txn.Currency,
		Reference:      txn.ID.String(),
		IdempotencyKey: txn.ID.String(),
	}
	if token.GatewayCustomerID != nil {
		req.CustomerRef = *token.GatewayCustomerID
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	res, chargeErr := p.gateway.Charge(callCtx, req)
	cancel()

	switch {
	case chargeErr != nil && pkgerrors.IsRetryable(chargeErr):
		return p.handleTransient(ctx, txn, chargeErr)
	case chargeErr != nil:
		return p.finalize(ctx, txn, gateway.Outcome{
			Status:          enums.TransactionStatusFailed,
			ResponseCode:    string(pkgerrors.CodeOf(chargeErr)),
			ResponseMessage: chargeErr.Error(),
		}, chargeErr)
	case res.Pending:
		if err := p.ledger.RecordSubmission(ctx, txn.ID, res.GatewayTransactionID); err != nil {
			return AttemptResult{}, err
		}
		stored, err := p.ledger.Get(ctx, txn.ID)
		if err != nil {
			return AttemptResult{}, err
		}
		p.logg.Info(p.logg.WithField(ctx, "gateway_transaction_id", res.GatewayTransactionID), "charge accepted, awaiting gateway outcome")
		return resultFor(stored, false, nil), nil
	case res.Immediate != nil:
		outcome := *res.Immediate
		if outcome.GatewayTransactionID == "" {
			outcome.GatewayTransactionID = res.GatewayTransactionID
		}
		return p.finalize(ctx, txn, outcome, nil)
	default:
		return AttemptResult{}, pkgerrors.New(pkgerrors.CodeInternal, "gateway returned neither an outcome nor a pending acknowledgement")
	}
}

func (p *Processor) handleTransient(ctx context.Context, txn *models.Transaction, cause error) (AttemptResult, error) {
	incremented, err := p.ledger.IncrementRetry(ctx, txn.ID)
	if err != nil {
		return AttemptResult{}, err
	}
	if !incremented {
		return p.finalize(ctx, txn, gateway.Outcome{
			Status:          enums.TransactionStatusFailed,
			ResponseCode:    ResponseRetriesExhausted,
			ResponseMessage: cause.Error(),
		}, cause)
	}
	stored, err := p.ledger.Get(ctx, txn.ID)
	if err != nil {
		return AttemptResult{}, err
	}
	p.logg.Warn(p.logg.WithFields(ctx, map[string]any{
		"retry_count": stored.RetryCount,
		"max_retries": stored.MaxRetries,
		"error":       cause.Error(),
	}), "transient gateway error, transaction left pending")
	return AttemptResult{Status: AttemptTransient, Transaction: stored, Cause: cause}, nil
}

func (p *Processor) finalize(ctx context.Context, txn *models.Transaction, outcome gateway.Outcome, cause error) (AttemptResult, error) {
	stored, result, err := p.ledger.Finalize(ctx, ledger.FinalizeInput{
		TransactionID:        txn.ID,
		Outcome:              outcome.Status,
		GatewayTransactionID: outcome.GatewayTransactionID,
		ResponseCode:         outcome.ResponseCode,
		ResponseMessage:      outcome.ResponseMessage,
		RawPayload:           outcome.Raw,
		FraudScore:           outcome.FraudScore,
		Source:               ledger.SourceGateway,
	})
	if err != nil {
		return AttemptResult{}, err
	}
	return resultFor(stored, result == ledger.Finalized, cause), nil
}

func resultFor(txn *models.Transaction, finalized bool, cause error) AttemptResult {
	res := AttemptResult{Transaction: txn, Finalized: finalized, Cause: cause}
	switch txn.Status {
	case enums.TransactionStatusApproved:
		res.Status = AttemptApproved
	case enums.TransactionStatusDeclined:
		res.Status = AttemptDeclined
	case enums.TransactionStatusFailed:
		res.Status = AttemptFailed
	default:
		res.Status = AttemptPending
	}
	return res
}
