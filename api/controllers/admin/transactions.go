package admin

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/recurring-billing/api/responses"
	"github.com/angelmondragon/recurring-billing/api/validators"
	"github.com/angelmondragon/recurring-billing/internal/billing"
	"github.com/angelmondragon/recurring-billing/internal/ledger"
	"github.com/angelmondragon/recurring-billing/pkg/db/models"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
	"github.com/angelmondragon/recurring-billing/pkg/pagination"
)

type transactionReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	ListByAccount(ctx context.Context, query ledger.ListQuery) (ledger.ListResult, error)
}

type oneOffCharger interface {
	ChargeOnce(ctx context.Context, input billing.ChargeOnceInput) (billing.AttemptResult, error)
}

// GetTransaction returns a single ledger entry.
func GetTransaction(svc transactionReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger unavailable"))
			return
		}
		id, err := validators.ParseUUIDParam(r, "id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		txn, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, txn)
	}
}

// ListAccountTransactions pages an account's transactions newest first.
func ListAccountTransactions(svc transactionReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger unavailable"))
			return
		}
		accountID, err := validators.ParseUUIDParam(r, "accountId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		cursor, err := validators.ParseQueryString(r, "cursor", 256)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		page, err := svc.ListByAccount(r.Context(), ledger.ListQuery{
			AccountID: accountID,
			Params:    pagination.Params{Limit: limit, Cursor: cursor},
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, page)
	}
}

type chargeRequest struct {
	CustomerTokenID string          `json:"customer_token_id" validate:"omitempty,uuid"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency" validate:"required,len=3"`
	MaxRetries      int             `json:"max_retries" validate:"min=0,max=10"`
}

type chargeResponse struct {
	Status      billing.AttemptStatus `json:"status"`
	Transaction *models.Transaction   `json:"transaction"`
}

// CreateCharge runs an ad-hoc purchase against the account's payment method.
func CreateCharge(svc oneOffCharger, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "charge processor unavailable"))
			return
		}
		accountID, err := validators.ParseUUIDParam(r, "accountId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req chargeRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !req.Amount.IsPositive() {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive"))
			return
		}

		input := billing.ChargeOnceInput{
			AccountID:  accountID,
			Amount:     req.Amount,
			Currency:   strings.ToUpper(req.Currency),
			MaxRetries: req.MaxRetries,
		}
		if req.CustomerTokenID != "" {
			tokenID := uuid.MustParse(req.CustomerTokenID)
			input.CustomerTokenID = &tokenID
		}

		result, err := svc.ChargeOnce(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, chargeResponse{
			Status:      result.Status,
			Transaction: result.Transaction,
		})
	}
}
