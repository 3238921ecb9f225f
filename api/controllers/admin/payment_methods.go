package admin

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/recurring-billing/api/responses"
	"github.com/angelmondragon/recurring-billing/api/validators"
	"github.com/angelmondragon/recurring-billing/internal/tokens"
	"github.com/angelmondragon/recurring-billing/pkg/db/models"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
)

type tokenStore interface {
	Store(ctx context.Context, input tokens.StoreInput) (*models.CustomerToken, error)
}

type tokenDeactivator interface {
	Get(ctx context.Context, tokenID uuid.UUID) (*models.CustomerToken, error)
	Deactivate(ctx context.Context, tokenID uuid.UUID) error
}

type storePaymentMethodRequest struct {
	Purpose           string `json:"purpose" validate:"omitempty,max=64"`
	GatewayToken      string `json:"gateway_token" validate:"required,max=255"`
	GatewayCustomerID string `json:"gateway_customer_id" validate:"omitempty,max=255"`
	Brand             string `json:"brand" validate:"omitempty,max=32,excludesall=0123456789"`
	Last4             string `json:"last4" validate:"omitempty,len=4"`
	ExpMonth          int    `json:"exp_month" validate:"omitempty,min=1,max=12"`
	ExpYear           int    `json:"exp_year" validate:"omitempty,min=2000,max=2100"`
}

// StorePaymentMethod registers a vaulted card token and makes it the
// account's active payment method for the purpose.
func StorePaymentMethod(svc tokenStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "token store unavailable"))
			return
		}
		accountID, err := validators.ParseUUIDParam(r, "accountId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req storePaymentMethodRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		token, err := svc.Store(r.Context(), tokens.StoreInput{
			AccountID:         accountID,
			Purpose:           req.Purpose,
			GatewayToken:      req.GatewayToken,
			GatewayCustomerID: req.GatewayCustomerID,
			Meta: tokens.MaskedMeta{
				Brand:    req.Brand,
				Last4:    req.Last4,
				ExpMonth: req.ExpMonth,
				ExpYear:  req.ExpYear,
			},
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, token)
	}
}

// DeactivatePaymentMethod retires one of the account's payment methods. The
// row is kept for history; repeating the call is a no-op.
func DeactivatePaymentMethod(svc tokenDeactivator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "token store unavailable"))
			return
		}
		accountID, err := validators.ParseUUIDParam(r, "accountId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		tokenID, err := validators.ParseUUIDParam(r, "id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		token, err := svc.Get(r.Context(), tokenID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if token.AccountID != accountID {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "customer token not found"))
			return
		}
		if err := svc.Deactivate(r.Context(), tokenID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		token, err = svc.Get(r.Context(), tokenID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, token)
	}
}
