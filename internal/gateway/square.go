package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sq "github.com/square/square-go-sdk"

	"github.com/angelmondragon/recurring-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
	"github.com/angelmondragon/recurring-billing/pkg/square"
)

// paymentCreator is the part of pkg/square the adapter needs.
type paymentCreator interface {
	CreatePayment(ctx context.Context, params square.PaymentCreateParams) (*sq.Payment, error)
}

// SquareClient charges card-on-file tokens through the Square Payments API.
type SquareClient struct {
	square paymentCreator
}

// NewSquareClient wraps the shared pkg/square client.
func NewSquareClient(client paymentCreator) (*SquareClient, error) {
	if client == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "square client required")
	}
	return &SquareClient{square: client}, nil
}

func (c *SquareClient) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if strings.TrimSpace(req.Token) == "" {
		return ChargeResult{}, pkgerrors.New(pkgerrors.CodeValidation, "charge token required")
	}
	payment, err := c.square.CreatePayment(ctx, square.PaymentCreateParams{
		AmountCents:    MinorUnits(req.Amount),
		Currency:       req.Currency,
		CustomerID:     req.CustomerRef,
		SourceID:       req.Token,
		IdempotencyKey: req.IdempotencyKey,
		ReferenceID:    req.Reference,
	})
	if err != nil {
		return classifyError(err)
	}
	if payment == nil {
		return ChargeResult{}, pkgerrors.New(pkgerrors.CodeGatewayTransient, "square returned no payment")
	}

	raw, _ := json.Marshal(payment)
	gatewayID := deref(payment.GetID())
	status := PaymentStatus(deref(payment.GetStatus()))
	if status == enums.TransactionStatusPending {
		return ChargeResult{Pending: true, GatewayTransactionID: gatewayID, Raw: raw}, nil
	}
	return ChargeResult{
		GatewayTransactionID: gatewayID,
		Raw:                  raw,
		Immediate: &Outcome{
			Status:               status,
			GatewayTransactionID: gatewayID,
			ResponseCode:         deref(payment.GetStatus()),
			FraudScore:           riskLevel(payment),
			Raw:                  raw,
		},
	}, nil
}

// PaymentStatus maps a Square payment status onto a transaction status.
// Unknown values are treated as still pending.
func PaymentStatus(status string) enums.TransactionStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETED", "APPROVED":
		return enums.TransactionStatusApproved
	case "FAILED":
		return enums.TransactionStatusFailed
	case "CANCELED":
		return enums.TransactionStatusDeclined
	default:
		return enums.TransactionStatusPending
	}
}

func classifyError(err error) (ChargeResult, error) {
	typed := pkgerrors.As(err)
	switch {
	case pkgerrors.HasCode(err, pkgerrors.CodeGatewayDecline):
		outcome := &Outcome{Status: enums.TransactionStatusDeclined, ResponseCode: "DECLINED"}
		if typed != nil {
			if details, ok := typed.Details().(square.DeclineDetails); ok {
				outcome.ResponseCode = details.Code
				outcome.ResponseMessage = details.Detail
			}
		}
		return ChargeResult{Immediate: outcome}, nil
	case pkgerrors.IsRetryable(err) || typed == nil:
		if pkgerrors.HasCode(err, pkgerrors.CodeGatewayTransient) {
			return ChargeResult{}, err
		}
		return ChargeResult{}, pkgerrors.Wrap(pkgerrors.CodeGatewayTransient, err, "gateway unavailable")
	default:
		return ChargeResult{Immediate: &Outcome{
			Status:          enums.TransactionStatusFailed,
			ResponseCode:    string(typed.Code()),
			ResponseMessage: typed.Message(),
		}}, nil
	}
}

func riskLevel(payment *sq.Payment) *string {
	if payment == nil || payment.RiskEvaluation == nil || payment.RiskEvaluation.RiskLevel == nil {
		return nil
	}
	level := fmt.Sprint(*payment.RiskEvaluation.RiskLevel)
	return &level
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
