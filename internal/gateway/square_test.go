package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	sq "github.com/square/square-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/recurring-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
	"github.com/angelmondragon/recurring-billing/pkg/square"
)

type fakeSquare struct {
	payment *sq.Payment
	err     error
	params  square.PaymentCreateParams
}

func (f *fakeSquare) CreatePayment(ctx context.Context, params square.PaymentCreateParams) (*sq.Payment, error) {
	f.params = params
	return f.payment, f.err
}

func strPtr(v string) *string { return &v }

func chargeRequest() ChargeRequest {
	return ChargeRequest{
		Token:          "ccof_1",
		CustomerRef:    "cust_1",
		Amount:         decimal.RequireFromString("29.99"),
		Currency:       "USD",
		Reference:      "txn-1",
		IdempotencyKey: "txn-1",
	}
}

func TestChargeMapsPaymentStatus(t *testing.T) {
	tests := []struct {
		status  string
		want    enums.TransactionStatus
		pending bool
	}{
		{"COMPLETED", enums.TransactionStatusApproved, false},
		{"APPROVED", enums.TransactionStatusApproved, false},
		{"FAILED", enums.TransactionStatusFailed, false},
		{"CANCELED", enums.TransactionStatusDeclined, false},
		{"PENDING", "", true},
	}
	for _, tt := range tests {
		fake := &fakeSquare{payment: &sq.Payment{ID: strPtr("pay_1"), Status: strPtr(tt.status)}}
		client, err := NewSquareClient(fake)
		require.NoError(t, err)

		res, err := client.Charge(context.Background(), chargeRequest())
		require.NoError(t, err, tt.status)
		assert.Equal(t, "pay_1", res.GatewayTransactionID)
		if tt.pending {
			assert.True(t, res.Pending)
			assert.Nil(t, res.Immediate)
			continue
		}
		require.NotNil(t, res.Immediate, tt.status)
		assert.Equal(t, tt.want, res.Immediate.Status, tt.status)
		assert.NotEmpty(t, res.Immediate.Raw)
	}
}

func TestChargeSendsStableIdempotencyKey(t *testing.T) {
	fake := &fakeSquare{payment: &sq.Payment{ID: strPtr("pay_1"), Status: strPtr("COMPLETED")}}
	client, err := NewSquareClient(fake)
	require.NoError(t, err)

	_, err = client.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(2999), fake.params.AmountCents)
	assert.Equal(t, "txn-1", fake.params.IdempotencyKey)
	assert.Equal(t, "txn-1", fake.params.ReferenceID)
	assert.Equal(t, "ccof_1", fake.params.SourceID)
}

func TestChargeClassifiesErrors(t *testing.T) {
	decline := pkgerrors.New(pkgerrors.CodeGatewayDecline, "declined").
		WithDetails(square.DeclineDetails{Code: "CARD_DECLINED", Detail: "no"})

	client, err := NewSquareClient(&fakeSquare{err: decline})
	require.NoError(t, err)
	res, err := client.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)
	require.NotNil(t, res.Immediate)
	assert.Equal(t, enums.TransactionStatusDeclined, res.Immediate.Status)
	assert.Equal(t, "CARD_DECLINED", res.Immediate.ResponseCode)

	client, _ = NewSquareClient(&fakeSquare{err: pkgerrors.New(pkgerrors.CodeValidation, "bad source")})
	res, err = client.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusFailed, res.Immediate.Status)
	assert.Equal(t, string(pkgerrors.CodeValidation), res.Immediate.ResponseCode)

	for _, transient := range []error{
		errors.New("connection reset"),
		pkgerrors.New(pkgerrors.CodeRateLimit, "slow down"),
		pkgerrors.New(pkgerrors.CodeGatewayTransient, "503"),
	} {
		client, _ = NewSquareClient(&fakeSquare{err: transient})
		_, err = client.Charge(context.Background(), chargeRequest())
		assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeGatewayTransient), transient.Error())
	}
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(2999), MinorUnits(decimal.RequireFromString("29.99")))
	assert.Equal(t, int64(100), MinorUnits(decimal.RequireFromString("1")))
	assert.Equal(t, int64(1001), MinorUnits(decimal.RequireFromString("10.005")))
}
