package tokens

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/recurring-billing/pkg/db"
	"github.com/angelmondragon/recurring-billing/pkg/db/dbtest"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
)

func newTestService(t *testing.T) (Service, Repository) {
	t.Helper()
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	svc, err := NewService(ServiceParams{
		Repo:   repo,
		TX:     db.NewFromGorm(conn),
		Logger: logger.New(logger.Options{ServiceName: "tokens-test"}),
		Now:    func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return svc, repo
}

func TestStoreReplacesActiveToken(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	account := uuid.New()

	first, err := svc.Store(ctx, StoreInput{AccountID: account, GatewayToken: "tok_1", Meta: MaskedMeta{Brand: "VISA", Last4: "4242"}})
	require.NoError(t, err)
	second, err := svc.Store(ctx, StoreInput{AccountID: account, GatewayToken: "tok_2"})
	require.NoError(t, err)

	active, err := svc.GetActive(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	old, err := repo.FindByID(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, old, "replaced tokens are retained")
	assert.False(t, old.Active)
	assert.NotNil(t, old.DeactivatedAt)
	assert.Equal(t, "4242", *old.CardLast4)
}

func TestStoreScopesActiveTokenByPurpose(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account := uuid.New()

	_, err := svc.Store(ctx, StoreInput{AccountID: account, GatewayToken: "tok_billing"})
	require.NoError(t, err)
	_, err = svc.Store(ctx, StoreInput{AccountID: account, Purpose: "addons", GatewayToken: "tok_addons"})
	require.NoError(t, err)

	billing, err := svc.GetActive(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, "tok_billing", billing.GatewayToken)

	addons, err := svc.GetActiveForPurpose(ctx, account, "addons")
	require.NoError(t, err)
	assert.Equal(t, "tok_addons", addons.GatewayToken)
}

func TestStoreRejectsUnmaskedCardData(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Store(context.Background(), StoreInput{
		AccountID:    uuid.New(),
		GatewayToken: "tok_1",
		Meta:         MaskedMeta{Last4: "4242424242424242"},
	})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))
}

func TestStoreRejectsCardNumberAsBrand(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for _, brand := range []string{"4242424242424242", "4242 4242 4242 4242", "VISA4242", "1"} {
		_, err := svc.Store(ctx, StoreInput{
			AccountID:    uuid.New(),
			GatewayToken: "tok_" + brand,
			Meta:         MaskedMeta{Brand: brand, Last4: "4242"},
		})
		require.Error(t, err, brand)
		assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err), brand)
	}

	_, err := svc.Store(ctx, StoreInput{AccountID: uuid.New(), GatewayToken: "tok_amex", Meta: MaskedMeta{Brand: "AMERICAN_EXPRESS"}})
	require.NoError(t, err)

	_, err = svc.UpdateMaskedMeta(ctx, "tok_amex", MaskedMeta{Brand: "378282246310005"})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))
}

func TestStoreRejectsDuplicateGatewayToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Store(ctx, StoreInput{AccountID: uuid.New(), GatewayToken: "tok_dup"})
	require.NoError(t, err)
	_, err = svc.Store(ctx, StoreInput{AccountID: uuid.New(), GatewayToken: "tok_dup"})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeConflict, pkgerrors.CodeOf(err))
}

func TestGetActiveWithoutTokenIsConfigurationError(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetActive(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, IsNoActiveToken(err))
	assert.Equal(t, pkgerrors.CodeConfiguration, pkgerrors.CodeOf(err))
}

func TestDeactivateKeepsRow(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	account := uuid.New()
	token, err := svc.Store(ctx, StoreInput{AccountID: account, GatewayToken: "tok_1"})
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, token.ID))
	require.NoError(t, svc.Deactivate(ctx, token.ID), "deactivate is idempotent")

	_, err = svc.GetActive(ctx, account)
	assert.True(t, IsNoActiveToken(err))

	row, err := repo.FindByID(ctx, token.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.False(t, row.Active)

	err = svc.Deactivate(ctx, uuid.New())
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
}

func TestUpdateMaskedMeta(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	token, err := svc.Store(ctx, StoreInput{AccountID: uuid.New(), GatewayToken: "tok_meta"})
	require.NoError(t, err)

	_, err = svc.UpdateMaskedMeta(ctx, "tok_meta", MaskedMeta{Brand: "MASTERCARD", Last4: "1111", ExpMonth: 9, ExpYear: 2030})
	require.NoError(t, err)

	row, err := repo.FindByID(ctx, token.ID)
	require.NoError(t, err)
	assert.Equal(t, "MASTERCARD", *row.CardBrand)
	assert.Equal(t, "1111", *row.CardLast4)
	assert.Equal(t, 9, *row.CardExpMonth)

	_, err = svc.UpdateMaskedMeta(ctx, "tok_missing", MaskedMeta{Last4: "1111"})
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
}
