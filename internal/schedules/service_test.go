package schedules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/recurring-billing/internal/tokens"
	"github.com/angelmondragon/recurring-billing/pkg/db"
	"github.com/angelmondragon/recurring-billing/pkg/db/dbtest"
	"github.com/angelmondragon/recurring-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
)

type fixture struct {
	svc     Service
	repo    Repository
	tokens  tokens.Service
	account uuid.UUID
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	logg := logger.New(logger.Options{ServiceName: "schedules-test"})
	f := &fixture{account: uuid.New(), now: date(2024, 1, 1)}

	tokenSvc, err := tokens.NewService(tokens.ServiceParams{
		Repo:   tokens.NewRepository(conn),
		TX:     db.NewFromGorm(conn),
		Logger: logg,
	})
	require.NoError(t, err)
	_, err = tokenSvc.Store(context.Background(), tokens.StoreInput{AccountID: f.account, GatewayToken: "ccof_sched"})
	require.NoError(t, err)

	f.repo = NewRepository(conn)
	f.tokens = tokenSvc
	f.svc, err = NewService(ServiceParams{
		Repo:         f.repo,
		Tokens:       tokenSvc,
		ChargePolicy: chargePolicy,
		Logger:       logg,
		Now:          func() time.Time { return f.now },
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) create(t *testing.T) uuid.UUID {
	t.Helper()
	s, err := f.svc.Create(context.Background(), CreateInput{
		AccountID: f.account,
		Amount:    decimal.RequireFromString("29.99"),
		Currency:  "usd",
		Cadence:   enums.CadenceMonthly,
		StartDate: date(2024, 1, 1),
	})
	require.NoError(t, err)
	return s.ID
}

func TestCreateDefaults(t *testing.T) {
	f := newFixture(t)
	s, err := f.svc.Get(context.Background(), f.create(t))
	require.NoError(t, err)

	assert.Equal(t, enums.ScheduleStatusActive, s.Status)
	assert.Equal(t, "USD", s.Currency)
	assert.Equal(t, defaultMaxFailedAttempts, s.MaxFailedAttempts)
	assert.True(t, s.NextBillingDate.Equal(date(2024, 1, 1)))
	assert.True(t, s.CycleDate.Equal(date(2024, 1, 1)))
	assert.Zero(t, s.Version)
}

func TestCreateRequiresActiveToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), CreateInput{
		AccountID: uuid.New(),
		Amount:    decimal.RequireFromString("5.00"),
		Currency:  "USD",
		Cadence:   enums.CadenceWeekly,
		StartDate: date(2024, 1, 1),
	})
	assert.Equal(t, pkgerrors.CodeConfiguration, pkgerrors.CodeOf(err))
}

func TestCreateValidates(t *testing.T) {
	f := newFixture(t)
	end := date(2023, 12, 1)
	inputs := []CreateInput{
		{AccountID: f.account, Amount: decimal.RequireFromString("5"), Currency: "USD", Cadence: "daily", StartDate: date(2024, 1, 1)},
		{AccountID: f.account, Amount: decimal.Zero, Currency: "USD", Cadence: enums.CadenceWeekly, StartDate: date(2024, 1, 1)},
		{AccountID: f.account, Amount: decimal.RequireFromString("5"), Currency: "US", Cadence: enums.CadenceWeekly, StartDate: date(2024, 1, 1)},
		{AccountID: f.account, Amount: decimal.RequireFromString("5"), Currency: "USD", Cadence: enums.CadenceWeekly},
		{AccountID: f.account, Amount: decimal.RequireFromString("5"), Currency: "USD", Cadence: enums.CadenceWeekly, StartDate: date(2024, 1, 1), EndDate: &end},
	}
	for i, input := range inputs {
		_, err := f.svc.Create(context.Background(), input)
		assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err), "input %d", i)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)

	s, err := f.svc.Pause(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, enums.ScheduleStatusPaused, s.Status)
	assert.Equal(t, int64(1), s.Version)

	s, err = f.svc.Pause(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Version, "pausing twice is a no-op")

	s, err = f.svc.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, enums.ScheduleStatusActive, s.Status)

	s, err = f.svc.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, enums.ScheduleStatusCancelled, s.Status)
	assert.NotNil(t, s.CancelledAt)

	_, err = f.svc.Resume(ctx, id)
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.CodeOf(err))
	_, err = f.svc.Pause(ctx, id)
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.CodeOf(err))

	_, err = f.svc.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestApplyOutcomeOnlyForCurrentTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)
	txn := uuid.New()

	_, applied, err := f.svc.ApplyOutcome(ctx, id, Outcome{TransactionID: &txn, Status: enums.TransactionStatusApproved})
	require.NoError(t, err)
	assert.False(t, applied, "outcome for a transaction the schedule never started is ignored")

	_, err = f.svc.MarkPending(ctx, id, txn, nil)
	require.NoError(t, err)

	s, applied, err := f.svc.ApplyOutcome(ctx, id, Outcome{TransactionID: &txn, Status: enums.TransactionStatusApproved})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, s.NextBillingDate.Equal(date(2024, 2, 1)))

	s, applied, err = f.svc.ApplyOutcome(ctx, id, Outcome{TransactionID: &txn, Status: enums.TransactionStatusApproved})
	require.NoError(t, err)
	assert.False(t, applied, "the same transaction is applied once")
	assert.True(t, s.NextBillingDate.Equal(date(2024, 2, 1)))
}

func TestApplyOutcomeWithoutTransactionCountsFailure(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	s, applied, err := f.svc.ApplyOutcome(context.Background(), id, Outcome{
		Status: enums.TransactionStatusFailed,
		Reason: "no active payment method",
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, s.FailedAttemptCount)
	assert.Equal(t, "no active payment method", *s.LastFailureReason)
}

func TestMarkPendingRejectsDifferentTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)

	_, err := f.svc.MarkPending(ctx, id, uuid.New(), nil)
	require.NoError(t, err)
	_, err = f.svc.MarkPending(ctx, id, uuid.New(), nil)
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.CodeOf(err))
}

func TestVersionCASRejectsStaleWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)

	stale, err := f.repo.FindByID(ctx, id)
	require.NoError(t, err)
	_, err = f.svc.Pause(ctx, id)
	require.NoError(t, err)

	stale.Status = enums.ScheduleStatusCancelled
	rows, err := f.repo.UpdateState(ctx, stale, stale.Version)
	require.NoError(t, err)
	assert.Zero(t, rows)

	current, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, enums.ScheduleStatusPaused, current.Status)
}

func TestClaimIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)
	now := date(2024, 1, 1).Add(time.Hour)

	due, err := f.svc.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			ok, err := f.svc.Claim(ctx, id, owner, time.Minute, now)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(uuid.NewString())
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	due, err = f.svc.ListDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "claimed schedules are not listed")

	due, err = f.svc.ListDue(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1, "expired claims are listed again")
}

func TestReleaseRequiresOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)
	now := date(2024, 1, 1)

	ok, err := f.svc.Claim(ctx, id, "worker-a", time.Hour, now)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.svc.Release(ctx, id, "worker-b"))
	ok, err = f.svc.Claim(ctx, id, "worker-b", time.Hour, now)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.svc.Release(ctx, id, "worker-a"))
	ok, err = f.svc.Claim(ctx, id, "worker-b", time.Hour, now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListDueKeepsPausedScheduleWithInFlightTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	idle := f.create(t)
	inFlight := f.create(t)
	now := date(2024, 1, 1).Add(time.Hour)

	_, err := f.svc.MarkPending(ctx, inFlight, uuid.New(), nil)
	require.NoError(t, err)
	for _, id := range []uuid.UUID{idle, inFlight} {
		_, err = f.svc.Pause(ctx, id)
		require.NoError(t, err)
	}

	due, err := f.svc.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, inFlight, due[0].ID)

	ok, err := f.svc.Claim(ctx, idle, "worker-a", time.Minute, now)
	require.NoError(t, err)
	assert.False(t, ok, "paused schedules with nothing in flight are not claimable")
	ok, err = f.svc.Claim(ctx, inFlight, "worker-a", time.Minute, now)
	require.NoError(t, err)
	assert.True(t, ok)
}
