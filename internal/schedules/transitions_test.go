package schedules

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/recurring-billing/internal/retry"
	"github.com/angelmondragon/recurring-billing/pkg/db/models"
	"github.com/angelmondragon/recurring-billing/pkg/enums"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var chargePolicy = retry.Policy{MaxAttempts: 3, BaseDelay: 24 * time.Hour, Multiplier: 2, Cap: 7 * 24 * time.Hour}

func monthly(start time.Time) models.RecurringSchedule {
	return models.RecurringSchedule{
		ID:                uuid.New(),
		Amount:            decimal.RequireFromString("29.99"),
		Currency:          "USD",
		Cadence:           enums.CadenceMonthly,
		StartDate:         start,
		CycleDate:         start,
		NextBillingDate:   start,
		Status:            enums.ScheduleStatusActive,
		MaxFailedAttempts: 3,
	}
}

func TestAdvance(t *testing.T) {
	tests := []struct {
		name    string
		cadence enums.Cadence
		from    time.Time
		anchor  int
		want    time.Time
	}{
		{"weekly", enums.CadenceWeekly, date(2024, 1, 29), 29, date(2024, 2, 5)},
		{"monthly", enums.CadenceMonthly, date(2024, 1, 1), 1, date(2024, 2, 1)},
		{"monthly clamps to leap february", enums.CadenceMonthly, date(2024, 1, 31), 31, date(2024, 2, 29)},
		{"monthly clamps to february", enums.CadenceMonthly, date(2023, 1, 31), 31, date(2023, 2, 28)},
		{"monthly returns to anchor", enums.CadenceMonthly, date(2024, 2, 29), 31, date(2024, 3, 31)},
		{"monthly thirtieth after clamp", enums.CadenceMonthly, date(2024, 2, 29), 30, date(2024, 3, 30)},
		{"quarterly", enums.CadenceQuarterly, date(2024, 11, 30), 30, date(2025, 2, 28)},
		{"yearly leap day", enums.CadenceYearly, date(2024, 2, 29), 29, date(2025, 2, 28)},
		{"yearly back to leap day", enums.CadenceYearly, date(2027, 2, 28), 29, date(2028, 2, 29)},
		{"december rollover", enums.CadenceMonthly, date(2024, 12, 15), 15, date(2025, 1, 15)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Advance(tt.cadence, tt.from, tt.anchor))
		})
	}
}

func TestAdvanceKeepsTimeOfDay(t *testing.T) {
	from := time.Date(2024, 1, 31, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 2, 29, 9, 30, 0, 0, time.UTC), Advance(enums.CadenceMonthly, from, 31))
}

func TestApplyApprovedAdvancesFromCycleDate(t *testing.T) {
	s := monthly(date(2024, 1, 1))
	s.FailedAttemptCount = 2
	s.NextBillingDate = date(2024, 1, 5) // pushed by earlier retries
	txn := uuid.New()
	s.PendingTransactionID = &txn

	// Processed late: the next cycle still follows the original billing day.
	got := ApplyApproved(s, &txn, date(2024, 1, 6))
	assert.Equal(t, date(2024, 2, 1), got.NextBillingDate)
	assert.Equal(t, date(2024, 2, 1), got.CycleDate)
	assert.Zero(t, got.FailedAttemptCount)
	assert.Nil(t, got.PendingTransactionID)
	assert.Nil(t, got.LastFailureReason)
	require.NotNil(t, got.LastTransactionID)
	assert.Equal(t, txn, *got.LastTransactionID)
	assert.Equal(t, enums.ScheduleStatusActive, got.Status)
}

func TestApplyApprovedNoDriftOverManyCycles(t *testing.T) {
	s := monthly(date(2024, 1, 31))
	want := []time.Time{date(2024, 2, 29), date(2024, 3, 31), date(2024, 4, 30), date(2024, 5, 31)}
	for _, expected := range want {
		s = ApplyApproved(s, nil, s.NextBillingDate.Add(36*time.Hour))
		assert.Equal(t, expected, s.NextBillingDate)
	}
}

func TestApplyApprovedCancelsAfterEndDate(t *testing.T) {
	s := monthly(date(2024, 1, 1))
	end := date(2024, 1, 20)
	s.EndDate = &end

	got := ApplyApproved(s, nil, date(2024, 1, 1))
	assert.Equal(t, enums.ScheduleStatusCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)
}

func TestApplyApprovedKeepsPausedStatus(t *testing.T) {
	s := monthly(date(2024, 1, 1))
	s.Status = enums.ScheduleStatusPaused
	got := ApplyApproved(s, nil, date(2024, 1, 1))
	assert.Equal(t, enums.ScheduleStatusPaused, got.Status)
	assert.Equal(t, date(2024, 2, 1), got.NextBillingDate)
}

func TestApplyFailureSchedulesRetryThenFails(t *testing.T) {
	s := monthly(date(2024, 1, 1))
	now := date(2024, 1, 1)

	s = ApplyFailure(s, nil, "CARD_DECLINED", now, chargePolicy)
	assert.Equal(t, 1, s.FailedAttemptCount)
	assert.Equal(t, enums.ScheduleStatusActive, s.Status)
	assert.Equal(t, now.Add(24*time.Hour), s.NextBillingDate)
	assert.Equal(t, date(2024, 1, 1), s.CycleDate)
	assert.Equal(t, "CARD_DECLINED", *s.LastFailureReason)

	now = s.NextBillingDate
	s = ApplyFailure(s, nil, "CARD_DECLINED", now, chargePolicy)
	assert.Equal(t, 2, s.FailedAttemptCount)
	assert.Equal(t, now.Add(48*time.Hour), s.NextBillingDate)

	before := s.NextBillingDate
	s = ApplyFailure(s, nil, "CARD_DECLINED", s.NextBillingDate, chargePolicy)
	assert.Equal(t, 3, s.FailedAttemptCount)
	assert.Equal(t, enums.ScheduleStatusFailed, s.Status)
	assert.Equal(t, before, s.NextBillingDate, "failed schedules keep their billing date")
}

func TestApplyFailureOnCancelledKeepsStatus(t *testing.T) {
	s := monthly(date(2024, 1, 1))
	s.Status = enums.ScheduleStatusCancelled
	s.FailedAttemptCount = 2
	got := ApplyFailure(s, nil, "FAILED", date(2024, 1, 2), chargePolicy)
	assert.Equal(t, enums.ScheduleStatusCancelled, got.Status)
	assert.Equal(t, 3, got.FailedAttemptCount)
}

func TestApplyPending(t *testing.T) {
	s := monthly(date(2024, 1, 1))
	txn := uuid.New()
	later := date(2024, 1, 1).Add(5 * time.Minute)

	got := ApplyPending(s, txn, &later, date(2024, 1, 1))
	assert.Equal(t, txn, *got.PendingTransactionID)
	assert.Equal(t, later, got.NextBillingDate)
	assert.Equal(t, date(2024, 1, 1), got.CycleDate)

	got = ApplyPending(s, txn, nil, date(2024, 1, 1))
	assert.Equal(t, date(2024, 1, 1), got.NextBillingDate)
}
