package schedules

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/recurring-billing/internal/retry"
	"github.com/angelmondragon/recurring-billing/pkg/db/models"
	"github.com/angelmondragon/recurring-billing/pkg/enums"
)

// Advance returns the cycle date one cadence after cycle. Monthly, quarterly
// and yearly cadences land on anchorDay, clamped to the last day of the
// target month, so a schedule started on the 31st bills on Feb 28/29 and
// returns to the 31st afterwards.
func Advance(cadence enums.Cadence, cycle time.Time, anchorDay int) time.Time {
	switch cadence {
	case enums.CadenceWeekly:
		return cycle.AddDate(0, 0, 7)
	case enums.CadenceQuarterly:
		return addMonths(cycle, 3, anchorDay)
	case enums.CadenceYearly:
		return addMonths(cycle, 12, anchorDay)
	default:
		return addMonths(cycle, 1, anchorDay)
	}
}

func addMonths(from time.Time, months, anchorDay int) time.Time {
	if anchorDay < 1 {
		anchorDay = from.Day()
	}
	// Day 1 never overflows, so AddDate lands in the intended month.
	first := time.Date(from.Year(), from.Month(), 1, from.Hour(), from.Minute(), from.Second(), from.Nanosecond(), from.Location())
	target := first.AddDate(0, months, 0)
	day := min(anchorDay, daysIn(target.Year(), target.Month(), target.Location()))
	return time.Date(target.Year(), target.Month(), day, from.Hour(), from.Minute(), from.Second(), from.Nanosecond(), from.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// ApplyApproved advances s past the paid cycle. The next cycle is computed
// from CycleDate, never from the processing time, so late charges do not
// drift the billing day. A schedule whose next cycle falls after its end
// date is cancelled. Paused and cancelled schedules keep their status.
func ApplyApproved(s models.RecurringSchedule, txnID *uuid.UUID, now time.Time) models.RecurringSchedule {
	next := Advance(s.Cadence, s.CycleDate, s.StartDate.Day())
	s.CycleDate = next
	s.NextBillingDate = next
	s.FailedAttemptCount = 0
	s.LastFailureReason = nil
	s.PendingTransactionID = nil
	s.LastProcessedAt = &now
	if txnID != nil {
		id := *txnID
		s.LastTransactionID = &id
	}
	if s.EndDate != nil && next.After(*s.EndDate) && s.Status != enums.ScheduleStatusCancelled {
		s.Status = enums.ScheduleStatusCancelled
		s.CancelledAt = &now
	}
	return s
}

// ApplyFailure counts a declined or failed charge. Below the limit the next
// attempt is scheduled from policy; at the limit an active schedule becomes
// failed and NextBillingDate is left where it was.
func ApplyFailure(s models.RecurringSchedule, txnID *uuid.UUID, reason string, now time.Time, policy retry.Policy) models.RecurringSchedule {
	s.FailedAttemptCount++
	s.PendingTransactionID = nil
	s.LastProcessedAt = &now
	if reason != "" {
		r := reason
		s.LastFailureReason = &r
	}
	if txnID != nil {
		id := *txnID
		s.LastTransactionID = &id
	}

	if s.FailedAttemptCount >= s.MaxFailedAttempts {
		if s.Status == enums.ScheduleStatusActive {
			s.Status = enums.ScheduleStatusFailed
		}
		return s
	}
	decision := retry.NextAttempt(s.FailedAttemptCount, policy.WithMaxAttempts(s.MaxFailedAttempts), now)
	if decision.ShouldRetry {
		s.NextBillingDate = decision.NotBefore
	}
	return s
}

// ApplyPending records the in-flight transaction for the current cycle and,
// when notBefore is set, defers the next look at the schedule.
func ApplyPending(s models.RecurringSchedule, txnID uuid.UUID, notBefore *time.Time, now time.Time) models.RecurringSchedule {
	id := txnID
	s.PendingTransactionID = &id
	s.LastProcessedAt = &now
	if notBefore != nil {
		s.NextBillingDate = *notBefore
	}
	return s
}

// ApplyOutcome routes a terminal transaction status to the matching transition.
func ApplyOutcome(s models.RecurringSchedule, outcome Outcome, now time.Time, policy retry.Policy) models.RecurringSchedule {
	if outcome.Status == enums.TransactionStatusApproved {
		return ApplyApproved(s, outcome.TransactionID, now)
	}
	return ApplyFailure(s, outcome.TransactionID, outcome.Reason, now, policy)
}
