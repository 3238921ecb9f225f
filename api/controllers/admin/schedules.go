package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/recurring-billing/api/responses"
	"github.com/angelmondragon/recurring-billing/api/validators"
	"github.com/angelmondragon/recurring-billing/internal/schedules"
	"github.com/angelmondragon/recurring-billing/pkg/db/models"
	"github.com/angelmondragon/recurring-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
)

type scheduleService interface {
	Create(ctx context.Context, input schedules.CreateInput) (*models.RecurringSchedule, error)
	Get(ctx context.Context, id uuid.UUID) (*models.RecurringSchedule, error)
	Pause(ctx context.Context, id uuid.UUID) (*models.RecurringSchedule, error)
	Resume(ctx context.Context, id uuid.UUID) (*models.RecurringSchedule, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.RecurringSchedule, error)
}

type createScheduleRequest struct {
	CustomerTokenID   string          `json:"customer_token_id" validate:"omitempty,uuid"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency" validate:"required,len=3"`
	Cadence           string          `json:"cadence" validate:"required,oneof=weekly monthly quarterly yearly"`
	StartDate         time.Time       `json:"start_date" validate:"required"`
	EndDate           *time.Time      `json:"end_date"`
	MaxFailedAttempts int             `json:"max_failed_attempts" validate:"min=0,max=50"`
}

// CreateSchedule opens a recurring schedule for the account.
func CreateSchedule(svc scheduleService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "schedule service unavailable"))
			return
		}
		accountID, err := validators.ParseUUIDParam(r, "accountId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req createScheduleRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		input := schedules.CreateInput{
			AccountID:         accountID,
			Amount:            req.Amount,
			Currency:          strings.ToUpper(req.Currency),
			Cadence:           enums.Cadence(req.Cadence),
			StartDate:         req.StartDate,
			EndDate:           req.EndDate,
			MaxFailedAttempts: req.MaxFailedAttempts,
		}
		if req.CustomerTokenID != "" {
			tokenID := uuid.MustParse(req.CustomerTokenID)
			input.CustomerTokenID = &tokenID
		}

		sched, err := svc.Create(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, sched)
	}
}

// GetSchedule returns one schedule.
func GetSchedule(svc scheduleService, logg *logger.Logger) http.HandlerFunc {
	return scheduleAction(svc, logg, func(s scheduleService) func(context.Context, uuid.UUID) (*models.RecurringSchedule, error) {
		return s.Get
	})
}

// PauseSchedule stops future billing until resumed.
func PauseSchedule(svc scheduleService, logg *logger.Logger) http.HandlerFunc {
	return scheduleAction(svc, logg, func(s scheduleService) func(context.Context, uuid.UUID) (*models.RecurringSchedule, error) {
		return s.Pause
	})
}

// ResumeSchedule reactivates a paused or failed schedule.
func ResumeSchedule(svc scheduleService, logg *logger.Logger) http.HandlerFunc {
	return scheduleAction(svc, logg, func(s scheduleService) func(context.Context, uuid.UUID) (*models.RecurringSchedule, error) {
		return s.Resume
	})
}

// CancelSchedule ends a schedule permanently.
func CancelSchedule(svc scheduleService, logg *logger.Logger) http.HandlerFunc {
	return scheduleAction(svc, logg, func(s scheduleService) func(context.Context, uuid.UUID) (*models.RecurringSchedule, error) {
		return s.Cancel
	})
}

func scheduleAction(
	svc scheduleService,
	logg *logger.Logger,
	pick func(scheduleService) func(context.Context, uuid.UUID) (*models.RecurringSchedule, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "schedule service unavailable"))
			return
		}
		id, err := validators.ParseUUIDParam(r, "id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		sched, err := pick(svc)(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, sched)
	}
}
