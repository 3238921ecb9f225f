package admin

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/recurring-billing/api/responses"
	"github.com/angelmondragon/recurring-billing/api/validators"
	"github.com/angelmondragon/recurring-billing/pkg/db/models"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
)

type webhookRetrier interface {
	RetryEvent(ctx context.Context, eventID uuid.UUID) (*models.WebhookEvent, error)
}

// RetryWebhookEvent reprocesses a stored delivery. Deliveries that already
// took effect are returned unchanged.
func RetryWebhookEvent(svc webhookRetrier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}
		id, err := validators.ParseUUIDParam(r, "id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		event, err := svc.RetryEvent(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, event)
	}
}
