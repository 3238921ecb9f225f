package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/recurring-billing/api/controllers"
	"github.com/angelmondragon/recurring-billing/api/controllers/admin"
	webhookcontrollers "github.com/angelmondragon/recurring-billing/api/controllers/webhooks"
	"github.com/angelmondragon/recurring-billing/api/middleware"
	"github.com/angelmondragon/recurring-billing/internal/billing"
	"github.com/angelmondragon/recurring-billing/internal/ledger"
	"github.com/angelmondragon/recurring-billing/internal/schedules"
	"github.com/angelmondragon/recurring-billing/internal/tokens"
	"github.com/angelmondragon/recurring-billing/internal/webhooks"
	"github.com/angelmondragon/recurring-billing/pkg/config"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
)

// Dependencies carries everything the HTTP surface calls into. Routes backed
// by a nil Processor or Webhooks are not mounted; Guard, Redis, Schema and
// Metrics are optional.
type Dependencies struct {
	DB        controllers.Pinger
	Redis     controllers.Pinger
	Schema    controllers.Pinger
	Ledger    ledger.Service
	Schedules schedules.Service
	Tokens    tokens.Service
	Processor *billing.Processor
	Webhooks  *webhooks.Service
	Guard     *webhooks.ReplayGuard
	Metrics   http.Handler
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	readiness := map[string]controllers.Pinger{"database": deps.DB}
	if deps.Redis != nil {
		readiness["redis"] = deps.Redis
	}
	if deps.Schema != nil {
		readiness["schema"] = deps.Schema
	}
	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg.App.Env))
		r.Get("/ready", controllers.HealthReady(cfg.App.Env, logg, readiness))
	})

	metricsHandler := deps.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Handle("/metrics", metricsHandler)

	if deps.Webhooks != nil {
		webhookParams := webhookcontrollers.GatewayWebhookParams{
			Service:         deps.Webhooks,
			Secret:          cfg.Gateway.WebhookSecret,
			SignatureHeader: cfg.Webhooks.SignatureHeader,
			MaxBodyBytes:    cfg.Webhooks.MaxBodyBytes,
			Logger:          logg,
		}
		if deps.Guard != nil {
			webhookParams.Guard = deps.Guard
		}
		r.Route("/api/v1/webhooks", func(r chi.Router) {
			r.Post("/gateway", webhookcontrollers.GatewayWebhook(webhookParams))
		})
	}

	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.App.CORSOrigins), middleware.AdminAuth(cfg.App.AdminToken, logg))

		r.Get("/transactions/{id}", admin.GetTransaction(deps.Ledger, logg))

		r.Route("/accounts/{accountId}", func(r chi.Router) {
			r.Get("/transactions", admin.ListAccountTransactions(deps.Ledger, logg))
			if deps.Processor != nil {
				r.Post("/charges", admin.CreateCharge(deps.Processor, logg))
			}
			r.Post("/payment-methods", admin.StorePaymentMethod(deps.Tokens, logg))
			r.Post("/payment-methods/{id}/deactivate", admin.DeactivatePaymentMethod(deps.Tokens, logg))
			r.Post("/schedules", admin.CreateSchedule(deps.Schedules, logg))
		})

		r.Route("/schedules/{id}", func(r chi.Router) {
			r.Get("/", admin.GetSchedule(deps.Schedules, logg))
			r.Post("/pause", admin.PauseSchedule(deps.Schedules, logg))
			r.Post("/resume", admin.ResumeSchedule(deps.Schedules, logg))
			r.Post("/cancel", admin.CancelSchedule(deps.Schedules, logg))
		})

		if deps.Webhooks != nil {
			r.Post("/webhook-events/{id}/retry", admin.RetryWebhookEvent(deps.Webhooks, logg))
		}
	})

	return r
}
