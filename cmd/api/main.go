package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/recurring-billing/api/routes"
	"github.com/angelmondragon/recurring-billing/internal/app"
	"github.com/angelmondragon/recurring-billing/internal/gateway"
	"github.com/angelmondragon/recurring-billing/internal/webhooks"
	"github.com/angelmondragon/recurring-billing/pkg/config"
	"github.com/angelmondragon/recurring-billing/pkg/db"
	"github.com/angelmondragon/recurring-billing/pkg/instance"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
	"github.com/angelmondragon/recurring-billing/pkg/metrics"
	"github.com/angelmondragon/recurring-billing/pkg/migrate"
	"github.com/angelmondragon/recurring-billing/pkg/redis"
	"github.com/angelmondragon/recurring-billing/pkg/square"
)

const (
	replayScope     = "gateway-webhook"
	shutdownTimeout = 15 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, cfg.FeatureFlags, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	squareClient, err := square.NewClient(context.Background(), cfg.Gateway, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create square client", err)
		os.Exit(1)
	}
	gatewayClient, err := gateway.NewSquareClient(squareClient)
	if err != nil {
		logg.Error(context.Background(), "failed to create gateway client", err)
		os.Exit(1)
	}

	services, err := app.New(app.Params{
		Config:  cfg,
		Logger:  logg,
		DB:      dbClient,
		Gateway: gatewayClient,
		Metrics: metrics.NewBillingMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to wire billing services", err)
		os.Exit(1)
	}

	guard, err := webhooks.NewReplayGuard(redisClient, cfg.Webhooks.ReplayTTL, replayScope)
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook replay guard", err)
		os.Exit(1)
	}

	deps := routes.Dependencies{
		DB:        dbClient,
		Redis:     redisClient,
		Ledger:    services.Ledger,
		Schedules: services.Schedules,
		Tokens:    services.Tokens,
		Processor: services.Processor,
		Webhooks:  services.Webhooks,
		Guard:     guard,
	}
	if !cfg.FeatureFlags.UseSQLite {
		sqlDB, err := dbClient.DB().DB()
		if err != nil {
			logg.Error(context.Background(), "failed to extract sql.DB", err)
			os.Exit(1)
		}
		migrator, err := migrate.New(sqlDB, migrate.Embedded(), logg)
		if err != nil {
			logg.Error(context.Background(), "failed to create schema checker", err)
			os.Exit(1)
		}
		deps.Schema = migrator
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":         cfg.App.Env,
		"addr":        addr,
		"instance":    instance.GetID(),
		"gateway_env": squareClient.Environment(),
	})

	server := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		Handler:           routes.NewRouter(cfg, logg, deps),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logg.Info(ctx, "starting api server")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
		logg.Info(ctx, "api server stopped")
	}
}
