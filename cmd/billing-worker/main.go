package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"saldo/internal/backend"
	"saldo/internal/config"
	"saldo/internal/ledger"
	"saldo/internal/log"
	"saldo/internal/services"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	cfg := config.Load()
	logger := log.New(log.Config{
		Level:     log.ParseLevel(cfg.LogLevel),
		Format:    cfg.LogFormat,
		Component: log.ComponentScheduler,
	})
	log.SetDefault(logger)

	logger.Info("Starting billing-worker")

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Billing worker stopped with error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Billing worker shutdown complete")
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return err
	}
	res, err := backend.NewFactory(logger).CreateBackend(ctx, bcfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			logger.Warn("Backend cleanup failed", log.FieldError, err)
		}
	}()

	tickLock, closeLock, err := backend.OpenTickLock(ctx, cfg.RedisURL, cfg.BillingLockTTL, logger)
	if err != nil {
		return err
	}
	defer closeLock()

	engineOpts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithConflictRetries(cfg.ConflictRetries),
	}
	if res.Publisher != nil {
		engineOpts = append(engineOpts, ledger.WithPublisher(res.Publisher))
	}
	engine := ledger.New(res.Store, engineOpts...)

	schedOpts := []services.SchedulerOption{
		services.WithSchedulerLogger(logger),
		services.WithItemTimeout(cfg.BillingItemTimeout),
	}
	if tickLock != nil {
		schedOpts = append(schedOpts, services.WithTickLock(tickLock))
	}
	scheduler := services.NewScheduler(res.Store, engine, schedOpts...)

	logger.Info("Billing configured",
		"schedule", cfg.BillingSchedule,
		"timezone", loc.String(),
		"run_on_start", cfg.BillingRunOnStart,
		"backend", cfg.DataBackend)

	return services.NewBillingRunner(scheduler, loc, logger).Run(ctx, cfg.BillingSchedule, cfg.BillingRunOnStart)
}
