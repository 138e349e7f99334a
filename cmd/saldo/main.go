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
	"golang.org/x/sync/errgroup"

	"saldo/internal/backend"
	"saldo/internal/cache"
	"saldo/internal/config"
	"saldo/internal/core"
	apphttp "saldo/internal/http"
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
		Component: log.ComponentApp,
	})
	log.SetDefault(logger)

	if err := cfg.ValidateServer(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped with error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	engineOpts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithConflictRetries(cfg.ConflictRetries),
	}
	if res.Publisher != nil {
		engineOpts = append(engineOpts, ledger.WithPublisher(res.Publisher))
	}
	engine := ledger.New(res.Store, engineOpts...)

	categories := cache.NewLRUCache[core.Category](cfg.CategoryCacheSize, cfg.CategoryCacheTTL)
	caches := cache.NewManager(logger)
	caches.Register(categories)
	caches.StartCleanup(cfg.CategoryCacheTTL)
	defer caches.Stop()

	var runner *services.BillingRunner
	if cfg.BillingInProcess {
		var closeLock func() error
		runner, closeLock, err = newBillingRunner(ctx, cfg, res.Store, engine, logger)
		if err != nil {
			return err
		}
		defer closeLock()
	}

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Engine:        engine,
		Accounts:      services.NewAccountService(res.Store, categories, logger),
		Subscriptions: services.NewSubscriptionService(res.Store, logger),
		Reader:        res.Store,
		JWTSecret:     []byte(cfg.JWTSecret),
		Logger:        logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting saldo server", "port", cfg.Port, "backend", cfg.DataBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if runner != nil {
		g.Go(func() error {
			return runner.Run(gctx, cfg.BillingSchedule, cfg.BillingRunOnStart)
		})
	}

	return g.Wait()
}

func newBillingRunner(ctx context.Context, cfg *config.Config, due services.DueLister, engine *ledger.Engine, logger *log.Logger) (*services.BillingRunner, func() error, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	tickLock, cleanup, err := backend.OpenTickLock(ctx, cfg.RedisURL, cfg.BillingLockTTL, logger)
	if err != nil {
		return nil, nil, err
	}
	opts := []services.SchedulerOption{
		services.WithSchedulerLogger(logger),
		services.WithItemTimeout(cfg.BillingItemTimeout),
	}
	if tickLock != nil {
		opts = append(opts, services.WithTickLock(tickLock))
	}
	scheduler := services.NewScheduler(due, engine, opts...)
	return services.NewBillingRunner(scheduler, loc, logger), cleanup, nil
}
