package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/obraplan/obraplan/internal/app"
	"github.com/obraplan/obraplan/internal/forecast"
	"github.com/obraplan/obraplan/internal/ledger"
	"github.com/obraplan/obraplan/internal/masterdata/suppliers"
	"github.com/obraplan/obraplan/internal/observability"
	"github.com/obraplan/obraplan/internal/platform/cache"
	"github.com/obraplan/obraplan/internal/platform/db"
	"github.com/obraplan/obraplan/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, supplier cache disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	suppliersService := suppliers.NewService(suppliers.NewRepository(pool))
	supplierDirectory := suppliers.NewDirectory(suppliersService, redisClient)

	ledgerSyncer := ledger.NewSyncer(ledger.NewRepository(pool), supplierDirectory, logger)

	// The reconcile worker retries through Asynq itself, so the service
	// runs without a queue to avoid re-enqueueing its own failures.
	forecastService := forecast.NewService(forecast.NewRepository(pool), ledgerSyncer, nil, logger)

	metrics := observability.NewMetrics()
	reconcileHandler := jobs.NewLedgerReconcileHandler(forecastService, logger, metrics)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerReconcile, Handler: reconcileHandler.Handle},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
