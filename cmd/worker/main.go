package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"kasirinaja/stockledger/internal/app"
	"kasirinaja/stockledger/internal/config"
	"kasirinaja/stockledger/internal/jobs"
	"kasirinaja/stockledger/internal/logger"
)

func main() {
	enqueue := flag.String("enqueue", "", "enqueue one task (reconcile or low-stock) and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("could not read .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if cfg.RedisAddr == "" {
		log.Fatal("REDIS_ADDR is required for the worker")
	}

	appLogger, err := logger.New(logger.ForEnv(cfg.AppEnv, cfg.LogLevel, cfg.LogEncoding))
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = appLogger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	if *enqueue != "" {
		if err := enqueueOnce(ctx, redisOpts, *enqueue, appLogger); err != nil {
			appLogger.Fatal("enqueue failed", zap.String("task", *enqueue), zap.Error(err))
		}
		return
	}

	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	rt, err := app.Build(bootCtx, cfg, appLogger)
	cancel()
	if err != nil {
		appLogger.Fatal("bootstrap failed", zap.Error(err))
	}
	defer func() {
		if err := rt.Close(); err != nil {
			appLogger.Error("close error", zap.Error(err))
		}
	}()

	worker, err := newWorker(cfg, redisOpts, rt, appLogger)
	if err != nil {
		appLogger.Fatal("init worker", zap.Error(err))
	}

	appLogger.Info("worker started",
		zap.String("reconcile_cron", cfg.ReconcileCron),
		zap.String("low_stock_cron", cfg.LowStockCron),
		zap.Int("concurrency", cfg.WorkerConcurrency),
	)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("worker stopped", zap.Error(err))
		return
	}
	appLogger.Info("worker stopped")
}

func newWorker(cfg config.Config, redisOpts asynq.RedisClientOpt, rt *app.Runtime, logger *zap.Logger) (*jobs.Worker, error) {
	reconcileTask, err := jobs.NewReconcileTask(jobs.ReconcilePayload{})
	if err != nil {
		return nil, err
	}
	lowStockTask, err := jobs.NewLowStockScanTask(jobs.LowStockScanPayload{})
	if err != nil {
		return nil, err
	}

	return jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReconcile, Handler: jobs.NewReconcileJob(rt.Service, logger).Handle},
			{Type: jobs.TaskLowStockScan, Handler: jobs.NewLowStockJob(rt.Service, logger).Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconcileCron, Task: reconcileTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.LowStockCron, Task: lowStockTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
}

func enqueueOnce(ctx context.Context, redisOpts asynq.RedisClientOpt, task string, logger *zap.Logger) error {
	client := jobs.NewClient(redisOpts)
	defer client.Close()

	var (
		info *asynq.TaskInfo
		err  error
	)
	switch task {
	case "reconcile":
		info, err = client.EnqueueReconcile(ctx, jobs.ReconcilePayload{})
	case "low-stock":
		info, err = client.EnqueueLowStockScan(ctx, jobs.LowStockScanPayload{})
	default:
		return fmt.Errorf("unknown task %q", task)
	}
	if err != nil {
		return err
	}
	logger.Info("task enqueued", zap.String("id", info.ID), zap.String("type", info.Type), zap.String("queue", info.Queue))
	return nil
}
