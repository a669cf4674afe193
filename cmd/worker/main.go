package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"gracechurch.org/authz/internal/audit"
	"gracechurch.org/authz/internal/config"
	"gracechurch.org/authz/internal/jobs"
	"gracechurch.org/authz/internal/obs"
	"gracechurch.org/authz/internal/review"
	"gracechurch.org/authz/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Fatal("load config", zap.Error(err))
	}
	logger := obs.InitLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()
	obs.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("time zone", zap.Error(err))
	}

	backend, err := store.Open(ctx, cfg.PGDSN, cfg.SeedDemo, time.Now())
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer backend.Close()

	auditLog := audit.NewLogger(backend, audit.WithBufferSize(cfg.AuditBuffer))
	defer auditLog.Close()

	scheduler, err := review.NewScheduler(backend,
		review.WithAuditRecorder(auditLog),
		review.WithLogger(logger.Named("review")),
	)
	if err != nil {
		logger.Fatal("review scheduler", zap.Error(err))
	}
	refresh := jobs.NewReviewRefreshJob(scheduler, logger.Named("jobs"))

	refreshTask, err := jobs.NewReviewRefreshTask(true)
	if err != nil {
		logger.Fatal("build refresh task", zap.Error(err))
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger.Named("worker"),
		Location:  loc,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReviewQueueRefresh, Handler: refresh.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReviewCron, Task: refreshTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Fatal("init worker", zap.Error(err))
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("worker run", zap.Error(err))
	}
}
