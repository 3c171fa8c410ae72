package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/iceplant/mrbac/internal/app"
	"github.com/iceplant/mrbac/internal/observability"
	"github.com/iceplant/mrbac/jobs"
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
	logger := app.NewLogger(cfg).With(slog.String("process", "worker"))
	if !cfg.RedisEnabled() {
		logger.Error("worker requires REDIS_ADDR")
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	rt, err := app.Bootstrap(ctx, cfg, logger, app.RuntimeOptions{Metrics: metrics})
	if err != nil {
		logger.Error("bootstrap", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Close()

	if _, err := rt.InitAuthority(ctx); err != nil {
		logger.Warn("authority initialised with errors", slog.Any("error", err))
	}

	syncJob := jobs.NewSyncJob(rt.Authority, logger, metrics.Jobs())
	cronTask, err := jobs.NewSyncAllTask("cron")
	if err != nil {
		logger.Error("build sync task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: rt.AsynqOpts(),
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSyncAll, Handler: syncJob.HandleSyncAll},
			{Type: jobs.TaskSyncGroup, Handler: syncJob.HandleSyncGroup},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SyncCron, Task: cronTask, Options: []asynq.Option{asynq.MaxRetry(3), asynq.Queue(jobs.QueueDefault)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
