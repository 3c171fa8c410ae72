package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/iceplant/mrbac/internal/app"
	"github.com/iceplant/mrbac/internal/audit"
	"github.com/iceplant/mrbac/internal/observability"
	"github.com/iceplant/mrbac/internal/persist"
	"github.com/iceplant/mrbac/internal/rbac"
	"github.com/iceplant/mrbac/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping daemon startup")
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
	metrics := observability.NewMetrics()

	rt, err := app.Bootstrap(ctx, cfg, logger, app.RuntimeOptions{Metrics: metrics})
	if err != nil {
		logger.Error("bootstrap", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Close()

	report, err := rt.InitAuthority(ctx)
	if err != nil {
		logger.Warn("authority initialised with errors", slog.Any("error", err))
	}
	logger.Info("authority ready",
		slog.String("source", report.Source),
		slog.Int("registered", report.Registered),
		slog.Int("groups", len(report.Sync.Groups)))
	metrics.Jobs().SetPendingGroups(len(rt.Authority.PendingSync()))

	watcher, err := persist.NewWatcher(rt.Files.Paths(), cfg.WatchDebounce, func(ctx context.Context) {
		changed, err := rt.Authority.Reload(ctx)
		switch {
		case err != nil:
			logger.Warn("mapping reload failed", slog.Any("error", err))
		case changed:
			logger.Info("mapping reloaded from disk")
		}
	}, logger)
	if err != nil {
		logger.Error("mapping watcher", slog.Any("error", err))
		os.Exit(1)
	}

	router := chi.NewRouter()
	router.Mount("/", app.NewRouter(app.RouterParams{
		Logger:  logger,
		Config:  cfg,
		Metrics: metrics,
		Handler: rbac.NewHandler(logger, rt.Authority, audit.NewService(rt.Log), rbac.Middleware{
			Authority: rt.Authority,
			Logger:    logger,
		}),
		Checks: rt.Checks(),
	}))
	if rt.Redis != nil {
		inspector := asynq.NewInspector(rt.AsynqOpts())
		defer inspector.Close()
		router.Route("/jobs", jobs.NewHandler(inspector, logger).MountRoutes)
	}

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return watcher.Run(gctx)
	})
	group.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("daemon stopped")
}
