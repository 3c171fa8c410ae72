package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/iceplant/mrbac/cmd/mrbac/cli"
	"github.com/iceplant/mrbac/internal/app"
	"github.com/iceplant/mrbac/internal/audit"
	"github.com/iceplant/mrbac/internal/rbac"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return cli.ExitFailure
	}
	logger := app.NewLoggerTo(cfg, os.Stderr)

	rt, err := app.Bootstrap(ctx, cfg, logger, app.RuntimeOptions{})
	if err != nil {
		logger.Error("bootstrap", slog.Any("error", err))
		return cli.ExitFailure
	}
	defer rt.Close()

	if _, err := rt.InitAuthority(ctx); err != nil {
		logger.Warn("authority initialised with errors", slog.Any("error", err))
	}

	return cli.Run(ctx, cli.Options{
		Authority: rt.Authority,
		Timeline:  audit.NewService(rt.Log),
		Actor:     rbac.Subject{ID: operator(), Superuser: true},
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}, os.Args[1:])
}

func operator() string {
	if name := os.Getenv("MRBAC_ACTOR"); name != "" {
		return name
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}
