package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/iceplant/mrbac/internal/audit"
	"github.com/iceplant/mrbac/internal/identity"
	"github.com/iceplant/mrbac/internal/persist"
	"github.com/iceplant/mrbac/internal/platform/cache"
	"github.com/iceplant/mrbac/internal/platform/db"
	"github.com/iceplant/mrbac/internal/rbac"
	"github.com/iceplant/mrbac/internal/registry"
	"github.com/iceplant/mrbac/jobs"
)

// identityStore is implemented by every identity backend.
type identityStore interface {
	rbac.GroupStore
	rbac.PermissionStore
}

// Runtime holds the wired authority and the resources it owns.
type Runtime struct {
	Config    *Config
	Logger    *slog.Logger
	Registry  *registry.Registry
	Pool      *pgxpool.Pool
	Redis     *redis.Client
	Files     *persist.FileStore
	Log       audit.Log
	Identity  identityStore
	Scheduler *jobs.Client
	Authority *rbac.Authority

	closers []func()
}

// RuntimeOptions tunes Bootstrap. The zero value wires the OS filesystem and
// no metrics.
type RuntimeOptions struct {
	Fs       afero.Fs
	Metrics  rbac.Metrics
	Identity identityStore
}

// Bootstrap connects the configured backends and builds the authority. Init
// is left to the caller.
func Bootstrap(ctx context.Context, cfg *Config, logger *slog.Logger, opts RuntimeOptions) (*Runtime, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	rt := &Runtime{Config: cfg, Logger: logger, Registry: registry.Default()}

	needPool := cfg.MutationLogBackend == BackendPostgres ||
		(cfg.IdentityBackend == BackendPostgres && opts.Identity == nil)
	if needPool {
		pool, err := db.New(ctx, cfg.PGDSN, 0)
		if err != nil {
			return nil, fmt.Errorf("app: bootstrap: %w", err)
		}
		rt.Pool = pool
		rt.closers = append(rt.closers, pool.Close)
	}

	switch {
	case opts.Identity != nil:
		rt.Identity = opts.Identity
	case cfg.IdentityBackend == BackendMemory:
		rt.Identity = identity.NewMemoryStore(cfg.MemoryGroups...)
	default:
		store := identity.NewPostgresStore(rt.Pool)
		if err := store.EnsureSchema(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("app: bootstrap: identity schema: %w", err)
		}
		rt.Identity = store
	}

	switch cfg.MutationLogBackend {
	case BackendPostgres:
		pgLog := audit.NewPostgresLog(rt.Pool)
		if err := pgLog.EnsureSchema(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("app: bootstrap: mutation log schema: %w", err)
		}
		rt.Log = pgLog
	default:
		rt.Log = audit.NewFileLog(opts.Fs, cfg.MutationLogPath)
	}

	rt.Files = persist.NewFileStore(cfg.PersistencePaths(), rt.Registry.IsKnown,
		persist.WithFs(opts.Fs), persist.WithLogger(logger))

	var (
		lock      rbac.Lock
		scheduler rbac.SyncScheduler
	)
	if cfg.RedisEnabled() && !InTestMode() {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("app: bootstrap: %w", err)
		}
		rt.Redis = client
		rt.closers = append(rt.closers, func() { _ = client.Close() })
		lock = cache.NewLease(client, cache.AuthorityLockKey, cfg.LockTTL, cache.WithLeaseLogger(logger))

		rt.Scheduler = jobs.NewClient(rt.AsynqOpts())
		rt.closers = append(rt.closers, func() { _ = rt.Scheduler.Close() })
		scheduler = rt.Scheduler
	}

	authority, err := rbac.New(rbac.Options{
		Registry:    rt.Registry,
		Groups:      rt.Identity,
		Permissions: rt.Identity,
		Persistence: rt.Files,
		Log:         rt.Log,
		Scheduler:   scheduler,
		Lock:        lock,
		Metrics:     opts.Metrics,
		Logger:      logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Authority = authority
	return rt, nil
}

// AsynqOpts returns the queue connection settings.
func (rt *Runtime) AsynqOpts() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: rt.Config.RedisAddr}
}

// Checks returns the readiness probes for the wired backends.
func (rt *Runtime) Checks() map[string]HealthCheck {
	checks := map[string]HealthCheck{
		"identity": func(ctx context.Context) error {
			_, err := rt.Identity.ListGroups(ctx)
			return err
		},
	}
	if rt.Pool != nil {
		checks["postgres"] = rt.Pool.Ping
	}
	if rt.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return rt.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// InitAuthority runs Init and logs the skipped paths and dropped keys. The
// error joins every failed init step; the authority serves either way.
func (rt *Runtime) InitAuthority(ctx context.Context) (rbac.InitReport, error) {
	report := rt.Authority.Init(ctx)
	for _, skipped := range report.Skipped {
		rt.Logger.Warn("mapping path skipped", slog.String("path", skipped.Path), slog.Any("error", skipped.Err))
	}
	if len(report.Dropped) > 0 {
		rt.Logger.Warn("mapping keys dropped", slog.Any("keys", report.Dropped))
	}
	if len(report.Errors) > 0 {
		return report, fmt.Errorf("app: init authority: %w", errors.Join(report.Errors...))
	}
	return report, nil
}
