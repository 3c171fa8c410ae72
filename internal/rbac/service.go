package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/iceplant/mrbac/internal/audit"
	"github.com/iceplant/mrbac/internal/mapping"
	"github.com/iceplant/mrbac/internal/persist"
	"github.com/iceplant/mrbac/internal/registry"
)

// Options wires an Authority to its collaborators. Registry, Groups,
// Permissions and Persistence are required.
type Options struct {
	Registry    *registry.Registry
	Groups      GroupStore
	Permissions PermissionStore
	Persistence Persistence
	Log         audit.Log
	Scheduler   SyncScheduler
	Lock        Lock
	Metrics     Metrics
	Logger      *slog.Logger
}

// Authority owns the group-module mapping and keeps the fine-grained
// permission store in agreement with it. Mutations are serialized by mu;
// decisions read the last published view without locking.
type Authority struct {
	registry  *registry.Registry
	groups    GroupStore
	perms     PermissionStore
	store     Persistence
	log       audit.Log
	scheduler SyncScheduler
	lock      Lock
	metrics   Metrics
	logger    *slog.Logger

	mu     sync.Mutex
	table  mapping.Table
	grants map[string]map[string]struct{}
	// diskAhead holds groups whose persisted mapping differs from table
	// because restoring the previous mapping failed.
	diskAhead map[string]struct{}

	current atomic.Pointer[view]
	reloads singleflight.Group

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

// view is an immutable snapshot published to readers.
type view struct {
	table  mapping.Table
	grants map[string]map[string]struct{}
}

// InitReport describes what Init achieved. Init never fails; problems are
// collected in Errors.
type InitReport struct {
	Registered int
	Source     string
	Skipped    []persist.PathError
	Dropped    []string
	Phantoms   mapping.Diff
	Sync       SyncResult
	Errors     []error
}

// New validates the options and returns an Authority serving an empty
// mapping until Init runs.
func New(opts Options) (*Authority, error) {
	if opts.Registry == nil || len(opts.Registry.Modules()) == 0 {
		return nil, newError(KindConfig, nil, "permission registry is empty")
	}
	if opts.Groups == nil || opts.Permissions == nil || opts.Persistence == nil {
		return nil, newError(KindConfig, nil, "group store, permission store and persistence are required")
	}
	a := &Authority{
		registry:  opts.Registry,
		groups:    opts.Groups,
		perms:     opts.Permissions,
		store:     opts.Persistence,
		log:       opts.Log,
		scheduler: opts.Scheduler,
		lock:      opts.Lock,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		grants:    map[string]map[string]struct{}{},
		pending:   map[string]struct{}{},
	}
	if a.metrics == nil {
		a.metrics = nopMetrics{}
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.publish()
	return a, nil
}

// Registry returns the permission registry the authority enforces.
func (a *Authority) Registry() *registry.Registry {
	return a.registry
}

// Init registers the registry permissions, loads the mapping, removes
// phantom groups, synchronizes every group and publishes the result.
func (a *Authority) Init(ctx context.Context) InitReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	var report InitReport
	fail := func(step string, err error) {
		a.logger.Error("rbac init step failed", slog.String("step", step), slog.Any("error", err))
		report.Errors = append(report.Errors, fmt.Errorf("rbac: init: %s: %w", step, err))
	}

	all := a.registry.AllPermissions()
	if err := a.perms.Register(ctx, all); err != nil {
		fail("register permissions", err)
	} else {
		report.Registered = len(all)
	}

	loaded, err := a.store.Load(ctx)
	if err != nil {
		fail("load mapping", err)
	}
	table := loaded.Table
	report.Source = loaded.Source
	report.Skipped = loaded.Skipped
	report.Dropped = loaded.Dropped

	existing, err := a.groups.ListGroups(ctx)
	if err != nil {
		fail("list groups", err)
	} else {
		report.Phantoms = table.GCPhantoms(existing)
		if !report.Phantoms.Empty() {
			a.logger.Warn("rbac removed phantom groups", slog.Any("removed", report.Phantoms.Removed))
		}
	}

	report.Sync, err = a.syncAll(ctx, table)
	if err != nil {
		fail("sync all", err)
	}

	a.table = table
	a.refreshGrants(ctx, nil)
	a.publish()

	a.logger.Info("rbac authority initialised",
		slog.String("source", report.Source),
		slog.Int("groups", len(report.Sync.Groups)),
		slog.Int("errors", len(report.Errors)))
	return report
}

// Reload re-reads the persisted mapping and, when it differs from the
// published one, re-synchronizes every group. Concurrent calls share one
// reload. It reports whether the mapping changed.
func (a *Authority) Reload(ctx context.Context) (bool, error) {
	v, err, _ := a.reloads.Do("reload", func() (any, error) {
		return a.reload(ctx)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (a *Authority) reload(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	release, err := a.exclusive(ctx, false)
	if err != nil {
		return false, err
	}
	defer release()
	if len(a.diskAhead) > 0 {
		a.logger.Warn("rbac reload skipped: persisted mapping not yet restored")
		return false, nil
	}

	loaded, err := a.store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("rbac: reload: %w", err)
	}
	table := loaded.Table
	if existing, err := a.groups.ListGroups(ctx); err == nil {
		table.GCPhantoms(existing)
	}
	if table.Equal(a.table) {
		return false, nil
	}
	a.table = table
	if _, err := a.syncAll(ctx, table); err != nil {
		a.logger.Warn("rbac reload sync incomplete", slog.Any("error", err))
	}
	a.refreshGrants(ctx, nil)
	a.publish()
	a.logger.Info("rbac mapping reloaded", slog.String("source", loaded.Source))
	return true, nil
}

// CurrentMapping returns the published module -> groups snapshot.
func (a *Authority) CurrentMapping() map[string][]string {
	return a.current.Load().table.Snapshot()
}

// GroupsFor returns the groups mapped to module.
func (a *Authority) GroupsFor(module string) []string {
	return a.current.Load().table.GroupsFor(module)
}

// ModulesFor returns the modules group may access.
func (a *Authority) ModulesFor(group string) []string {
	return a.current.Load().table.ModulesFor(group)
}

// PendingSync lists groups whose permissions could not be reconciled and
// need a manual sync.
func (a *Authority) PendingSync() []string {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	out := make([]string, 0, len(a.pending))
	for g := range a.pending {
		out = append(out, g)
	}
	slices.Sort(out)
	return out
}

func (a *Authority) markPending(ctx context.Context, group string) {
	a.pendingMu.Lock()
	a.pending[group] = struct{}{}
	a.pendingMu.Unlock()

	a.logger.Error("rbac group requires manual sync", slog.String("group", group))
	if a.scheduler == nil {
		return
	}
	if err := a.scheduler.EnqueueSyncGroup(ctx, group); err != nil {
		a.logger.Warn("rbac enqueue sync failed", slog.String("group", group), slog.Any("error", err))
	}
}

// clearPending unmarks groups, except those whose persisted mapping is
// still ahead of memory. Caller holds mu.
func (a *Authority) clearPending(groups ...string) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	for _, g := range groups {
		if _, ahead := a.diskAhead[g]; ahead {
			continue
		}
		delete(a.pending, g)
	}
}

// refreshGrants re-reads the permission sets of the given groups into the
// grant mirror. A nil slice refreshes every existing group. Caller holds mu.
func (a *Authority) refreshGrants(ctx context.Context, groups []string) {
	if groups == nil {
		existing, err := a.groups.ListGroups(ctx)
		if err != nil {
			a.logger.Warn("rbac refresh grants: list groups", slog.Any("error", err))
			return
		}
		groups = existing
		next := make(map[string]map[string]struct{}, len(existing))
		for _, g := range existing {
			if prev, ok := a.grants[g]; ok {
				next[g] = prev
			}
		}
		a.grants = next
	}
	for _, g := range groups {
		perms, err := a.perms.List(ctx, g)
		if err != nil {
			a.logger.Warn("rbac refresh grants", slog.String("group", g), slog.Any("error", err))
			continue
		}
		set := make(map[string]struct{}, len(perms))
		for _, p := range perms {
			set[p.Key()] = struct{}{}
		}
		a.grants[g] = set
	}
}

// publish swaps in a fresh immutable view. Caller holds mu, except in New.
func (a *Authority) publish() {
	grants := make(map[string]map[string]struct{}, len(a.grants))
	for g, set := range a.grants {
		grants[g] = set
	}
	a.current.Store(&view{table: a.table.Clone(), grants: grants})
}

// runDetached executes op on a context that ignores the caller's
// cancellation, so an expired caller cannot interrupt a mutation halfway.
// The caller gets ctx.Err() back as soon as its context is done.
func runDetached[T any](ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	type outcome struct {
		res T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := op(context.WithoutCancel(ctx))
		done <- outcome{res: res, err: err}
	}()
	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (a *Authority) appendLog(ctx context.Context, entry audit.Entry) {
	if a.log == nil {
		return
	}
	if entry.Before == nil {
		entry.Before = []string{}
	}
	if entry.After == nil {
		entry.After = []string{}
	}
	if err := a.log.Append(ctx, entry); err != nil {
		a.logger.Warn("rbac mutation log append failed",
			slog.String("kind", string(entry.Kind)),
			slog.String("group", entry.Group),
			slog.Any("error", err))
	}
}

// exclusive takes the cross-process lock when one is configured. With adopt
// set, a mapping saved by another process meanwhile replaces the in-memory
// one before the caller works on it. Caller holds mu.
func (a *Authority) exclusive(ctx context.Context, adopt bool) (func(), error) {
	release := func() {}
	if a.lock != nil {
		var err error
		if release, err = a.lock.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("rbac: acquire lock: %w", err)
		}
	}
	if len(a.diskAhead) > 0 && !a.restoreDisk(ctx, "") {
		// The file still carries a rejected mapping; never read it back.
		return release, nil
	}
	if !adopt || a.lock == nil {
		return release, nil
	}
	loaded, err := a.store.Load(ctx)
	if err != nil || loaded.Source == "" || loaded.Table.Equal(a.table) {
		return release, nil
	}
	a.table = loaded.Table
	a.publish()
	a.logger.Info("rbac adopted mapping saved elsewhere", slog.String("source", loaded.Source))
	return release, nil
}

// save persists table. Any successful save brings the disk back in line
// with memory. Caller holds mu.
func (a *Authority) save(ctx context.Context, table mapping.Table) persist.SaveResult {
	res := a.store.Save(ctx, table)
	if res.OK {
		clear(a.diskAhead)
	}
	return res
}

// restoreDisk writes the committed table back after a rejected mapping was
// persisted, retrying once. On failure group is recorded as having a
// mapping on disk that is ahead of memory. Caller holds mu.
func (a *Authority) restoreDisk(ctx context.Context, group string) bool {
	var saved persist.SaveResult
	for attempt := 0; attempt < 2; attempt++ {
		if saved = a.save(ctx, a.table); saved.OK {
			return true
		}
	}
	a.logger.Error("rbac restore of persisted mapping failed",
		slog.String("group", group),
		slog.Any("error", saved.Err()))
	if group != "" {
		if a.diskAhead == nil {
			a.diskAhead = make(map[string]struct{})
		}
		a.diskAhead[group] = struct{}{}
	}
	return false
}

func storeError(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return fmt.Errorf("rbac: %s: %w", op, err)
}
