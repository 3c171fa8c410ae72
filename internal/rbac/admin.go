package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/iceplant/mrbac/internal/audit"
	"github.com/iceplant/mrbac/internal/mapping"
)

// Result is returned by every administrative call.
type Result struct {
	Mapping map[string][]string `json:"mapping"`
	Message string              `json:"message"`
	Diff    mapping.Diff        `json:"diff"`
	Ignored []string            `json:"ignored,omitempty"`
}

// CreateGroupParams names the group to create.
type CreateGroupParams struct {
	Name string
}

// DeleteGroupParams names the group to delete.
type DeleteGroupParams struct {
	Name string
}

// SetModulesParams is a partial update: only the listed modules change.
type SetModulesParams struct {
	Group   string
	Modules map[string]bool
}

// ReplaceModulesParams makes Modules the group's exact module set.
type ReplaceModulesParams struct {
	Group   string
	Modules []string
}

// SyncRequest selects one group, or every group when Group is empty.
type SyncRequest struct {
	Group string
}

// CreateGroup creates an empty group that appears in no module.
func (a *Authority) CreateGroup(ctx context.Context, actor Subject, params CreateGroupParams) (Result, error) {
	if err := a.authorize(actor); err != nil {
		return Result{}, err
	}
	if err := validateGroupName(params.Name); err != nil {
		return Result{}, err
	}
	res, err := runDetached(ctx, func(ctx context.Context) (Result, error) {
		return a.createGroup(ctx, actor, params.Name)
	})
	a.metrics.ObserveMutation(string(audit.KindCreateGroup), outcome(err))
	return res, err
}

func (a *Authority) createGroup(ctx context.Context, actor Subject, name string) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	release, err := a.exclusive(ctx, true)
	if err != nil {
		return Result{}, err
	}
	defer release()

	existing, err := a.groups.ListGroups(ctx)
	if err != nil {
		return Result{}, storeError("list groups", err)
	}
	if slices.Contains(existing, name) {
		return Result{}, newError(KindAlreadyExists, nil, "group %q already exists", name)
	}
	working := a.table.Clone()
	gc := working.GCPhantoms(existing)

	if err := a.groups.Create(ctx, name); err != nil {
		return Result{}, storeError("create group", err)
	}
	if !gc.Empty() {
		if res := a.save(ctx, working); !res.OK {
			a.logger.Warn("rbac persist after phantom cleanup failed", slog.Any("error", res.Err()))
		}
	}
	a.table = working
	a.grants[name] = map[string]struct{}{}
	a.appendLog(ctx, audit.Entry{
		Actor:  actor.ID,
		Kind:   audit.KindCreateGroup,
		Group:  name,
		Before: []string{},
		After:  []string{},
	})
	a.publish()
	a.logger.Info("rbac group created", slog.String("group", name), slog.String("actor", actor.ID))
	return Result{
		Mapping: a.table.Snapshot(),
		Message: fmt.Sprintf("group %q created", name),
		Diff:    gc,
	}, nil
}

// DeleteGroup removes a non-protected group from the mapping and the group
// store.
func (a *Authority) DeleteGroup(ctx context.Context, actor Subject, params DeleteGroupParams) (Result, error) {
	if err := a.authorize(actor); err != nil {
		return Result{}, err
	}
	if err := validateGroupName(params.Name); err != nil {
		return Result{}, err
	}
	if IsProtected(params.Name) {
		return Result{}, newError(KindProtected, nil, "group %q is protected", params.Name)
	}
	res, err := runDetached(ctx, func(ctx context.Context) (Result, error) {
		return a.deleteGroup(ctx, actor, params.Name)
	})
	a.metrics.ObserveMutation(string(audit.KindDeleteGroup), outcome(err))
	return res, err
}

func (a *Authority) deleteGroup(ctx context.Context, actor Subject, name string) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	release, err := a.exclusive(ctx, true)
	if err != nil {
		return Result{}, err
	}
	defer release()

	existing, err := a.groups.ListGroups(ctx)
	if err != nil {
		return Result{}, storeError("list groups", err)
	}
	if !slices.Contains(existing, name) {
		return Result{}, newError(KindNotFound, nil, "group %q does not exist", name)
	}
	working := a.table.Clone()
	working.GCPhantoms(existing)
	before := working.ModulesFor(name)
	diff := working.DropGroup(name)

	if saved := a.save(ctx, working); !saved.OK {
		return Result{}, newError(KindPersistence, saved.Err(), "mapping not saved; group %q kept", name)
	}
	if err := a.groups.Delete(ctx, name); err != nil {
		// The group keeps its permissions, so it must keep its modules too.
		if !a.restoreDisk(ctx, name) {
			a.markPending(ctx, name)
		}
		return Result{}, storeError("delete group", err)
	}
	a.table = working
	delete(a.grants, name)
	a.clearPending(name)
	a.appendLog(ctx, audit.Entry{
		Actor:  actor.ID,
		Kind:   audit.KindDeleteGroup,
		Group:  name,
		Before: before,
		After:  []string{},
	})
	a.publish()
	a.logger.Info("rbac group deleted", slog.String("group", name), slog.String("actor", actor.ID))
	return Result{
		Mapping: a.table.Snapshot(),
		Message: fmt.Sprintf("group %q deleted", name),
		Diff:    diff,
	}, nil
}

// SetModules adds or removes group for each module named in the request.
// Modules not named are left unchanged and unknown modules are ignored.
func (a *Authority) SetModules(ctx context.Context, actor Subject, params SetModulesParams) (Result, error) {
	if err := a.authorize(actor); err != nil {
		return Result{}, err
	}
	if err := validateGroupName(params.Group); err != nil {
		return Result{}, err
	}
	if len(params.Modules) == 0 {
		return Result{}, newError(KindValidation, nil, "no modules given")
	}
	known := make(map[string]bool, len(params.Modules))
	var ignored []string
	for module, allow := range params.Modules {
		if !a.registry.IsKnown(module) {
			ignored = append(ignored, module)
			continue
		}
		known[module] = allow
	}
	slices.Sort(ignored)
	res, err := runDetached(ctx, func(ctx context.Context) (Result, error) {
		return a.applyModules(ctx, actor, params.Group, ignored, func(t *mapping.Table) mapping.Diff {
			return t.SetModules(params.Group, known)
		})
	})
	a.metrics.ObserveMutation(string(audit.KindSetModules), outcome(err))
	return res, err
}

// ReplaceModules makes the listed modules the group's exact module set.
func (a *Authority) ReplaceModules(ctx context.Context, actor Subject, params ReplaceModulesParams) (Result, error) {
	if err := a.authorize(actor); err != nil {
		return Result{}, err
	}
	if err := validateGroupName(params.Group); err != nil {
		return Result{}, err
	}
	var (
		known   []string
		ignored []string
	)
	for _, module := range params.Modules {
		if a.registry.IsKnown(module) {
			known = append(known, module)
			continue
		}
		ignored = append(ignored, module)
	}
	slices.Sort(ignored)
	res, err := runDetached(ctx, func(ctx context.Context) (Result, error) {
		return a.applyModules(ctx, actor, params.Group, ignored, func(t *mapping.Table) mapping.Diff {
			return t.ReplaceModules(params.Group, known)
		})
	})
	a.metrics.ObserveMutation("replace_modules", outcome(err))
	return res, err
}

// applyModules runs the set_modules state machine for one group: phantom
// cleanup, in-memory update, persist, sync, log, publish. A persist failure
// discards the working copy; a sync failure restores the previous mapping
// on disk and in the store.
func (a *Authority) applyModules(ctx context.Context, actor Subject, group string, ignored []string, apply func(*mapping.Table) mapping.Diff) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	release, err := a.exclusive(ctx, true)
	if err != nil {
		return Result{}, err
	}
	defer release()

	if len(ignored) > 0 {
		a.logger.Warn("rbac ignoring unknown modules", slog.String("group", group), slog.Any("modules", ignored))
	}
	existing, err := a.groups.ListGroups(ctx)
	if err != nil {
		return Result{}, storeError("list groups", err)
	}
	if !slices.Contains(existing, group) {
		return Result{}, newError(KindNotFound, nil, "group %q does not exist", group)
	}

	working := a.table.Clone()
	gc := working.GCPhantoms(existing)
	before := working.ModulesFor(group)
	diff := apply(&working)

	if diff.Empty() {
		if !gc.Empty() {
			if saved := a.save(ctx, working); saved.OK {
				a.table = working
			}
		}
		if _, err := a.syncGroup(ctx, a.table, group); err != nil {
			a.logger.Warn("rbac heal sync failed", slog.String("group", group), slog.Any("error", err))
		}
		a.refreshGrants(ctx, []string{group})
		a.publish()
		return Result{
			Mapping: a.table.Snapshot(),
			Message: fmt.Sprintf("no changes for group %q", group),
			Ignored: ignored,
		}, nil
	}

	saved := a.save(ctx, working)
	if !saved.OK {
		a.logger.Error("rbac mapping not persisted; rolled back", slog.String("group", group), slog.Any("error", saved.Err()))
		return Result{}, newError(KindPersistence, saved.Err(), "mapping for group %q not saved", group)
	}

	if _, err := a.syncGroup(ctx, working, group); err != nil {
		if !a.compensate(ctx, group) {
			return Result{}, newError(KindSync, err,
				"permissions for group %q not applied; the mapping on disk is ahead of memory until the next successful save", group)
		}
		return Result{}, newError(KindSync, err, "permissions for group %q not applied; mapping restored", group)
	}

	a.table = working
	a.clearPending(group)
	a.appendLog(ctx, audit.Entry{
		Actor:  actor.ID,
		Kind:   audit.KindSetModules,
		Group:  group,
		Before: before,
		After:  working.ModulesFor(group),
	})
	a.refreshGrants(ctx, []string{group})
	a.publish()
	a.logger.Info("rbac modules updated",
		slog.String("group", group),
		slog.String("actor", actor.ID),
		slog.Any("added", diff.Added),
		slog.Any("removed", diff.Removed))
	return Result{
		Mapping: a.table.Snapshot(),
		Message: fmt.Sprintf("modules updated for group %q", group),
		Diff:    diff,
		Ignored: ignored,
	}, nil
}

// compensate re-persists the previous mapping and re-syncs group against
// it. The group is marked for manual sync if either step fails. It reports
// whether the previous mapping is back on disk. Caller holds mu.
func (a *Authority) compensate(ctx context.Context, group string) bool {
	restored := a.restoreDisk(ctx, group)
	if _, err := a.syncGroup(ctx, a.table, group); err != nil || !restored {
		a.markPending(ctx, group)
	}
	a.refreshGrants(ctx, []string{group})
	a.publish()
	return restored
}

// Sync runs an administrative sync of one group, or of every group.
func (a *Authority) Sync(ctx context.Context, actor Subject, req SyncRequest) (SyncResult, error) {
	if err := a.authorize(actor); err != nil {
		return SyncResult{}, err
	}
	return runDetached(ctx, func(ctx context.Context) (SyncResult, error) {
		if req.Group == "" {
			return a.SyncAll(ctx)
		}
		return a.SyncGroup(ctx, SyncGroupParams{Group: req.Group})
	})
}

func (a *Authority) authorize(actor Subject) error {
	if a.CanAdminister(actor) {
		return nil
	}
	return newError(KindForbidden, nil, "subject %q may not administer groups", actor.ID)
}

func validateGroupName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return newError(KindValidation, nil, "group name is required")
	case strings.TrimSpace(name) != name:
		return newError(KindValidation, nil, "group name %q has surrounding whitespace", name)
	case utf8.RuneCountInString(name) > MaxGroupNameLength:
		return newError(KindValidation, nil, "group name longer than %d characters", MaxGroupNameLength)
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(KindOf(err))
}
