package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/iceplant/mrbac/internal/mapping"
	"github.com/iceplant/mrbac/internal/registry"
)

// SyncTarget names one (group, module) pair.
type SyncTarget struct {
	Group  string
	Module string
}

// SyncGroupParams names the group to synchronize against every module.
type SyncGroupParams struct {
	Group string
}

// SyncResult summarises a synchronization run.
type SyncResult struct {
	Groups  []string `json:"groups"`
	Granted int      `json:"granted"`
	Revoked int      `json:"revoked"`
	Failed  []string `json:"failed,omitempty"`
}

func (r *SyncResult) merge(other SyncResult) {
	r.Groups = append(r.Groups, other.Groups...)
	r.Granted += other.Granted
	r.Revoked += other.Revoked
	r.Failed = append(r.Failed, other.Failed...)
}

// SyncGroupModule brings one (group, module) pair into agreement with the
// mapping. A group pending manual sync is cleared once every module agrees.
func (a *Authority) SyncGroupModule(ctx context.Context, target SyncTarget) (SyncResult, error) {
	if target.Group == "" || target.Module == "" {
		return SyncResult{}, newError(KindValidation, nil, "group and module are required")
	}
	if !a.registry.IsKnown(target.Module) {
		return SyncResult{}, newError(KindNotFound, nil, "module %q does not exist", target.Module)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	release, err := a.exclusive(ctx, true)
	if err != nil {
		return SyncResult{}, err
	}
	defer release()

	if err := a.requireGroup(ctx, target.Group); err != nil {
		return SyncResult{}, err
	}
	current, err := a.currentKeys(ctx, target.Group)
	if err != nil {
		return SyncResult{}, newError(KindSync, err, "list permissions of %q", target.Group)
	}
	res := SyncResult{Groups: []string{target.Group}}
	granted, revoked, err := a.syncUnit(ctx, a.table, target, current)
	res.Granted, res.Revoked = granted, revoked
	a.refreshGrants(ctx, []string{target.Group})
	a.publish()
	if err != nil {
		a.metrics.ObserveSync("module", "error")
		res.Failed = []string{target.Group}
		a.markPending(ctx, target.Group)
		return res, err
	}
	if a.agrees(a.table, target.Group, current) {
		a.clearPending(target.Group)
	}
	a.metrics.ObserveSync("module", "ok")
	return res, nil
}

// SyncGroup brings a group into agreement with the mapping for every module.
func (a *Authority) SyncGroup(ctx context.Context, params SyncGroupParams) (SyncResult, error) {
	if params.Group == "" {
		return SyncResult{}, newError(KindValidation, nil, "group is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	release, err := a.exclusive(ctx, true)
	if err != nil {
		return SyncResult{}, err
	}
	defer release()

	if err := a.requireGroup(ctx, params.Group); err != nil {
		return SyncResult{}, err
	}
	res, err := a.syncGroup(ctx, a.table, params.Group)
	a.refreshGrants(ctx, []string{params.Group})
	a.publish()
	if err != nil {
		a.metrics.ObserveSync("group", "error")
		a.markPending(ctx, params.Group)
		return res, err
	}
	a.clearPending(params.Group)
	a.metrics.ObserveSync("group", "ok")
	return res, nil
}

// SyncAll synchronizes every existing group. A failing group does not stop
// the others.
func (a *Authority) SyncAll(ctx context.Context) (SyncResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	release, err := a.exclusive(ctx, true)
	if err != nil {
		return SyncResult{}, err
	}
	defer release()

	res, err := a.syncAll(ctx, a.table)
	a.refreshGrants(ctx, nil)
	a.publish()
	if err != nil {
		a.metrics.ObserveSync("all", "error")
		return res, err
	}
	a.metrics.ObserveSync("all", "ok")
	return res, nil
}

// syncAll runs syncGroup for every existing group against table. Caller
// holds mu.
func (a *Authority) syncAll(ctx context.Context, table mapping.Table) (SyncResult, error) {
	groups, err := a.groups.ListGroups(ctx)
	if err != nil {
		return SyncResult{}, newError(KindSync, err, "list groups")
	}
	var (
		total SyncResult
		errs  []error
	)
	for _, g := range groups {
		res, err := a.syncGroup(ctx, table, g)
		total.merge(res)
		if err != nil {
			errs = append(errs, err)
			a.markPending(ctx, g)
			continue
		}
		a.clearPending(g)
	}
	if len(errs) > 0 {
		return total, newError(KindSync, errors.Join(errs...), "%d of %d groups failed to sync", len(errs), len(groups))
	}
	return total, nil
}

// syncGroup reads the group's permissions once and reconciles every module.
// Caller holds mu.
func (a *Authority) syncGroup(ctx context.Context, table mapping.Table, group string) (SyncResult, error) {
	res := SyncResult{Groups: []string{group}}
	current, err := a.currentKeys(ctx, group)
	if err != nil {
		res.Failed = []string{group}
		return res, newError(KindSync, err, "list permissions of %q", group)
	}
	var errs []error
	for _, module := range a.registry.Modules() {
		granted, revoked, err := a.syncUnit(ctx, table, SyncTarget{Group: group, Module: module}, current)
		res.Granted += granted
		res.Revoked += revoked
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		res.Failed = []string{group}
		return res, newError(KindSync, errors.Join(errs...), "sync group %q", group)
	}
	return res, nil
}

// syncUnit issues at most one store call for the pair: a grant of the
// module's missing permissions, or a revoke of exactly the module's
// permissions the group currently holds. current is updated in place.
func (a *Authority) syncUnit(ctx context.Context, table mapping.Table, target SyncTarget, current map[string]struct{}) (int, int, error) {
	perms := a.registry.PermissionsFor(target.Module)
	if table.Has(target.Module, target.Group) {
		missing := slices.DeleteFunc(perms, func(p registry.Permission) bool {
			_, ok := current[p.Key()]
			return ok
		})
		if len(missing) == 0 {
			return 0, 0, nil
		}
		if err := a.perms.Grant(ctx, GrantParams{Group: target.Group, Permissions: missing}); err != nil {
			a.logger.Error("rbac grant failed",
				slog.String("group", target.Group),
				slog.String("module", target.Module),
				slog.Any("error", err))
			return 0, 0, fmt.Errorf("grant %s to %q: %w", target.Module, target.Group, err)
		}
		for _, p := range missing {
			current[p.Key()] = struct{}{}
		}
		return len(missing), 0, nil
	}

	held := slices.DeleteFunc(perms, func(p registry.Permission) bool {
		_, ok := current[p.Key()]
		return !ok
	})
	if len(held) == 0 {
		return 0, 0, nil
	}
	if err := a.perms.Revoke(ctx, RevokeParams{Group: target.Group, Permissions: held}); err != nil {
		a.logger.Error("rbac revoke failed",
			slog.String("group", target.Group),
			slog.String("module", target.Module),
			slog.Any("error", err))
		return 0, 0, fmt.Errorf("revoke %s from %q: %w", target.Module, target.Group, err)
	}
	for _, p := range held {
		delete(current, p.Key())
	}
	return 0, len(held), nil
}

// agrees reports whether group holds exactly the permissions of the
// modules table maps it to.
func (a *Authority) agrees(table mapping.Table, group string, current map[string]struct{}) bool {
	for _, module := range a.registry.Modules() {
		mapped := table.Has(module, group)
		for _, p := range a.registry.PermissionsFor(module) {
			if _, held := current[p.Key()]; held != mapped {
				return false
			}
		}
	}
	return true
}

func (a *Authority) currentKeys(ctx context.Context, group string) (map[string]struct{}, error) {
	perms, err := a.perms.List(ctx, group)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p.Key()] = struct{}{}
	}
	return set, nil
}

func (a *Authority) requireGroup(ctx context.Context, group string) error {
	ok, err := a.groups.Exists(ctx, group)
	if err != nil {
		return storeError("lookup group", err)
	}
	if !ok {
		return newError(KindNotFound, nil, "group %q does not exist", group)
	}
	return nil
}
