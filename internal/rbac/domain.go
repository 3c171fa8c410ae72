package rbac

import (
	"context"
	"slices"

	"github.com/iceplant/mrbac/internal/mapping"
	"github.com/iceplant/mrbac/internal/persist"
	"github.com/iceplant/mrbac/internal/registry"
)

// Groups that always exist and cannot be deleted.
const (
	GroupAdmins   = "Admins"
	GroupManagers = "Managers"
)

// MaxGroupNameLength bounds group names, in characters.
const MaxGroupNameLength = 128

// Protected lists the groups that cannot be deleted and that bypass module
// checks.
var Protected = []string{GroupAdmins, GroupManagers}

// IsProtected reports whether name is a protected group.
func IsProtected(name string) bool {
	return slices.Contains(Protected, name)
}

// Subject describes the authenticated actor being authorized.
type Subject struct {
	ID        string
	Groups    []string
	Superuser bool
}

// InGroup reports whether the subject belongs to group.
func (s Subject) InGroup(group string) bool {
	return slices.Contains(s.Groups, group)
}

// GroupStore is the identity collaborator owning group records.
type GroupStore interface {
	ListGroups(ctx context.Context) ([]string, error)
	Exists(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

// GrantParams names the group receiving permissions.
type GrantParams struct {
	Group       string
	Permissions []registry.Permission
}

// RevokeParams names the group losing permissions. Only the listed
// permissions are removed.
type RevokeParams struct {
	Group       string
	Permissions []registry.Permission
}

// PermissionStore is the fine-grained permission collaborator. Grant and
// Revoke must each apply atomically with respect to the group's permission
// set.
type PermissionStore interface {
	Register(ctx context.Context, perms []registry.Permission) error
	Lookup(ctx context.Context, app, codename string) (registry.Permission, bool, error)
	List(ctx context.Context, group string) ([]registry.Permission, error)
	Grant(ctx context.Context, params GrantParams) error
	Revoke(ctx context.Context, params RevokeParams) error
}

// Persistence loads and saves the group-module mapping.
type Persistence interface {
	Load(ctx context.Context) (persist.LoadResult, error)
	Save(ctx context.Context, table mapping.Table) persist.SaveResult
}

// SyncScheduler queues a background re-sync for a group that could not be
// brought into agreement.
type SyncScheduler interface {
	EnqueueSyncGroup(ctx context.Context, group string) error
}

// Lock serializes administrative work across processes that share one
// mapping and one permission store.
type Lock interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Metrics receives authority events.
type Metrics interface {
	ObserveDecision(check string, allowed bool)
	ObserveMutation(kind string, outcome string)
	ObserveSync(scope string, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveDecision(string, bool)   {}
func (nopMetrics) ObserveMutation(string, string) {}
func (nopMetrics) ObserveSync(string, string)     {}
