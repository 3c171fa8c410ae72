// Package identity provides the group and fine-grained permission stores the
// authority synchronizes against.
package identity

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/iceplant/mrbac/internal/rbac"
	"github.com/iceplant/mrbac/internal/registry"
)

// MemoryStore keeps groups and their permissions in memory. It implements
// both rbac.GroupStore and rbac.PermissionStore.
type MemoryStore struct {
	mu          sync.RWMutex
	permissions map[string]registry.Permission
	groups      map[string]map[string]registry.Permission
}

// NewMemoryStore returns a store holding the given empty groups.
func NewMemoryStore(groups ...string) *MemoryStore {
	s := &MemoryStore{
		permissions: make(map[string]registry.Permission),
		groups:      make(map[string]map[string]registry.Permission, len(groups)),
	}
	for _, g := range groups {
		s.groups[g] = make(map[string]registry.Permission)
	}
	return s
}

// ListGroups returns every group name, sorted.
func (s *MemoryStore) ListGroups(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.groups))
	for g := range s.groups {
		out = append(out, g)
	}
	slices.Sort(out)
	return out, nil
}

// Exists reports whether the group exists.
func (s *MemoryStore) Exists(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.groups[name]
	return ok, nil
}

// Create adds an empty group.
func (s *MemoryStore) Create(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[name]; ok {
		return &rbac.Error{Kind: rbac.KindAlreadyExists, Message: fmt.Sprintf("group %q already exists", name)}
	}
	s.groups[name] = make(map[string]registry.Permission)
	return nil
}

// Delete removes the group and its permissions.
func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[name]; !ok {
		return &rbac.Error{Kind: rbac.KindNotFound, Message: fmt.Sprintf("group %q does not exist", name)}
	}
	delete(s.groups, name)
	return nil
}

// Register makes permissions available for granting. Re-registering is a
// no-op apart from refreshing labels.
func (s *MemoryStore) Register(_ context.Context, perms []registry.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		s.permissions[p.Key()] = p
	}
	return nil
}

// Lookup finds a registered permission.
func (s *MemoryStore) Lookup(_ context.Context, app, codename string) (registry.Permission, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permissions[registry.Permission{App: app, Codename: codename}.Key()]
	return p, ok, nil
}

// List returns the group's permissions sorted by key.
func (s *MemoryStore) List(_ context.Context, group string) ([]registry.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	held, ok := s.groups[group]
	if !ok {
		return nil, &rbac.Error{Kind: rbac.KindNotFound, Message: fmt.Sprintf("group %q does not exist", group)}
	}
	out := make([]registry.Permission, 0, len(held))
	for _, p := range held {
		out = append(out, p)
	}
	slices.SortFunc(out, comparePermissions)
	return out, nil
}

// Grant adds every permission to the group, or none if any is unknown.
func (s *MemoryStore) Grant(_ context.Context, params rbac.GrantParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.groups[params.Group]
	if !ok {
		return &rbac.Error{Kind: rbac.KindNotFound, Message: fmt.Sprintf("group %q does not exist", params.Group)}
	}
	resolved := make([]registry.Permission, 0, len(params.Permissions))
	for _, p := range params.Permissions {
		reg, ok := s.permissions[p.Key()]
		if !ok {
			return fmt.Errorf("identity: grant: permission %s is not registered", p.Key())
		}
		resolved = append(resolved, reg)
	}
	for _, p := range resolved {
		held[p.Key()] = p
	}
	return nil
}

// Revoke removes exactly the listed permissions from the group.
func (s *MemoryStore) Revoke(_ context.Context, params rbac.RevokeParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.groups[params.Group]
	if !ok {
		return &rbac.Error{Kind: rbac.KindNotFound, Message: fmt.Sprintf("group %q does not exist", params.Group)}
	}
	for _, p := range params.Permissions {
		delete(held, p.Key())
	}
	return nil
}

func comparePermissions(a, b registry.Permission) int {
	return cmp.Or(cmp.Compare(a.App, b.App), cmp.Compare(a.Codename, b.Codename))
}
