package rbac_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/iceplant/mrbac/internal/audit"
	"github.com/iceplant/mrbac/internal/identity"
	"github.com/iceplant/mrbac/internal/mapping"
	"github.com/iceplant/mrbac/internal/persist"
	"github.com/iceplant/mrbac/internal/rbac"
	"github.com/iceplant/mrbac/internal/registry"
)

var (
	testPaths = []string{
		"/srv/module_permissions.json",
		"/srv/iceplant_portal/module_permissions.json",
		"/srv/iceplant_portal/iceplant_core/module_permissions.json",
	}
	admin = rbac.Subject{ID: "root-admin", Groups: []string{rbac.GroupAdmins}}
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// faultyPerms wraps a MemoryStore and fails grants or revokes on demand.
type faultyPerms struct {
	*identity.MemoryStore
	failGrant  atomic.Bool
	failRevoke atomic.Bool
	grants     atomic.Int32
	revokes    atomic.Int32
}

func (f *faultyPerms) Grant(ctx context.Context, params rbac.GrantParams) error {
	f.grants.Add(1)
	if f.failGrant.Load() {
		return errStore
	}
	return f.MemoryStore.Grant(ctx, params)
}

func (f *faultyPerms) Revoke(ctx context.Context, params rbac.RevokeParams) error {
	f.revokes.Add(1)
	if f.failRevoke.Load() {
		return errStore
	}
	return f.MemoryStore.Revoke(ctx, params)
}

var errStore = errors.New("permission store unavailable")

// faultyGroups wraps a MemoryStore and fails deletes on demand.
type faultyGroups struct {
	*identity.MemoryStore
	failDelete atomic.Bool
}

func (f *faultyGroups) Delete(ctx context.Context, name string) error {
	if f.failDelete.Load() {
		return errGroupStore
	}
	return f.MemoryStore.Delete(ctx, name)
}

var errGroupStore = errors.New("group store unavailable")

// gatedPersistence fails or blocks saves on demand. With failFrom set, the
// save with that number and every later one fail.
type gatedPersistence struct {
	*persist.FileStore
	fail     atomic.Bool
	failFrom atomic.Int32
	gate     chan struct{}
	saves    atomic.Int32
}

func (g *gatedPersistence) Save(ctx context.Context, table mapping.Table) persist.SaveResult {
	n := g.saves.Add(1)
	if g.gate != nil {
		<-g.gate
	}
	if from := g.failFrom.Load(); g.fail.Load() || (from > 0 && n >= from) {
		return persist.SaveResult{Failed: []persist.PathError{{Path: "all", Err: io.ErrClosedPipe}}}
	}
	return g.FileStore.Save(ctx, table)
}

type recordingScheduler struct {
	mu     sync.Mutex
	groups []string
}

func (r *recordingScheduler) EnqueueSyncGroup(_ context.Context, group string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = append(r.groups, group)
	return nil
}

type fixture struct {
	fs        afero.Fs
	reg       *registry.Registry
	idStore   *identity.MemoryStore
	groups    *faultyGroups
	perms     *faultyPerms
	files     *gatedPersistence
	log       *audit.FileLog
	scheduler *recordingScheduler
	auth      *rbac.Authority
}

func newFixture(t *testing.T, initial map[string][]string, groups ...string) *fixture {
	t.Helper()
	fsys := afero.NewMemMapFs()
	if initial != nil {
		require.NoError(t, afero.WriteFile(fsys, testPaths[0], persist.Encode(mapping.New(initial)), 0o644))
	}
	reg := registry.Default()
	idStore := identity.NewMemoryStore(append([]string{rbac.GroupAdmins, rbac.GroupManagers}, groups...)...)
	f := &fixture{
		fs:        fsys,
		reg:       reg,
		idStore:   idStore,
		groups:    &faultyGroups{MemoryStore: idStore},
		perms:     &faultyPerms{MemoryStore: idStore},
		files:     &gatedPersistence{FileStore: persist.NewFileStore(testPaths, reg.IsKnown, persist.WithFs(fsys), persist.WithLogger(quietLogger()))},
		log:       audit.NewFileLog(fsys, "/srv/mrbac_mutations.log"),
		scheduler: &recordingScheduler{},
	}
	auth, err := rbac.New(rbac.Options{
		Registry:    reg,
		Groups:      f.groups,
		Permissions: f.perms,
		Persistence: f.files,
		Log:         f.log,
		Scheduler:   f.scheduler,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	report := auth.Init(context.Background())
	require.Empty(t, report.Errors)
	f.auth = auth
	return f
}

func (f *fixture) held(t *testing.T, group string) []string {
	t.Helper()
	perms, err := f.idStore.List(context.Background(), group)
	require.NoError(t, err)
	keys := make([]string, 0, len(perms))
	for _, p := range perms {
		keys = append(keys, p.Key())
	}
	return keys
}

func (f *fixture) entries(t *testing.T) []audit.Entry {
	t.Helper()
	entries, err := f.log.Entries(context.Background(), audit.Filter{})
	require.NoError(t, err)
	return entries
}

func (f *fixture) onDisk(t *testing.T, path string) string {
	t.Helper()
	data, err := afero.ReadFile(f.fs, path)
	require.NoError(t, err)
	return string(data)
}

// requireConsistent checks that every group holds a module's permissions iff
// the mapping lists it for that module.
func (f *fixture) requireConsistent(t *testing.T) {
	t.Helper()
	groups, err := f.idStore.ListGroups(context.Background())
	require.NoError(t, err)
	for _, g := range groups {
		held := map[string]bool{}
		for _, k := range f.held(t, g) {
			held[k] = true
		}
		for _, m := range f.reg.Modules() {
			mapped := false
			for _, member := range f.auth.GroupsFor(m) {
				mapped = mapped || member == g
			}
			for _, p := range f.reg.PermissionsFor(m) {
				require.Equalf(t, mapped, held[p.Key()], "group %s module %s permission %s", g, m, p.Key())
			}
		}
	}
}

func inventoryKeys() []string {
	return []string{
		"inventory.add", "inventory.add_adjustment", "inventory.change", "inventory.change_adjustment",
		"inventory.delete", "inventory.delete_adjustment", "inventory.view", "inventory.view_adjustment",
	}
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := rbac.New(rbac.Options{})
	require.ErrorIs(t, err, rbac.ErrConfig)
}

func TestGrantThenRevoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"inventory": {"Admins"}})

	_, err := f.auth.CreateGroup(ctx, admin, rbac.CreateGroupParams{Name: "Stock"})
	require.NoError(t, err)

	res, err := f.auth.SetModules(ctx, admin, rbac.SetModulesParams{Group: "Stock", Modules: map[string]bool{"inventory": true}})
	require.NoError(t, err)
	require.Equal(t, []string{"Admins", "Stock"}, res.Mapping["inventory"])
	require.Equal(t, inventoryKeys(), f.held(t, "Stock"))

	res, err = f.auth.SetModules(ctx, admin, rbac.SetModulesParams{Group: "Stock", Modules: map[string]bool{"inventory": false}})
	require.NoError(t, err)
	require.Equal(t, []string{"Admins"}, res.Mapping["inventory"])
	require.Empty(t, f.held(t, "Stock"), "revoke left permissions behind")
	f.requireConsistent(t)
}

func TestPartialUpdateLeavesOtherModules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"attendance": {"HR"}, "expenses": {"HR"}}, "HR")

	_, err := f.auth.SetModules(ctx, admin, rbac.SetModulesParams{Group: "HR", Modules: map[string]bool{"attendance": true}})
	require.NoError(t, err)
	require.Equal(t, []string{"attendance", "expenses"}, f.auth.ModulesFor("HR"))
	f.requireConsistent(t)
}

func TestPhantomGroupsRemovedOnInit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"sales": {"Admins", "Legacy"}}, "Sales")

	require.Equal(t, []string{"Admins"}, f.auth.GroupsFor("sales"))

	_, err := f.auth.SetModules(ctx, admin, rbac.SetModulesParams{Group: "Sales", Modules: map[string]bool{"buyers": true}})
	require.NoError(t, err)
	for _, path := range testPaths {
		require.NotContains(t, f.onDisk(t, path), "Legacy")
	}
}

func TestPersistenceDivergenceHealedOnSave(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, testPaths[0], []byte(`{"sales":["Admins"]}`), 0o644))
	require.NoError(t, afero.WriteFile(fsys, testPaths[1], []byte(`{"sales":["Admins","Sales"]}`), 0o644))

	reg := registry.Default()
	ids := identity.NewMemoryStore("Admins", "Managers", "Sales")
	auth, err := rbac.New(rbac.Options{
		Registry:    reg,
		Groups:      ids,
		Permissions: ids,
		Persistence: persist.NewFileStore(testPaths, reg.IsKnown, persist.WithFs(fsys), persist.WithLogger(quietLogger())),
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	report := auth.Init(ctx)
	require.Equal(t, testPaths[0], report.Source)
	require.Equal(t, []string{"Admins"}, auth.GroupsFor("sales"))

	_, err = auth.SetModules(ctx, admin, rbac.SetModulesParams{Group: "Sales", Modules: map[string]bool{"buyers": true}})
	require.NoError(t, err)

	want := "{\n  \"buyers\": [\"Sales\"],\n  \"sales\": [\"Admins\"]\n}\n"
	for _, path := range testPaths {
		data, err := afero.ReadFile(fsys, path)
		require.NoError(t, err)
		require.Equal(t, want, string(data), path)
	}
}

func TestDeleteProtectedGroup(t *testing.T) {
	f := newFixture(t, map[string][]string{"sales": {"Admins"}})

	_, err := f.auth.DeleteGroup(context.Background(), admin, rbac.DeleteGroupParams{Name: "Admins"})
	require.ErrorIs(t, err, rbac.ErrProtected)
	require.Equal(t, rbac.KindProtected, rbac.KindOf(err))
	require.Equal(t, map[string][]string{"sales": {"Admins"}}, f.auth.CurrentMapping())
	require.Empty(t, f.entries(t))
}

func TestDecisions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"sales": {"Sales"}}, "Sales", "HR")

	superuser := rbac.Subject{ID: "root", Superuser: true}
	require.True(t, f.auth.CanAccessModule(superuser, "anything"))
	require.True(t, f.auth.HasPermission(superuser, "anything", "view"))

	manager := rbac.Subject{ID: "m", Groups: []string{rbac.GroupManagers}}
	require.True(t, f.auth.CanAccessModule(manager, "inventory"))

	seller := rbac.Subject{ID: "s", Groups: []string{"HR", "Sales"}}
	require.True(t, f.auth.CanAccessModule(seller, "sales"))
	require.False(t, f.auth.CanAccessModule(seller, "inventory"))
	require.True(t, f.auth.HasPermission(seller, "sales", "change_item"))
	require.False(t, f.auth.HasPermission(seller, "inventory", "view"))

	_, err := f.auth.SetModules(ctx, admin, rbac.SetModulesParams{Group: "Sales", Modules: map[string]bool{"sales": false, "inventory": true}})
	require.NoError(t, err)
	require.False(t, f.auth.CanAccessModule(seller, "sales"))
	require.False(t, f.auth.HasPermission(seller, "sales", "view"))
	require.True(t, f.auth.HasPermission(seller, "inventory", "view"))

	nobody := rbac.Subject{ID: "n"}
	require.False(t, f.auth.CanAccessModule(nobody, "sales"))
}

func TestRevokeOnlyTouchesTargetGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"inventory": {"A", "B"}}, "A", "B")

	_, err := f.auth.SetModules(ctx, admin, rbac.SetModulesParams{Group: "A", Modules: map[string]bool{"inventory": false}})
	require.NoError(t, err)
	require.Empty(t, f.held(t, "A"))
	require.Equal(t, inventoryKeys(), f.held(t, "B"))
}

func TestRevokeIgnoresPrefixSiblings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"inventory": {"Stock"}}, "Stock")

	siblings := []registry.Permission{
		{App: "inventory_reports", Codename: "view", Label: "Can view reports"},
		{App: "inventory", Codename: "viewer", Label: "Can viewer"},
		{App: "inventory", Codename: "view_adjustment_history", Label: "Can view adjustment history"},
	}
	require.NoError(t, f.idStore.Register(ctx, siblings))
	require.NoError(t, f.idStore.Grant(ctx, rbac.GrantParams{Group: "Stock", Permissions: siblings}))

	_, err := f.auth.SetModules(ctx, admin, rbac.SetModulesParams{Group: "Stock", Modules: map[string]bool{"inventory": false}})
	require.NoError(t, err)
	require.Equal(t, []string{"inventory.view_adjustment_history", "inventory.viewer", "inventory_reports.view"}, f.held(t, "Stock"))
}

func TestPersistFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"sales": {"Sales"}}, "Sales")
	before := f.onDisk(t, testPaths[0])
	f.files.fail.Store(true)

	_, err := f.auth.SetModules(ctx, admin, rbac.SetModulesParams{Group: "Sales", Modules: map[string]bool{"inventory": true}})
	require.ErrorIs(t, err, rbac.ErrPersistence)
	require.Equal(t, []string{"sales"}, f.auth.ModulesFor("Sales"))
	require.Equal(t, before, f.onDisk(t, testPaths[0]))
	require.Empty(t, f.entries(t))
	f.requireConsistent(t)
}

func TestSyncFailureCompensates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"sales": {"Sales"}}, "Sales")
	before := f.onDisk(t, testPaths[0])
	f.perms.failGrant.Store(true)

	_, err := f.auth.SetModules(ctx, admin, rbac.SetModulesParams{Group: "Sales", Modules: map[string]bool{"inventory": true}})
	require.ErrorIs(t, err, rbac.ErrSync)
	require.Equal(t, []string{"sales"}, f.auth.ModulesFor("Sales"))
	require.Equal(t, before, f.onDisk(t, testPaths[0]))
	require.Empty(t, f.entries(t))
	require.Empty(t, f.auth.PendingSync())
	f.requireConsistent(t)
}

func TestIrrecoverableSyncMarksGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"sales": {"Sales"}}, "Sales")
	f.perms.failGrant.Store(true)

	_, err := f.auth.SetModules(ctx, admin, rbac.SetModulesParams{
		Group:   "Sales",
		Modules: map[string]bool{"sales": false, "inventory": true},
	})
	require.ErrorIs(t, err, rbac.ErrSync)
	require.Equal(t, []string{"Sales"}, f.auth.PendingSync())
	require.Equal(t, []string{"Sales"}, f.scheduler.groups)

	f.perms.failGrant.Store(false)
	_, err = f.auth.Sync(ctx, admin, rbac.SyncRequest{Group: "Sales"})
	require.NoError(t, err)
	require.Empty(t, f.auth.PendingSync())
	f.requireConsistent(t)
}

func TestFailedRestoreKeepsGroupPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"sales": {"Sales"}}, "Sales")
	before := f.onDisk(t, testPaths[0])
	f.perms.failGrant.Store(true)
	f.files.failFrom.Store(f.files.saves.Load() + 2)

	_, err := f.auth.SetModules(ctx, admin, rbac.SetModulesParams{Group: "Sales", Modules: map[string]bool{"inventory": true}})
	require.ErrorIs(t, err, rbac.ErrSync)
	require.Contains(t, rbac.MessageOf(err), "ahead of memory")
	require.Equal(t, []string{"sales"}, f.auth.ModulesFor("Sales"))
	require.Equal(t, []string{"Sales"}, f.auth.PendingSync())
	require.Contains(t, f.scheduler.groups, "Sales")
	require.Empty(t, f.entries(t))

	// A reload must not pick the rejected mapping back up.
	changed, err := f.auth.Reload(ctx)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, []string{"sales"}, f.auth.ModulesFor("Sales"))

	// A successful group sync still cannot clear the group while the disk
	// is behind.
	f.perms.failGrant.Store(false)
	_, err = f.auth.SyncGroup(ctx, rbac.SyncGroupParams{Group: "Sales"})
	require.NoError(t, err)
	require.Equal(t, []string{"Sales"}, f.auth.PendingSync())

	f.files.failFrom.Store(0)
	_, err = f.auth.SyncGroup(ctx, rbac.SyncGroupParams{Group: "Sales"})
	require.NoError(t, err)
	require.Empty(t, f.auth.PendingSync())
	require.Equal(t, before, f.onDisk(t, testPaths[0]))
	f.requireConsistent(t)

	restarted := peer(t, f, nil)
	require.Equal(t, []string{"sales"}, restarted.ModulesFor("Sales"))
}

func TestDeleteGroupStoreFailureKeepsMapping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"inventory": {"Stock"}}, "Stock")
	before := f.onDisk(t, testPaths[0])
	require.ElementsMatch(t, inventoryKeys(), f.held(t, "Stock"))
	f.groups.failDelete.Store(true)

	_, err := f.auth.DeleteGroup(ctx, admin, rbac.DeleteGroupParams{Name: "Stock"})
	require.ErrorIs(t, err, errGroupStore)
	ok, err := f.idStore.Exists(ctx, "Stock")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"Stock"}, f.auth.GroupsFor("inventory"))
	require.Equal(t, before, f.onDisk(t, testPaths[0]))
	require.True(t, f.auth.HasPermission(rbac.Subject{ID: "s", Groups: []string{"Stock"}}, "inventory", "view"))
	require.True(t, f.auth.CanAccessModule(rbac.Subject{ID: "s", Groups: []string{"Stock"}}, "inventory"))
	require.Empty(t, f.auth.PendingSync())
	require.Empty(t, f.entries(t))
	f.requireConsistent(t)

	f.groups.failDelete.Store(false)
	_, err = f.auth.DeleteGroup(ctx, admin, rbac.DeleteGroupParams{Name: "Stock"})
	require.NoError(t, err)
	require.Empty(t, f.auth.GroupsFor("inventory"))
}

func TestDeleteGroupFailureWithUnwritableDiskMarksGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"inventory": {"Stock"}}, "Stock")
	f.groups.failDelete.Store(true)
	f.files.failFrom.Store(f.files.saves.Load() + 2)

	_, err := f.auth.DeleteGroup(ctx, admin, rbac.DeleteGroupParams{Name: "Stock"})
	require.Error(t, err)
	require.Equal(t, []string{"Stock"}, f.auth.GroupsFor("inventory"))
	require.Equal(t, []string{"Stock"}, f.auth.PendingSync())

	f.files.failFrom.Store(0)
	_, err = f.auth.SyncGroup(ctx, rbac.SyncGroupParams{Group: "Stock"})
	require.NoError(t, err)
	require.Empty(t, f.auth.PendingSync())
	require.Contains(t, f.onDisk(t, testPaths[0]), "Stock")
}

func TestSyncGroupModuleClearsPendingOnceConsistent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"sales": {"Sales"}}, "Sales")
	f.perms.failGrant.Store(true)
	_, err := f.auth.SetModules(ctx, admin, rbac.SetModulesParams{
		Group:   "Sales",
		Modules: map[string]bool{"sales": false, "inventory": true},
	})
	require.ErrorIs(t, err, rbac.ErrSync)
	require.Equal(t, []string{"Sales"}, f.auth.PendingSync())
	f.perms.failGrant.Store(false)

	_, err = f.auth.SyncGroupModule(ctx, rbac.SyncTarget{Group: "Sales", Module: "inventory"})
	require.NoError(t, err)
	require.Equal(t, []string{"Sales"}, f.auth.PendingSync())

	res, err := f.auth.SyncGroupModule(ctx, rbac.SyncTarget{Group: "Sales", Module: "sales"})
	require.NoError(t, err)
	require.Equal(t, 8, res.Granted)
	require.Empty(t, f.auth.PendingSync())
	f.requireConsistent(t)
}

func TestSetModulesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, "HR")
	req := rbac.SetModulesParams{Group: "HR", Modules: map[string]bool{"attendance": true, "expenses": true}}

	first, err := f.auth.SetModules(ctx, admin, req)
	require.NoError(t, err)
	require.False(t, first.Diff.Empty())
	saves := f.files.saves.Load()

	second, err := f.auth.SetModules(ctx, admin, req)
	require.NoError(t, err)
	require.True(t, second.Diff.Empty())
	require.Equal(t, first.Mapping, second.Mapping)
	require.Equal(t, saves, f.files.saves.Load())

	entries := f.entries(t)
	require.Len(t, entries, 1)
	require.Equal(t, audit.KindSetModules, entries[0].Kind)
	require.Equal(t, []string{}, entries[0].Before)
	require.Equal(t, []string{"attendance", "expenses"}, entries[0].After)
	require.Equal(t, admin.ID, entries[0].Actor)
}

func TestUnknownModulesIgnored(t *testing.T) {
	f := newFixture(t, nil, "HR")

	res, err := f.auth.SetModules(context.Background(), admin, rbac.SetModulesParams{
		Group:   "HR",
		Modules: map[string]bool{"Office": true, "HR Payrol": true, "attendance": true},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"HR Payrol", "Office"}, res.Ignored)
	require.Equal(t, map[string][]string{"attendance": {"HR"}}, res.Mapping)
}

func TestReplaceModules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"attendance": {"HR"}, "expenses": {"HR"}}, "HR")

	res, err := f.auth.ReplaceModules(ctx, admin, rbac.ReplaceModulesParams{Group: "HR", Modules: []string{"attendance", "sales"}})
	require.NoError(t, err)
	require.Equal(t, []string{"attendance", "sales"}, f.auth.ModulesFor("HR"))
	require.Equal(t, []string{"HR"}, res.Diff.Removed["expenses"])
	f.requireConsistent(t)

	_, err = f.auth.ReplaceModules(ctx, admin, rbac.ReplaceModulesParams{Group: "HR"})
	require.NoError(t, err)
	require.Empty(t, f.auth.ModulesFor("HR"))
	require.Empty(t, f.held(t, "HR"))
}

func TestCreateAndDeleteGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"sales": {"Admins"}})

	_, err := f.auth.CreateGroup(ctx, admin, rbac.CreateGroupParams{Name: "Stock"})
	require.NoError(t, err)
	_, err = f.auth.CreateGroup(ctx, admin, rbac.CreateGroupParams{Name: "Stock"})
	require.ErrorIs(t, err, rbac.ErrAlreadyExists)

	_, err = f.auth.SetModules(ctx, admin, rbac.SetModulesParams{Group: "Stock", Modules: map[string]bool{"inventory": true, "sales": true}})
	require.NoError(t, err)

	res, err := f.auth.DeleteGroup(ctx, admin, rbac.DeleteGroupParams{Name: "Stock"})
	require.NoError(t, err)
	for module, groups := range res.Mapping {
		require.NotContainsf(t, groups, "Stock", "module %s", module)
	}
	require.NotContains(t, f.onDisk(t, testPaths[0]), "Stock")
	ok, err := f.idStore.Exists(ctx, "Stock")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.auth.DeleteGroup(ctx, admin, rbac.DeleteGroupParams{Name: "Stock"})
	require.ErrorIs(t, err, rbac.ErrNotFound)

	kinds := []audit.Kind{}
	for _, e := range f.entries(t) {
		kinds = append(kinds, e.Kind)
	}
	require.Equal(t, []audit.Kind{audit.KindDeleteGroup, audit.KindSetModules, audit.KindCreateGroup}, kinds)
}

func TestMutationValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, "HR")

	_, err := f.auth.CreateGroup(ctx, admin, rbac.CreateGroupParams{Name: "  "})
	require.ErrorIs(t, err, rbac.ErrValidation)

	long := make([]byte, rbac.MaxGroupNameLength+1)
	for i := range long {
		long[i] = 'g'
	}
	_, err = f.auth.CreateGroup(ctx, admin, rbac.CreateGroupParams{Name: string(long)})
	require.ErrorIs(t, err, rbac.ErrValidation)

	_, err = f.auth.SetModules(ctx, admin, rbac.SetModulesParams{Group: "HR"})
	require.ErrorIs(t, err, rbac.ErrValidation)

	_, err = f.auth.SetModules(ctx, admin, rbac.SetModulesParams{Group: "Ghost", Modules: map[string]bool{"sales": true}})
	require.ErrorIs(t, err, rbac.ErrNotFound)

	_, err = f.auth.SyncGroupModule(ctx, rbac.SyncTarget{Group: "HR", Module: "payroll"})
	require.ErrorIs(t, err, rbac.ErrNotFound)
}

func TestMutationsRequireAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, "HR")
	clerk := rbac.Subject{ID: "clerk", Groups: []string{"HR", rbac.GroupManagers}}

	_, err := f.auth.CreateGroup(ctx, clerk, rbac.CreateGroupParams{Name: "Stock"})
	require.ErrorIs(t, err, rbac.ErrForbidden)
	_, err = f.auth.SetModules(ctx, clerk, rbac.SetModulesParams{Group: "HR", Modules: map[string]bool{"sales": true}})
	require.ErrorIs(t, err, rbac.ErrForbidden)
	_, err = f.auth.Sync(ctx, clerk, rbac.SyncRequest{})
	require.ErrorIs(t, err, rbac.ErrForbidden)

	_, err = f.auth.CreateGroup(ctx, rbac.Subject{ID: "root", Superuser: true}, rbac.CreateGroupParams{Name: "Stock"})
	require.NoError(t, err)
}

func TestSyncAllReachesFixedPoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"sales": {"Sales"}, "inventory": {"Stock", "Sales"}}, "Sales", "Stock")

	// Drift the store behind the authority's back.
	require.NoError(t, f.idStore.Revoke(ctx, rbac.RevokeParams{
		Group:       "Stock",
		Permissions: f.reg.PermissionsFor("inventory")[:2],
	}))
	require.NoError(t, f.idStore.Grant(ctx, rbac.GrantParams{Group: "Stock", Permissions: f.reg.PermissionsFor("buyers")}))

	first, err := f.auth.SyncAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, first.Granted)
	require.Equal(t, 4, first.Revoked)
	f.requireConsistent(t)

	grants, revokes := f.perms.grants.Load(), f.perms.revokes.Load()
	second, err := f.auth.SyncAll(ctx)
	require.NoError(t, err)
	require.Zero(t, second.Granted)
	require.Zero(t, second.Revoked)
	require.Equal(t, grants, f.perms.grants.Load())
	require.Equal(t, revokes, f.perms.revokes.Load())
}

func TestRandomSetModulesKeepInvariants(t *testing.T) {
	ctx := context.Background()
	groups := []string{"HR", "Sales", "Stock", "Finance"}
	f := newFixture(t, nil, groups...)
	modules := f.reg.Modules()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 60; i++ {
		group := groups[rng.Intn(len(groups))]
		req := map[string]bool{}
		for j := 0; j <= rng.Intn(3); j++ {
			req[modules[rng.Intn(len(modules))]] = rng.Intn(2) == 0
		}
		before := map[string]bool{}
		for _, m := range f.auth.ModulesFor(group) {
			before[m] = true
		}

		_, err := f.auth.SetModules(ctx, admin, rbac.SetModulesParams{Group: group, Modules: req})
		require.NoError(t, err)

		for _, m := range modules {
			want := before[m]
			if allow, ok := req[m]; ok {
				want = allow
			}
			got := false
			for _, member := range f.auth.GroupsFor(m) {
				got = got || member == group
			}
			require.Equalf(t, want, got, "step %d group %s module %s", i, group, m)
		}
		f.requireConsistent(t)
	}

	loaded, err := f.files.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, f.auth.CurrentMapping(), loaded.Table.Snapshot())
}

func TestMutationCompletesAfterCallerTimeout(t *testing.T) {
	f := newFixture(t, nil, "HR")
	f.files.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.auth.SetModules(ctx, admin, rbac.SetModulesParams{Group: "HR", Modules: map[string]bool{"attendance": true}})
		done <- err
	}()
	require.Eventually(t, func() bool { return f.files.saves.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(f.files.gate)
	require.Eventually(t, func() bool {
		return len(f.auth.ModulesFor("HR")) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.entries(t)) == 1 }, time.Second, 5*time.Millisecond)
	f.requireConsistent(t)
}

func TestReloadPicksUpExternalChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"sales": {"Sales"}}, "Sales")

	changed, err := f.auth.Reload(ctx)
	require.NoError(t, err)
	require.False(t, changed)

	other := persist.NewFileStore(testPaths, f.reg.IsKnown, persist.WithFs(f.fs), persist.WithLogger(quietLogger()))
	require.True(t, other.Save(ctx, mapping.New(map[string][]string{"buyers": {"Sales"}})).OK)

	changed, err = f.auth.Reload(ctx)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, []string{"buyers"}, f.auth.ModulesFor("Sales"))
	require.True(t, f.auth.HasPermission(rbac.Subject{Groups: []string{"Sales"}}, "buyers", "add"))
	f.requireConsistent(t)
}
