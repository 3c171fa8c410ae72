package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/iceplant/mrbac/internal/audit"
	"github.com/iceplant/mrbac/internal/identity"
	"github.com/iceplant/mrbac/internal/mapping"
	"github.com/iceplant/mrbac/internal/persist"
	"github.com/iceplant/mrbac/internal/rbac"
	"github.com/iceplant/mrbac/internal/registry"
)

const mappingPath = "/etc/mrbac/module_permissions.json"

type grantFailingStore struct {
	*identity.MemoryStore
	fail bool
}

func (s *grantFailingStore) Grant(ctx context.Context, params rbac.GrantParams) error {
	if s.fail {
		return errors.New("identity store offline")
	}
	return s.MemoryStore.Grant(ctx, params)
}

type harness struct {
	fs    afero.Fs
	store *grantFailingStore
	opts  Options
}

func newHarness(t *testing.T, readOnly bool, initial map[string][]string) *harness {
	t.Helper()
	var fsys afero.Fs = afero.NewMemMapFs()
	if initial != nil {
		require.NoError(t, afero.WriteFile(fsys, mappingPath, persist.Encode(mapping.New(initial)), 0o644))
	}
	if readOnly {
		fsys = afero.NewReadOnlyFs(fsys)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.Default()
	store := &grantFailingStore{MemoryStore: identity.NewMemoryStore(rbac.GroupAdmins, rbac.GroupManagers, "Sales", "HR")}
	log := audit.NewFileLog(afero.NewMemMapFs(), "/var/log/mrbac_mutations.log")
	auth, err := rbac.New(rbac.Options{
		Registry:    reg,
		Groups:      store,
		Permissions: store,
		Persistence: persist.NewFileStore([]string{mappingPath}, reg.IsKnown, persist.WithFs(fsys), persist.WithLogger(logger)),
		Log:         log,
		Logger:      logger,
	})
	require.NoError(t, err)
	require.Empty(t, auth.Init(context.Background()).Errors)
	return &harness{
		fs:    fsys,
		store: store,
		opts: Options{
			Authority: auth,
			Timeline:  audit.NewService(log),
			Actor:     rbac.Subject{ID: "cli:ops", Superuser: true},
		},
	}
}

func (h *harness) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	opts := h.opts
	opts.Stdout, opts.Stderr = stdout, stderr
	code := Run(context.Background(), opts, args)
	return code, stdout.String(), stderr.String()
}

func TestSetAndList(t *testing.T) {
	h := newHarness(t, false, map[string][]string{"sales": {"Admins"}})

	code, out, errOut := h.run(t, "set", "Sales", "sales=true", "Office=true")
	require.Equal(t, ExitOK, code, errOut)
	require.Contains(t, out, `modules updated for group "Sales"`)
	require.Contains(t, out, "added: sales")
	require.Contains(t, out, "Sales: [sales]")
	require.Contains(t, errOut, "ignored unknown modules: Office")

	code, out, _ = h.run(t, "list")
	require.Equal(t, ExitOK, code)
	require.Equal(t, "{\n  \"sales\": [\"Admins\", \"Sales\"]\n}\n", out)

	code, out, _ = h.run(t, "list", "--format", "yaml")
	require.Equal(t, ExitOK, code)
	var decoded map[string][]string
	require.NoError(t, yaml.Unmarshal([]byte(out), &decoded))
	require.Equal(t, map[string][]string{"sales": {"Admins", "Sales"}}, decoded)

	code, _, _ = h.run(t, "list", "--format", "xml")
	require.Equal(t, ExitValidation, code)
}

func TestReplaceAndLog(t *testing.T) {
	h := newHarness(t, false, map[string][]string{"sales": {"HR"}, "expenses": {"HR"}})

	code, out, errOut := h.run(t, "replace", "HR", "inventory")
	require.Equal(t, ExitOK, code, errOut)
	require.Contains(t, out, "HR: [inventory]")

	code, out, _ = h.run(t, "log", "--group", "HR", "--format", "json")
	require.Equal(t, ExitOK, code)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], `"before":["expenses","sales"]`)
	require.Contains(t, lines[0], `"after":["inventory"]`)
	require.Contains(t, lines[0], `"actor":"cli:ops"`)

	code, out, _ = h.run(t, "log", "--format", "csv")
	require.Equal(t, ExitOK, code)
	require.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)
}

func TestGroupLifecycle(t *testing.T) {
	h := newHarness(t, false, nil)

	code, out, _ := h.run(t, "create-group", "Stock")
	require.Equal(t, ExitOK, code)
	require.Contains(t, out, `group "Stock" created`)

	code, _, errOut := h.run(t, "create-group", "Stock")
	require.Equal(t, ExitRejected, code)
	require.Contains(t, errOut, "AlreadyExists")

	code, _, _ = h.run(t, "delete-group", "Stock")
	require.Equal(t, ExitOK, code)

	code, _, errOut = h.run(t, "delete-group", "Admins")
	require.Equal(t, ExitRejected, code)
	require.Contains(t, errOut, "Protected")
}

func TestExitCodes(t *testing.T) {
	h := newHarness(t, false, nil)

	cases := []struct {
		name string
		args []string
		want int
	}{
		{"unknown group", []string{"set", "Ghost", "sales=true"}, ExitRejected},
		{"bad boolean", []string{"set", "Sales", "sales=maybe"}, ExitValidation},
		{"missing pair", []string{"set", "Sales"}, ExitValidation},
		{"unknown flag", []string{"sync", "--everything"}, ExitValidation},
		{"blank group name", []string{"create-group", " "}, ExitValidation},
		{"sync one group", []string{"sync", "--group", "Sales"}, ExitOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _, errOut := h.run(t, tc.args...)
			require.Equal(t, tc.want, code, errOut)
		})
	}
}

func TestPersistenceFailureExitCode(t *testing.T) {
	h := newHarness(t, true, map[string][]string{"sales": {"Admins"}})

	code, _, errOut := h.run(t, "set", "Sales", "sales=true")
	require.Equal(t, ExitPersistence, code, errOut)

	code, out, _ := h.run(t, "list")
	require.Equal(t, ExitOK, code)
	require.Equal(t, "{\n  \"sales\": [\"Admins\"]\n}\n", out)
}

func TestSyncFailureExitCode(t *testing.T) {
	h := newHarness(t, false, nil)
	h.store.fail = true

	code, _, errOut := h.run(t, "set", "HR", "sales=true")
	require.Equal(t, ExitSync, code, errOut)
	require.Empty(t, h.opts.Authority.ModulesFor("HR"))
}

func TestCheck(t *testing.T) {
	h := newHarness(t, false, map[string][]string{"sales": {"Sales"}})

	code, out, _ := h.run(t, "check", "--module", "sales", "--groups", "HR,Sales")
	require.Equal(t, ExitOK, code)
	require.Equal(t, "allow sales\n", out)

	code, out, _ = h.run(t, "check", "--module", "inventory", "--groups", "Sales")
	require.Equal(t, ExitRejected, code)
	require.Equal(t, "deny inventory\n", out)

	code, out, _ = h.run(t, "check", "--permission", "sales.delete_item", "--groups", "Sales")
	require.Equal(t, ExitOK, code)
	require.Equal(t, "allow sales.delete_item\n", out)

	code, _, _ = h.run(t, "check", "--module", "sales", "--permission", "sales.view_item")
	require.Equal(t, ExitValidation, code)
}

func TestExitCodeMapping(t *testing.T) {
	require.Equal(t, ExitOK, ExitCode(nil))
	require.Equal(t, ExitFailure, ExitCode(errors.New("boom")))
	require.Equal(t, ExitPersistence, ExitCode(&rbac.Error{Kind: rbac.KindPersistence}))
	require.Equal(t, ExitRejected, ExitCode(&rbac.Error{Kind: rbac.KindForbidden}))
}
