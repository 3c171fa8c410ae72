// Package registry holds the static table of modules and the fine-grained
// permissions each module requires.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	// ErrEmpty indicates a registry without modules.
	ErrEmpty = errors.New("registry: no modules registered")
	// ErrDuplicate indicates a module or permission declared twice.
	ErrDuplicate = errors.New("registry: duplicate entry")
	// ErrShared indicates a permission required by more than one module.
	ErrShared = errors.New("registry: permission shared between modules")
)

// Permission is an (app, codename) pair controlling a single action.
type Permission struct {
	App      string `json:"app"`
	Codename string `json:"codename"`
	Label    string `json:"label"`
}

// Key returns the dotted "app.codename" form.
func (p Permission) Key() string {
	return p.App + "." + p.Codename
}

// String implements fmt.Stringer.
func (p Permission) String() string {
	return p.Key()
}

// ParseKey splits a dotted permission key into app and codename.
func ParseKey(key string) (app, codename string, ok bool) {
	app, codename, ok = strings.Cut(strings.TrimSpace(key), ".")
	if !ok || app == "" || codename == "" {
		return "", "", false
	}
	return app, codename, true
}

// Module is a coarse functional area together with the permissions it requires.
type Module struct {
	Name        string
	Title       string
	Permissions []Permission
}

// NewModule builds a module whose permissions live under the module's own app label.
func NewModule(name string, codenames ...string) Module {
	perms := make([]Permission, 0, len(codenames))
	for _, codename := range codenames {
		perms = append(perms, Permission{App: name, Codename: codename, Label: label(name, codename)})
	}
	return Module{Name: name, Title: title(name), Permissions: perms}
}

// title builds a fresh caser per call; casers are stateful.
func title(name string) string {
	return cases.Title(language.English).String(name)
}

func label(module, codename string) string {
	verb, object, ok := strings.Cut(codename, "_")
	if !ok {
		object = module
	}
	return fmt.Sprintf("Can %s %s", verb, strings.ReplaceAll(object, "_", " "))
}

// Registry is the validated, read-only module table.
type Registry struct {
	modules map[string]Module
	names   []string
}

// New validates the given modules and builds a registry.
func New(modules ...Module) (*Registry, error) {
	if len(modules) == 0 {
		return nil, ErrEmpty
	}
	r := &Registry{modules: make(map[string]Module, len(modules))}
	owner := make(map[string]string)
	for _, m := range modules {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return nil, fmt.Errorf("registry: module name required")
		}
		if _, ok := r.modules[name]; ok {
			return nil, fmt.Errorf("%w: module %s", ErrDuplicate, name)
		}
		seen := make(map[string]struct{}, len(m.Permissions))
		for _, p := range m.Permissions {
			key := p.Key()
			if _, ok := seen[key]; ok {
				return nil, fmt.Errorf("%w: permission %s in %s", ErrDuplicate, key, name)
			}
			seen[key] = struct{}{}
			if other, ok := owner[key]; ok {
				return nil, fmt.Errorf("%w: %s required by %s and %s", ErrShared, key, other, name)
			}
			owner[key] = name
		}
		perms := make([]Permission, len(m.Permissions))
		copy(perms, m.Permissions)
		m.Name = name
		m.Permissions = perms
		if m.Title == "" {
			m.Title = title(name)
		}
		r.modules[name] = m
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Default returns the compiled registry. It panics only if the compiled table is invalid.
func Default() *Registry {
	r, err := New(DefaultModules()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Modules returns all known module names sorted lexicographically.
func (r *Registry) Modules() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// IsKnown reports whether the module is registered.
func (r *Registry) IsKnown(module string) bool {
	_, ok := r.modules[module]
	return ok
}

// Module returns the module definition.
func (r *Registry) Module(name string) (Module, bool) {
	m, ok := r.modules[name]
	if !ok {
		return Module{}, false
	}
	m.Permissions = r.PermissionsFor(name)
	return m, true
}

// PermissionsFor returns a copy of the permissions required by module, or nil
// when the module is unknown.
func (r *Registry) PermissionsFor(module string) []Permission {
	m, ok := r.modules[module]
	if !ok {
		return nil
	}
	out := make([]Permission, len(m.Permissions))
	copy(out, m.Permissions)
	return out
}

// AllPermissions returns every registered permission ordered by module then declaration.
func (r *Registry) AllPermissions() []Permission {
	var out []Permission
	for _, name := range r.names {
		out = append(out, r.modules[name].Permissions...)
	}
	return out
}
