package rbac

import "github.com/iceplant/mrbac/internal/registry"

// CanAccessModule reports whether subject may open module. Superusers and
// members of protected groups always pass.
func (a *Authority) CanAccessModule(subject Subject, module string) bool {
	allowed := a.canAccessModule(a.current.Load(), subject, module)
	a.metrics.ObserveDecision("module", allowed)
	return allowed
}

// HasPermission reports whether one of subject's groups holds app.codename.
func (a *Authority) HasPermission(subject Subject, app, codename string) bool {
	allowed := a.hasPermission(a.current.Load(), subject, app, codename)
	a.metrics.ObserveDecision("permission", allowed)
	return allowed
}

// CanAdminister reports whether subject may call the mutation API.
func (a *Authority) CanAdminister(subject Subject) bool {
	return subject.Superuser || subject.InGroup(GroupAdmins)
}

func (a *Authority) canAccessModule(v *view, subject Subject, module string) bool {
	if subject.Superuser {
		return true
	}
	for _, g := range subject.Groups {
		if IsProtected(g) || v.table.Has(module, g) {
			return true
		}
	}
	return false
}

func (a *Authority) hasPermission(v *view, subject Subject, app, codename string) bool {
	if subject.Superuser {
		return true
	}
	key := registry.Permission{App: app, Codename: codename}.Key()
	for _, g := range subject.Groups {
		if _, ok := v.grants[g][key]; ok {
			return true
		}
	}
	return false
}
