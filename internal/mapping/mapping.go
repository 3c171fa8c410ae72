// Package mapping implements the group-module mapping: for each module, the
// set of groups allowed to access it.
package mapping

import (
	"sort"
	"strings"
)

// Table maps module names to sets of group names. The zero value is an empty
// table ready for use. A Table is not safe for concurrent mutation; callers
// publish Clones to readers.
type Table struct {
	modules map[string]map[string]struct{}
}

// Diff records the membership changes produced by a mutation, keyed by module.
type Diff struct {
	Added   map[string][]string `json:"added,omitempty"`
	Removed map[string][]string `json:"removed,omitempty"`
}

// Empty reports whether the diff contains no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Merge combines two diffs. A later addition cancels an earlier removal of the
// same (module, group) pair and vice versa.
func (d Diff) Merge(other Diff) Diff {
	added := toSets(d.Added)
	removed := toSets(d.Removed)
	for module, groups := range other.Added {
		for _, g := range groups {
			if !removeFrom(removed, module, g) {
				addTo(added, module, g)
			}
		}
	}
	for module, groups := range other.Removed {
		for _, g := range groups {
			if !removeFrom(added, module, g) {
				addTo(removed, module, g)
			}
		}
	}
	return Diff{Added: fromSets(added), Removed: fromSets(removed)}
}

// New builds a table from a module -> groups snapshot without validation.
func New(snapshot map[string][]string) Table {
	t := Table{}
	for module, groups := range snapshot {
		for _, g := range groups {
			t.add(module, g)
		}
	}
	return t
}

// FromSnapshot builds a table keeping only modules for which known returns
// true. Blank and duplicate group names are dropped. The dropped module keys
// are returned sorted.
func FromSnapshot(snapshot map[string][]string, known func(string) bool) (Table, []string) {
	t := Table{}
	var dropped []string
	for module, groups := range snapshot {
		if known != nil && !known(module) {
			dropped = append(dropped, module)
			continue
		}
		for _, g := range groups {
			if strings.TrimSpace(g) == "" {
				continue
			}
			t.add(module, g)
		}
	}
	sort.Strings(dropped)
	return t, dropped
}

// Clone returns a deep copy.
func (t Table) Clone() Table {
	out := Table{}
	for module, groups := range t.modules {
		for g := range groups {
			out.add(module, g)
		}
	}
	return out
}

// GroupsFor returns the groups allowed to access module, sorted.
func (t Table) GroupsFor(module string) []string {
	return sortedKeys(t.modules[module])
}

// ModulesFor returns the modules group may access, sorted.
func (t Table) ModulesFor(group string) []string {
	var out []string
	for module, groups := range t.modules {
		if _, ok := groups[group]; ok {
			out = append(out, module)
		}
	}
	sort.Strings(out)
	return out
}

// Has reports whether group is listed for module.
func (t Table) Has(module, group string) bool {
	_, ok := t.modules[module][group]
	return ok
}

// Groups returns every group name mentioned in the table, sorted.
func (t Table) Groups() []string {
	seen := make(map[string]struct{})
	for _, groups := range t.modules {
		for g := range groups {
			seen[g] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// SetModules adds group to every module mapped to true and removes it from
// every module mapped to false. Modules absent from the request are left
// untouched.
func (t *Table) SetModules(group string, modules map[string]bool) Diff {
	added := make(map[string]map[string]struct{})
	removed := make(map[string]map[string]struct{})
	for module, allow := range modules {
		if allow {
			if t.add(module, group) {
				addTo(added, module, group)
			}
			continue
		}
		if t.remove(module, group) {
			addTo(removed, module, group)
		}
	}
	return Diff{Added: fromSets(added), Removed: fromSets(removed)}
}

// ReplaceModules makes modules the exact set of modules group may access.
func (t *Table) ReplaceModules(group string, modules []string) Diff {
	want := make(map[string]bool, len(modules))
	for _, m := range modules {
		want[m] = true
	}
	for _, m := range t.ModulesFor(group) {
		if !want[m] {
			want[m] = false
		}
	}
	return t.SetModules(group, want)
}

// DropGroup removes group from every module.
func (t *Table) DropGroup(group string) Diff {
	removed := make(map[string]map[string]struct{})
	for module := range t.modules {
		if t.remove(module, group) {
			addTo(removed, module, group)
		}
	}
	return Diff{Removed: fromSets(removed)}
}

// GCPhantoms removes every group that is not in existing.
func (t *Table) GCPhantoms(existing []string) Diff {
	keep := make(map[string]struct{}, len(existing))
	for _, g := range existing {
		keep[g] = struct{}{}
	}
	removed := make(map[string]map[string]struct{})
	for module, groups := range t.modules {
		for g := range groups {
			if _, ok := keep[g]; ok {
				continue
			}
			t.remove(module, g)
			addTo(removed, module, g)
		}
	}
	return Diff{Removed: fromSets(removed)}
}

// Snapshot returns the table as a module -> sorted groups map. Modules
// without groups are omitted.
func (t Table) Snapshot() map[string][]string {
	out := make(map[string][]string, len(t.modules))
	for module, groups := range t.modules {
		if len(groups) == 0 {
			continue
		}
		out[module] = sortedKeys(groups)
	}
	return out
}

// Modules returns the modules with at least one group, sorted.
func (t Table) Modules() []string {
	out := make([]string, 0, len(t.modules))
	for module, groups := range t.modules {
		if len(groups) > 0 {
			out = append(out, module)
		}
	}
	sort.Strings(out)
	return out
}

// Equal reports whether both tables hold the same memberships.
func (t Table) Equal(other Table) bool {
	a, b := t.Snapshot(), other.Snapshot()
	if len(a) != len(b) {
		return false
	}
	for module, groups := range a {
		og, ok := b[module]
		if !ok || len(og) != len(groups) {
			return false
		}
		for i := range groups {
			if groups[i] != og[i] {
				return false
			}
		}
	}
	return true
}

func (t *Table) add(module, group string) bool {
	if t.modules == nil {
		t.modules = make(map[string]map[string]struct{})
	}
	groups, ok := t.modules[module]
	if !ok {
		groups = make(map[string]struct{})
		t.modules[module] = groups
	}
	if _, ok := groups[group]; ok {
		return false
	}
	groups[group] = struct{}{}
	return true
}

func (t *Table) remove(module, group string) bool {
	groups, ok := t.modules[module]
	if !ok {
		return false
	}
	if _, ok := groups[group]; !ok {
		return false
	}
	delete(groups, group)
	if len(groups) == 0 {
		delete(t.modules, module)
	}
	return true
}

func addTo(sets map[string]map[string]struct{}, module, group string) {
	if sets[module] == nil {
		sets[module] = make(map[string]struct{})
	}
	sets[module][group] = struct{}{}
}

func removeFrom(sets map[string]map[string]struct{}, module, group string) bool {
	if _, ok := sets[module][group]; !ok {
		return false
	}
	delete(sets[module], group)
	if len(sets[module]) == 0 {
		delete(sets, module)
	}
	return true
}

func toSets(in map[string][]string) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(in))
	for module, groups := range in {
		for _, g := range groups {
			addTo(out, module, g)
		}
	}
	return out
}

func fromSets(in map[string]map[string]struct{}) map[string][]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string][]string, len(in))
	for module, groups := range in {
		out[module] = sortedKeys(groups)
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
