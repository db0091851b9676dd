// Package registry enumerates the declared plugins of the agent.
//
// The registry is purely declarative. It is built once from a Manifest and is
// immutable afterwards. Descriptors keep manifest insertion order, since the
// activation order decides which probe wins a shared capability.
package registry

import (
	"errors"
	"fmt"

	"github.com/sarchlab/autoinstr/version"
)

// Errors returned while building a registry.
var (
	ErrEmptyName     = errors.New("descriptor name is empty")
	ErrDuplicateName = errors.New("duplicate descriptor name")
)

// Group is the capability group of a plugin.
type Group string

// Capability groups.
const (
	GroupDistro       Group = "distro"
	GroupConfigurator Group = "configurator"
	GroupProbe        Group = "probe"
	GroupPreHook      Group = "pre-hook"
	GroupPostHook     Group = "post-hook"
)

// Descriptor describes a plugin.
type Descriptor struct {
	Name  string
	Ref   string
	Group Group

	// Requirements are the target-library constraints of a conditional probe.
	Requirements []version.Constraint

	// RequirementText keeps the requirement as written in the manifest.
	RequirementText string

	// RequirementErr is set when the requirement could not be parsed. The
	// descriptor is kept so that the failure is recorded for this probe only.
	RequirementErr error
}

// Conditional tells if the probe depends on a target library.
func (d Descriptor) Conditional() bool {
	return d.RequirementText != ""
}

func (d Descriptor) String() string {
	if d.Conditional() {
		return fmt.Sprintf("%s (%s, %s)", d.Name, d.Group, d.RequirementText)
	}

	return fmt.Sprintf("%s (%s)", d.Name, d.Group)
}

// Registry holds the descriptors.
type Registry struct {
	descriptors []Descriptor
	nameIndex   map[string]int
}

// New builds a registry from a manifest.
func New(m Manifest) (*Registry, error) {
	r := &Registry{nameIndex: make(map[string]int)}

	groups := []struct {
		group   Group
		entries []string
	}{
		{GroupDistro, m.Distros},
		{GroupConfigurator, m.Configurators},
		{GroupPreHook, m.PreHooks},
		{GroupProbe, m.Unconditional},
	}

	for _, g := range groups {
		for _, entry := range g.entries {
			name, ref := splitEntry(entry)
			if err := r.add(Descriptor{Name: name, Ref: ref, Group: g.group}); err != nil {
				return nil, err
			}
		}
	}

	for _, entry := range m.Conditional {
		name, ref := splitEntry(entry.Probe)
		d := Descriptor{
			Name:            name,
			Ref:             ref,
			Group:           GroupProbe,
			RequirementText: entry.Library,
		}

		c, err := version.Parse(entry.Library)
		if err != nil {
			d.RequirementErr = err
		} else {
			d.Requirements = []version.Constraint{c}
		}

		if err := r.add(d); err != nil {
			return nil, err
		}
	}

	for _, entry := range m.PostHooks {
		name, ref := splitEntry(entry)
		if err := r.add(Descriptor{Name: name, Ref: ref, Group: GroupPostHook}); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// MustNew is like New but panics on an invalid manifest.
func MustNew(m Manifest) *Registry {
	r, err := New(m)
	if err != nil {
		panic(err)
	}

	return r
}

func (r *Registry) add(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("registry: %s entry: %w", d.Group, ErrEmptyName)
	}

	if _, exists := r.nameIndex[d.Name]; exists {
		return fmt.Errorf("registry: %q: %w", d.Name, ErrDuplicateName)
	}

	r.descriptors = append(r.descriptors, d)
	r.nameIndex[d.Name] = len(r.descriptors) - 1

	return nil
}

// List returns the descriptors of a group in manifest order.
func (r *Registry) List(group Group) []Descriptor {
	list := []Descriptor{}

	for _, d := range r.descriptors {
		if d.Group == group {
			list = append(list, d)
		}
	}

	return list
}

// Unconditional returns the probes that have no library requirement.
func (r *Registry) Unconditional() []Descriptor {
	return r.probes(false)
}

// Conditional returns the probes that depend on a target library.
func (r *Registry) Conditional() []Descriptor {
	return r.probes(true)
}

func (r *Registry) probes(conditional bool) []Descriptor {
	list := []Descriptor{}

	for _, d := range r.List(GroupProbe) {
		if d.Conditional() == conditional {
			list = append(list, d)
		}
	}

	return list
}

// Lookup finds a descriptor by name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	i, ok := r.nameIndex[name]
	if !ok {
		return Descriptor{}, false
	}

	return r.descriptors[i], true
}

// All returns every descriptor in registry order.
func (r *Registry) All() []Descriptor {
	all := make([]Descriptor, len(r.descriptors))
	copy(all, r.descriptors)

	return all
}
