package config

import (
	"fmt"
	"sort"

	"github.com/hermesindex/hermesindex/pkg/errkind"
)

// Registry is the ordered, name-indexed source registry.
// It is built once at startup and never mutated afterward; every worker
// and request handler reads it through a pointer handed to it during
// wiring rather than through a package-level global.
type Registry struct {
	byName map[string]Source
	names  []string // insertion order, for deterministic iteration
}

func newRegistry(sources []Source) (*Registry, error) {
	r := &Registry{byName: make(map[string]Source, len(sources))}
	for _, s := range sources {
		if err := validateSource(s); err != nil {
			return nil, err
		}
		if _, exists := r.byName[s.Name]; exists {
			return nil, errkind.New(errkind.ConfigInvalid, fmt.Sprintf("duplicate source name %q", s.Name))
		}
		r.byName[s.Name] = s
		r.names = append(r.names, s.Name)
	}
	return r, nil
}

func validateSource(s Source) error {
	if s.Name == "" {
		return errkind.New(errkind.ConfigInvalid, "source is missing name")
	}
	if s.TableOrView == "" {
		return errkind.New(errkind.ConfigInvalid, fmt.Sprintf("source %q missing table_or_view", s.Name))
	}
	if s.IDField == "" {
		return errkind.New(errkind.ConfigInvalid, fmt.Sprintf("source %q missing id_field", s.Name))
	}
	if s.TextField == "" {
		return errkind.New(errkind.ConfigInvalid, fmt.Sprintf("source %q missing text_field", s.Name))
	}
	return nil
}

// Get returns the source descriptor by name.
func (r *Registry) Get(name string) (Source, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// Names returns source names in declaration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// SortedNames returns source names sorted lexically, useful for
// deterministic /status output.
func (r *Registry) SortedNames() []string {
	out := r.Names()
	sort.Strings(out)
	return out
}

// All returns every source descriptor in declaration order.
func (r *Registry) All() []Source {
	out := make([]Source, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.byName[n])
	}
	return out
}
