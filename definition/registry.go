package definition

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotRegistered is returned when no definition exists for a lookup.
var ErrNotRegistered = errors.New("workflow not registered")

type registryKey struct {
	name    string
	version int
}

// Registry holds the process-wide definition map keyed by (name, version).
// It is populated once at startup from an explicit registration list.
type Registry struct {
	mu     sync.RWMutex
	defs   map[registryKey]*Definition
	latest map[string]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:   make(map[registryKey]*Definition),
		latest: make(map[string]int),
	}
}

// Register validates and adds a definition. Registering the same
// (name, version) twice is an error.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("definition is nil")
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid workflow %q: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{name: def.Name, version: def.Version}
	if _, dup := r.defs[key]; dup {
		return fmt.Errorf("workflow %q version %d already registered", def.Name, def.Version)
	}
	r.defs[key] = def
	if def.Version > r.latest[def.Name] {
		r.latest[def.Name] = def.Version
	}
	return nil
}

// MustRegister registers a definition and panics on error. Intended for
// process-start wiring where a bad definition is a programming error.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns the definition for an exact (name, version).
func (r *Registry) Get(name string, version int) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[registryKey{name: name, version: version}]
	if !ok {
		return nil, fmt.Errorf("workflow %q version %d: %w", name, version, ErrNotRegistered)
	}
	return def, nil
}

// Latest returns the highest registered version of a workflow.
func (r *Registry) Latest(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, ok := r.latest[name]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", name, ErrNotRegistered)
	}
	return r.defs[registryKey{name: name, version: version}], nil
}

// Resolve returns the definition for a name, using the latest version when
// version is zero or negative.
func (r *Registry) Resolve(name string, version int) (*Definition, error) {
	if version <= 0 {
		return r.Latest(name)
	}
	return r.Get(name, version)
}

// List returns all registered definitions ordered by name then version.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}
