// internal/task/registry.go

package task

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kingrea/The-Kiln/internal/stage"
)

// Factory builds a fresh module instance per task run, so no state leaks
// between runs of the same module.
type Factory func() (stage.Module, error)

// Registry maps module names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a unique name.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("task: register: empty module name")
	}
	if factory == nil {
		return fmt.Errorf("task: register %q: nil factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		return fmt.Errorf("task: register %q: already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister is Register for wiring done at startup, where a clash is a
// programming error.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Resolve builds a module instance for the named entry.
func (r *Registry) Resolve(name string) (stage.Module, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task: module %q is not registered", name)
	}
	mod, err := factory()
	if err != nil {
		return nil, fmt.Errorf("task: build module %q: %w", name, err)
	}
	if mod.Name() != name {
		return nil, fmt.Errorf("task: module %q reported name %q", name, mod.Name())
	}
	return mod, nil
}

// Has reports whether a module name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
