// Package registry maps job names to handlers and per-name limits.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/tasmidur/agenda-schedular/errors"
	"github.com/tasmidur/agenda-schedular/pulse/store"
)

// Handler executes one occurrence of a job. Returning an error records a
// failure; the scheduler never retries on its own.
//
// The context is cancelled only when the dispatcher shuts down. Handlers
// decode their own payload from occ.Payload.
type Handler interface {
	Execute(ctx context.Context, occ *store.Occurrence) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, occ *store.Occurrence) error

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, occ *store.Occurrence) error {
	return f(ctx, occ)
}

// Definition is an immutable job registration.
type Definition struct {
	Name    string
	Handler Handler
	// Concurrency caps how many occurrences of this name run at once in
	// one dispatcher. Zero or less means 1.
	Concurrency int
}

// Limit returns the effective concurrency limit.
func (d Definition) Limit() int {
	if d.Concurrency <= 0 {
		return 1
	}
	return d.Concurrency
}

// Registry holds definitions by name. Safe for concurrent registration
// and lookup; registering while the scheduler runs is allowed.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition. Names are unique.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return errors.NewInvalidRequestError("job name is required")
	}
	if def.Handler == nil {
		return errors.NewInvalidRequestError("job %q has no handler", def.Name)
	}
	def.Concurrency = def.Limit()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		return errors.Wrapf(errors.ErrDuplicateJobName, "job %q", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Lookup returns the definition for name or ErrNotFound.
func (r *Registry) Lookup(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return Definition{}, errors.NewNotFoundError("job %q is not registered", name)
	}
	return def, nil
}

// Has checks whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[name]
	return ok
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
