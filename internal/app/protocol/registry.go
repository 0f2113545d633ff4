// Package protocol owns the hanging-protocol registry and the matcher that picks a protocol for a study.
package protocol

import (
	"fmt"
	"strings"
	"sync"

	"github.com/coachpo/mprview/errs"
	domain "github.com/coachpo/mprview/internal/domain/protocol"
)

const registryComponent = "protocol-registry"

// Registry holds hanging-protocol definitions in registration order.
//
// A registry is constructed explicitly and owned by whoever needs it; there is no package-level
// instance. Definitions are cloned on the way in and on the way out so registered entries stay
// immutable.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	defs     map[string]domain.Definition
	disposed bool
}

// NewRegistry creates an empty registry. Call Init to load the built-in protocols.
func NewRegistry() *Registry {
	return &Registry{
		mu:       sync.RWMutex{},
		order:    make([]string, 0, len(builtins)),
		defs:     make(map[string]domain.Definition, len(builtins)),
		disposed: false,
	}
}

// Init loads the built-in protocols, including the universal fallback, followed by extra definitions.
// Extra definitions that reuse a built-in id overwrite it in place.
func (r *Registry) Init(extra ...domain.Definition) error {
	for _, def := range Builtins() {
		if err := r.Register(def); err != nil {
			return fmt.Errorf("register builtin %s: %w", def.ID, err)
		}
	}
	for _, def := range extra {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Dispose clears every definition. A disposed registry rejects further registrations.
func (r *Registry) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.defs = make(map[string]domain.Definition)
	r.disposed = true
}

// Register inserts a definition or overwrites an existing one with the same id.
// An overwrite keeps the original registration position.
func (r *Registry) Register(def domain.Definition) error {
	def = def.Normalize()
	if err := def.Validate(); err != nil {
		return errs.New(registryComponent, errs.CodeConfiguration,
			errs.WithProtocol(def.ID), errs.WithMessage("invalid protocol definition"), errs.WithCause(err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return errs.New(registryComponent, errs.CodeConfiguration,
			errs.WithProtocol(def.ID), errs.WithMessage("registry disposed"))
	}
	if _, exists := r.defs[def.ID]; !exists {
		r.order = append(r.order, def.ID)
	}
	r.defs[def.ID] = def
	return nil
}

// Get returns a copy of the definition with the given id.
func (r *Registry) Get(id string) (domain.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[strings.TrimSpace(id)]
	if !ok {
		return domain.Definition{}, false
	}
	return def.Clone(), true
}

// List returns copies of every definition in registration order.
func (r *Registry) List() []domain.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id].Clone())
	}
	return out
}

// Remove deletes the definition with the given id and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	id = strings.TrimSpace(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[id]; !ok {
		return false
	}
	delete(r.defs, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Snapshot captures the registry contents for matching. Later registry changes do not affect it.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{entries: r.List()}
}

// Snapshot is an immutable, ordered view of a registry.
type Snapshot struct {
	entries []domain.Definition
}

// NewSnapshot builds a snapshot directly from definitions in registration order.
func NewSnapshot(defs ...domain.Definition) Snapshot {
	entries := make([]domain.Definition, 0, len(defs))
	for _, def := range defs {
		entries = append(entries, def.Clone())
	}
	return Snapshot{entries: entries}
}

// Len returns the number of definitions in the snapshot.
func (s Snapshot) Len() int {
	return len(s.entries)
}

// Definitions returns copies of the snapshot definitions in registration order.
func (s Snapshot) Definitions() []domain.Definition {
	out := make([]domain.Definition, 0, len(s.entries))
	for _, def := range s.entries {
		out = append(out, def.Clone())
	}
	return out
}
