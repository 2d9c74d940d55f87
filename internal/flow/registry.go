package flow

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownFlow    = errors.New("flow: unknown flow")
	ErrDuplicateFlow  = errors.New("flow: duplicate flow name")
	ErrRegistryFrozen = errors.New("flow: registry is frozen")
)

// Entry pairs a registered flow with its registration sequence number.
// Seq is the documented tie-break among flows of equal priority: lower Seq
// (registered earlier) is evaluated first.
type Entry struct {
	Flow Flow
	Seq  int
}

// Registry maps flow names to implementations. It accepts registrations
// until Freeze is called and is read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	frozen  bool
	byName  map[string]Entry
	entries []Entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Entry)}
}

// Register adds f. Names must be unique and non-empty, and the priority
// must be valid.
func (r *Registry) Register(f Flow) error {
	if f == nil {
		return fmt.Errorf("flow: register: flow is nil")
	}
	name := f.Name()
	if name == "" {
		return fmt.Errorf("flow: register: name is required")
	}
	if !f.Priority().Valid() {
		return fmt.Errorf("flow: register %q: invalid priority %q", name, f.Priority())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w: cannot register %q", ErrRegistryFrozen, name)
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateFlow, name)
	}
	e := Entry{Flow: f, Seq: len(r.entries)}
	r.byName[name] = e
	r.entries = append(r.entries, e)
	return nil
}

// Freeze stops further registrations. It is safe to call more than once.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Lookup returns the flow registered under name.
func (r *Registry) Lookup(name string) (Flow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e.Flow, ok
}

// Entries returns all registrations in registration order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of registered flows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
