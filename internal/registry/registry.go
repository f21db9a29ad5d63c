// Package registry tracks in-flight agent queries in memory so callers can
// interrupt a single call or every live call at once.
package registry

import "sync"

// Handle is the cancellable side of one in-flight query. Interrupt must be
// safe to call more than once and after the query has finished.
type Handle interface {
	Interrupt()
}

// Registry maps opaque query ids to their cancellation handles. It lives for
// the process only and is injected into whatever spawns queries; there is no
// package-level instance. Interruption is a signal, not removal: a handle
// stays registered until its owner unregisters it.
type Registry struct {
	mu      sync.Mutex
	handles map[string]Handle
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{handles: map[string]Handle{}}
}

// Register tracks a handle under the given id, replacing any previous entry.
// Empty ids and nil handles are ignored.
func (reg *Registry) Register(id string, handle Handle) {
	if id == "" || handle == nil {
		return
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.handles[id] = handle
}

// Unregister stops tracking the given id. Unknown ids are a no-op.
func (reg *Registry) Unregister(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.handles, id)
}

// Interrupt signals the query registered under id and reports whether a live
// handle was found.
func (reg *Registry) Interrupt(id string) bool {
	reg.mu.Lock()
	handle, ok := reg.handles[id]
	reg.mu.Unlock()
	if !ok {
		return false
	}
	handle.Interrupt()
	return true
}

// InterruptAll signals every live query and returns how many were signalled.
func (reg *Registry) InterruptAll() int {
	reg.mu.Lock()
	handles := make([]Handle, 0, len(reg.handles))
	for _, handle := range reg.handles {
		handles = append(handles, handle)
	}
	reg.mu.Unlock()
	for _, handle := range handles {
		handle.Interrupt()
	}
	return len(handles)
}

// Count returns the number of queries currently registered.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.handles)
}
