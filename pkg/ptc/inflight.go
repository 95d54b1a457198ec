package ptc

import (
	"context"
	"sync"
)

// InFlightRegistry tracks steps that are currently running so that a
// session has at most one, and so that termination and expiry can cancel
// the one that is.
//
// All methods are safe for concurrent access.
type InFlightRegistry struct {
	mu      sync.Mutex
	entries map[string]context.CancelCauseFunc
}

// NewInFlightRegistry creates a new empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{
		entries: make(map[string]context.CancelCauseFunc),
	}
}

// Register records a running step for a session. It returns false, and
// records nothing, if the session already has one.
func (r *InFlightRegistry) Register(id string, cancel context.CancelCauseFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.entries[id]; busy {
		return false
	}
	r.entries[id] = cancel
	return true
}

// Cancel cancels the running step of a session with the given cause.
// Returns true if a step was found, false if none was running.
func (r *InFlightRegistry) Cancel(id string, cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.entries[id]
	if !ok {
		return false
	}
	cancel(cause)
	delete(r.entries, id)
	return true
}

// Remove drops a session's step from the registry without cancelling it.
// Called when a step returns.
func (r *InFlightRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Len returns the number of running steps.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
