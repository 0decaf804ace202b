package worker

import (
	"sync"

	"github.com/ShayCichocki/fanout/internal/exec"
)

// Registry tracks running handles so the monitor can probe and stop them
// by worker ID.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Register adds a handle.
func (r *Registry) Register(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.ID()] = h
}

// Unregister removes a handle.
func (r *Registry) Unregister(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, workerID)
}

func (r *Registry) get(workerID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[workerID]
	return h, ok
}

// Alive reports whether the worker's process still exists. For a worker not
// registered here (another process owns it) it falls back to probing pid.
func (r *Registry) Alive(workerID string, pid int) bool {
	if h, ok := r.get(workerID); ok {
		return h.Alive()
	}
	return exec.Alive(pid)
}

// Terminate stops a registered worker. Returns false if the worker is not
// registered.
func (r *Registry) Terminate(workerID string) bool {
	h, ok := r.get(workerID)
	if !ok {
		return false
	}
	h.Terminate()
	return true
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
