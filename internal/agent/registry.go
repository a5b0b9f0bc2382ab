package agent

import (
	"sync"
	"time"

	"github.com/basket/agenthost/internal/apperr"
)

// Registry maps agent ids to live runtimes. Membership is the only source
// of truth for whether an agent is active.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]*Runtime
}

func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]*Runtime)}
}

// Get returns the runtime for id, if active.
func (r *Registry) Get(id string) (*Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[id]
	return rt, ok
}

// Insert adds rt under id. A second insert for the same id is a Conflict.
func (r *Registry) Insert(id string, rt *Runtime) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runtimes[id]; exists {
		return apperr.Newf("registry.insert", apperr.KindConflict, "agent %q already active", id)
	}
	r.runtimes[id] = rt
	return nil
}

// Remove detaches and returns the runtime for id.
func (r *Registry) Remove(id string) (*Runtime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.runtimes[id]
	if ok {
		delete(r.runtimes, id)
	}
	return rt, ok
}

// Replace atomically swaps the runtime for an active id and returns the old
// one. It does nothing and reports false when id is not active.
func (r *Registry) Replace(id string, rt *Runtime) (*Runtime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.runtimes[id]
	if !ok {
		return nil, false
	}
	r.runtimes[id] = rt
	return old, true
}

// Has reports whether id is active.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns a snapshot of active runtimes.
func (r *Registry) List() []*Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Runtime, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		out = append(out, rt)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runtimes)
}

// DrainAll removes every runtime and closes them in parallel.
func (r *Registry) DrainAll(timeout time.Duration) {
	r.mu.Lock()
	runtimes := make([]*Runtime, 0, len(r.runtimes))
	for id, rt := range r.runtimes {
		runtimes = append(runtimes, rt)
		delete(r.runtimes, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, rt := range runtimes {
		wg.Add(1)
		go func(rt *Runtime) {
			defer wg.Done()
			rt.Close(timeout)
		}(rt)
	}
	wg.Wait()
}
