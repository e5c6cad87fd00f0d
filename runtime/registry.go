package runtime

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateRun is returned by Registry.Put for an id already present.
var ErrDuplicateRun = errors.New("run already registered")

// Registry maps run ids to live runs for the lifetime of the process.
// Entries are never evicted.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*LiveRun
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*LiveRun)}
}

// Get returns the live run for id.
func (r *Registry) Get(id string) (*LiveRun, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lr, ok := r.runs[id]
	return lr, ok
}

// Put registers lr under its id. Called once per run at creation.
func (r *Registry) Put(lr *LiveRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[lr.ID()]; ok {
		return fmt.Errorf("put %s: %w", lr.ID(), ErrDuplicateRun)
	}
	r.runs[lr.ID()] = lr
	return nil
}

// Len returns the number of registered runs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// List returns all registered runs, oldest first.
func (r *Registry) List() []*LiveRun {
	r.mu.RLock()
	out := make([]*LiveRun, 0, len(r.runs))
	for _, lr := range r.runs {
		out = append(out, lr)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].CreatedAt(), out[j].CreatedAt()
		if ci.Equal(cj) {
			return out[i].ID() < out[j].ID()
		}
		return ci.Before(cj)
	})
	return out
}
