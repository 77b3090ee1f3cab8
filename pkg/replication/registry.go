package replication

import (
	"context"
	"sync"
)

// registry counts outstanding upload references per file handle. An entry
// exists exactly while its count is positive.
type registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	refs int
	idle chan struct{}
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*registryEntry)}
}

func (r *registry) add(id string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		e = &registryEntry{idle: make(chan struct{})}
		r.entries[id] = e
	}
	e.refs += n
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(r.entries, id)
		close(e.idle)
	}
}

func (r *registry) running(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.refs
	}
	return 0
}

// wait blocks until id has no entry or ctx is done.
func (r *registry) wait(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-e.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
