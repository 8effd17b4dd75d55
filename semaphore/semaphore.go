// Package semaphore provides named counting semaphores with dynamic limits
// and a multi-registry acquisition primitive that never strands a partial
// acquisition.
//
// Registries are deliberately shareable across workflows: a semaphore key is
// a global rate-limiting bucket, typically one per external resource.
package semaphore

import (
	"context"
	"sync"
)

// Registry is a named collection of counting semaphores. The zero value is
// not usable; create with NewRegistry. Keys without a configured limit are
// unlimited: Acquire on an unknown key is a no-op.
type Registry struct {
	mu   sync.Mutex
	sems map[string]*sem
}

type sem struct {
	limit   int
	held    int
	waiters []chan struct{}
}

// NewRegistry creates an empty registry. Limits are configured per key via
// SetLimit; initial limits may be supplied up front.
func NewRegistry(limits map[string]int) *Registry {
	r := &Registry{sems: make(map[string]*sem)}
	for key, n := range limits {
		r.sems[key] = &sem{limit: n}
	}
	return r
}

// SetLimit adjusts the limit for key, creating the semaphore if needed.
// Raising the limit drains waiters FIFO up to the new limit.
func (r *Registry) SetLimit(key string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sems[key]
	if s == nil {
		s = &sem{}
		r.sems[key] = s
	}
	s.limit = n
	for s.held < s.limit && len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.held++
		close(w)
	}
}

// Acquire blocks until a slot for key is free or ctx is done. Unknown keys
// have no limit and return immediately.
func (r *Registry) Acquire(ctx context.Context, key string) error {
	r.mu.Lock()
	s := r.sems[key]
	if s == nil {
		r.mu.Unlock()
		return nil
	}
	if s.held < s.limit {
		s.held++
		r.mu.Unlock()
		return nil
	}

	w := make(chan struct{})
	s.waiters = append(s.waiters, w)
	r.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		for i, x := range s.waiters {
			if x == w {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				r.mu.Unlock()
				return ctx.Err()
			}
		}
		r.mu.Unlock()
		// The slot was handed to us concurrently with cancellation;
		// give it straight back.
		r.Release(key)
		return ctx.Err()
	}
}

// Release frees a slot for key. If waiters are pending the slot is handed
// directly to the head of the FIFO queue; otherwise the held count is
// decremented, clamped at zero. Releasing an unknown key is a no-op.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sems[key]
	if s == nil {
		return
	}
	if len(s.waiters) > 0 && s.held <= s.limit {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(w)
		return
	}
	if s.held > 0 {
		s.held--
	}
}

// Current returns the number of slots held for key (0 for unknown keys).
func (r *Registry) Current(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.sems[key]; s != nil {
		return s.held
	}
	return 0
}

// Limit returns the configured limit for key (0 for unknown keys).
func (r *Registry) Limit(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.sems[key]; s != nil {
		return s.limit
	}
	return 0
}

// Pending returns the number of waiters queued on key.
func (r *Registry) Pending(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.sems[key]; s != nil {
		return len(s.waiters)
	}
	return 0
}

// Run acquires key, invokes body, and releases the slot afterwards.
func (r *Registry) Run(ctx context.Context, key string, body func(ctx context.Context) (any, error)) (any, error) {
	if err := r.Acquire(ctx, key); err != nil {
		return nil, err
	}
	defer r.Release(key)
	return body(ctx)
}
