package loader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ramuslabs/ramus/core"
)

// Registry resolves body names referenced by workflow files to live
// node-body functions.
type Registry struct {
	mu     sync.RWMutex
	bodies map[string]core.Body
}

// NewRegistry creates an empty body registry.
func NewRegistry() *Registry {
	return &Registry{bodies: make(map[string]core.Body)}
}

// Register adds a body under a name, replacing any previous registration.
func (r *Registry) Register(name string, body core.Body) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies[name] = body
}

// Get retrieves a body by name.
func (r *Registry) Get(name string) (core.Body, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	body, ok := r.bodies[name]
	return body, ok
}

// List returns all registered body names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.bodies))
	for name := range r.bodies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var global = func() *Registry {
	r := NewRegistry()
	registerBuiltins(r)
	return r
}()

// Global returns the process-wide registry, pre-populated with the builtin
// bodies.
func Global() *Registry {
	return global
}

// registerBuiltins installs the small set of generic bodies workflow files
// can reference without any programmatic registration.
func registerBuiltins(r *Registry) {
	// noop passes the input through: a DAG node forwards its single
	// parent's output (or the root input at a root), a machine state
	// forwards the carried value.
	r.Register("noop", func(_ context.Context, in core.NodeInput) (any, error) {
		if m := in.InputMap(); m != nil {
			if len(m) == 1 {
				for _, v := range m {
					return v, nil
				}
			}
			if len(m) > 1 {
				return m, nil
			}
			return in.RootInput, nil
		}
		if in.Input != nil {
			return in.Input, nil
		}
		return in.RootInput, nil
	})

	// merge collects all parent outputs into a map.
	r.Register("merge", func(_ context.Context, in core.NodeInput) (any, error) {
		return in.InputMap(), nil
	})

	// sleep pauses briefly, honouring cancellation. Useful for smoke
	// tests of semaphore limits and cancellation wiring.
	r.Register("sleep", func(ctx context.Context, in core.NodeInput) (any, error) {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil, core.ErrCancelled
		}
		if err := in.ExitIfCancelled(); err != nil {
			return nil, err
		}
		return in.Input, nil
	})

	// fail always errors. Useful for exercising error propagation.
	r.Register("fail", func(_ context.Context, in core.NodeInput) (any, error) {
		return nil, fmt.Errorf("fail body invoked with input %v", in.Input)
	})
}
