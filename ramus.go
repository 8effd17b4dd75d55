// Package ramus provides a workflow orchestration core: a directed-acyclic
// graph runner and a hierarchical state-machine runner, unified under a
// common step-tracing run-context substrate with structured lifecycle
// events, cooperative cancellation, and multi-semaphore resource limits.
//
// This file re-exports the core surface so most programs only need one
// import. For finer-grained dependencies, import the subpackages directly:
//
//	import "github.com/ramuslabs/ramus/dag"
//	import "github.com/ramuslabs/ramus/machine"
//	import "github.com/ramuslabs/ramus/runctx"
//	import "github.com/ramuslabs/ramus/semaphore"
package ramus

import (
	"context"

	"github.com/ramuslabs/ramus/cache"
	"github.com/ramuslabs/ramus/core"
	"github.com/ramuslabs/ramus/dag"
	"github.com/ramuslabs/ramus/event"
	"github.com/ramuslabs/ramus/machine"
	"github.com/ramuslabs/ramus/runctx"
	"github.com/ramuslabs/ramus/semaphore"
)

// Core contract types.
type (
	// NodeInput is the bag of values handed to a node body.
	NodeInput = core.NodeInput

	// Body is a user-supplied node body.
	Body = core.Body

	// Runnable is the common surface of the DAG and machine runners.
	Runnable = core.Runnable

	// Result is the terminal outcome of a run.
	Result = core.Result

	// MachineEvent is an external event injected into a state machine.
	MachineEvent = core.MachineEvent

	// Event is the structured lifecycle event emitted by the runners.
	Event = event.Event

	// EventHandler receives lifecycle events.
	EventHandler = event.Handler

	// ResultCache memoises node outputs.
	ResultCache = cache.ResultCache

	// SemaphoreRegistry is a named collection of counting semaphores.
	SemaphoreRegistry = semaphore.Registry
)

// ErrCancelled is the cancellation sentinel.
var ErrCancelled = core.ErrCancelled

// IsCancelled reports whether err is (or wraps) the cancellation sentinel.
func IsCancelled(err error) bool { return core.IsCancelled(err) }

// IsFrameworkEvent reports whether an event type belongs to the closed
// framework taxonomy.
func IsFrameworkEvent(typ string) bool { return event.IsFrameworkEvent(typ) }

// RunDAG compiles and executes a DAG definition, awaiting its completion.
func RunDAG(ctx context.Context, def dag.Definition, opts ...dag.Option) (any, error) {
	return dag.Run(ctx, def, opts...)
}

// RunMachine validates and executes a state-machine definition, awaiting
// its completion.
func RunMachine(ctx context.Context, def machine.Definition, opts ...machine.Option) (any, error) {
	return machine.Run(ctx, def, opts...)
}

// StartRun establishes (or inherits) an ambient run context.
func StartRun(ctx context.Context, opts runctx.StartOptions, body func(ctx context.Context) (any, error)) (any, error) {
	return runctx.StartRun(ctx, opts, body)
}

// RunStep runs body as a named step inside the ambient run context.
func RunStep(ctx context.Context, opts runctx.StepOptions, body func(ctx context.Context) (any, error)) (any, error) {
	return runctx.RunStep(ctx, opts, body)
}

// RecordStepInfo attaches metadata to the current step's terminal event.
func RecordStepInfo(ctx context.Context, info map[string]any) {
	runctx.RecordStepInfo(ctx, info)
}

// LogEvent dispatches an event to the active run's sink, back-filling run
// and step identifiers.
func LogEvent(ctx context.Context, e event.Event) {
	runctx.LogEvent(ctx, e)
}

// NewSemaphores creates a semaphore registry with the given limits.
func NewSemaphores(limits map[string]int) *semaphore.Registry {
	return semaphore.NewRegistry(limits)
}

// NewMemoryCache creates an in-memory result cache.
func NewMemoryCache() *cache.MemoryCache {
	return cache.NewMemoryCache()
}
