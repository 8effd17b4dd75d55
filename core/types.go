// Package core provides the foundational types and interfaces shared by the
// Ramus DAG and state-machine runners.
//
// This package contains:
//   - The Runnable contract implemented by both runner kinds
//   - NodeInput, the bag handed to user-supplied node bodies
//   - The cancellation sentinel and cancel probes
package core

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"
)

// ErrCancelled is the cancellation sentinel. A node body that observes
// cancellation unwinds with this error; runners treat it as a clean,
// non-error termination. Check with errors.Is.
var ErrCancelled = errors.New("run cancelled")

// IsCancelled reports whether err is (or wraps) the cancellation sentinel.
// Context cancellation errors count: a body that returns ctx.Err() after
// its context is cancelled terminated cleanly, not with a failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Body is a user-supplied node body. The returned value becomes the node's
// output; a returned error terminates the node (ErrCancelled terminates it
// cleanly).
type Body func(ctx context.Context, in NodeInput) (any, error)

// MachineEvent is an external event injected into a state machine.
type MachineEvent struct {
	// Type selects the transition handler in the current state.
	Type string

	// Data is an opaque payload forwarded to the next state's body.
	Data any

	// Queue keeps the event queued when the current state has no handler
	// for it, instead of dropping it.
	Queue bool
}

// NodeInput is the bag of values handed to a node body.
type NodeInput struct {
	// Context is the workflow-level shared context value. The runners make
	// no copy and no mutual-exclusion guarantee; treat it as read-only or
	// pair it with your own synchronisation.
	Context any

	// Input is the step's input. For DAG nodes it is the parents' output
	// bag (map[string]any keyed by parent name, see InputMap); for
	// state-machine states it is the value carried in by the transition,
	// i.e. the previous state's output.
	Input any

	// RootInput is the external input supplied to the workflow as a whole.
	RootInput any

	// Span is the tracing span covering this node's step.
	Span trace.Span

	// PreviousState is the prior state name (state machines only).
	PreviousState string

	// Event is the event that drove the transition into this state
	// (state machines only, nil when the transition was unconditional).
	Event *MachineEvent

	// IsCancelled reports whether the enclosing runner was cancelled.
	// Bodies should poll it at convenient points; there is no preemption.
	IsCancelled func() bool

	// ExitIfCancelled returns ErrCancelled when the enclosing runner was
	// cancelled, nil otherwise. Typical use:
	//
	//	if err := in.ExitIfCancelled(); err != nil {
	//		return nil, err
	//	}
	ExitIfCancelled func() error
}

// InputMap returns the parents' output bag of a DAG node body, or nil when
// the input is not a map (state-machine bodies).
func (in NodeInput) InputMap() map[string]any {
	m, _ := in.Input.(map[string]any)
	return m
}

// Result is the terminal outcome of a run.
type Result struct {
	Output any
	Err    error
}

// Runnable is the common surface of the DAG and state-machine runners.
type Runnable interface {
	// Run launches the workflow and blocks until it terminates, returning
	// the run's output. It returns the first node error, or ErrCancelled
	// when the run was cancelled.
	Run(ctx context.Context) (any, error)

	// Start launches the workflow without awaiting it. The outcome is
	// delivered on Finished.
	Start(ctx context.Context)

	// Finished returns a channel that receives the run's terminal Result
	// exactly once.
	Finished() <-chan Result

	// Cancel requests cooperative cancellation. Node bodies learn of it on
	// their next cancel probe; there is no preemption.
	Cancel()
}

// ParentError marks a node failure that was caused by an upstream failure
// rather than by the node's own body. It lets diagnostics distinguish the
// root cause from its downstream casualties.
type ParentError struct {
	// Node is the name of the failed parent.
	Node string

	// Err is the root cause.
	Err error
}

// Error implements the error interface.
func (e *ParentError) Error() string {
	return fmt.Sprintf("parent %q failed: %v", e.Node, e.Err)
}

// Unwrap returns the root cause for error unwrapping.
func (e *ParentError) Unwrap() error {
	return e.Err
}

// RootCause unwraps nested ParentError chains down to the original error.
func RootCause(err error) error {
	for {
		var pe *ParentError
		if !errors.As(err, &pe) {
			return err
		}
		err = pe.Err
	}
}
