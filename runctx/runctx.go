// Package runctx provides the run-context substrate shared by the DAG and
// state-machine runners: causally-linked run and step identifiers, ambient
// propagation through context.Context, and the step wrapper that brackets
// arbitrary user code with start/end/error events.
package runctx

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ramuslabs/ramus/event"
)

// RunContext is the ambient record carried through a workflow run. It is
// immutable once attached to a context; RunStep derives child contexts with
// fresh step frames rather than mutating in place.
type RunContext struct {
	// RunID is the stable UUIDv7 of the outermost workflow run.
	RunID string

	// SourceName is the human name of the enclosing workflow.
	SourceName string

	// ParentStep is the step id of the enclosing step, empty at the root.
	ParentStep string

	// CurrentStep is the step id of the innermost active step.
	CurrentStep string

	// Meta is forwarded verbatim onto every event logged in this run.
	Meta map[string]any

	sink event.Handler
	seq  *seqGen
	info *infoBag
}

// seqGen produces monotonically increasing per-run sequence numbers.
type seqGen struct {
	counter atomic.Uint64
}

func (s *seqGen) next() uint64 {
	return s.counter.Add(1)
}

// infoBag collects metadata a step body attaches to its terminal event.
type infoBag struct {
	v atomic.Pointer[map[string]any]
}

func (b *infoBag) merge(m map[string]any) {
	for {
		old := b.v.Load()
		merged := make(map[string]any)
		if old != nil {
			for k, v := range *old {
				merged[k] = v
			}
		}
		for k, v := range m {
			merged[k] = v
		}
		if b.v.CompareAndSwap(old, &merged) {
			return
		}
	}
}

func (b *infoBag) snapshot() map[string]any {
	p := b.v.Load()
	if p == nil {
		return nil
	}
	return *p
}

// ctxKey is an unexported type used as the context key for RunContext.
type ctxKey struct{}

// With attaches a RunContext to the context.
func With(ctx context.Context, rc *RunContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext retrieves the active RunContext, or nil if none is set.
func FromContext(ctx context.Context) *RunContext {
	rc, _ := ctx.Value(ctxKey{}).(*RunContext)
	return rc
}

// NewID returns a fresh UUIDv7 string. UUIDv7 is time-ordered, which keeps
// step ids sortable and correlatable across process boundaries.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fall back to v4 if the entropy source is unavailable.
		return uuid.NewString()
	}
	return id.String()
}

// StartOptions configures StartRun.
type StartOptions struct {
	// SourceName is the workflow name recorded on events.
	SourceName string

	// RunID, when set, revives an existing run id instead of generating a
	// fresh one. Only consulted when a new context is allocated.
	RunID string

	// ForceNewContext allocates a fresh run context even when one is
	// already active.
	ForceNewContext bool

	// Sink receives every event logged during the run. Nil drops events.
	Sink event.Handler

	// Meta is forwarded verbatim on every event of the run.
	Meta map[string]any
}

// StartRun establishes (or inherits) an ambient run context and invokes
// body under it. If a context is already active and ForceNewContext is
// false, body runs in the existing context unchanged.
func StartRun(ctx context.Context, opts StartOptions, body func(ctx context.Context) (any, error)) (any, error) {
	if existing := FromContext(ctx); existing != nil && !opts.ForceNewContext {
		return body(ctx)
	}

	runID := opts.RunID
	if runID == "" {
		runID = NewID()
	}

	rc := &RunContext{
		RunID:      runID,
		SourceName: opts.SourceName,
		Meta:       opts.Meta,
		sink:       opts.Sink,
		seq:        &seqGen{},
	}
	return body(With(ctx, rc))
}

// LogEvent dispatches an event to the run's sink, back-filling RunID, Step,
// Source and Meta from the active context when the event lacks them. A sink
// never observes an event without a run id while a run context is active.
func LogEvent(ctx context.Context, e event.Event) {
	rc := FromContext(ctx)
	if rc == nil {
		return
	}
	rc.log(e)
}

func (rc *RunContext) log(e event.Event) {
	if rc.sink == nil {
		return
	}
	if e.RunID == "" {
		e.RunID = rc.RunID
	}
	if e.Step == "" {
		e.Step = rc.CurrentStep
	}
	if e.Source == "" {
		e.Source = rc.SourceName
	}
	if e.Meta == nil {
		e.Meta = rc.Meta
	}
	if e.Seq == 0 && rc.seq != nil {
		e.Seq = rc.seq.next()
	}
	rc.sink(e)
}

// RecordStepInfo attaches metadata to the current step from within its
// body. The map is merged into the Info field of the step's terminal event.
func RecordStepInfo(ctx context.Context, info map[string]any) {
	rc := FromContext(ctx)
	if rc == nil || rc.info == nil || len(info) == 0 {
		return
	}
	rc.info.merge(info)
}

// child derives a new frame for a step: same run, ParentStep set to the
// outer CurrentStep, CurrentStep set to stepID.
func (rc *RunContext) child(stepID string) *RunContext {
	return &RunContext{
		RunID:       rc.RunID,
		SourceName:  rc.SourceName,
		ParentStep:  rc.CurrentStep,
		CurrentStep: stepID,
		Meta:        rc.Meta,
		sink:        rc.sink,
		seq:         rc.seq,
		info:        &infoBag{},
	}
}

// WithStepFrame pushes a child step frame without emitting any events.
// Runners that manage their own lifecycle events (the state-machine runner's
// machine-level step) use it to parent nested steps correctly.
func WithStepFrame(ctx context.Context, stepID string) context.Context {
	rc := FromContext(ctx)
	if rc == nil {
		return ctx
	}
	return With(ctx, rc.child(stepID))
}
