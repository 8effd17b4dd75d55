package machine

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/ramuslabs/ramus/core"
	"github.com/ramuslabs/ramus/event"
	"github.com/ramuslabs/ramus/runctx"
	"github.com/ramuslabs/ramus/semaphore"
)

// Status is the live status of a machine runner.
type Status string

const (
	StatusInitial          Status = "initial"
	StatusReady            Status = "ready"
	StatusPendingSemaphore Status = "pendingSemaphore"
	StatusRunning          Status = "running"
	StatusWaitingForEvent  Status = "waitingForEvent"
	StatusFinal            Status = "final"
	StatusError            Status = "error"
	StatusCancelled        Status = "cancelled"
)

// Current is the machine's active state snapshot.
type Current struct {
	// State is the active state name.
	State string

	// PreviousState is the state the machine transitioned from.
	PreviousState string

	// Input is the value carried into the state: the previous state's
	// output, or the root input in the initial state.
	Input any

	// Event is the event that drove the transition in, nil when the
	// transition was unconditional.
	Event *core.MachineEvent

	// Output is the active state's body output once it has run.
	Output any
}

// Runner drives a single-actor state machine to quiescence, evaluating
// guarded transitions, queueing external events that arrive during state
// execution, and falling back to an error state on body failures.
type Runner struct {
	def Definition

	ctxVal     any
	rootInput  any
	semaphores []*semaphore.Registry
	sink       event.Handler
	meta       map[string]any

	mu          sync.Mutex
	status      Status
	current     Current
	queue       []core.MachineEvent
	machineStep string
	stepIndex   int
	cancelled   bool
	stepping    bool
	machineCtx  context.Context
	cancelCtx   context.CancelFunc
	started     bool
	result      core.Result
	done        chan struct{}
	resolveOnce sync.Once

	onFinish    []func(output any)
	onError     []func(err error)
	onCancelled []func()
}

// Option configures a Runner.
type Option func(*Runner)

// WithRootInput sets the external input supplied to the machine.
func WithRootInput(v any) Option { return func(r *Runner) { r.rootInput = v } }

// WithContext sets the shared context value, overriding ContextFactory.
func WithContext(v any) Option { return func(r *Runner) { r.ctxVal = v } }

// WithSemaphores rate-limits states that declare a SemaphoreKey.
func WithSemaphores(regs ...*semaphore.Registry) Option {
	return func(r *Runner) { r.semaphores = regs }
}

// WithSink receives every event emitted during the run.
func WithSink(h event.Handler) Option { return func(r *Runner) { r.sink = h } }

// WithMeta forwards a per-run metadata bag verbatim on every event.
func WithMeta(m map[string]any) Option { return func(r *Runner) { r.meta = m } }

// NewRunner validates the definition and constructs a runner positioned on
// the initial state.
func NewRunner(def Definition, opts ...Option) (*Runner, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}

	r := &Runner{
		def:    def,
		status: StatusInitial,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.ctxVal == nil && def.ContextFactory != nil {
		r.ctxVal = def.ContextFactory()
	}
	r.current = Current{State: def.Initial, Input: r.rootInput}
	return r, nil
}

// Status returns the live status.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Current returns the active state snapshot.
func (r *Runner) Current() Current {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// StepIndex returns the number of step attempts made so far.
func (r *Runner) StepIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stepIndex
}

// OnFinish registers a callback invoked with the machine's output when it
// reaches a final state.
func (r *Runner) OnFinish(fn func(output any)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFinish = append(r.onFinish, fn)
}

// OnError registers a callback invoked when the machine fails without an
// error state.
func (r *Runner) OnError(fn func(err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = append(r.onError, fn)
}

// OnCancelled registers a callback invoked when the machine is cancelled.
func (r *Runner) OnCancelled(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCancelled = append(r.onCancelled, fn)
}

// AvailableEvents returns the event types the current state declares
// transitions for, excluding the always transition.
func (r *Runner) AvailableEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	spec, ok := r.def.Nodes[r.current.State].Transition.(Dispatch)
	if !ok {
		return nil
	}
	var names []string
	for eventType := range spec {
		if eventType != "" {
			names = append(names, eventType)
		}
	}
	sort.Strings(names)
	return names
}

// CanStep reports whether a step attempt would do anything: the machine is
// not running, cancelled, waiting for an event or final, and the current
// state either has a body or declares an always transition.
func (r *Runner) CanStep() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canStepLocked()
}

func (r *Runner) canStepLocked() bool {
	switch r.status {
	case StatusRunning, StatusPendingSemaphore, StatusCancelled, StatusWaitingForEvent, StatusFinal:
		return false
	}
	node := r.def.Nodes[r.current.State]
	if node.Run != nil {
		return true
	}
	return hasAlwaysTransition(node)
}

func hasAlwaysTransition(node State) bool {
	switch spec := node.Transition.(type) {
	case Goto:
		return true
	case Dispatch:
		return len(spec[""]) > 0
	}
	return false
}

// hasHandler reports whether the state declares any transition for the
// event type.
func hasHandler(node State, eventType string) bool {
	spec, ok := node.Transition.(Dispatch)
	if !ok {
		return false
	}
	return len(spec[eventType]) > 0
}

// Run launches the machine and blocks until it terminates: the output of
// the run resolves when a final state is reached, the first unhandled body
// error rejects it, and cancellation rejects with the sentinel. A machine
// parked in waitingForEvent stays pending until events drive it onward.
func (r *Runner) Run(ctx context.Context) (any, error) {
	r.Start(ctx)
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result.Output, r.result.Err
}

// Start launches the machine without awaiting it.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	// Caller-context cancellation is a cancel request for the machine.
	go func() {
		select {
		case <-ctx.Done():
			r.Cancel()
		case <-r.done:
		}
	}()

	go func() {
		_, _ = runctx.StartRun(ctx, runctx.StartOptions{
			SourceName: r.def.Name,
			Sink:       r.sink,
			Meta:       r.meta,
		}, func(ctx context.Context) (any, error) {
			return runctx.RunStep(ctx, runctx.StepOptions{
				Name:  "machine " + r.def.Name,
				Input: r.rootInput,
			}, func(ctx context.Context) (any, error) {
				r.begin(ctx)
				r.loop()
				<-r.done

				r.mu.Lock()
				defer r.mu.Unlock()
				if r.result.Err != nil {
					return nil, r.result.Err
				}
				return r.result.Output, nil
			})
		})
	}()
}

// Finished returns a channel that receives the run's terminal Result.
func (r *Runner) Finished() <-chan core.Result {
	ch := make(chan core.Result, 1)
	go func() {
		<-r.done
		r.mu.Lock()
		res := r.result
		r.mu.Unlock()
		ch <- res
	}()
	return ch
}

// begin allocates the machine step and emits state_machine:start. The
// machine step is the parent of every state step.
func (r *Runner) begin(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	rc := runctx.FromContext(ctx)

	r.mu.Lock()
	r.machineCtx = runCtx
	r.cancelCtx = cancel
	r.machineStep = rc.CurrentStep
	r.mu.Unlock()

	runctx.LogEvent(ctx, event.Event{
		Type: event.MachineStart,
		Data: event.StepStartData{ParentStep: rc.ParentStep, Input: r.rootInput},
	})
}

// loop steps the machine to quiescence.
func (r *Runner) loop() {
	for {
		stepped, err := r.step()
		if !stepped || err != nil {
			return
		}
	}
}

// Step makes one transition attempt. It returns whether a step ran and the
// body error, if any, after error-state handling. Manual stepping is only
// valid after Start.
func (r *Runner) Step() (bool, error) {
	return r.step()
}

// Send injects an external event. While a state body is running, or when
// the event asks to be queued and the current state has no handler for it,
// the event is appended to the queue. Otherwise a transition is attempted
// immediately; an event that neither fires nor queues is dropped. Send
// reports whether the event fired a transition.
func (r *Runner) Send(ev core.MachineEvent) bool {
	r.mu.Lock()
	if r.status == StatusCancelled || r.status == StatusFinal {
		r.mu.Unlock()
		return false
	}
	node := r.def.Nodes[r.current.State]
	if r.stepping || r.status == StatusRunning || r.status == StatusPendingSemaphore ||
		(ev.Queue && !hasHandler(node, ev.Type)) {
		r.queue = append(r.queue, ev)
		r.mu.Unlock()
		return false
	}

	target, ok := r.resolveLocked(node, ev.Type, &ev)
	if !ok {
		r.mu.Unlock()
		return false
	}
	from := r.current.State
	stateInput := r.current.Input
	output := r.current.Output
	r.applyTransitionLocked(target, output, &ev)
	status := r.status
	started := r.started
	mctx := r.machineCtx
	r.mu.Unlock()

	if mctx != nil {
		runctx.LogEvent(mctx, event.Event{
			Type:       event.MachineTransition,
			SourceNode: from,
			Data: event.TransitionData{
				From:   from,
				To:     target,
				Input:  stateInput,
				Output: output,
				Event:  &ev,
				Final:  status == StatusFinal,
			},
		})
	}
	r.emitStatus(status)
	switch {
	case status == StatusFinal:
		r.mu.Lock()
		out := r.current.Input
		r.mu.Unlock()
		r.notifyFinish(out)
		r.resolve(core.Result{Output: out})
	case started && status == StatusReady:
		go r.loop()
	}
	return true
}

// Cancel requests cooperative cancellation. The current state body learns
// of it via the cancel probes; a cancelled machine never transitions
// further.
func (r *Runner) Cancel() {
	r.mu.Lock()
	if r.status == StatusCancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	r.status = StatusCancelled
	cancel := r.cancelCtx
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.emitStatus(StatusCancelled)
	r.notifyCancelled()
	r.resolve(core.Result{Err: core.ErrCancelled})
}

func (r *Runner) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// step runs one transition attempt: execute the current state's body (if
// any) inside its own step, drain the event queue, then try the always
// transition.
func (r *Runner) step() (bool, error) {
	r.mu.Lock()
	if r.stepping || !r.canStepLocked() || r.machineCtx == nil {
		r.mu.Unlock()
		return false, nil
	}
	r.stepping = true
	r.stepIndex++
	stateName := r.current.State
	node := r.def.Nodes[stateName]
	stepInput := r.current.Input
	stepEvent := r.current.Event
	prev := r.current.PreviousState
	ctx := r.machineCtx
	machineStep := r.machineStep
	r.mu.Unlock()

	var bodyErr error
	_, _ = runctx.RunStep(ctx, runctx.StepOptions{
		Name:       "machine " + r.def.Name + " " + stateName,
		SourceNode: stateName,
		Input:      stepInput,
	}, func(ctx context.Context) (any, error) {
		bodyErr = r.executeState(ctx, stateName, node, stepInput, stepEvent, prev, machineStep)
		return nil, bodyErr
	})

	r.mu.Lock()
	r.stepping = false
	r.mu.Unlock()

	if bodyErr != nil && core.IsCancelled(bodyErr) {
		return false, nil
	}
	if bodyErr != nil {
		// With an error state the machine carries on into it; without
		// one it halts in StatusError and may be retried manually.
		if r.def.errorStateFor(stateName) != "" {
			return true, nil
		}
		return false, bodyErr
	}
	return true, nil
}

// executeState is the body of one state step.
func (r *Runner) executeState(ctx context.Context, stateName string, node State, stepInput any, stepEvent *core.MachineEvent, prev string, machineStep string) error {
	if node.SemaphoreKey != "" && len(r.semaphores) > 0 {
		r.setStatus(StatusPendingSemaphore)
		release, err := semaphore.AcquireAll(ctx, r.semaphores, node.SemaphoreKey)
		if err != nil {
			r.markCancelled()
			return core.ErrCancelled
		}
		defer release()
	}

	if r.isCancelled() {
		return core.ErrCancelled
	}
	r.setStatus(StatusRunning)

	runctx.LogEvent(ctx, event.Event{
		Type:       event.MachineNodeStart,
		SourceNode: stateName,
		Data: event.StepStartData{
			ParentStep: machineStep,
			SpanID:     spanID(trace.SpanFromContext(ctx)),
			Input:      stepInput,
			Event:      stepEvent,
		},
	})

	output := stepInput
	if node.Run != nil {
		in := core.NodeInput{
			Context:       r.ctxVal,
			RootInput:     r.rootInput,
			Span:          trace.SpanFromContext(ctx),
			PreviousState: prev,
			Event:         stepEvent,
			IsCancelled:   r.isCancelled,
			ExitIfCancelled: func() error {
				if r.isCancelled() {
					return core.ErrCancelled
				}
				return nil
			},
		}
		// The previous state's output rides in as this state's input.
		in.Input = stepInput
		var err error
		output, err = node.Run(ctx, in)
		if err != nil {
			if core.IsCancelled(err) || r.isCancelled() {
				r.markCancelled()
				return core.ErrCancelled
			}
			return r.failState(ctx, stateName, err)
		}
	}

	if r.isCancelled() {
		r.markCancelled()
		return core.ErrCancelled
	}

	r.mu.Lock()
	r.current.Output = output
	r.mu.Unlock()

	runctx.LogEvent(ctx, event.Event{
		Type:       event.MachineNodeFinish,
		SourceNode: stateName,
		Data:       event.StepEndData{Output: output},
	})

	r.advance(ctx, stateName, node, output)
	return nil
}

// failState routes a body failure to the error state when one is declared.
// The error always surfaces to the surrounding step so step:error is
// logged; step() decides whether the machine continues.
func (r *Runner) failState(ctx context.Context, stateName string, err error) error {
	errState := r.def.errorStateFor(stateName)

	r.mu.Lock()
	final := false
	if errState != "" {
		r.current = Current{
			State:         errState,
			PreviousState: stateName,
			Input:         err,
		}
		r.status = StatusReady
		if r.def.Nodes[errState].Final {
			final = true
			r.status = StatusFinal
		}
	} else {
		r.status = StatusError
	}
	r.mu.Unlock()

	runctx.LogEvent(ctx, event.Event{
		Type:       event.MachineError,
		SourceNode: stateName,
		Data:       event.ErrorData{Error: err},
	})
	r.emitStatus(r.Status())

	if errState == "" {
		r.notifyError(err)
		r.resolve(core.Result{Err: err})
	} else if final {
		// A final error state ends the run; its input (the error) is the
		// run's output, as for any other final state.
		r.notifyFinish(err)
		r.resolve(core.Result{Output: err})
	}
	return err
}

// advance drains the event queue, falls back to the always transition, and
// either transitions or parks the machine waiting for an event.
func (r *Runner) advance(ctx context.Context, stateName string, node State, output any) {
	r.mu.Lock()

	transitioned := false
	var firedTarget string
	var firedEvent *core.MachineEvent

	// Queue drain: one transition at most. After it fires, later entries
	// survive only when they asked to queue. Before it fires, an entry
	// that finds a handler whose guards all deny it is dropped; only
	// handler-less queued events are retained.
	retained := r.queue[:0]
	for i := range r.queue {
		qe := r.queue[i]
		if transitioned {
			if qe.Queue {
				retained = append(retained, qe)
			}
			continue
		}
		if target, ok := r.resolveLocked(node, qe.Type, &qe); ok {
			transitioned = true
			firedTarget = target
			ev := qe
			firedEvent = &ev
			continue
		}
		if qe.Queue && !hasHandler(node, qe.Type) {
			retained = append(retained, qe)
		}
	}
	r.queue = retained

	if !transitioned {
		if target, ok := r.resolveLocked(node, "", nil); ok {
			transitioned = true
			firedTarget = target
		}
	}

	if !transitioned {
		r.status = StatusWaitingForEvent
		r.mu.Unlock()
		r.emitStatus(StatusWaitingForEvent)
		return
	}

	stateInput := r.current.Input
	// Status stays running until the transition is applied, so a
	// concurrent Send queues instead of racing the switch-over.
	r.mu.Unlock()

	final := r.def.Nodes[firedTarget].Final
	runctx.LogEvent(ctx, event.Event{
		Type:       event.MachineTransition,
		SourceNode: stateName,
		Data: event.TransitionData{
			From:   stateName,
			To:     firedTarget,
			Input:  stateInput,
			Output: output,
			Event:  firedEvent,
			Final:  final,
		},
	})

	r.mu.Lock()
	r.applyTransitionLocked(firedTarget, output, firedEvent)
	status := r.status
	r.mu.Unlock()

	r.emitStatus(status)
	if status == StatusFinal {
		r.mu.Lock()
		out := r.current.Input
		r.mu.Unlock()
		r.notifyFinish(out)
		r.resolve(core.Result{Output: out})
	}
}

// applyTransitionLocked moves the machine to target. The exiting state's
// output becomes the next state's input. Callers hold r.mu.
func (r *Runner) applyTransitionLocked(target string, output any, ev *core.MachineEvent) {
	r.current = Current{
		State:         target,
		PreviousState: r.current.State,
		Input:         output,
		Event:         ev,
	}
	if r.def.Nodes[target].Final {
		r.status = StatusFinal
	} else {
		r.status = StatusReady
	}
}

// resolveLocked resolves a transition for eventType in node. Callers hold
// r.mu. The bare-string form fires only for the empty event type.
func (r *Runner) resolveLocked(node State, eventType string, ev *core.MachineEvent) (string, bool) {
	switch spec := node.Transition.(type) {
	case Goto:
		if eventType == "" {
			return string(spec), true
		}
		return "", false
	case Dispatch:
		for _, t := range spec[eventType] {
			if t.Condition == nil {
				return t.Target, true
			}
			in := core.NodeInput{
				Context:       r.ctxVal,
				RootInput:     r.rootInput,
				PreviousState: r.current.State,
				Event:         ev,
			}
			if t.Condition(context.Background(), in) {
				return t.Target, true
			}
		}
		return "", false
	}
	return "", false
}

func (r *Runner) markCancelled() {
	r.mu.Lock()
	if r.status == StatusCancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	r.status = StatusCancelled
	r.mu.Unlock()

	r.emitStatus(StatusCancelled)
	r.notifyCancelled()
	r.resolve(core.Result{Err: core.ErrCancelled})
}

// setStatus updates the status and emits a state_machine:status event.
func (r *Runner) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
	r.emitStatus(s)
}

// emitStatus publishes a status event on the machine's step.
func (r *Runner) emitStatus(s Status) {
	r.mu.Lock()
	ctx := r.machineCtx
	r.mu.Unlock()
	if ctx == nil {
		return
	}
	runctx.LogEvent(ctx, event.Event{
		Type: event.MachineStatus,
		Data: event.StatusData{Status: string(s)},
	})
}

func (r *Runner) resolve(res core.Result) {
	r.resolveOnce.Do(func() {
		r.mu.Lock()
		r.result = res
		r.mu.Unlock()
		close(r.done)
	})
}

func (r *Runner) notifyFinish(output any) {
	r.mu.Lock()
	subs := append([]func(any){}, r.onFinish...)
	r.mu.Unlock()
	for _, fn := range subs {
		fn(output)
	}
}

func (r *Runner) notifyError(err error) {
	r.mu.Lock()
	subs := append([]func(error){}, r.onError...)
	r.mu.Unlock()
	for _, fn := range subs {
		fn(err)
	}
}

func (r *Runner) notifyCancelled() {
	r.mu.Lock()
	subs := append([]func(){}, r.onCancelled...)
	r.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// spanID returns the hex span id, or empty when tracing is inactive.
func spanID(span trace.Span) string {
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.SpanID().String()
}

// Run validates and executes a machine definition, awaiting its completion.
func Run(ctx context.Context, def Definition, opts ...Option) (any, error) {
	r, err := NewRunner(def, opts...)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx)
}

// Compile-time interface check.
var _ core.Runnable = (*Runner)(nil)
