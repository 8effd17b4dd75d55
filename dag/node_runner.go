package dag

import (
	"context"
	"encoding/json"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramuslabs/ramus/cache"
	"github.com/ramuslabs/ramus/core"
	"github.com/ramuslabs/ramus/event"
	"github.com/ramuslabs/ramus/runctx"
	"github.com/ramuslabs/ramus/semaphore"
)

// State is a node runner's lifecycle state.
type State string

const (
	StateWaiting          State = "waiting"
	StateReady            State = "ready"
	StatePendingSemaphore State = "pendingSemaphore"
	StateRunning          State = "running"
	StateFinished         State = "finished"
	StateError            State = "error"
	StateCancelled        State = "cancelled"
)

// terminal reports whether s is a terminal state.
func (s State) terminal() bool {
	return s == StateFinished || s == StateError || s == StateCancelled
}

// NodeRunner owns one node's lifecycle within a DAG run. Transitions are
// monotonic except waiting|ready → cancelled; exactly one of finished,
// error, cancelled is terminal.
type NodeRunner struct {
	name   string
	node   Node
	runner *Runner

	// silent suppresses step and dag:node_* events; used by the synthetic
	// __output collector, which is an implementation detail rather than a
	// user-declared node.
	silent bool

	mu        sync.Mutex
	state     State
	waiting   map[string]struct{}
	inputs    map[string]any
	output    any
	err       error
	cancelled bool

	onFinish  []func(output any)
	onFailure []func(err error)
}

func newNodeRunner(name string, node Node, runner *Runner) *NodeRunner {
	return &NodeRunner{
		name:    name,
		node:    node,
		runner:  runner,
		state:   StateWaiting,
		waiting: make(map[string]struct{}),
		inputs:  make(map[string]any),
	}
}

// Name returns the node name.
func (nr *NodeRunner) Name() string { return nr.name }

// State returns the current lifecycle state.
func (nr *NodeRunner) State() State {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	return nr.state
}

// Output returns the node's output once finished.
func (nr *NodeRunner) Output() any {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	return nr.output
}

// Err returns the node's terminal error, if any.
func (nr *NodeRunner) Err() error {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	return nr.err
}

// init wires the runner to its parents' completion notifications. Called
// after every runner in the DAG has been constructed.
func (nr *NodeRunner) init(parents map[string]*NodeRunner) {
	for name := range parents {
		nr.waiting[name] = struct{}{}
	}
	for name, parent := range parents {
		parentName := name
		parent.subscribeFinish(func(output any) {
			nr.parentFinished(parentName, output)
		})
		parent.subscribeFailure(func(err error) {
			nr.parentFailed(parentName, err)
		})
	}
}

func (nr *NodeRunner) subscribeFinish(fn func(output any)) {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	nr.onFinish = append(nr.onFinish, fn)
}

func (nr *NodeRunner) subscribeFailure(fn func(err error)) {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	nr.onFailure = append(nr.onFailure, fn)
}

// parentFinished records a parent's output and attempts a parent-triggered
// dispatch.
func (nr *NodeRunner) parentFinished(parent string, output any) {
	nr.mu.Lock()
	if nr.state.terminal() {
		nr.mu.Unlock()
		return
	}
	delete(nr.waiting, parent)
	nr.inputs[parent] = output
	nr.mu.Unlock()

	nr.Run(true)
}

// parentFailed reacts to a parent's error or parent_error. With
// TolerateParentErrors the node treats it as a finish with a nil output;
// otherwise the node cancels itself and cascades a ParentError so
// diagnostics can tell the root cause from its casualties.
func (nr *NodeRunner) parentFailed(parent string, err error) {
	if nr.node.TolerateParentErrors {
		nr.parentFinished(parent, nil)
		return
	}

	nr.mu.Lock()
	if nr.state.terminal() {
		nr.mu.Unlock()
		return
	}
	nr.state = StateCancelled
	cascade := &core.ParentError{Node: parent, Err: err}
	nr.err = cascade
	nr.mu.Unlock()

	nr.emitState(StateCancelled)
	nr.notifyFailure(cascade)
}

// ReadyToResume reports whether the runner can be dispatched: no parents
// outstanding and state waiting or ready.
func (nr *NodeRunner) ReadyToResume() bool {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	return len(nr.waiting) == 0 && (nr.state == StateWaiting || nr.state == StateReady)
}

// Run attempts to dispatch the node. fromParent marks parent-triggered
// attempts, which respect the runner's autorun predicate: when autorun is
// off, a ready node parks in StateReady for manual dispatch. Returns
// whether the node was dispatched.
func (nr *NodeRunner) Run(fromParent bool) bool {
	nr.mu.Lock()
	if len(nr.waiting) > 0 || (nr.state != StateWaiting && nr.state != StateReady) {
		nr.mu.Unlock()
		return false
	}
	// The synthetic collector is infrastructure, not a user node; manual
	// dispatch mode never applies to it.
	if fromParent && !nr.silent && !nr.runner.autorun() {
		if nr.state == StateWaiting {
			nr.state = StateReady
			nr.mu.Unlock()
			nr.emitState(StateReady)
			return false
		}
		nr.mu.Unlock()
		return false
	}

	// Claim the node under the lock so concurrent parent notifications
	// cannot double-dispatch it.
	acquire := nr.node.SemaphoreKey != "" && len(nr.runner.semaphores) > 0
	if acquire {
		nr.state = StatePendingSemaphore
	} else {
		nr.state = StateRunning
	}
	nr.mu.Unlock()

	if acquire {
		nr.emitState(StatePendingSemaphore)
	}

	go nr.execute()
	return true
}

// Cancel requests cancellation. Waiting and ready nodes transition to
// cancelled immediately; running bodies learn of it on their next cancel
// probe.
func (nr *NodeRunner) Cancel() {
	nr.mu.Lock()
	nr.cancelled = true
	transitioned := false
	if nr.state == StateWaiting || nr.state == StateReady {
		nr.state = StateCancelled
		nr.err = core.ErrCancelled
		transitioned = true
	}
	nr.mu.Unlock()

	if transitioned {
		nr.emitState(StateCancelled)
	}
}

// isCancelled is the cancel probe handed to the node body.
func (nr *NodeRunner) isCancelled() bool {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	if nr.cancelled || nr.state == StateCancelled {
		return true
	}
	select {
	case <-nr.runner.runCtx().Done():
		return true
	default:
		return false
	}
}

// execute runs the node body inside its own step. The step wrapper emits
// step:start / step:end / step:error; the node runner adds the dag:node_*
// lifecycle events with the same step id.
func (nr *NodeRunner) execute() {
	ctx := nr.runner.runCtx()
	stepName := nr.runner.def.Name + ":" + nr.name

	_, _ = runctx.RunStep(ctx, runctx.StepOptions{
		Name:        stepName,
		SourceNode:  nr.name,
		Input:       nr.inputSnapshot(),
		Tags:        nr.node.Tags,
		Info:        nr.node.Info,
		SkipLogging: nr.silent,
	}, nr.executeBody)
}

func (nr *NodeRunner) executeBody(ctx context.Context) (any, error) {
	if nr.node.SemaphoreKey != "" && len(nr.runner.semaphores) > 0 {
		release, err := semaphore.AcquireAll(ctx, nr.runner.semaphores, nr.node.SemaphoreKey)
		if err != nil {
			nr.markCancelled()
			return nil, core.ErrCancelled
		}
		defer release()
	}

	nr.mu.Lock()
	if nr.state.terminal() || nr.cancelled {
		nr.mu.Unlock()
		nr.markCancelled()
		return nil, core.ErrCancelled
	}
	nr.state = StateRunning
	inputs := snapshotMap(nr.inputs)
	nr.mu.Unlock()

	nr.emitState(StateRunning)

	rc := runctx.FromContext(ctx)
	span := trace.SpanFromContext(ctx)
	nr.emit(ctx, event.Event{
		Type: event.DAGNodeStart,
		Data: event.StepStartData{
			ParentStep: rc.ParentStep,
			SpanID:     spanID(span),
			Tags:       nr.node.Tags,
			Info:       nr.node.Info,
			Input:      inputs,
		},
	})

	output, fromCache, cacheKey, err := nr.invoke(ctx, inputs, span)

	if nr.isCancelled() || core.IsCancelled(err) {
		// Output produced by a body that ignored cancellation is
		// discarded; no finish event is emitted.
		nr.markCancelled()
		return nil, core.ErrCancelled
	}

	if err != nil {
		nr.emit(ctx, event.Event{Type: event.DAGNodeError, Data: event.ErrorData{Error: err}})
		nr.mu.Lock()
		nr.state = StateError
		nr.err = err
		nr.mu.Unlock()
		nr.notifyFailure(err)
		return nil, err
	}

	if cacheKey != "" && !fromCache {
		if encoded, encErr := json.Marshal(output); encErr == nil {
			// Write errors are deliberately dropped; the cache is
			// best-effort.
			_ = nr.runner.cache.Set(ctx, nr.name, cacheKey, string(encoded))
		}
	}

	nr.emit(ctx, event.Event{Type: event.DAGNodeFinish, Data: event.StepEndData{Output: output}})
	nr.mu.Lock()
	nr.state = StateFinished
	nr.output = output
	nr.mu.Unlock()
	nr.notifyFinish(output)
	return output, nil
}

// invoke consults the cache and, on a miss, runs the node body.
func (nr *NodeRunner) invoke(ctx context.Context, inputs map[string]any, span trace.Span) (output any, fromCache bool, cacheKey string, err error) {
	if nr.runner.cache != nil && !nr.silent {
		key, fpErr := cache.Fingerprint(cache.BodyRepr(nr.node.Run), inputs, nr.runner.rootInput)
		if fpErr == nil {
			cacheKey = key
			if value, ok, getErr := nr.runner.cache.Get(ctx, nr.name, key); getErr == nil && ok {
				var decoded any
				if json.Unmarshal([]byte(value), &decoded) == nil {
					span.SetAttributes(attribute.Bool("ramus.cache_hit", true))
					return decoded, true, cacheKey, nil
				}
			}
		}
	}

	in := core.NodeInput{
		Context:     nr.runner.ctxVal,
		Input:       inputs,
		RootInput:   nr.runner.rootInput,
		Span:        span,
		IsCancelled: nr.isCancelled,
		ExitIfCancelled: func() error {
			if nr.isCancelled() {
				return core.ErrCancelled
			}
			return nil
		},
	}
	if nr.node.Run == nil {
		return nil, false, cacheKey, nil
	}
	output, err = nr.node.Run(ctx, in)
	return output, false, cacheKey, err
}

// markCancelled transitions to cancelled unless already terminal.
func (nr *NodeRunner) markCancelled() {
	nr.mu.Lock()
	if nr.state.terminal() {
		nr.mu.Unlock()
		return
	}
	nr.state = StateCancelled
	nr.err = core.ErrCancelled
	nr.mu.Unlock()

	nr.emitState(StateCancelled)
}

func (nr *NodeRunner) notifyFinish(output any) {
	nr.mu.Lock()
	subs := append([]func(any){}, nr.onFinish...)
	nr.mu.Unlock()
	for _, fn := range subs {
		fn(output)
	}
}

func (nr *NodeRunner) notifyFailure(err error) {
	nr.mu.Lock()
	subs := append([]func(error){}, nr.onFailure...)
	nr.mu.Unlock()
	for _, fn := range subs {
		fn(err)
	}
}

// emitState publishes a dag:node_state event on the DAG's step.
func (nr *NodeRunner) emitState(s State) {
	if nr.silent {
		return
	}
	nr.runner.emitDAG(event.Event{
		Type:       event.DAGNodeState,
		SourceNode: nr.name,
		Data:       event.NodeStateData{State: string(s)},
	})
}

// emit publishes an event on the node's own step context.
func (nr *NodeRunner) emit(ctx context.Context, e event.Event) {
	if nr.silent {
		return
	}
	if e.SourceNode == "" {
		e.SourceNode = nr.name
	}
	runctx.LogEvent(ctx, e)
}

func (nr *NodeRunner) inputSnapshot() map[string]any {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	return snapshotMap(nr.inputs)
}

func snapshotMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// spanID returns the hex span id, or empty when tracing is inactive.
func spanID(span trace.Span) string {
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.SpanID().String()
}
