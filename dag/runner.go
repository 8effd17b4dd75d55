package dag

import (
	"context"
	"errors"
	"sync"

	"github.com/ramuslabs/ramus/cache"
	"github.com/ramuslabs/ramus/core"
	"github.com/ramuslabs/ramus/event"
	"github.com/ramuslabs/ramus/runctx"
	"github.com/ramuslabs/ramus/semaphore"
)

// Runner orchestrates a whole DAG: it wires parent/child edges, synthesises
// an output-collecting node over the leaf outputs, fans out the root set,
// and propagates cancellation on the first error unless the definition
// tolerates failures.
type Runner struct {
	def      Definition
	compiled Compiled

	ctxVal     any
	rootInput  any
	cache      cache.ResultCache
	semaphores []*semaphore.Registry
	sink       event.Handler
	meta       map[string]any
	autorun    func() bool

	runners map[string]*NodeRunner
	output  *NodeRunner

	mu          sync.Mutex
	started     bool
	ctx         context.Context
	cancelCtx   context.CancelFunc
	dagCtx      context.Context
	result      core.Result
	done        chan struct{}
	resolveOnce sync.Once
	failOnce    sync.Once
	cancelOnce  sync.Once

	onFinish    []func(output any)
	onError     []func(err error)
	onCancelled []func()
}

// Option configures a Runner.
type Option func(*Runner)

// WithRootInput sets the external input supplied to the workflow.
func WithRootInput(v any) Option { return func(r *Runner) { r.rootInput = v } }

// WithContext sets the workflow-level shared context value, overriding the
// definition's ContextFactory.
func WithContext(v any) Option { return func(r *Runner) { r.ctxVal = v } }

// WithCache memoises node outputs in the given cache.
func WithCache(c cache.ResultCache) Option { return func(r *Runner) { r.cache = c } }

// WithSemaphores rate-limits nodes that declare a SemaphoreKey through
// every supplied registry.
func WithSemaphores(regs ...*semaphore.Registry) Option {
	return func(r *Runner) { r.semaphores = regs }
}

// WithSink receives every event emitted during the run.
func WithSink(h event.Handler) Option { return func(r *Runner) { r.sink = h } }

// WithMeta forwards a per-run metadata bag verbatim on every event.
func WithMeta(m map[string]any) Option { return func(r *Runner) { r.meta = m } }

// WithAutorun sets the dispatch predicate. When it returns false, nodes
// that become ready park in StateReady and must be dispatched with RunNode;
// this supports interactive stepping and intervention models.
func WithAutorun(f func() bool) Option { return func(r *Runner) { r.autorun = f } }

// NewRunner compiles the definition and constructs a runner per node plus
// the synthetic __output collector over the DAG's leaves.
func NewRunner(def Definition, opts ...Option) (*Runner, error) {
	compiled, err := Compile(def.Nodes)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		def:      def,
		compiled: compiled,
		autorun:  func() bool { return true },
		runners:  make(map[string]*NodeRunner, len(def.Nodes)),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.ctxVal == nil && def.ContextFactory != nil {
		r.ctxVal = def.ContextFactory()
	}

	for name, node := range def.Nodes {
		r.runners[name] = newNodeRunner(name, node, r)
	}

	// The collector runs even over failed leaves so partial runs still
	// produce a (possibly partial) output.
	r.output = newNodeRunner(OutputNode, Node{
		Parents:              compiled.Leaves,
		TolerateParentErrors: true,
		Run:                  collectOutput,
	}, r)
	r.output.silent = true

	// First genuine node error ends an intolerant run: emit dag:error,
	// cancel everything else, reject. Cascaded parent errors are skipped
	// so the root cause is reported once. Wired before any parent/child
	// subscription so the cancel fan-out runs ahead of the cascade and no
	// tolerated-parent dispatch can slip through.
	if !def.TolerateFailures {
		for _, nr := range r.runners {
			nr.subscribeFailure(func(err error) {
				var pe *core.ParentError
				if errors.As(err, &pe) {
					return
				}
				r.fail(err)
			})
		}
	}

	for name, nr := range r.runners {
		nr.init(r.parentRunners(def.Nodes[name].Parents))
	}

	r.output.init(r.parentRunners(compiled.Leaves))
	r.output.subscribeFinish(func(output any) {
		r.emitDAG(event.Event{Type: event.DAGFinish, Data: event.StepEndData{Output: output}})
		r.notifyFinish(output)
		r.resolve(core.Result{Output: output})
	})
	r.output.subscribeFailure(r.fail)

	return r, nil
}

// fail records the first error, cancels the rest of the graph and rejects
// the run.
func (r *Runner) fail(err error) {
	r.failOnce.Do(func() {
		r.emitDAG(event.Event{Type: event.DAGError, Data: event.ErrorData{Error: err}})
		r.cancelRunners()
		r.notifyError(err)
		r.resolve(core.Result{Err: err})
	})
}

// collectOutput is the body of the synthetic __output node: a single leaf's
// value passes through unchanged, multiple leaves collect into a map.
func collectOutput(_ context.Context, in core.NodeInput) (any, error) {
	inputs := in.InputMap()
	if len(inputs) == 1 {
		for _, v := range inputs {
			return v, nil
		}
	}
	return inputs, nil
}

func (r *Runner) parentRunners(names []string) map[string]*NodeRunner {
	parents := make(map[string]*NodeRunner, len(names))
	for _, name := range names {
		parents[name] = r.runners[name]
	}
	return parents
}

// Roots returns the compiled root set.
func (r *Runner) Roots() []string { return r.compiled.Roots }

// Leaves returns the compiled leaf set.
func (r *Runner) Leaves() []string { return r.compiled.Leaves }

// NodeState returns the lifecycle state of a node ("" for unknown names).
func (r *Runner) NodeState(name string) State {
	if nr, ok := r.runners[name]; ok {
		return nr.State()
	}
	return ""
}

// RunNode dispatches a node manually. Used with WithAutorun(false) for
// interactive stepping. Returns whether the node was dispatched.
func (r *Runner) RunNode(name string) bool {
	if nr, ok := r.runners[name]; ok {
		return nr.Run(false)
	}
	return false
}

// OnFinish registers a callback invoked with the DAG's output.
func (r *Runner) OnFinish(fn func(output any)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFinish = append(r.onFinish, fn)
}

// OnError registers a callback invoked with the first node error.
func (r *Runner) OnError(fn func(err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = append(r.onError, fn)
}

// OnCancelled registers a callback invoked when the run is cancelled.
func (r *Runner) OnCancelled(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCancelled = append(r.onCancelled, fn)
}

// Run launches the DAG and blocks until it terminates. This is the public
// awaiting form; Start is the non-awaiting lower-level entry point.
func (r *Runner) Run(ctx context.Context) (any, error) {
	r.Start(ctx)
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result.Output, r.result.Err
}

// Start launches the DAG without awaiting it.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	// Caller-context cancellation is a cancel request for the whole run.
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
				Name:  "DAG " + r.def.Name,
				Input: r.rootInput,
				Tags:  r.def.Tags,
			}, r.execute)
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

// execute is the body of the "DAG {name}" step.
func (r *Runner) execute(ctx context.Context) (any, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.ctx = runCtx
	r.cancelCtx = cancel
	r.dagCtx = ctx
	r.mu.Unlock()

	rc := runctx.FromContext(ctx)
	r.emitDAG(event.Event{
		Type: event.DAGStart,
		Data: event.StepStartData{ParentStep: rc.ParentStep, Input: r.rootInput},
	})

	if r.autorun() {
		// Typically the root set; after a revival this may include more.
		for _, nr := range r.runners {
			if nr.ReadyToResume() {
				nr.Run(false)
			}
		}
		if r.output.ReadyToResume() {
			r.output.Run(false)
		}
	}

	<-r.done

	r.mu.Lock()
	res := r.result
	r.mu.Unlock()
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Output, nil
}

// Cancel requests cancellation of the whole run: every node runner is
// cancelled and the run's result becomes the cancellation sentinel.
func (r *Runner) Cancel() {
	r.cancelOnce.Do(func() {
		r.mu.Lock()
		cancel := r.cancelCtx
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		r.cancelRunners()
		r.notifyCancelled()
		r.resolve(core.Result{Err: core.ErrCancelled})
	})
}

func (r *Runner) cancelRunners() {
	for _, nr := range r.runners {
		nr.Cancel()
	}
	r.output.Cancel()
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

// runCtx returns the cancellable run context shared by all node runners.
func (r *Runner) runCtx() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// emitDAG publishes a workflow-level event on the DAG's own step.
func (r *Runner) emitDAG(e event.Event) {
	r.mu.Lock()
	ctx := r.dagCtx
	r.mu.Unlock()
	if ctx == nil {
		return
	}
	runctx.LogEvent(ctx, e)
}

// Run compiles and executes a DAG definition, awaiting its completion.
func Run(ctx context.Context, def Definition, opts ...Option) (any, error) {
	r, err := NewRunner(def, opts...)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx)
}

// Compile-time interface check.
var _ core.Runnable = (*Runner)(nil)
