package dag

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ramuslabs/ramus/cache"
	"github.com/ramuslabs/ramus/core"
	"github.com/ramuslabs/ramus/event"
)

// eventRecorder collects events from concurrent emitters.
type eventRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *eventRecorder) handler() event.Handler {
	return func(e event.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	}
}

func (r *eventRecorder) byType(typ string) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []event.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type diamondCtx struct {
	CtxValue int
}

func asInt(t *testing.T, v any) int {
	t.Helper()
	n, ok := v.(int)
	if !ok {
		t.Fatalf("value %v (%T) is not an int", v, v)
	}
	return n
}

func diamondDefinition(t *testing.T) Definition {
	t.Helper()
	return Definition{
		Name:           "diamond",
		ContextFactory: func() any { return &diamondCtx{CtxValue: 5} },
		Nodes: map[string]Node{
			"root": {
				Run: func(_ context.Context, in core.NodeInput) (any, error) {
					return in.Context.(*diamondCtx).CtxValue + 1, nil
				},
			},
			"intone": {
				Parents: []string{"root"},
				Run: func(_ context.Context, in core.NodeInput) (any, error) {
					return asInt(t, in.InputMap()["root"]) + 1, nil
				},
			},
			"inttwo": {
				Parents: []string{"root"},
				Run: func(_ context.Context, in core.NodeInput) (any, error) {
					return asInt(t, in.InputMap()["root"]) + 1, nil
				},
			},
			"collector": {
				Parents: []string{"intone", "inttwo"},
				Run: func(_ context.Context, in core.NodeInput) (any, error) {
					return asInt(t, in.InputMap()["intone"]) +
						asInt(t, in.InputMap()["inttwo"]) +
						asInt(t, in.RootInput), nil
				},
			},
		},
	}
}

func TestRun_DiamondDAG(t *testing.T) {
	rec := &eventRecorder{}

	out, err := Run(context.Background(), diamondDefinition(t),
		WithRootInput(10),
		WithSink(rec.handler()),
	)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := asInt(t, out); got != 24 {
		t.Fatalf("output = %d, want 24", got)
	}

	if starts := rec.byType(event.DAGNodeStart); len(starts) != 4 {
		t.Errorf("dag:node_start count = %d, want 4", len(starts))
	}
	if starts := rec.byType(event.DAGStart); len(starts) != 1 {
		t.Errorf("dag:start count = %d, want 1", len(starts))
	}
}

func TestRun_NodeStartParentStepIsDAGStep(t *testing.T) {
	rec := &eventRecorder{}

	_, err := Run(context.Background(), diamondDefinition(t),
		WithRootInput(10),
		WithSink(rec.handler()),
	)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	dagStarts := rec.byType(event.DAGStart)
	if len(dagStarts) != 1 {
		t.Fatalf("dag:start count = %d, want 1", len(dagStarts))
	}
	dagStep := dagStarts[0].Step
	if dagStep == "" {
		t.Fatal("dag:start has empty step id")
	}

	for _, e := range rec.byType(event.DAGNodeStart) {
		data, ok := e.Data.(event.StepStartData)
		if !ok {
			t.Fatalf("dag:node_start data type = %T", e.Data)
		}
		if data.ParentStep != dagStep {
			t.Errorf("node %s parent_step = %q, want dag step %q", e.SourceNode, data.ParentStep, dagStep)
		}
	}
}

func TestRun_EmptyDAG(t *testing.T) {
	_, err := Run(context.Background(), Definition{Name: "empty"})
	if err == nil {
		t.Fatal("expected error for empty DAG")
	}
	if got := err.Error(); !errors.Is(err, ErrNoNodes) {
		t.Fatalf("error = %q, want ErrNoNodes", got)
	}
}

func multiLeafDefinition(failOne bool, tolerate bool) Definition {
	return Definition{
		Name:             "fanout",
		TolerateFailures: tolerate,
		ContextFactory:   func() any { return &diamondCtx{CtxValue: 5} },
		Nodes: map[string]Node{
			"root": {
				Run: func(_ context.Context, in core.NodeInput) (any, error) {
					return in.Context.(*diamondCtx).CtxValue + 1, nil
				},
			},
			"outputOne": {
				Parents: []string{"root"},
				Run: func(_ context.Context, in core.NodeInput) (any, error) {
					if failOne {
						return nil, errors.New("outputOne exploded")
					}
					return in.InputMap()["root"].(int) + 1, nil
				},
			},
			"outputTwo": {
				Parents: []string{"root"},
				Run: func(_ context.Context, in core.NodeInput) (any, error) {
					return in.InputMap()["root"].(int) + 2, nil
				},
			},
		},
	}
}

func TestRun_MultipleLeavesCollectIntoMap(t *testing.T) {
	out, err := Run(context.Background(), multiLeafDefinition(false, false))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := map[string]any{"outputOne": 7, "outputTwo": 8}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("output = %v, want %v", out, want)
	}
}

func TestRun_TolerateFailures(t *testing.T) {
	out, err := Run(context.Background(), multiLeafDefinition(true, true))
	if err != nil {
		t.Fatalf("Run() error = %v, want nil under tolerate_failures", err)
	}

	want := map[string]any{"outputOne": nil, "outputTwo": 8}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("output = %v, want %v", out, want)
	}
}

func TestRun_IntolerantFailureRejects(t *testing.T) {
	rec := &eventRecorder{}

	_, err := Run(context.Background(), multiLeafDefinition(true, false), WithSink(rec.handler()))
	if err == nil {
		t.Fatal("expected rejection with the original error")
	}
	if err.Error() != "outputOne exploded" {
		t.Fatalf("error = %q, want the original node error", err.Error())
	}

	if errs := rec.byType(event.DAGError); len(errs) != 1 {
		t.Errorf("dag:error count = %d, want 1", len(errs))
	}
	if errs := rec.byType(event.DAGNodeError); len(errs) != 1 {
		t.Errorf("dag:node_error count = %d, want 1", len(errs))
	}
}

func TestRun_FirstErrorCancelsSiblings(t *testing.T) {
	release := make(chan struct{})
	var slowObservedCancel atomic.Bool

	def := Definition{
		Name: "cancel-fanout",
		Nodes: map[string]Node{
			"root": {
				Run: func(_ context.Context, _ core.NodeInput) (any, error) { return 1, nil },
			},
			"boom": {
				Parents: []string{"root"},
				Run: func(_ context.Context, _ core.NodeInput) (any, error) {
					return nil, errors.New("boom")
				},
			},
			"slow": {
				Parents: []string{"root"},
				Run: func(_ context.Context, in core.NodeInput) (any, error) {
					<-release
					if in.IsCancelled() {
						slowObservedCancel.Store(true)
						return nil, core.ErrCancelled
					}
					return 2, nil
				},
			},
			"downstream": {
				Parents: []string{"slow"},
				Run: func(_ context.Context, _ core.NodeInput) (any, error) {
					return 3, nil
				},
			},
		},
	}

	r, err := NewRunner(def)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}

	done := make(chan core.Result, 1)
	go func() {
		out, err := r.Run(context.Background())
		done <- core.Result{Output: out, Err: err}
	}()

	// The run rejects as soon as boom fails, while slow is still blocked.
	select {
	case res := <-done:
		if res.Err == nil || res.Err.Error() != "boom" {
			t.Fatalf("Run() err = %v, want boom", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rejection")
	}
	close(release)

	waitForState(t, r, "slow", StateCancelled)
	waitForState(t, r, "downstream", StateCancelled)
	if !slowObservedCancel.Load() {
		t.Error("slow body never observed cancellation")
	}
}

func waitForState(t *testing.T, r *Runner, node string, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.NodeState(node) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("node %s state = %s, want %s", node, r.NodeState(node), want)
}

func TestRun_ParentsFinishedBeforeDependentRuns(t *testing.T) {
	def := diamondDefinition(t)

	r, err := NewRunner(def, WithRootInput(10))
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Every runner that reached finished has all parents finished.
	for name, node := range def.Nodes {
		if r.NodeState(name) != StateFinished {
			t.Fatalf("node %s state = %s, want finished", name, r.NodeState(name))
		}
		for _, parent := range node.Parents {
			if r.NodeState(parent) != StateFinished {
				t.Errorf("node %s finished but parent %s is %s", name, parent, r.NodeState(parent))
			}
		}
	}
}

func TestRun_AllParentsErroredStillRunsWithNilInputs(t *testing.T) {
	var sawInputs map[string]any

	def := Definition{
		Name:             "tolerant-child",
		TolerateFailures: true,
		Nodes: map[string]Node{
			"p1": {Run: func(_ context.Context, _ core.NodeInput) (any, error) {
				return nil, errors.New("p1 failed")
			}},
			"p2": {Run: func(_ context.Context, _ core.NodeInput) (any, error) {
				return nil, errors.New("p2 failed")
			}},
			"child": {
				Parents:              []string{"p1", "p2"},
				TolerateParentErrors: true,
				Run: func(_ context.Context, in core.NodeInput) (any, error) {
					sawInputs = in.InputMap()
					return "ran", nil
				},
			},
		},
	}

	out, err := Run(context.Background(), def)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != "ran" {
		t.Fatalf("output = %v, want %q", out, "ran")
	}
	if sawInputs["p1"] != nil || sawInputs["p2"] != nil {
		t.Errorf("inputs = %v, want nil slots for both parents", sawInputs)
	}
}

func TestRun_CacheRoundTrip(t *testing.T) {
	var invocations atomic.Int64

	body := func(_ context.Context, in core.NodeInput) (any, error) {
		invocations.Add(1)
		return in.RootInput.(float64) * 2, nil
	}
	def := Definition{
		Name:  "cached",
		Nodes: map[string]Node{"double": {Run: body}},
	}

	c := cache.NewMemoryCache()
	for i := 0; i < 2; i++ {
		out, err := Run(context.Background(), def,
			WithRootInput(float64(21)),
			WithCache(c),
		)
		if err != nil {
			t.Fatalf("run %d error = %v", i, err)
		}
		if got := out.(float64); got != 42 {
			t.Fatalf("run %d output = %v, want 42", i, got)
		}
	}

	if n := invocations.Load(); n != 1 {
		t.Fatalf("body invoked %d times, want exactly 1", n)
	}
}

func TestRun_CancelDiscardsOutput(t *testing.T) {
	started := make(chan struct{})
	rec := &eventRecorder{}

	def := Definition{
		Name: "cancellable",
		Nodes: map[string]Node{
			"stubborn": {
				Run: func(_ context.Context, in core.NodeInput) (any, error) {
					close(started)
					// Ignore cancellation and produce output anyway.
					for !in.IsCancelled() {
						time.Sleep(time.Millisecond)
					}
					return "ignored output", nil
				},
			},
		},
	}

	r, err := NewRunner(def, WithSink(rec.handler()))
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	r.Start(context.Background())

	<-started
	r.Cancel()

	select {
	case res := <-r.Finished():
		if !core.IsCancelled(res.Err) {
			t.Fatalf("result err = %v, want cancellation sentinel", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}

	waitForState(t, r, "stubborn", StateCancelled)
	if finishes := rec.byType(event.DAGNodeFinish); len(finishes) != 0 {
		t.Errorf("dag:node_finish count = %d, want 0 for cancelled node", len(finishes))
	}
}

func TestRun_ManualDispatchWithAutorunOff(t *testing.T) {
	def := Definition{
		Name: "manual",
		Nodes: map[string]Node{
			"first": {Run: func(_ context.Context, _ core.NodeInput) (any, error) { return 1, nil }},
			"second": {
				Parents: []string{"first"},
				Run: func(_ context.Context, in core.NodeInput) (any, error) {
					return in.InputMap()["first"].(int) + 1, nil
				},
			},
		},
	}

	r, err := NewRunner(def, WithAutorun(func() bool { return false }))
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	r.Start(context.Background())

	// Nothing dispatches on its own.
	time.Sleep(50 * time.Millisecond)
	if state := r.NodeState("first"); state != StateWaiting {
		t.Fatalf("first state = %s, want waiting before manual dispatch", state)
	}

	if !r.RunNode("first") {
		t.Fatal("RunNode(first) did not dispatch")
	}
	waitForState(t, r, "first", StateFinished)

	// second became ready but parked, awaiting manual dispatch.
	waitForState(t, r, "second", StateReady)
	if !r.RunNode("second") {
		t.Fatal("RunNode(second) did not dispatch")
	}

	select {
	case res := <-r.Finished():
		if res.Err != nil {
			t.Fatalf("result err = %v", res.Err)
		}
		if res.Output.(int) != 2 {
			t.Fatalf("output = %v, want 2", res.Output)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for manual run")
	}
}

func TestRun_ParentErrorCascadeIsDistinguishable(t *testing.T) {
	def := Definition{
		Name:             "cascade",
		TolerateFailures: true,
		Nodes: map[string]Node{
			"boom": {Run: func(_ context.Context, _ core.NodeInput) (any, error) {
				return nil, errors.New("root cause")
			}},
			"victim": {
				Parents: []string{"boom"},
				Run: func(_ context.Context, _ core.NodeInput) (any, error) {
					return "never", nil
				},
			},
		},
	}

	r, err := NewRunner(def)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	waitForState(t, r, "victim", StateCancelled)

	victimErr := r.runners["victim"].Err()
	var pe *core.ParentError
	if !errors.As(victimErr, &pe) {
		t.Fatalf("victim err = %v (%T), want *core.ParentError", victimErr, victimErr)
	}
	if pe.Node != "boom" {
		t.Errorf("parent error names %q, want boom", pe.Node)
	}
	if core.RootCause(victimErr).Error() != "root cause" {
		t.Errorf("root cause = %v, want the original error", core.RootCause(victimErr))
	}
}

func TestRunner_DuplicateStartIsNoOp(t *testing.T) {
	r, err := NewRunner(diamondDefinition(t), WithRootInput(10))
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}

	r.Start(context.Background())
	r.Start(context.Background())

	select {
	case res := <-r.Finished():
		if res.Err != nil {
			t.Fatalf("result err = %v", res.Err)
		}
		if res.Output.(int) != 24 {
			t.Fatalf("output = %v, want 24", res.Output)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestRun_ContextValueSharedAcrossNodes(t *testing.T) {
	type counterCtx struct {
		mu sync.Mutex
		n  int
	}

	bump := func(_ context.Context, in core.NodeInput) (any, error) {
		c := in.Context.(*counterCtx)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.n++
		return c.n, nil
	}

	shared := &counterCtx{}
	def := Definition{
		Name: "shared-ctx",
		Nodes: map[string]Node{
			"a": {Run: bump},
			"b": {Run: bump, Parents: []string{"a"}},
			"c": {Run: bump, Parents: []string{"b"}},
		},
	}

	if _, err := Run(context.Background(), def, WithContext(shared)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if shared.n != 3 {
		t.Fatalf("shared counter = %d, want 3", shared.n)
	}
}

func TestRun_ExitIfCancelled(t *testing.T) {
	entered := make(chan struct{})

	def := Definition{
		Name: "probe",
		Nodes: map[string]Node{
			"poller": {
				Run: func(_ context.Context, in core.NodeInput) (any, error) {
					close(entered)
					for {
						if err := in.ExitIfCancelled(); err != nil {
							return nil, err
						}
						time.Sleep(time.Millisecond)
					}
				},
			},
		},
	}

	r, err := NewRunner(def)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	r.Start(context.Background())
	<-entered
	r.Cancel()

	select {
	case res := <-r.Finished():
		if !core.IsCancelled(res.Err) {
			t.Fatalf("err = %v, want cancellation sentinel", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func ExampleRun() {
	def := Definition{
		Name: "greeting",
		Nodes: map[string]Node{
			"hello": {
				Run: func(_ context.Context, in core.NodeInput) (any, error) {
					return fmt.Sprintf("hello, %v", in.RootInput), nil
				},
			},
		},
	}

	out, _ := Run(context.Background(), def, WithRootInput("world"))
	fmt.Println(out)
	// Output: hello, world
}
