package ramus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ramuslabs/ramus/dag"
	"github.com/ramuslabs/ramus/machine"
	"github.com/ramuslabs/ramus/runctx"
)

func TestRunDAG_WithSemaphoreLimit(t *testing.T) {
	const fanout = 12
	const limit = 3

	sems := NewSemaphores(map[string]int{"worker": limit})

	var inFlight atomic.Int64
	var maxInFlight atomic.Int64

	nodes := map[string]dag.Node{
		"seed": {Run: func(_ context.Context, in NodeInput) (any, error) {
			return in.RootInput, nil
		}},
	}
	for i := 0; i < fanout; i++ {
		name := string(rune('a' + i))
		nodes[name] = dag.Node{
			Parents:      []string{"seed"},
			SemaphoreKey: "worker",
			Run: func(_ context.Context, in NodeInput) (any, error) {
				n := inFlight.Add(1)
				defer inFlight.Add(-1)
				for {
					prev := maxInFlight.Load()
					if n <= prev || maxInFlight.CompareAndSwap(prev, n) {
						break
					}
				}
				return in.InputMap()["seed"], nil
			},
		}
	}

	out, err := RunDAG(context.Background(), dag.Definition{Name: "limited", Nodes: nodes},
		dag.WithRootInput("x"),
		dag.WithSemaphores(sems),
	)
	if err != nil {
		t.Fatalf("RunDAG() error = %v", err)
	}

	result := out.(map[string]any)
	if len(result) != fanout {
		t.Fatalf("collected %d leaf outputs, want %d", len(result), fanout)
	}
	if got := maxInFlight.Load(); got > limit {
		t.Fatalf("max in-flight = %d, want at most %d", got, limit)
	}
	if got := sems.Current("worker"); got != 0 {
		t.Fatalf("semaphore count = %d after run, want 0", got)
	}
}

func TestRunMachine_Facade(t *testing.T) {
	def := machine.Definition{
		Name:    "echo",
		Initial: "say",
		Nodes: map[string]machine.State{
			"say": {
				Run: func(_ context.Context, in NodeInput) (any, error) {
					return in.Input, nil
				},
				Transition: machine.Goto("done"),
			},
			"done": {Final: true},
		},
	}

	out, err := RunMachine(context.Background(), def, machine.WithRootInput("ping"))
	if err != nil {
		t.Fatalf("RunMachine() error = %v", err)
	}
	if out != "ping" {
		t.Fatalf("output = %v, want ping", out)
	}
}

func TestStartRun_FacadeEmitsPairedSteps(t *testing.T) {
	var mu sync.Mutex
	starts := map[string]int{}
	ends := map[string]int{}

	sink := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e.Type {
		case "step:start":
			starts[e.Step]++
		case "step:end", "step:error":
			ends[e.Step]++
		}
	}

	_, err := StartRun(context.Background(), runctx.StartOptions{SourceName: "wf", Sink: sink}, func(ctx context.Context) (any, error) {
		for i := 0; i < 4; i++ {
			_, _ = RunStep(ctx, runctx.StepOptions{Name: "work"}, func(ctx context.Context) (any, error) {
				RecordStepInfo(ctx, map[string]any{"i": i})
				return nil, nil
			})
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 4 {
		t.Fatalf("distinct started steps = %d, want 4", len(starts))
	}
	for step, n := range starts {
		if n != 1 {
			t.Errorf("step %s started %d times", step, n)
		}
		if ends[step] != 1 {
			t.Errorf("step %s has %d terminal events, want exactly 1", step, ends[step])
		}
	}
}

func TestIsFrameworkEvent_Facade(t *testing.T) {
	if !IsFrameworkEvent("dag:start") {
		t.Error("dag:start should be a framework event")
	}
	if IsFrameworkEvent("my:event") {
		t.Error("my:event should be a user event")
	}
}
