package otel

import (
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/ramuslabs/ramus/event"
)

func newTestMetricsHandler(t *testing.T) *MetricsHandler {
	t.Helper()
	meter := sdkmetric.NewMeterProvider().Meter("test")
	h, err := NewMetricsHandler(meter)
	if err != nil {
		t.Fatalf("NewMetricsHandler() error = %v", err)
	}
	return h
}

func TestMetricsHandler_HandlesLifecycleEvents(t *testing.T) {
	h := newTestMetricsHandler(t)
	now := time.Now()

	// None of these may panic; instruments are recorded best-effort.
	h.Handle(event.Event{Type: event.DAGNodeFinish, Source: "wf", SourceNode: "n", StartTime: now, EndTime: now.Add(time.Second)})
	h.Handle(event.Event{Type: event.MachineNodeFinish, Source: "m", SourceNode: "s"})
	h.Handle(event.Event{Type: event.DAGNodeError, Source: "wf", SourceNode: "n", Data: event.ErrorData{Error: errors.New("x")}})
	h.Handle(event.Event{Type: event.DAGFinish, Source: "wf", StartTime: now, EndTime: now.Add(time.Second)})
	h.Handle(event.Event{Type: event.DAGError, Source: "wf"})
	h.Handle(event.Event{Type: event.MachineTransition, Source: "m", Data: event.TransitionData{From: "a", To: "b"}})

	// Unrelated events are ignored.
	h.Handle(event.Event{Type: "user:event"})
	h.Handle(event.Event{Type: event.StepStart})
}

func TestRunStatus(t *testing.T) {
	if got := runStatus(event.DAGError); got != "failed" {
		t.Errorf("runStatus(dag:error) = %q, want failed", got)
	}
	if got := runStatus(event.DAGFinish); got != "completed" {
		t.Errorf("runStatus(dag:finish) = %q, want completed", got)
	}
}
