package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ramuslabs/ramus/event"
)

// MetricsHandler translates Ramus lifecycle events into OpenTelemetry
// metrics. It records counters and histograms for node executions,
// failures, and workflow durations.
type MetricsHandler struct {
	nodeExecutions metric.Int64Counter
	nodeFailures   metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	runDuration    metric.Float64Histogram
	transitions    metric.Int64Counter
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create instruments for recording workflow metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("ramus.node.executions",
		metric.WithDescription("Number of node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeFail, err := meter.Int64Counter("ramus.node.failures",
		metric.WithDescription("Number of node failures"),
	)
	if err != nil {
		return nil, err
	}

	nodeDur, err := meter.Float64Histogram("ramus.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("ramus.run.duration",
		metric.WithDescription("Duration of a workflow run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter("ramus.machine.transitions",
		metric.WithDescription("Number of state machine transitions"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions: nodeExec,
		nodeFailures:   nodeFail,
		nodeDuration:   nodeDur,
		runDuration:    runDur,
		transitions:    transitions,
	}, nil
}

// Handle processes a lifecycle event and records the appropriate metrics.
// It implements event.Handler semantics.
func (h *MetricsHandler) Handle(e event.Event) {
	switch e.Type {
	case event.DAGNodeFinish, event.MachineNodeFinish:
		h.handleNodeFinished(e)
	case event.DAGNodeError:
		h.handleNodeFailed(e)
	case event.DAGFinish, event.DAGError:
		h.handleRunFinished(e)
	case event.MachineTransition:
		h.handleTransition(e)
	}
}

func (h *MetricsHandler) handleNodeFinished(e event.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("source", e.Source),
		attribute.String("node", e.SourceNode),
	)
	h.nodeExecutions.Add(ctx, 1, attrs)
	if !e.EndTime.IsZero() && !e.StartTime.IsZero() {
		h.nodeDuration.Record(ctx, e.EndTime.Sub(e.StartTime).Seconds(), attrs)
	}
}

func (h *MetricsHandler) handleNodeFailed(e event.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("source", e.Source),
		attribute.String("node", e.SourceNode),
	)
	h.nodeFailures.Add(ctx, 1, attrs)
}

func (h *MetricsHandler) handleRunFinished(e event.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("source", e.Source),
		attribute.String("status", runStatus(e.Type)),
	)
	if !e.EndTime.IsZero() && !e.StartTime.IsZero() {
		h.runDuration.Record(ctx, e.EndTime.Sub(e.StartTime).Seconds(), attrs)
	}
}

func (h *MetricsHandler) handleTransition(e event.Event) {
	data, ok := e.Data.(event.TransitionData)
	if !ok {
		return
	}
	h.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("source", e.Source),
		attribute.String("from", data.From),
		attribute.String("to", data.To),
	))
}

func runStatus(eventType string) string {
	if eventType == event.DAGError {
		return "failed"
	}
	return "completed"
}
