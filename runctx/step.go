package runctx

import (
	"context"
	"reflect"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramuslabs/ramus/core"
	"github.com/ramuslabs/ramus/event"
)

// tracerName identifies the library in exported spans.
const tracerName = "github.com/ramuslabs/ramus"

// StepOptions configures RunStep.
type StepOptions struct {
	// Name is the step name, also used as the span name.
	Name string

	// SourceNode is the node name recorded on the step's events.
	SourceNode string

	// Input is recorded on the step:start event.
	Input any

	Tags []string
	Info map[string]any

	// SkipLogging suppresses the step:start / step:end / step:error pair.
	// The step id and context frame are still allocated.
	SkipLogging bool
}

// RunStep allocates a child step id, pushes a step frame (ParentStep set to
// the outer CurrentStep) and runs body under it. Unless SkipLogging is set
// it emits step:start before the body and exactly one of step:end or
// step:error afterwards, all carrying the same step id. The cancellation
// sentinel counts as clean termination and closes the step with step:end.
func RunStep(ctx context.Context, opts StepOptions, body func(ctx context.Context) (any, error)) (any, error) {
	rc := FromContext(ctx)
	if rc == nil {
		// No ambient run: allocate a minimal one so step ids still nest.
		rc = &RunContext{RunID: NewID(), SourceName: opts.Name, seq: &seqGen{}}
	}

	stepID := NewID()
	child := rc.child(stepID)
	ctx = With(ctx, child)

	ctx, span := otel.Tracer(tracerName).Start(ctx, opts.Name)
	defer span.End()

	start := time.Now()
	if !opts.SkipLogging {
		child.log(event.Event{
			Type:       event.StepStart,
			Step:       stepID,
			SourceNode: opts.SourceNode,
			StartTime:  start,
			Data: event.StepStartData{
				ParentStep: child.ParentStep,
				SpanID:     spanID(span),
				Tags:       opts.Tags,
				Info:       opts.Info,
				Input:      opts.Input,
			},
		})
	}

	out, err := body(ctx)

	end := time.Now()
	switch {
	case err != nil && !core.IsCancelled(err):
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		if !opts.SkipLogging {
			child.log(event.Event{
				Type:       event.StepError,
				Step:       stepID,
				SourceNode: opts.SourceNode,
				StartTime:  start,
				EndTime:    end,
				Data:       event.ErrorData{Error: err},
			})
		}
	default:
		if !opts.SkipLogging {
			child.log(event.Event{
				Type:       event.StepEnd,
				Step:       stepID,
				SourceNode: opts.SourceNode,
				StartTime:  start,
				EndTime:    end,
				Data: event.StepEndData{
					Output: out,
					Info:   child.info.snapshot(),
				},
			})
		}
	}
	return out, err
}

// spanID returns the hex span id, or empty when tracing is inactive.
func spanID(span trace.Span) string {
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.SpanID().String()
}

// AsStep wraps f so that every call runs inside RunStep, named after f
// (or the explicit name) with the call argument recorded as the step input.
func AsStep[I, O any](f func(ctx context.Context, in I) (O, error), name ...string) func(ctx context.Context, in I) (O, error) {
	stepName := funcName(f)
	if len(name) > 0 && name[0] != "" {
		stepName = name[0]
	}
	return func(ctx context.Context, in I) (O, error) {
		out, err := RunStep(ctx, StepOptions{Name: stepName, Input: in}, func(ctx context.Context) (any, error) {
			return f(ctx, in)
		})
		if err != nil {
			var zero O
			return zero, err
		}
		typed, _ := out.(O)
		return typed, nil
	}
}

// funcName derives a readable step name from a function value.
func funcName(f any) string {
	pc := reflect.ValueOf(f).Pointer()
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "step"
	}
	name := fn.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, "-fm")
	return name
}
