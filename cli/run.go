// Package cli implements the ramus command-line interface: running,
// scheduling and validating workflow files and inspecting persisted run
// events.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/ramuslabs/ramus/bus"
	"github.com/ramuslabs/ramus/cache"
	"github.com/ramuslabs/ramus/core"
	"github.com/ramuslabs/ramus/dag"
	"github.com/ramuslabs/ramus/event"
	"github.com/ramuslabs/ramus/loader"
	"github.com/ramuslabs/ramus/machine"
	ramusotel "github.com/ramuslabs/ramus/otel"
)

// Exit codes.
const (
	exitSuccess      = 0
	exitValidation   = 1
	exitRuntime      = 2
	exitFileNotFound = 3
	exitInputParse   = 4
	exitTimeout      = 10
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a workflow file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringP("input", "i", "", "Root input as inline JSON string")
	cmd.Flags().StringP("output", "o", "", "Write output to file (default: stdout)")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout")
	cmd.Flags().Bool("dry-run", false, "Validate only, do not execute")
	addSinkFlags(cmd)
	cmd.Flags().String("cache-db", "", "Memoise node outputs in this SQLite database")

	return cmd
}

// addSinkFlags registers the event-pipeline flags shared by run and
// schedule.
func addSinkFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("events", false, "Print lifecycle events to stderr as they happen")
	cmd.Flags().String("events-db", "", "Persist events to this SQLite database")
	cmd.Flags().String("otel-endpoint", "", "Export traces to this OTLP/HTTP endpoint and record run metrics")
	cmd.Flags().Bool("otel-insecure", false, "Disable TLS on the OTLP exporter connection")
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	wf, err := loadWorkflow(filePath)
	if err != nil {
		return err
	}

	if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
		if diags := wf.Validate(loader.Global()); loader.HasErrors(diags) {
			printDiagnostics(cmd.ErrOrStderr(), diags)
			return exitError(exitValidation, "validation failed")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Validation successful.")
		return nil
	}

	rootInput, err := parseRootInput(cmd)
	if err != nil {
		return err
	}

	sink, closeSink, err := buildSink(cmd)
	if err != nil {
		return err
	}
	defer closeSink()

	resultCache, closeCache, err := buildCache(cmd)
	if err != nil {
		return err
	}
	defer closeCache()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	output, err := executeWorkflow(ctx, wf, rootInput, sink, resultCache)
	if err != nil {
		var diagErr *loader.DiagnosticError
		if errors.As(err, &diagErr) {
			printDiagnostics(cmd.ErrOrStderr(), diagErr.Diagnostics)
			return exitError(exitValidation, "validation failed")
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return exitError(exitTimeout, "run timed out after %s", timeout)
		}
		return exitError(exitRuntime, "run failed: %v", err)
	}

	return writeOutput(cmd, output)
}

func loadWorkflow(filePath string) (*loader.WorkflowFile, error) {
	wf, err := loader.Load(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return nil, exitError(exitValidation, "%v", err)
	}
	return wf, nil
}

func executeWorkflow(ctx context.Context, wf *loader.WorkflowFile, rootInput any, sink event.Handler, resultCache cache.ResultCache) (any, error) {
	switch wf.Kind {
	case loader.KindDAG:
		def, err := wf.BuildDAG(loader.Global())
		if err != nil {
			return nil, err
		}
		opts := []dag.Option{dag.WithRootInput(rootInput), dag.WithSink(sink)}
		if resultCache != nil {
			opts = append(opts, dag.WithCache(resultCache))
		}
		return dag.Run(ctx, def, opts...)
	case loader.KindMachine:
		def, err := wf.BuildMachine(loader.Global())
		if err != nil {
			return nil, err
		}
		return machine.Run(ctx, def, machine.WithRootInput(rootInput), machine.WithSink(sink))
	default:
		return nil, fmt.Errorf("unknown workflow kind %q", wf.Kind)
	}
}

func parseRootInput(cmd *cobra.Command) (any, error) {
	raw, _ := cmd.Flags().GetString("input")
	if raw == "" {
		return nil, nil
	}
	var input any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, exitError(exitInputParse, "parsing --input: %v", err)
	}
	return input, nil
}

// buildSink assembles the event pipeline requested by the flags. Events
// flow runner → throttle (user events coalesced) → fan-in of the direct
// handlers (SQLite persistence, OTel metrics) and an in-process event bus;
// the stderr printer consumes the bus through a subscription so a slow
// terminal never stalls the run.
func buildSink(cmd *cobra.Command) (event.Handler, func(), error) {
	var handlers []event.Handler
	var closers []func()
	closeSink := func() {
		// Closers tear the pipeline down source-first.
		for _, fn := range closers {
			fn()
		}
	}

	if dbPath, _ := cmd.Flags().GetString("events-db"); dbPath != "" {
		store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: dbPath})
		if err != nil {
			return nil, nil, exitError(exitRuntime, "opening events db: %v", err)
		}
		sub := bus.NewStoreSubscriber(store, nil)
		handlers = append(handlers, sub.Handle)
		closers = append(closers, func() { _ = store.Close() })
	}

	if endpoint, _ := cmd.Flags().GetString("otel-endpoint"); endpoint != "" {
		insecure, _ := cmd.Flags().GetBool("otel-insecure")
		shutdown, err := ramusotel.Setup(cmd.Context(), ramusotel.Config{
			ServiceName: "ramus",
			Endpoint:    endpoint,
			Insecure:    insecure,
		})
		if err != nil {
			closeSink()
			return nil, nil, exitError(exitRuntime, "setting up telemetry: %v", err)
		}
		metrics, err := ramusotel.NewMetricsHandler(otel.Meter("github.com/ramuslabs/ramus"))
		if err != nil {
			_ = shutdown(context.Background())
			closeSink()
			return nil, nil, exitError(exitRuntime, "creating metrics: %v", err)
		}
		handlers = append(handlers, metrics.Handle)
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		})
	}

	if printEvents, _ := cmd.Flags().GetBool("events"); printEvents {
		b := bus.NewMemBus(bus.MemBusConfig{})
		sub := b.SubscribeAll()
		errOut := cmd.ErrOrStderr()

		printed := make(chan struct{})
		go func() {
			defer close(printed)
			for e := range sub.Events() {
				fmt.Fprintf(errOut, "%s  %-26s %s %s\n", shortID(e.RunID), e.Type, e.Source, e.SourceNode)
			}
		}()

		handlers = append(handlers, b.Publish)
		closers = append([]func(){func() {
			_ = b.Close()
			<-printed
		}}, closers...)
	}

	if len(handlers) == 0 {
		return func(event.Event) {}, closeSink, nil
	}

	throttled := bus.NewThrottledHandler(event.MultiHandler(handlers...), bus.ThrottleConfig{})
	closers = append([]func(){throttled.Close}, closers...)
	return throttled.Handle, closeSink, nil
}

// buildCache opens the SQLite result cache when --cache-db is set.
func buildCache(cmd *cobra.Command) (cache.ResultCache, func(), error) {
	dbPath, _ := cmd.Flags().GetString("cache-db")
	if dbPath == "" {
		return nil, func() {}, nil
	}

	c, err := cache.NewSQLiteCache(cache.SQLiteCacheConfig{DSN: dbPath})
	if err != nil {
		return nil, nil, exitError(exitRuntime, "opening cache db: %v", err)
	}
	return c, func() { _ = c.Close() }, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func writeOutput(cmd *cobra.Command, output any) error {
	encoded, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", output))
	}

	if outPath, _ := cmd.Flags().GetString("output"); outPath != "" {
		if err := os.WriteFile(outPath, append(encoded, '\n'), 0o644); err != nil {
			return exitError(exitRuntime, "writing output: %v", err)
		}
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return nil
}

func printDiagnostics(w io.Writer, diags []loader.Diagnostic) {
	for _, d := range diags {
		fmt.Fprintf(w, "%s %s: %s", d.Severity, d.Code, d.Message)
		if d.Path != "" {
			fmt.Fprintf(w, " (%s)", d.Path)
		}
		fmt.Fprintln(w)
	}
}

// Cancelled reports whether err is the cancellation sentinel; exposed so
// callers of the CLI package can distinguish cancelled runs.
func Cancelled(err error) bool {
	return core.IsCancelled(err)
}
