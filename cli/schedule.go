package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ramuslabs/ramus/loader"
	"github.com/ramuslabs/ramus/sched"
)

// NewScheduleCmd creates the "schedule" subcommand, which runs a workflow
// file on a recurring cron schedule until interrupted.
func NewScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule <file>",
		Short: "Run a workflow file on a cron schedule",
		Args:  cobra.ExactArgs(1),
		RunE:  runSchedule,
	}

	cmd.Flags().String("cron", "", "Five-field cron expression, evaluated in UTC (required)")
	cmd.Flags().StringP("input", "i", "", "Root input as inline JSON string")
	addSinkFlags(cmd)

	_ = cmd.MarkFlagRequired("cron")

	return cmd
}

func runSchedule(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	spec, _ := cmd.Flags().GetString("cron")

	if _, err := sched.ParseSpec(spec); err != nil {
		return exitError(exitValidation, "%v", err)
	}

	wf, err := loadWorkflow(filePath)
	if err != nil {
		return err
	}
	if diags := wf.Validate(loader.Global()); loader.HasErrors(diags) {
		printDiagnostics(cmd.ErrOrStderr(), diags)
		return exitError(exitValidation, "validation failed")
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

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))

	scheduler := sched.New(logger)
	err = scheduler.Add(wf.Name, spec, func(ctx context.Context) {
		out, runErr := executeWorkflow(ctx, wf, rootInput, sink, nil)
		switch {
		case Cancelled(runErr):
			logger.Info("scheduled run cancelled", "workflow", wf.Name)
		case runErr != nil:
			logger.Error("scheduled run failed", "workflow", wf.Name, "error", runErr)
		default:
			logger.Info("scheduled run finished", "workflow", wf.Name, "output", fmt.Sprintf("%v", out))
		}
	})
	if err != nil {
		return exitError(exitRuntime, "scheduling workflow: %v", err)
	}

	next, err := sched.NextRun(spec, time.Now())
	if err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "scheduled %q (%s); next run %s\n", wf.Name, spec, next.Format("2006-01-02 15:04 MST"))
	}

	scheduler.Start()
	defer scheduler.Stop()

	// Run until the command context ends or the process is interrupted.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Fprintln(cmd.OutOrStdout(), "stopping scheduler")
	return nil
}
