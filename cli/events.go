package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ramuslabs/ramus/bus"
)

// NewEventsCmd creates the "events" subcommand, which lists events
// persisted by runs started with --events-db.
func NewEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect persisted run events",
		RunE:  runEvents,
	}

	cmd.Flags().String("db", "", "Path to the SQLite events database (required)")
	cmd.Flags().String("run", "", "Run ID to list events for (default: list run IDs)")
	cmd.Flags().Uint64("after", 0, "Only events with a sequence number greater than this")
	cmd.Flags().Int("limit", 0, "Maximum number of events to print (0 = all)")
	cmd.Flags().Bool("json", false, "Print events as JSON lines")

	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runEvents(cmd *cobra.Command, _ []string) error {
	dbPath, _ := cmd.Flags().GetString("db")
	runID, _ := cmd.Flags().GetString("run")
	after, _ := cmd.Flags().GetUint64("after")
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: dbPath})
	if err != nil {
		return exitError(exitRuntime, "opening events db: %v", err)
	}
	defer store.Close()

	ctx := cmd.Context()

	if runID == "" {
		ids, err := store.RunIDs(ctx)
		if err != nil {
			return exitError(exitRuntime, "listing runs: %v", err)
		}
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil
	}

	events, err := store.List(ctx, runID, after, limit)
	if err != nil {
		return exitError(exitRuntime, "listing events: %v", err)
	}

	for _, e := range events {
		if asJSON {
			encoded, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintln(out, string(encoded))
			continue
		}
		fmt.Fprintf(out, "%6d  %-26s %-12s %s\n", e.Seq, e.Type, e.SourceNode, e.Step)
	}
	return nil
}
