package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ramuslabs/ramus/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ramus",
	Short: "Ramus workflow engine CLI",
	Long:  "Ramus — a CLI for validating and running DAG and state-machine workflows.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("verbose", false, "Accepted but not read by any command; has no effect")
	rootCmd.PersistentFlags().Bool("quiet", false, "Accepted but not read by any command; has no effect")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("ramus version %s\n", version))

	rootCmd.AddCommand(cli.NewRunCmd())
	rootCmd.AddCommand(cli.NewScheduleCmd())
	rootCmd.AddCommand(cli.NewValidateCmd())
	rootCmd.AddCommand(cli.NewEventsCmd())
}
