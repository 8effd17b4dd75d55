package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ramuslabs/ramus/loader"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow file without executing",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	out := cmd.OutOrStdout()

	wf, err := loader.Load(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return fmt.Errorf("loading workflow: %w", err)
	}

	diags := wf.Validate(loader.Global())

	switch format {
	case "json":
		encoded, err := json.MarshalIndent(diags, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding diagnostics: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
	default:
		if len(diags) == 0 {
			fmt.Fprintln(out, "Validation successful.")
		} else {
			printDiagnostics(out, diags)
		}
	}

	hasErrs := loader.HasErrors(diags)
	hasWarns := false
	for _, d := range diags {
		if d.Severity == loader.SeverityWarning {
			hasWarns = true
		}
	}

	if hasErrs || (strict && hasWarns) {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}
