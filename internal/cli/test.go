package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/durex/internal/harness"
)

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run conformance scenarios",
		Long: `Run every *.yaml scenario in a directory against the built-in services.

Each scenario runs against its own in-memory database with a manual clock,
so the configured --db is not touched.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (missing directory, no scenarios)

Examples:
  durex test ./testdata/scenarios
  durex test ./testdata/scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(cmd, rootOpts, args[0])
		},
	}
	return cmd
}

func runTests(cmd *cobra.Command, rootOpts *RootOptions, dir string) error {
	f := rootOpts.formatter(cmd)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", dir))
	}

	result, err := harness.RunSuite(cmd.Context(), dir)
	var nf *harness.ScenarioNotFoundError
	if errors.As(err, &nf) {
		return NewExitError(ExitCommandError, nf.Error())
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "run scenarios", err)
	}

	if f.Format == "json" {
		if err := f.Success(result); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		for _, failure := range result.Failures {
			fmt.Fprintf(w, "FAIL %s\n  %s\n", filepath.Base(failure.ScenarioPath), failure.Error)
		}
		fmt.Fprintf(w, "%d passed, %d failed, %d total\n", result.Passed, result.Failed, result.TotalScenarios)
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenarios failed", result.Failed))
	}
	return nil
}
