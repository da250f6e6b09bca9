package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Archive and delete finished invocations",
		Long: `Delete invocations that finished more than --older-than ago, together with
their journals. When an archive is configured each invocation is copied there
first.

Example:
  durex purge --older-than 168h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			if olderThan < 0 {
				return NewExitError(ExitCommandError, "--older-than must not be negative")
			}

			s, err := openSession(rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.rt.Sweep(cmd.Context(), olderThan)
			if err != nil {
				return reportError(f, "purge", err)
			}
			if f.Format == "json" {
				return f.Success(map[string]int{"purged": n})
			}
			return f.Success(fmt.Sprintf("purged %d invocations", n))
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only purge invocations finished at least this long ago")

	return cmd
}
