package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <invocation-id>",
		Short: "Cancel an invocation and its outstanding calls",
		Long: `Cancel an invocation.

The handler observes the cancellation at its next suspension point and the
invocation ends with status cancelled. Outstanding request-response calls it
made are cancelled too.

Example:
  durex cancel inv_0192a6c3d2f87b4c9e1d`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cancelInvocation(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func cancelInvocation(opts *RootOptions, id string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	s, err := openSession(opts)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := waitContext(cmd, 0)
	defer cancel()
	s.start(ctx)

	if err := s.client.Cancel(ctx, id); err != nil {
		return reportError(f, fmt.Sprintf("cancel %s", id), err)
	}
	if f.Format == "json" {
		return f.Success(map[string]string{"invocation_id": id, "status": "cancel_requested"})
	}
	return f.Success(fmt.Sprintf("cancellation requested for %s", id))
}
