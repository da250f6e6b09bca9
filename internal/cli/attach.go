package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// AttachOptions holds flags for the attach command.
type AttachOptions struct {
	*RootOptions
	Timeout time.Duration
	NoWait  bool
}

// NewAttachCommand creates the attach command.
func NewAttachCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AttachOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "attach <invocation-id>",
		Short: "Wait for an invocation and print its output",
		Long: `Wait for an invocation and print its output.

With --no-wait the stored outcome is printed only if the invocation has
already finished; otherwise the command fails without starting the runtime.

Examples:
  durex attach inv_0192a6c3d2f87b4c9e1d
  durex attach inv_0192a6c3d2f87b4c9e1d --no-wait --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return attachInvocation(opts, args[0], cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", time.Minute, "how long to wait for the result (0 waits forever)")
	cmd.Flags().BoolVar(&opts.NoWait, "no-wait", false, "only print the outcome of a finished invocation")

	return cmd
}

func attachInvocation(opts *AttachOptions, id string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	s, err := openSession(opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	if opts.NoWait {
		out, done, err := s.client.Output(cmd.Context(), id)
		if err != nil {
			return reportError(f, fmt.Sprintf("invocation %s", id), err)
		}
		if !done {
			return reportError(f, fmt.Sprintf("invocation %s", id), NewExitError(ExitFailure, "still in progress"))
		}
		return printOutcome(f, InvocationResult{InvocationID: id, Output: out})
	}

	ctx, cancel := waitContext(cmd, opts.Timeout)
	defer cancel()
	s.start(ctx)

	out, err := s.client.Attach(ctx, id)
	if err != nil {
		return reportError(f, fmt.Sprintf("invocation %s", id), err)
	}
	return printOutcome(f, InvocationResult{InvocationID: id, Output: out})
}
