package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the runtime and process invocations",
		Long: `Start the durex runtime over the built-in services (Greeter, Counter,
Signup).

The runtime opens the SQLite database (creating it if it doesn't exist),
resumes every unfinished invocation, re-arms durable timers and then
processes invocations until interrupted.

Example:
  durex run --db ./durex.db
  durex run --config ./durex.cue --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuntime(rootOpts, cmd)
		},
	}

	return cmd
}

func runRuntime(opts *RootOptions, cmd *cobra.Command) error {
	s, err := openSession(opts)
	if err != nil {
		return err
	}
	defer s.Close()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Debug("session opened", "db", s.cfg.Database, "archive", s.cfg.Archive, "concurrency", s.cfg.Concurrency)
	fmt.Fprintf(cmd.OutOrStdout(), "durex runtime started on %s (Ctrl-C to stop)\n", s.cfg.Database)

	// Run returns nil once ctx is cancelled, by a signal or by the caller.
	if err := s.rt.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "runtime error", err)
	}
	return nil
}
