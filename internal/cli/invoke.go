package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/durex/internal/engine"
)

// InvokeOptions holds flags for the invoke and send commands.
type InvokeOptions struct {
	*RootOptions
	Args           string
	IdempotencyKey string
	Delay          time.Duration
	Timeout        time.Duration
}

// InvocationResult is the JSON payload of commands that report an outcome.
type InvocationResult struct {
	InvocationID string          `json:"invocation_id"`
	Output       json.RawMessage `json:"output,omitempty"`
}

// NewInvokeCommand creates the invoke command.
func NewInvokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvokeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invoke <Service[/key]/handler>",
		Short: "Call a handler and wait for its result",
		Long: `Call a handler and wait for its result.

The runtime runs in-process for the duration of the call, so unfinished work
already in the database is resumed as well.

Examples:
  durex invoke Greeter/greet --args '{"name":"Francesco"}'
  durex invoke Counter/clicks/add --args 1 --idempotency-key click-42
  durex invoke Signup/alice/run --args '{"email":"alice@example.com"}' --timeout 0`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeHandler(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Args, "args", "null", "request as JSON")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "idempotency-key", "", "deduplicate requests with this key")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", time.Minute, "how long to wait for the result (0 waits forever)")

	return cmd
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvokeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <Service[/key]/handler>",
		Short: "Submit an invocation without waiting",
		Long: `Submit an invocation without waiting and print its id.

The invocation is stored and executed by the next "durex run" (or any command
that starts the runtime). Use "durex attach <id>" to wait for it.

Examples:
  durex send Greeter/greet --args '{"name":"Ada"}'
  durex send Counter/clicks/reset --delay 1h`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendInvocation(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Args, "args", "null", "request as JSON")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "idempotency-key", "", "deduplicate requests with this key")
	cmd.Flags().DurationVar(&opts.Delay, "delay", 0, "start the invocation after this delay")

	return cmd
}

// parseRequest validates the target and --args.
func (o *InvokeOptions) parseRequest(target string) (engine.Target, json.RawMessage, error) {
	t, err := engine.ParseTarget(target)
	if err != nil {
		return engine.Target{}, nil, WrapExitError(ExitCommandError, "invalid target", err)
	}
	if !json.Valid([]byte(o.Args)) {
		return engine.Target{}, nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid --args JSON: %s", o.Args))
	}
	return t, json.RawMessage(o.Args), nil
}

func (o *InvokeOptions) callOptions() []engine.CallOption {
	var opts []engine.CallOption
	if o.IdempotencyKey != "" {
		opts = append(opts, engine.WithIdempotencyKey(o.IdempotencyKey))
	}
	if o.Delay > 0 {
		opts = append(opts, engine.WithDelay(o.Delay))
	}
	return opts
}

// waitContext bounds a wait by timeout; zero waits until the command's
// context ends.
func waitContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func invokeHandler(opts *InvokeOptions, target string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	t, req, err := opts.parseRequest(target)
	if err != nil {
		return err
	}

	s, err := openSession(opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := waitContext(cmd, opts.Timeout)
	defer cancel()
	s.start(ctx)

	h, err := s.client.Send(ctx, t, req, opts.callOptions()...)
	if err != nil {
		return reportError(f, "invoke failed", err)
	}
	f.VerboseLog("invocation %s submitted", h.InvocationID)

	out, err := h.Await(ctx)
	if err != nil {
		return reportError(f, fmt.Sprintf("invocation %s", h.InvocationID), err)
	}
	return printOutcome(f, InvocationResult{InvocationID: h.InvocationID, Output: out})
}

func sendInvocation(opts *InvokeOptions, target string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	t, req, err := opts.parseRequest(target)
	if err != nil {
		return err
	}

	s, err := openSession(opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	h, err := s.client.Send(context.Background(), t, req, opts.callOptions()...)
	if err != nil {
		return reportError(f, "send failed", err)
	}
	if f.Format == "json" {
		return f.Success(InvocationResult{InvocationID: h.InvocationID})
	}
	return f.Success(h.InvocationID)
}

// printOutcome prints an invocation's output: the raw JSON in text mode, the
// id and output in JSON mode.
func printOutcome(f *OutputFormatter, res InvocationResult) error {
	if f.Format == "json" {
		return f.Success(res)
	}
	return f.Success(string(res.Output))
}
