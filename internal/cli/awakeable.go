package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/durex/internal/engine"
)

// completion identifies what resolve and reject complete: an awakeable by
// id, or a workflow promise addressed as Workflow/key/promise.
type completion struct {
	awakeable string
	workflow  engine.Target
	promise   string
}

func parseCompletion(arg string) (completion, error) {
	if _, _, err := engine.ParseAwakeableID(arg); err == nil {
		return completion{awakeable: arg}, nil
	}
	t, err := engine.ParseTarget(arg)
	if err != nil || t.Key == "" {
		return completion{}, NewExitError(ExitCommandError,
			fmt.Sprintf("%q is neither an awakeable id nor Workflow/key/promise", arg))
	}
	return completion{workflow: t, promise: t.Handler}, nil
}

func (c completion) String() string {
	if c.awakeable != "" {
		return "awakeable " + c.awakeable
	}
	return fmt.Sprintf("promise %s/%s/%s", c.workflow.Service, c.workflow.Key, c.promise)
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var value string

	cmd := &cobra.Command{
		Use:   "resolve <awakeable-id | Workflow/key/promise>",
		Short: "Resolve an awakeable or a workflow promise",
		Long: `Resolve an awakeable or a workflow promise with a JSON value.

The suspended handler resumes the next time the runtime runs.

Examples:
  durex resolve awk_inv_0192a6c3d2f87b4c9e1d.3 --value '"approved"'
  durex resolve Signup/alice/verified --value true`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			c, err := parseCompletion(args[0])
			if err != nil {
				return err
			}
			if !json.Valid([]byte(value)) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid --value JSON: %s", value))
			}

			s, err := openSession(rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			v := json.RawMessage(value)
			if c.awakeable != "" {
				err = s.client.ResolveAwakeable(cmd.Context(), c.awakeable, v)
			} else {
				err = s.client.ResolvePromise(cmd.Context(), c.workflow, c.promise, v)
			}
			if err != nil {
				return reportError(f, "resolve "+c.String(), err)
			}
			return f.Success(fmt.Sprintf("resolved %s", c))
		},
	}

	cmd.Flags().StringVar(&value, "value", "null", "value as JSON")

	return cmd
}

// NewRejectCommand creates the reject command.
func NewRejectCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <awakeable-id | Workflow/key/promise>",
		Short: "Reject an awakeable or a workflow promise",
		Long: `Reject an awakeable or a workflow promise. The awaiting handler receives
a terminal error carrying the reason.

Example:
  durex reject awk_inv_0192a6c3d2f87b4c9e1d.3 --reason "request denied"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			c, err := parseCompletion(args[0])
			if err != nil {
				return err
			}

			s, err := openSession(rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			if c.awakeable != "" {
				err = s.client.RejectAwakeable(cmd.Context(), c.awakeable, reason)
			} else {
				err = s.client.RejectPromise(cmd.Context(), c.workflow, c.promise, reason)
			}
			if err != nil {
				return reportError(f, "reject "+c.String(), err)
			}
			return f.Success(fmt.Sprintf("rejected %s", c))
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "rejected", "failure message delivered to the handler")

	return cmd
}
