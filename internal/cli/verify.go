package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/durex/internal/journal"
	"github.com/roach88/durex/internal/store"
)

// VerifyResult is the outcome of verifying one invocation's journal.
type VerifyResult struct {
	InvocationID string              `json:"invocation_id"`
	Entries      int                 `json:"entries"`
	Digest       string              `json:"digest,omitempty"`
	Violations   []journal.Violation `json:"violations"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [invocation-id]",
		Short: "Check journal integrity",
		Long: `Check the structural integrity of journals: contiguous seq numbers,
known entry kinds, and completions that reference an earlier matching entry
exactly once. Each journal's content digest is reported alongside, so two
copies of a journal can be compared.

Without an argument every invocation in the database is checked.

Examples:
  durex verify
  durex verify inv_0192a6c3d2f87b4c9e1d --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return verifyJournals(rootOpts, args, cmd)
		},
	}

	return cmd
}

func verifyJournals(opts *RootOptions, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	s, err := openSession(opts)
	if err != nil {
		return err
	}
	defer s.Close()

	var invs []store.Invocation
	if len(args) == 1 {
		inv, err := s.store.ReadInvocation(ctx, args[0])
		if err != nil {
			return reportError(f, fmt.Sprintf("invocation %s", args[0]), err)
		}
		invs = []store.Invocation{inv}
	} else if invs, err = s.store.ListInvocations(ctx); err != nil {
		return reportError(f, "list invocations", err)
	}

	results := make([]VerifyResult, 0, len(invs))
	bad := 0
	for _, inv := range invs {
		entries, err := s.store.ReadJournal(ctx, inv.ID)
		if err != nil {
			return reportError(f, fmt.Sprintf("read journal %s", inv.ID), err)
		}
		r := VerifyResult{InvocationID: inv.ID, Entries: len(entries), Violations: journal.Verify(entries)}
		if r.Digest, err = journal.Digest(entries); err != nil {
			r.Violations = append(r.Violations, journal.Violation{Message: err.Error()})
		}
		if len(r.Violations) > 0 {
			bad++
		}
		results = append(results, r)
	}
	f.VerboseLog("verified %d journals", len(results))

	if bad > 0 {
		if f.Format == "json" {
			if err := f.Error(ErrCodeJournal, fmt.Sprintf("%d of %d journals have violations", bad, len(results)), results); err != nil {
				return err
			}
		} else {
			fmt.Fprint(f.Writer, formatViolations(results))
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d journals failed verification", bad))
	}

	if f.Format == "json" {
		return f.Success(results)
	}
	return f.Success(fmt.Sprintf("OK: %d journals verified", len(results)))
}

func formatViolations(results []VerifyResult) string {
	var b strings.Builder
	for _, r := range results {
		if len(r.Violations) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s: %d violations\n", r.InvocationID, len(r.Violations))
		for _, v := range r.Violations {
			fmt.Fprintf(&b, "  %s\n", v)
		}
	}
	return b.String()
}
