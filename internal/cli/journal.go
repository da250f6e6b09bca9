package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/durex/internal/engine"
	"github.com/roach88/durex/internal/journal"
	"github.com/roach88/durex/internal/store"
)

// JournalView is the JSON shape printed by the journal command.
type JournalView struct {
	ID          string           `json:"id"`
	Target      string           `json:"target"`
	Status      store.Status     `json:"status"`
	Attempts    int              `json:"attempts"`
	ParentID    string           `json:"parent_id,omitempty"`
	Output      json.RawMessage  `json:"output,omitempty"`
	Failure     *journal.Failure `json:"failure,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Archived    bool             `json:"archived,omitempty"`
	Digest      string           `json:"digest,omitempty"`
	Entries     []journal.Entry  `json:"entries"`
}

func newJournalView(inv store.Invocation, entries []journal.Entry) JournalView {
	target := inv.Service + "/" + inv.Handler
	if inv.Key != "" {
		target = inv.Service + "/" + inv.Key + "/" + inv.Handler
	}
	v := JournalView{
		ID:        inv.ID,
		Target:    target,
		Status:    inv.Status,
		Attempts:  inv.Attempts,
		ParentID:  inv.ParentID,
		Output:    inv.Output,
		Failure:   inv.Failure,
		LastError: inv.LastError,
		CreatedAt: inv.CreatedAt,
		Entries:   entries,
	}
	if !inv.CompletedAt.IsZero() {
		at := inv.CompletedAt
		v.CompletedAt = &at
	}
	if d, err := journal.Digest(entries); err == nil {
		v.Digest = d
	}
	return v
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal <invocation-id>",
		Short: "Print an invocation and its journal",
		Long: `Print an invocation's status and every journal entry in seq order.

Invocations purged by retention are read from the archive when one is
configured.

Examples:
  durex journal inv_0192a6c3d2f87b4c9e1d
  durex journal inv_0192a6c3d2f87b4c9e1d --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJournal(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func printJournal(opts *RootOptions, id string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	s, err := openSession(opts)
	if err != nil {
		return err
	}
	defer s.Close()

	view, err := s.readJournal(cmd.Context(), id)
	if err != nil {
		return reportError(f, fmt.Sprintf("invocation %s", id), err)
	}
	if f.Format == "json" {
		return f.Success(view)
	}
	return f.Success(formatJournal(view))
}

// readJournal reads id from the store, falling back to the archive.
func (s *session) readJournal(ctx context.Context, id string) (JournalView, error) {
	inv, err := s.store.ReadInvocation(ctx, id)
	if err == nil {
		entries, err := s.store.ReadJournal(ctx, id)
		if err != nil {
			return JournalView{}, err
		}
		return newJournalView(inv, entries), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return JournalView{}, err
	}

	if s.archive != nil {
		rec, ok, aerr := s.archive.Get(ctx, id)
		if aerr != nil {
			return JournalView{}, aerr
		}
		if ok {
			v := newJournalView(rec.Invocation, rec.Journal)
			v.Archived = true
			return v, nil
		}
	}
	return JournalView{}, &engine.RuntimeError{Code: engine.ErrCodeNotFound, Message: "no such invocation", InvocationID: id}
}

func formatJournal(v JournalView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", v.ID, v.Target)
	fmt.Fprintf(&b, "  status:   %s", v.Status)
	if v.Archived {
		b.WriteString(" (archived)")
	}
	fmt.Fprintf(&b, "\n  attempts: %d\n", v.Attempts)
	if v.Digest != "" {
		fmt.Fprintf(&b, "  digest:   %s\n", v.Digest)
	}
	if v.ParentID != "" {
		fmt.Fprintf(&b, "  parent:   %s\n", v.ParentID)
	}
	if v.Output != nil {
		fmt.Fprintf(&b, "  output:   %s\n", v.Output)
	}
	if v.Failure != nil {
		fmt.Fprintf(&b, "  failure:  %d %s\n", v.Failure.Code, v.Failure.Message)
	}
	if v.LastError != "" {
		fmt.Fprintf(&b, "  last error: %s\n", v.LastError)
	}

	if len(v.Entries) == 0 {
		b.WriteString("  (empty journal)")
		return b.String()
	}
	b.WriteString("  journal:")
	for _, e := range v.Entries {
		fmt.Fprintf(&b, "\n    %3d %-16s", e.Seq, e.Kind)
		if e.Name != "" {
			fmt.Fprintf(&b, " %s", e.Name)
		}
		if e.Ref != 0 {
			fmt.Fprintf(&b, " ref=%d", e.Ref)
		}
		if e.Payload != nil {
			fmt.Fprintf(&b, " %s", e.Payload)
		}
		if e.Failure != nil {
			fmt.Fprintf(&b, " failure=%d %q", e.Failure.Code, e.Failure.Message)
		}
	}
	return b.String()
}
