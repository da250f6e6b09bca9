package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/durex/internal/store"
)

// ArchivedInvocation is one line of the archive listing.
type ArchivedInvocation struct {
	ID         string       `json:"id"`
	Target     string       `json:"target"`
	Status     store.Status `json:"status"`
	Entries    int          `json:"entries"`
	Digest     string       `json:"digest,omitempty"`
	ArchivedAt time.Time    `json:"archived_at"`
}

// NewArchiveCommand creates the archive command.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "List purged invocations kept in the archive",
		Long: `List the invocations purge copied to the archive, oldest completion
first. Use "durex journal <id>" to print one of them in full.

Requires an archive path in the config file.

Examples:
  durex archive --config durex.cue
  durex archive --config durex.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listArchive(rootOpts, cmd)
		},
	}

	return cmd
}

func listArchive(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	s, err := openSession(opts)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.archive == nil {
		return NewExitError(ExitCommandError, "no archive configured")
	}

	ids, err := s.archive.List(ctx)
	if err != nil {
		return reportError(f, "list archive", err)
	}

	list := make([]ArchivedInvocation, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := s.archive.Get(ctx, id)
		if err != nil {
			return reportError(f, fmt.Sprintf("archived invocation %s", id), err)
		}
		if !ok {
			continue
		}
		v := newJournalView(rec.Invocation, rec.Journal)
		list = append(list, ArchivedInvocation{
			ID:         v.ID,
			Target:     v.Target,
			Status:     v.Status,
			Entries:    len(v.Entries),
			Digest:     v.Digest,
			ArchivedAt: rec.ArchivedAt,
		})
	}
	f.VerboseLog("listed %d archived invocations", len(list))

	if f.Format == "json" {
		return f.Success(list)
	}
	return f.Success(formatArchive(list))
}

func formatArchive(list []ArchivedInvocation) string {
	if len(list) == 0 {
		return "(no archived invocations)"
	}
	lines := make([]string, 0, len(list))
	for _, a := range list {
		lines = append(lines, fmt.Sprintf("%s %s %s entries=%d", a.ID, a.Target, a.Status, a.Entries))
	}
	return strings.Join(lines, "\n")
}
