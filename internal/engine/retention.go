package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/roach88/durex/internal/archive"
)

// Sweep archives and purges invocations that finished more than olderThan
// ago. It returns the number purged.
//
// An invocation whose archive write fails is kept for the next sweep; the
// errors are combined into the returned error.
func (rt *Runtime) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	now := rt.wall.Now()
	finished, err := rt.store.ListFinished(ctx, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	var errs error
	ids := make([]string, 0, len(finished))
	for _, inv := range finished {
		if rt.archive != nil {
			entries, err := rt.store.ReadJournal(ctx, inv.ID)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("archive %s: %w", inv.ID, err))
				continue
			}
			rec := archive.Record{Invocation: inv, Journal: entries, ArchivedAt: now}
			if err := rt.archive.Put(ctx, rec); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("archive %s: %w", inv.ID, err))
				continue
			}
		}
		ids = append(ids, inv.ID)
	}

	if len(ids) == 0 {
		return 0, errs
	}
	n, err := rt.store.PurgeInvocations(ctx, ids)
	return n, multierr.Append(errs, err)
}
