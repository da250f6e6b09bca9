package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/durex/internal/ir"
	"github.com/roach88/durex/internal/journal"
	"github.com/roach88/durex/internal/store"
)

// attemptHandle is the loop's grip on a running attempt.
type attemptHandle struct {
	cancel     context.CancelFunc
	cancelFlag atomic.Bool
}

// attemptResult is what an attempt reports back to the loop.
//
// Status is Completed, Failed or Cancelled for a finished invocation,
// Suspended when the handler awaits unresolved futures, and Pending for a
// transient failure that should be retried.
type attemptResult struct {
	InvocationID string
	Status       store.Status
	Output       json.RawMessage
	Failure      *journal.Failure

	// Err is the transient failure for a Pending result.
	Err error

	// Awaiting lists the refs a Suspended handler is waiting on.
	Awaiting []int64

	// CancelDelivered reports that the cancellation has been handed to the
	// handler.
	CancelDelivered bool

	// Fatal marks a Failed result caused by the journal itself (mismatch or
	// quota) rather than by the handler.
	Fatal bool
}

// runAttempt executes one attempt of inv. It never changes invocation status;
// the result is applied by the loop.
func (rt *Runtime) runAttempt(ctx context.Context, h *attemptHandle, inv store.Invocation, r resolved) attemptResult {
	res := attemptResult{InvocationID: inv.ID}

	if err := rt.sem.Acquire(ctx, 1); err != nil {
		res.Status = store.StatusPending
		res.Err = err
		return res
	}
	defer rt.sem.Release(1)

	slog.Debug("attempt starting",
		"invocation_id", inv.ID,
		"target", r.target.String(),
		"attempt", inv.Attempts,
	)

	c := &invocationContext{
		Context:    ctx,
		rt:         rt,
		storeCtx:   rt.base,
		inv:        inv,
		target:     r,
		resolved:   make(map[int64]resolution),
		state:      make(map[string]json.RawMessage),
		cancelFlag: &h.cancelFlag,
	}

	out, sig, err := c.invoke(func() (json.RawMessage, error) {
		entries, err := rt.store.ReadJournal(c.storeCtx, inv.ID)
		if err != nil {
			c.abort(err)
		}
		c.journal = journal.New(entries, rt.maxJournal)
		c.rand = newRand(c)
		c.logger = slog.New(&replayHandler{
			inner:     slog.Default().Handler(),
			replaying: c.journal.Replaying,
		}).With("invocation_id", inv.ID, "target", r.target.String())

		c.loadNotifications()
		if inv.ServiceKind != store.KindService {
			snapshot, err := rt.store.StateSnapshot(c.storeCtx, inv.Service, inv.Key)
			if err != nil {
				c.abort(err)
			}
			c.state = snapshot
		}

		return r.handler.fn(c, inv.Request)
	})
	res.CancelDelivered = c.cancelDelivered

	switch s := sig.(type) {
	case suspendSignal:
		res.Status = store.StatusSuspended
		res.Awaiting = s.refs
		return res
	case abortSignal:
		err = s.err
	case panicSignal:
		err = fmt.Errorf("handler panicked: %v", s.value)
	case nil:
		// The handler returned. Whatever it returned, entries it did not
		// replay mean it took a different path than the recorded attempt.
		if ferr := c.journal.Finish(); ferr != nil {
			err = ferr
		}
	}

	fatal := false
	switch {
	case err == nil && c.taint == nil:
		canonical, cerr := ir.Canonicalize(out)
		if cerr != nil {
			res.Status = store.StatusFailed
			res.Failure = &journal.Failure{Code: CodeInternal, Message: fmt.Sprintf("encode output: %v", cerr)}
			break
		}
		res.Status = store.StatusCompleted
		res.Output = canonical
	case err == nil:
		res.Status = store.StatusPending
		res.Err = c.taint
	case journal.IsMismatch(err):
		fatal = true
		res.Status = store.StatusFailed
		res.Failure = &journal.Failure{Code: CodeJournalMismatch, Message: fmt.Sprintf("%s: %v", ErrCodeJournalMismatch, err)}
	case journal.IsLengthExceeded(err):
		fatal = true
		res.Status = store.StatusFailed
		res.Failure = &journal.Failure{Code: CodeJournalQuota, Message: fmt.Sprintf("%s: %v", ErrCodeJournalQuota, err)}
	case IsTerminal(err):
		res.Status = store.StatusFailed
		res.Failure = failureOf(err)
	default:
		res.Status = store.StatusPending
		res.Err = err
	}

	// A corrupt or oversized journal stays Failed even under cancellation.
	res.Fatal = fatal
	if c.cancelDelivered && res.Status != store.StatusCompleted && !fatal {
		res.Status = store.StatusCancelled
		res.Failure = failureOf(cancelledError())
	}
	return res
}

// panicSignal carries a panic raised by handler code.
type panicSignal struct {
	value any
}

// invoke runs fn, converting the control-flow panics used by Context, and
// any other panic, into a signal. sig is nil when fn returned normally.
func (c *invocationContext) invoke(fn func() (json.RawMessage, error)) (out json.RawMessage, sig any, err error) {
	defer func() {
		r := recover()
		switch r.(type) {
		case nil:
		case suspendSignal, abortSignal:
			sig = r
		default:
			sig = panicSignal{value: r}
		}
	}()
	out, err = fn()
	return out, nil, err
}
