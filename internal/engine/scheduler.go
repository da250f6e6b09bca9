package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/durex/internal/journal"
	"github.com/roach88/durex/internal/store"
)

// Outcome is the result of a finished invocation as seen by clients.
type Outcome struct {
	InvocationID string
	Status       store.Status
	Output       json.RawMessage
	Failure      *journal.Failure

	// Err is set when no outcome could be produced (unknown invocation,
	// runtime stopped).
	Err error
}

// Result converts the outcome into the value/error pair a caller expects:
// the output, a TerminalError for a failure, or a cancellation error.
func (o Outcome) Result() (json.RawMessage, error) {
	switch {
	case o.Err != nil:
		return nil, o.Err
	case o.Status == store.StatusCompleted:
		return o.Output, nil
	case o.Status == store.StatusCancelled:
		return nil, cancelledError()
	default:
		return nil, errorOf(o.Failure)
	}
}

func outcomeOf(inv store.Invocation) Outcome {
	return Outcome{
		InvocationID: inv.ID,
		Status:       inv.Status,
		Output:       inv.Output,
		Failure:      inv.Failure,
	}
}

// newInvocation builds a pending invocation of r. The caller fills in the
// parent linkage and run_after.
func (rt *Runtime) newInvocation(r resolved, request json.RawMessage) store.Invocation {
	return store.Invocation{
		ID:          rt.ids.Generate(),
		Service:     r.target.Service,
		Key:         r.target.Key,
		Handler:     r.target.Handler,
		ServiceKind: r.service.kind,
		Shared:      r.handler.shared,
		Request:     request,
		Status:      store.StatusPending,
		Seq:         rt.clock.Next(),
	}
}

// workflowClaim is the claim that makes a workflow run unique per key.
func workflowClaim(t Target) *store.IdempotencyClaim {
	return &store.IdempotencyClaim{
		Scope: "workflow:" + t.Service + "/" + t.Key,
		Key:   WorkflowRunHandler,
	}
}

func targetOf(inv store.Invocation) Target {
	return Target{Service: inv.Service, Key: inv.Key, Handler: inv.Handler}
}

func (rt *Runtime) handleSubmit(ctx context.Context, id string) error {
	if rt.active[id] != nil {
		return nil
	}
	inv, err := rt.store.ReadInvocation(ctx, id)
	if err != nil {
		return fmt.Errorf("submit %s: %w", id, err)
	}
	return rt.admitInvocation(ctx, inv)
}

// admitInvocation starts tracking a non-terminal invocation read from the
// store and moves it towards its next attempt.
func (rt *Runtime) admitInvocation(ctx context.Context, inv store.Invocation) error {
	if rt.active[inv.ID] != nil {
		return nil
	}
	if inv.Status.Terminal() {
		rt.deliver(inv)
		return nil
	}

	r, err := rt.registry.Resolve(targetOf(inv))
	if err != nil {
		notified, cerr := rt.store.CompleteInvocation(ctx, inv.ID, store.StatusFailed, nil,
			&journal.Failure{Code: CodeNotFound, Message: err.Error()})
		if cerr != nil {
			return fmt.Errorf("fail %s: %w", inv.ID, cerr)
		}
		return rt.afterComplete(ctx, inv.ID, notified)
	}

	a := &activeInvocation{
		inv:             inv,
		target:          r,
		status:          inv.Status,
		class:           r.lockClass(),
		cancelRequested: inv.CancelRequested,
	}
	if a.class != lockNone {
		a.lock = lockKey(inv.Service, inv.Key)
	}
	rt.active[inv.ID] = a

	slog.Debug("invocation admitted",
		"invocation_id", inv.ID,
		"target", r.target.String(),
		"status", inv.Status,
	)

	if inv.Status != store.StatusPending {
		// Interrupted by a restart: resume as soon as the key allows.
		rt.admit(ctx, a)
		return nil
	}
	if a.cancelRequested {
		return rt.finish(ctx, a, store.StatusCancelled, nil, failureOf(cancelledError()))
	}
	rt.schedule(ctx, a)
	return nil
}

// schedule waits out run_after, then admits a pending invocation.
func (rt *Runtime) schedule(ctx context.Context, a *activeInvocation) {
	// An invocation that already ran holds its key through its backoff.
	if a.inv.Attempts > 0 && a.lock != "" && !a.holding && !a.queued {
		if rt.acquire(a) {
			a.holding = true
		} else {
			a.queued = true
		}
	}

	if a.inv.RunAfter.After(rt.wall.Now()) {
		rt.after(a.inv.ID, a.inv.RunAfter)
		return
	}
	rt.admit(ctx, a)
}

// admit starts an attempt once a holds its key lock.
func (rt *Runtime) admit(ctx context.Context, a *activeInvocation) {
	switch {
	case a.lock == "" || a.holding:
		rt.start(ctx, a)
	case a.queued:
	case rt.acquire(a):
		a.holding = true
		rt.start(ctx, a)
	default:
		a.queued = true
		slog.Debug("invocation waiting for key", "invocation_id", a.inv.ID, "key", a.lock)
	}
}

// acquire requests a's key lock. A shared request whose request-response
// caller chain already holds the key is granted at once; any other request
// joins the FIFO queue when it cannot be granted.
func (rt *Runtime) acquire(a *activeInvocation) bool {
	if a.class == lockShared && rt.chainHolds(a) && rt.router.AcquireNested(a.inv.ID, a.lock) {
		return true
	}
	return rt.router.Acquire(a.inv.ID, a.lock, a.class)
}

// chainHolds reports whether a caller up a's request-response chain holds
// a's key. Callers blocked on a call are always active.
func (rt *Runtime) chainHolds(a *activeInvocation) bool {
	seen := map[string]bool{a.inv.ID: true}
	cur := a.inv
	for cur.ParentID != "" && cur.ParentRef != 0 && !seen[cur.ParentID] {
		seen[cur.ParentID] = true
		parent := rt.active[cur.ParentID]
		if parent == nil {
			return false
		}
		if rt.router.Holds(parent.inv.ID, a.lock) {
			return true
		}
		cur = parent.inv
	}
	return false
}

// granted is called when a queued invocation acquires its key.
func (rt *Runtime) granted(ctx context.Context, a *activeInvocation) {
	a.holding = true
	a.queued = false
	if a.status == store.StatusPending && a.inv.RunAfter.After(rt.wall.Now()) {
		// Its Due event starts it.
		return
	}
	rt.start(ctx, a)
}

// start launches an attempt of a.
func (rt *Runtime) start(ctx context.Context, a *activeInvocation) {
	attempt, err := rt.store.MarkRunning(ctx, a.inv.ID)
	if err != nil {
		slog.Error("mark running failed", "invocation_id", a.inv.ID, "error", err)
		a.status = store.StatusPending
		a.inv.RunAfter = rt.wall.Now().Add(rt.policy.Delay(a.failures + 1))
		rt.after(a.inv.ID, a.inv.RunAfter)
		return
	}

	a.inv.Attempts = attempt
	a.inv.Status = store.StatusRunning
	a.inv.CancelRequested = a.cancelRequested
	a.status = store.StatusRunning
	a.awaiting = nil

	runCtx, cancel := context.WithCancel(rt.base)
	h := &attemptHandle{cancel: cancel}
	if a.cancelRequested {
		h.cancelFlag.Store(true)
	}
	a.attempt = h

	inv, r := a.inv, a.target
	rt.workers.Add(1)
	go func() {
		defer rt.workers.Done()
		res := rt.runAttempt(runCtx, h, inv, r)
		rt.enqueue(Event{Type: EventTypeAttemptDone, InvocationID: inv.ID, Result: &res})
	}()
}

func (rt *Runtime) handleAttemptDone(ctx context.Context, res *attemptResult) error {
	a := rt.active[res.InvocationID]
	if a == nil || a.attempt == nil {
		return fmt.Errorf("attempt result for inactive invocation %s", res.InvocationID)
	}
	a.attempt.cancel()
	a.attempt = nil

	switch res.Status {
	case store.StatusCompleted:
		return rt.finish(ctx, a, store.StatusCompleted, res.Output, nil)

	case store.StatusCancelled:
		return rt.finish(ctx, a, store.StatusCancelled, nil, res.Failure)

	case store.StatusFailed:
		if a.cancelRequested && !res.Fatal {
			return rt.finish(ctx, a, store.StatusCancelled, nil, failureOf(cancelledError()))
		}
		slog.Warn("invocation failed", "invocation_id", a.inv.ID, "code", res.Failure.Code, "message", res.Failure.Message)
		return rt.finish(ctx, a, store.StatusFailed, nil, res.Failure)

	case store.StatusSuspended:
		a.failures = 0
		if err := rt.store.MarkSuspended(ctx, a.inv.ID); err != nil {
			return err
		}
		a.status = store.StatusSuspended
		a.awaiting = res.Awaiting

		if a.cancelRequested && !res.CancelDelivered {
			rt.start(ctx, a)
			return nil
		}
		ready, err := rt.store.HasNotification(ctx, a.inv.ID, res.Awaiting)
		if err != nil {
			return err
		}
		if ready {
			rt.start(ctx, a)
			return nil
		}
		slog.Debug("invocation suspended", "invocation_id", a.inv.ID, "awaiting", res.Awaiting)
		return nil

	default:
		return rt.retry(ctx, a, res.Err)
	}
}

// retry handles a transient failure.
func (rt *Runtime) retry(ctx context.Context, a *activeInvocation, cause error) error {
	if cause == nil {
		cause = errors.New("attempt failed")
	}
	if a.cancelRequested {
		return rt.finish(ctx, a, store.StatusCancelled, nil, failureOf(cancelledError()))
	}
	if ctx.Err() != nil {
		// Interrupted by shutdown; recovered on the next start.
		return nil
	}

	a.failures++
	if rt.policy.Exhausted(a.failures) {
		return rt.finish(ctx, a, store.StatusFailed, nil, &journal.Failure{
			Code:    CodeInternal,
			Message: fmt.Sprintf("retries exhausted after %d attempts: %v", a.failures, cause),
		})
	}

	runAfter := rt.policy.NextRetry(rt.wall.Now(), a.failures, cause)
	if err := rt.store.ScheduleRetry(ctx, a.inv.ID, runAfter, cause.Error()); err != nil {
		return err
	}
	a.status = store.StatusPending
	a.inv.Status = store.StatusPending
	a.inv.RunAfter = runAfter

	slog.Warn("attempt failed, retrying",
		"invocation_id", a.inv.ID,
		"failures", a.failures,
		"retry_at", runAfter,
		"error", cause,
	)
	rt.after(a.inv.ID, runAfter)
	return nil
}

// finish completes a, releases its key and tells everyone waiting.
func (rt *Runtime) finish(ctx context.Context, a *activeInvocation, status store.Status, output json.RawMessage, failure *journal.Failure) error {
	notified, err := rt.store.CompleteInvocation(ctx, a.inv.ID, status, output, failure)
	if err != nil && !errors.Is(err, store.ErrAlreadyCompleted) {
		return err
	}
	if a.attempt != nil {
		a.attempt.cancel()
	}

	delete(rt.active, a.inv.ID)
	if a.lock != "" {
		for _, id := range rt.router.Release(a.inv.ID, a.lock) {
			if next := rt.active[id]; next != nil {
				rt.granted(ctx, next)
			}
		}
	}

	slog.Info("invocation finished",
		"invocation_id", a.inv.ID,
		"target", a.target.target.String(),
		"status", status,
	)
	return rt.afterComplete(ctx, a.inv.ID, notified)
}

// afterComplete delivers a stored outcome to waiters and wakes the caller.
func (rt *Runtime) afterComplete(ctx context.Context, id, notified string) error {
	inv, err := rt.store.ReadInvocation(ctx, id)
	if err != nil {
		return err
	}
	rt.deliver(inv)
	if notified != "" {
		return rt.handleNotify(ctx, notified)
	}
	return nil
}

func (rt *Runtime) deliver(inv store.Invocation) {
	out := outcomeOf(inv)
	for _, ch := range rt.waiters[inv.ID] {
		ch <- out
	}
	delete(rt.waiters, inv.ID)
}

func (rt *Runtime) handleNotify(ctx context.Context, id string) error {
	a := rt.active[id]
	if a == nil || a.status != store.StatusSuspended || a.attempt != nil {
		// A running attempt checks for notifications when it suspends.
		return nil
	}
	if a.lock != "" && !a.holding {
		return nil
	}
	rt.start(ctx, a)
	return nil
}

func (rt *Runtime) handleDue(ctx context.Context, id string) error {
	a := rt.active[id]
	if a == nil || a.status != store.StatusPending || a.attempt != nil {
		return nil
	}
	if a.inv.RunAfter.After(rt.wall.Now()) {
		// Stale: a later retry rescheduled it.
		return nil
	}
	rt.admit(ctx, a)
	return nil
}

func (rt *Runtime) handleAttach(ctx context.Context, id string, reply chan Outcome) error {
	if rt.active[id] != nil {
		rt.waiters[id] = append(rt.waiters[id], reply)
		return nil
	}

	inv, err := rt.store.ReadInvocation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		reply <- Outcome{InvocationID: id, Err: &RuntimeError{Code: ErrCodeNotFound, Message: "no such invocation", InvocationID: id}}
		return nil
	}
	if err != nil {
		reply <- Outcome{InvocationID: id, Err: err}
		return err
	}
	if inv.Status.Terminal() {
		reply <- outcomeOf(inv)
		return nil
	}

	// Created but not yet submitted.
	rt.waiters[id] = append(rt.waiters[id], reply)
	return nil
}

// cancel requests cancellation of id and of its outstanding request-response
// children.
func (rt *Runtime) cancel(ctx context.Context, id string) error {
	if err := rt.store.RequestCancel(ctx, id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return &RuntimeError{Code: ErrCodeNotFound, Message: "no such invocation", InvocationID: id}
		case errors.Is(err, store.ErrAlreadyCompleted):
			return &RuntimeError{Code: ErrCodeAlreadyCompleted, Message: "invocation already finished", InvocationID: id}
		default:
			return err
		}
	}
	slog.Info("cancellation requested", "invocation_id", id)

	children, err := rt.store.ListChildren(ctx, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.ParentRef == 0 || child.Status.Terminal() {
			continue
		}
		if err := rt.cancel(ctx, child.ID); err != nil && !IsAlreadyCompleted(err) {
			slog.Error("cancel child failed", "invocation_id", child.ID, "parent_id", id, "error", err)
		}
	}

	a := rt.active[id]
	if a == nil {
		// Not submitted yet: admitInvocation sees the flag.
		return nil
	}
	a.cancelRequested = true

	switch {
	case a.attempt != nil:
		a.attempt.cancelFlag.Store(true)
		a.attempt.cancel()
	case a.status == store.StatusSuspended && (a.lock == "" || a.holding):
		rt.start(ctx, a)
	default:
		return rt.finish(ctx, a, store.StatusCancelled, nil, failureOf(cancelledError()))
	}
	return nil
}

// sweepLoop runs Sweep every sweep interval.
func (rt *Runtime) sweepLoop(ctx context.Context) error {
	for {
		if err := rt.wall.SleepUntil(ctx, rt.wall.Now().Add(rt.sweepInterval)); err != nil {
			return err
		}
		n, err := rt.Sweep(ctx, rt.retention)
		if err != nil {
			slog.Error("retention sweep failed", "error", err)
		}
		if n > 0 {
			slog.Info("purged finished invocations", "count", n)
		}
	}
}
