package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/durex/internal/ir"
	"github.com/roach88/durex/internal/journal"
	"github.com/roach88/durex/internal/store"
)

// Client submits invocations to a runtime and observes their outcomes.
//
// Thread-safety: Client is safe for concurrent use.
type Client struct {
	rt *Runtime
}

// Client returns a client of rt.
func (rt *Runtime) Client() *Client {
	return &Client{rt: rt}
}

// Handle refers to a submitted invocation.
type Handle struct {
	InvocationID string
	client       *Client
}

// Await blocks until the invocation finishes.
func (h Handle) Await(ctx context.Context) (json.RawMessage, error) {
	return h.client.Attach(ctx, h.InvocationID)
}

// Cancel requests cancellation of the invocation.
func (h Handle) Cancel(ctx context.Context) error {
	return h.client.Cancel(ctx, h.InvocationID)
}

type callOptions struct {
	idempotencyKey string
	delay          time.Duration
}

// CallOption configures Call and Send.
type CallOption func(*callOptions)

// WithIdempotencyKey makes the request idempotent: requests to the same
// target with the same key produce one invocation.
func WithIdempotencyKey(key string) CallOption {
	return func(o *callOptions) {
		o.idempotencyKey = key
	}
}

// WithDelay delays the start of a sent invocation.
func WithDelay(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.delay = d
	}
}

// Call invokes target and waits for its result.
func (c *Client) Call(ctx context.Context, target Target, request any, opts ...CallOption) (json.RawMessage, error) {
	h, err := c.Send(ctx, target, request, opts...)
	if err != nil {
		return nil, err
	}
	return h.Await(ctx)
}

// Send submits an invocation of target without waiting for it.
//
// With an idempotency key, a repeated request returns the handle of the
// first invocation; the same key with a different request is rejected with
// an IDEMPOTENCY_CONFLICT error. Sending to a workflow's run handler for a
// key that already has a run attaches to that run.
func (c *Client) Send(ctx context.Context, target Target, request any, opts ...CallOption) (Handle, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	rt := c.rt
	r, err := rt.registry.Resolve(target)
	if err != nil {
		return Handle{}, err
	}
	req, err := ir.MarshalCanonical(request)
	if err != nil {
		return Handle{}, fmt.Errorf("send %s: %w", target, err)
	}

	var claim *store.IdempotencyClaim
	switch {
	case r.workflowRun():
		claim = workflowClaim(target)
	case o.idempotencyKey != "":
		hash, err := ir.RequestHash(target.String(), req)
		if err != nil {
			return Handle{}, fmt.Errorf("send %s: %w", target, err)
		}
		claim = &store.IdempotencyClaim{Scope: target.String(), Key: o.idempotencyKey, RequestHash: hash}
	}

	inv := rt.newInvocation(r, req)
	inv.IdempotencyKey = o.idempotencyKey
	if o.delay > 0 {
		inv.RunAfter = rt.wall.Now().Add(o.delay)
	}

	id, created, err := rt.store.CreateInvocation(ctx, inv, claim)
	if errors.Is(err, store.ErrIdempotencyConflict) {
		return Handle{}, &RuntimeError{
			Code:    ErrCodeIdempotencyConflict,
			Message: fmt.Sprintf("idempotency key %q was used with a different request", o.idempotencyKey),
			Details: map[string]string{"target": target.String()},
		}
	}
	if err != nil {
		return Handle{}, fmt.Errorf("send %s: %w", target, err)
	}
	if created {
		rt.submit(id)
	}
	return Handle{InvocationID: id, client: c}, nil
}

// Attach waits for the invocation's outcome. A failed invocation returns a
// TerminalError with its failure code; a cancelled one returns an error
// wrapping ErrCancelled.
func (c *Client) Attach(ctx context.Context, id string) (json.RawMessage, error) {
	reply := make(chan Outcome, 1)
	if !c.rt.enqueue(Event{Type: EventTypeAttach, InvocationID: id, Reply: reply}) {
		return nil, &RuntimeError{Code: ErrCodeStopped, Message: "runtime stopped", InvocationID: id}
	}
	select {
	case out := <-reply:
		return out.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AttachIdempotent waits for the invocation created by an idempotent request.
func (c *Client) AttachIdempotent(ctx context.Context, target Target, key string) (json.RawMessage, error) {
	scope, k := target.String(), key
	if r, err := c.rt.registry.Resolve(target); err == nil && r.workflowRun() {
		claim := workflowClaim(target)
		scope, k = claim.Scope, claim.Key
	}

	id, ok, err := c.rt.store.LookupIdempotency(ctx, scope, k)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &RuntimeError{
			Code:    ErrCodeNotFound,
			Message: fmt.Sprintf("no invocation for idempotency key %q", key),
			Details: map[string]string{"target": target.String()},
		}
	}
	return c.Attach(ctx, id)
}

// Output returns the outcome of a finished invocation without waiting.
// done is false while the invocation is still in progress.
func (c *Client) Output(ctx context.Context, id string) (out json.RawMessage, done bool, err error) {
	inv, err := c.rt.store.ReadInvocation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, &RuntimeError{Code: ErrCodeNotFound, Message: "no such invocation", InvocationID: id}
	}
	if err != nil {
		return nil, false, err
	}
	if !inv.Status.Terminal() {
		return nil, false, nil
	}
	out, err = outcomeOf(inv).Result()
	return out, true, err
}

// Cancel requests cancellation of an invocation and its outstanding
// request-response children.
func (c *Client) Cancel(ctx context.Context, id string) error {
	done := make(chan error, 1)
	if !c.rt.enqueue(Event{Type: EventTypeCancel, InvocationID: id, Done: done}) {
		return &RuntimeError{Code: ErrCodeStopped, Message: "runtime stopped", InvocationID: id}
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResolveAwakeable resolves the awakeable with value.
func (c *Client) ResolveAwakeable(ctx context.Context, id string, value any) error {
	payload, err := ir.MarshalCanonical(value)
	if err != nil {
		return fmt.Errorf("resolve awakeable: %w", err)
	}
	return c.completeAwakeable(ctx, id, payload, nil)
}

// RejectAwakeable rejects the awakeable; the awaiting handler receives a
// terminal error with reason.
func (c *Client) RejectAwakeable(ctx context.Context, id, reason string) error {
	return c.completeAwakeable(ctx, id, nil, &journal.Failure{Code: CodeInternal, Message: reason})
}

func (c *Client) completeAwakeable(ctx context.Context, id string, payload json.RawMessage, failure *journal.Failure) error {
	invID, seq, err := ParseAwakeableID(id)
	if err != nil {
		return &RuntimeError{Code: ErrCodeNotFound, Message: err.Error()}
	}

	e, err := c.rt.store.ReadEntry(ctx, invID, seq)
	if errors.Is(err, store.ErrNotFound) || (err == nil && e.Kind != journal.KindAwakeable) {
		return &RuntimeError{Code: ErrCodeNotFound, Message: fmt.Sprintf("no such awakeable %q", id)}
	}
	if err != nil {
		return err
	}
	inv, err := c.rt.store.ReadInvocation(ctx, invID)
	if err != nil {
		return err
	}
	if inv.Status.Terminal() {
		// Notifications are dropped when an invocation finishes.
		return &RuntimeError{Code: ErrCodeAlreadyCompleted, Message: fmt.Sprintf("awakeable %q already completed", id), InvocationID: invID}
	}

	inserted, err := c.rt.store.WriteNotification(ctx, store.Notification{
		InvocationID: invID,
		Ref:          seq,
		Kind:         journal.KindAwakeableResult,
		Payload:      payload,
		Failure:      failure,
	})
	if err != nil {
		return err
	}
	if !inserted {
		return &RuntimeError{Code: ErrCodeAlreadyCompleted, Message: fmt.Sprintf("awakeable %q already completed", id)}
	}
	c.rt.notify(invID)
	return nil
}

// ResolvePromise resolves a workflow promise. workflow addresses the
// workflow by service and key; its handler is ignored.
func (c *Client) ResolvePromise(ctx context.Context, workflow Target, name string, value any) error {
	payload, err := ir.MarshalCanonical(value)
	if err != nil {
		return fmt.Errorf("resolve promise: %w", err)
	}
	return c.completePromise(ctx, workflow, name, payload, nil)
}

// RejectPromise rejects a workflow promise.
func (c *Client) RejectPromise(ctx context.Context, workflow Target, name, reason string) error {
	return c.completePromise(ctx, workflow, name, nil, &journal.Failure{Code: CodeInternal, Message: reason})
}

func (c *Client) completePromise(ctx context.Context, workflow Target, name string, payload json.RawMessage, failure *journal.Failure) error {
	svc := c.rt.registry.services[workflow.Service]
	if svc == nil || svc.kind != store.KindWorkflow || workflow.Key == "" {
		return &RuntimeError{Code: ErrCodeUnknownTarget, Message: fmt.Sprintf("%s/%s is not a workflow", workflow.Service, workflow.Key)}
	}

	completed, notified, err := c.rt.store.CompletePromise(ctx, store.PromiseCompletion{
		PromiseKey: store.PromiseKey{Service: workflow.Service, Key: workflow.Key, Name: name},
		Payload:    payload,
		Failure:    failure,
	})
	if err != nil {
		return err
	}
	if !completed {
		return &RuntimeError{Code: ErrCodeAlreadyCompleted, Message: fmt.Sprintf("promise %q already completed", name)}
	}
	for _, id := range notified {
		c.rt.notify(id)
	}
	return nil
}
