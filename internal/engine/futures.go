package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/durex/internal/ir"
	"github.com/roach88/durex/internal/journal"
	"github.com/roach88/durex/internal/store"
)

// DurableFuture is the eventual result of a call, timer, awakeable or
// workflow promise. It is identified by the seq of the journal entry that
// created it, so it survives suspension and replay.
type DurableFuture struct {
	c    *invocationContext
	ref  int64
	kind journal.Kind
}

// Ref returns the seq of the entry that created the future.
func (f DurableFuture) Ref() int64 {
	return f.ref
}

// Await blocks the handler until the future resolves. If the resolution has
// not arrived the invocation suspends and Await returns on a later attempt.
func (f DurableFuture) Await() (json.RawMessage, error) {
	if f.c == nil {
		return nil, errors.New("await: zero DurableFuture")
	}
	return f.c.await(f)
}

// AwaitAs awaits f and decodes its value.
func AwaitAs[T any](f DurableFuture) (T, error) {
	raw, err := f.Await()
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeResult[T](raw)
}

type invocationRef struct {
	InvocationID string `json:"invocation_id"`
}

type timerPayload struct {
	WakeAt int64 `json:"wake_at"`
}

// AwakeableIDPrefix prefixes every awakeable id.
const AwakeableIDPrefix = "awk_"

func awakeableID(invocationID string, seq int64) string {
	return AwakeableIDPrefix + invocationID + "." + strconv.FormatInt(seq, 10)
}

// ParseAwakeableID splits an awakeable id into the owning invocation and the
// seq of its awakeable entry.
func ParseAwakeableID(id string) (invocationID string, seq int64, err error) {
	rest, ok := strings.CutPrefix(id, AwakeableIDPrefix)
	i := strings.LastIndex(rest, ".")
	if !ok || i <= 0 {
		return "", 0, fmt.Errorf("invalid awakeable id %q", id)
	}
	seq, err = strconv.ParseInt(rest[i+1:], 10, 64)
	if err != nil || seq < 1 {
		return "", 0, fmt.Errorf("invalid awakeable id %q", id)
	}
	return rest[:i], seq, nil
}

// futureFor returns the future created by e. A creator recorded with a
// failure is already rejected.
func (c *invocationContext) futureFor(e journal.Entry) DurableFuture {
	kind, _ := journal.ResolutionFor(e.Kind)
	if e.Failure != nil {
		c.resolved[e.Seq] = resolution{failure: e.Failure, seq: e.Seq}
	}
	return DurableFuture{c: c, ref: e.Seq, kind: kind}
}

func (c *invocationContext) resolve(e journal.Entry) {
	c.resolved[e.Ref] = resolution{payload: e.Payload, failure: e.Failure, seq: e.Seq}
}

func (c *invocationContext) await(f DurableFuture) (json.RawMessage, error) {
	c.checkUsable()
	if r, ok := c.resolved[f.ref]; ok {
		return r.result()
	}

	if e, ok := c.journal.Peek(); ok {
		if c.replayCancel() {
			return nil, cancelledError()
		}
		if e.Kind != f.kind || e.Ref != f.ref {
			c.abort(&journal.MismatchError{
				Seq:          e.Seq,
				ExpectedKind: e.Kind,
				ExpectedName: e.Name,
				ActualKind:   f.kind,
			})
		}
		c.journal.ReplayNext()
		c.resolve(e)
		return c.resolved[f.ref].result()
	}

	if c.deliverCancel() {
		return nil, cancelledError()
	}
	n, ok := c.notes[f.ref]
	if !ok {
		c.suspend(f.ref)
	}
	e := c.record(journal.Entry{Kind: n.Kind, Ref: f.ref, Payload: n.Payload, Failure: n.Failure}, store.Effects{})
	c.resolve(e)
	return c.resolved[f.ref].result()
}

func (c *invocationContext) Sleep(d time.Duration) error {
	_, err := c.After(d).Await()
	return err
}

func (c *invocationContext) After(d time.Duration) DurableFuture {
	if e, ok := c.expect(journal.KindSleep, ""); ok {
		return c.futureFor(e)
	}

	wake := c.rt.wall.Now().Add(d)
	payload, _ := json.Marshal(timerPayload{WakeAt: wake.UnixMilli()})
	e := c.record(journal.Entry{Kind: journal.KindSleep, Payload: payload}, store.Effects{Timer: &wake})
	c.rt.armTimer(c.inv.ID, e.Seq, wake)
	return c.futureFor(e)
}

func (c *invocationContext) rejectedFuture(kind journal.Kind, name string, f *journal.Failure) DurableFuture {
	return c.futureFor(c.record(journal.Entry{Kind: kind, Name: name, Failure: f}, store.Effects{}))
}

func (c *invocationContext) Call(target Target, request any) DurableFuture {
	name := target.String()
	if e, ok := c.expect(journal.KindCall, name); ok {
		return c.futureFor(e)
	}

	req, err := ir.MarshalCanonical(request)
	if err != nil {
		return c.rejectedFuture(journal.KindCall, name, &journal.Failure{Code: CodeBadRequest, Message: err.Error()})
	}
	r, err := c.rt.registry.Resolve(target)
	if err != nil {
		return c.rejectedFuture(journal.KindCall, name, &journal.Failure{Code: CodeNotFound, Message: err.Error()})
	}

	var claim *store.IdempotencyClaim
	if r.workflowRun() {
		claim = workflowClaim(target)
		if _, exists, err := c.rt.store.LookupIdempotency(c.storeCtx, claim.Scope, claim.Key); err != nil {
			c.abort(err)
		} else if exists {
			return c.rejectedFuture(journal.KindCall, name, &journal.Failure{
				Code:    CodeConflict,
				Message: fmt.Sprintf("workflow %s already started", target.Key),
			})
		}
	}

	deadlock, err := c.rt.wouldDeadlock(c.storeCtx, c.inv, r)
	if err != nil {
		c.abort(err)
	}
	if deadlock {
		slog.Warn("call would deadlock", "invocation_id", c.inv.ID, "target", name)
		return c.rejectedFuture(journal.KindCall, name, &journal.Failure{
			Code:    CodeDeadlock,
			Message: fmt.Sprintf("%s: call to %s waits on a key held by its own call chain", ErrCodeDeadlock, name),
		})
	}

	child := c.rt.newInvocation(r, req)
	child.ParentID = c.inv.ID
	child.ParentRef = c.journal.Next()

	payload, _ := json.Marshal(invocationRef{InvocationID: child.ID})
	e := c.record(journal.Entry{Kind: journal.KindCall, Name: name, Payload: payload}, store.Effects{Child: &child, ChildClaim: claim})
	c.rt.submit(child.ID)
	return c.futureFor(e)
}

func (c *invocationContext) Send(target Target, request any, delay time.Duration) (string, error) {
	name := target.String()
	if e, ok := c.expect(journal.KindSend, name); ok {
		if e.Failure != nil {
			return "", errorOf(e.Failure)
		}
		ref, err := decodeResult[invocationRef](e.Payload)
		return ref.InvocationID, err
	}

	rejected := func(code int, err error) (string, error) {
		f := &journal.Failure{Code: code, Message: err.Error()}
		c.record(journal.Entry{Kind: journal.KindSend, Name: name, Failure: f}, store.Effects{})
		return "", errorOf(f)
	}

	req, err := ir.MarshalCanonical(request)
	if err != nil {
		return rejected(CodeBadRequest, err)
	}
	r, err := c.rt.registry.Resolve(target)
	if err != nil {
		return rejected(CodeNotFound, err)
	}

	var claim *store.IdempotencyClaim
	if r.workflowRun() {
		claim = workflowClaim(target)
		existing, exists, err := c.rt.store.LookupIdempotency(c.storeCtx, claim.Scope, claim.Key)
		if err != nil {
			c.abort(err)
		}
		if exists {
			// Sending to a started workflow attaches to the existing run.
			payload, _ := json.Marshal(invocationRef{InvocationID: existing})
			c.record(journal.Entry{Kind: journal.KindSend, Name: name, Payload: payload}, store.Effects{})
			return existing, nil
		}
	}

	child := c.rt.newInvocation(r, req)
	child.ParentID = c.inv.ID
	if delay > 0 {
		child.RunAfter = c.rt.wall.Now().Add(delay)
	}

	payload, _ := json.Marshal(invocationRef{InvocationID: child.ID})
	c.record(journal.Entry{Kind: journal.KindSend, Name: name, Payload: payload}, store.Effects{Child: &child, ChildClaim: claim})
	c.rt.submit(child.ID)
	return child.ID, nil
}

func (c *invocationContext) Awakeable() (string, DurableFuture) {
	if e, ok := c.expect(journal.KindAwakeable, ""); ok {
		return awakeableID(c.inv.ID, e.Seq), c.futureFor(e)
	}
	e := c.record(journal.Entry{Kind: journal.KindAwakeable}, store.Effects{})
	return awakeableID(c.inv.ID, e.Seq), c.futureFor(e)
}

func (c *invocationContext) requireWorkflow(op string) {
	if c.inv.ServiceKind != store.KindWorkflow {
		c.abort(NewTerminalError(fmt.Errorf("%s is only available to workflows", op), CodeBadRequest))
	}
}

func (c *invocationContext) promiseKey(name string) store.PromiseKey {
	return store.PromiseKey{Service: c.inv.Service, Key: c.inv.Key, Name: name}
}

func (c *invocationContext) Promise(name string) DurableFuture {
	c.requireWorkflow("Promise")
	if e, ok := c.expect(journal.KindPromise, name); ok {
		return c.futureFor(e)
	}

	key := c.promiseKey(name)
	e := c.record(journal.Entry{Kind: journal.KindPromise, Name: name}, store.Effects{PromiseWaiter: &key})
	return c.futureFor(e)
}

func (c *invocationContext) PeekPromise(name string) (json.RawMessage, bool, error) {
	c.requireWorkflow("PeekPromise")
	if e, ok := c.expect(journal.KindPromisePeek, name); ok {
		if e.Failure != nil {
			return nil, true, errorOf(e.Failure)
		}
		p, err := decodeResult[presence](e.Payload)
		return p.Value, p.Present, err
	}

	p, ok, err := c.rt.store.ReadPromise(c.storeCtx, c.promiseKey(name))
	if err != nil {
		c.abort(err)
	}
	payload, _ := json.Marshal(presence{Present: ok, Value: p.Payload})
	c.record(journal.Entry{Kind: journal.KindPromisePeek, Name: name, Payload: payload, Failure: p.Failure}, store.Effects{})
	if p.Failure != nil {
		return nil, true, errorOf(p.Failure)
	}
	return p.Payload, ok, nil
}

func (c *invocationContext) ResolvePromise(name string, value any) error {
	payload, err := ir.MarshalCanonical(value)
	if err != nil {
		return NewTerminalError(fmt.Errorf("encode promise %s: %w", name, err), CodeBadRequest)
	}
	return c.completePromise(name, payload, nil)
}

func (c *invocationContext) RejectPromise(name, reason string) error {
	return c.completePromise(name, nil, &journal.Failure{Code: CodeInternal, Message: reason})
}

func (c *invocationContext) completePromise(name string, payload json.RawMessage, failure *journal.Failure) error {
	c.requireWorkflow("completing a promise")

	e, ok := c.expect(journal.KindPromiseComplete, name)
	if !ok {
		pc := store.PromiseCompletion{PromiseKey: c.promiseKey(name), Payload: payload, Failure: failure}
		e = c.record(journal.Entry{Kind: journal.KindPromiseComplete, Name: name}, store.Effects{PromiseCompletion: &pc})
	}

	res, err := decodeResult[store.PromiseCompletedPayload](e.Payload)
	if err != nil {
		return err
	}
	if !res.Completed {
		return terminalf(CodeConflict, ErrCodeAlreadyCompleted, c.inv.ID, "promise %q already completed", name)
	}
	return nil
}
