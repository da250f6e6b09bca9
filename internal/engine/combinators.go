package engine

import (
	"encoding/json"
	"errors"
	"slices"
	"sort"

	"go.uber.org/multierr"

	"github.com/roach88/durex/internal/journal"
	"github.com/roach88/durex/internal/store"
)

const (
	combinatorAll = "all"
	combinatorAny = "any"
)

func (c *invocationContext) All(futures ...DurableFuture) ([]json.RawMessage, error) {
	if len(futures) == 0 {
		return []json.RawMessage{}, nil
	}

	members := c.members(futures)
	order, err := c.combine(combinatorAll, members, func(order []int64) bool {
		for _, ref := range order {
			if c.resolved[ref].failure != nil {
				return true
			}
		}
		return len(order) == len(members)
	})
	if err != nil {
		return nil, err
	}

	for _, ref := range order {
		if f := c.resolved[ref].failure; f != nil {
			return nil, errorOf(f)
		}
	}

	results := make([]json.RawMessage, len(futures))
	for i, f := range futures {
		results[i] = c.resolved[f.ref].payload
	}
	return results, nil
}

func (c *invocationContext) Any(futures ...DurableFuture) (int, json.RawMessage, error) {
	if len(futures) == 0 {
		return -1, nil, NewTerminalError(errors.New("Any of no futures"), CodeBadRequest)
	}

	members := c.members(futures)
	order, err := c.combine(combinatorAny, members, func(order []int64) bool {
		for _, ref := range order {
			if c.resolved[ref].failure == nil {
				return true
			}
		}
		return len(order) == len(members)
	})
	if err != nil {
		return -1, nil, err
	}

	var (
		errs error
		code int
	)
	for _, ref := range order {
		r := c.resolved[ref]
		if r.failure != nil {
			if errs == nil {
				code = r.failure.Code
			}
			errs = multierr.Append(errs, errors.New(r.failure.Message))
			continue
		}
		for i, f := range futures {
			if f.ref == ref {
				return i, r.payload, nil
			}
		}
	}
	// Every future rejected. The failure carries each message, in the order
	// they were observed, under the first rejection's code.
	return -1, nil, NewTerminalError(errs, code)
}

// members maps each distinct future to its resolution kind.
func (c *invocationContext) members(futures []DurableFuture) map[int64]journal.Kind {
	c.checkUsable()
	m := make(map[int64]journal.Kind, len(futures))
	for _, f := range futures {
		if f.c != c {
			c.abort(NewTerminalError(errors.New("combinator: future belongs to another invocation"), CodeInternal))
		}
		m[f.ref] = f.kind
	}
	return m
}

// combine observes resolutions of members until decided reports the outcome
// is known, and returns the order they were observed in.
//
// Futures resolved before the combinator come first, in the order they
// resolved. Further resolutions are taken from the journal while replaying
// and from notifications, in arrival order, once live. The order is
// journaled so replay reaches the same decision.
func (c *invocationContext) combine(name string, members map[int64]journal.Kind, decided func([]int64) bool) ([]int64, error) {
	var order []int64
	done := false
	observe := func(ref int64) {
		order = append(order, ref)
		done = decided(order)
	}

	var pre []int64
	for ref := range members {
		if _, ok := c.resolved[ref]; ok {
			pre = append(pre, ref)
		}
	}
	sort.Slice(pre, func(i, j int) bool {
		return c.resolved[pre[i]].seq < c.resolved[pre[j]].seq
	})
	for _, ref := range pre {
		if done {
			break
		}
		observe(ref)
	}

	for c.journal.Replaying() {
		e, _ := c.journal.Peek()
		switch {
		case e.Kind == journal.KindCombinator && e.Name == name:
			c.journal.ReplayNext()
			recorded, err := decodeResult[journal.CombinatorPayload](e.Payload)
			if err != nil {
				c.abort(err)
			}
			if !done || !slices.Equal(recorded.Order, order) {
				c.abort(&journal.MismatchError{Seq: e.Seq, ExpectedKind: e.Kind, ExpectedName: e.Name, ActualKind: journal.KindCombinator, ActualName: name})
			}
			return order, nil

		case c.replayCancel():
			return nil, cancelledError()

		case !done && members[e.Ref] == e.Kind && e.Kind.IsResolution() && !c.isResolved(e.Ref):
			c.journal.ReplayNext()
			c.resolve(e)
			observe(e.Ref)

		default:
			c.abort(&journal.MismatchError{Seq: e.Seq, ExpectedKind: e.Kind, ExpectedName: e.Name, ActualKind: journal.KindCombinator, ActualName: name})
		}
	}

	if !done {
		if c.deliverCancel() {
			return nil, cancelledError()
		}
		for _, n := range c.arrival {
			if _, ok := members[n.Ref]; !ok || c.isResolved(n.Ref) {
				continue
			}
			e := c.record(journal.Entry{Kind: n.Kind, Ref: n.Ref, Payload: n.Payload, Failure: n.Failure}, store.Effects{})
			c.resolve(e)
			observe(n.Ref)
			if done {
				break
			}
		}
	}

	if !done {
		var pending []int64
		for ref := range members {
			if !c.isResolved(ref) {
				pending = append(pending, ref)
			}
		}
		slices.Sort(pending)
		c.suspend(pending...)
	}

	payload, _ := json.Marshal(journal.CombinatorPayload{Order: order})
	c.record(journal.Entry{Kind: journal.KindCombinator, Name: name, Payload: payload}, store.Effects{})
	return order, nil
}

func (c *invocationContext) isResolved(ref int64) bool {
	_, ok := c.resolved[ref]
	return ok
}
