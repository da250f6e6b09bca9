package engine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/roach88/durex/internal/ir"
	"github.com/roach88/durex/internal/journal"
	"github.com/roach88/durex/internal/store"
)

// stateAccess checks that the handler may touch keyed state. The returned
// error is terminal: a handler's kind does not change between attempts.
func (c *invocationContext) stateAccess(write bool) error {
	c.checkUsable()
	switch {
	case c.inv.ServiceKind == store.KindService:
		return terminalf(CodeBadRequest, ErrCodeNoState, c.inv.ID, "service %s has no state", c.inv.Service)
	case write && c.inv.Shared:
		return terminalf(CodeBadRequest, ErrCodeStateReadOnly, c.inv.ID, "shared handler %s/%s cannot write state", c.inv.Service, c.inv.Handler)
	}
	return nil
}

func (c *invocationContext) mutation(op store.StateOp, name string, value json.RawMessage) *store.StateMutation {
	return &store.StateMutation{Service: c.inv.Service, Key: c.inv.Key, Op: op, Name: name, Value: value}
}

func (c *invocationContext) Get(key string) (json.RawMessage, bool, error) {
	if err := c.stateAccess(false); err != nil {
		return nil, false, err
	}
	if e, ok := c.expect(journal.KindGetState, key); ok {
		p, err := decodeResult[presence](e.Payload)
		return p.Value, p.Present, err
	}

	v, ok := c.state[key]
	payload, _ := json.Marshal(presence{Present: ok, Value: v})
	c.record(journal.Entry{Kind: journal.KindGetState, Name: key, Payload: payload}, store.Effects{})
	return v, ok, nil
}

func (c *invocationContext) Set(key string, value any) error {
	if err := c.stateAccess(true); err != nil {
		return err
	}
	v, err := ir.MarshalCanonical(value)
	if err != nil {
		return NewTerminalError(fmt.Errorf("encode state %s: %w", key, err), CodeBadRequest)
	}

	if _, ok := c.expect(journal.KindSetState, key); !ok {
		c.record(journal.Entry{Kind: journal.KindSetState, Name: key, Payload: v},
			store.Effects{State: c.mutation(store.StateSet, key, v)})
	}
	c.state[key] = v
	return nil
}

func (c *invocationContext) Clear(key string) error {
	if err := c.stateAccess(true); err != nil {
		return err
	}
	if _, ok := c.expect(journal.KindClearState, key); !ok {
		c.record(journal.Entry{Kind: journal.KindClearState, Name: key},
			store.Effects{State: c.mutation(store.StateClear, key, nil)})
	}
	delete(c.state, key)
	return nil
}

func (c *invocationContext) ClearAll() error {
	if err := c.stateAccess(true); err != nil {
		return err
	}
	if _, ok := c.expect(journal.KindClearAllState, ""); !ok {
		c.record(journal.Entry{Kind: journal.KindClearAllState},
			store.Effects{State: c.mutation(store.StateClearAll, "", nil)})
	}
	clear(c.state)
	return nil
}

func (c *invocationContext) Keys() ([]string, error) {
	if err := c.stateAccess(false); err != nil {
		return nil, err
	}
	if e, ok := c.expect(journal.KindStateKeys, ""); ok {
		return decodeResult[[]string](e.Payload)
	}

	keys := make([]string, 0, len(c.state))
	for k := range c.state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload, _ := json.Marshal(keys)
	c.record(journal.Entry{Kind: journal.KindStateKeys, Payload: payload}, store.Effects{})
	return keys, nil
}
