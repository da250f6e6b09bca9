package services

import (
	"encoding/json"

	"github.com/roach88/durex/internal/engine"
)

const counterKey = "count"

// Counter defines the "Counter" virtual object. Each key is an independent
// counter.
func Counter() *engine.ServiceDefinition {
	return engine.NewObject("Counter").
		Handler("add", engine.Handler(add)).
		Handler("get", engine.Handler(get), engine.Shared()).
		Handler("reset", engine.Handler(reset))
}

// add adds delta and returns the new value.
func add(ctx engine.Context, delta int64) (int64, error) {
	n, _, err := engine.GetAs[int64](ctx, counterKey)
	if err != nil {
		return 0, err
	}
	n += delta
	if err := ctx.Set(counterKey, n); err != nil {
		return 0, err
	}
	ctx.Log().Info("counter updated", "key", ctx.Key(), "value", n)
	return n, nil
}

func get(ctx engine.Context, _ json.RawMessage) (int64, error) {
	n, _, err := engine.GetAs[int64](ctx, counterKey)
	return n, err
}

func reset(ctx engine.Context, _ json.RawMessage) (json.RawMessage, error) {
	return nil, ctx.ClearAll()
}
