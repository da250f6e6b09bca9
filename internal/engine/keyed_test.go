package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durex/internal/archive"
	"github.com/roach88/durex/internal/journal"
	"github.com/roach88/durex/internal/store"
	"github.com/roach88/durex/internal/testutil"
)

// counter is a virtual object whose add handler reports overlapping
// executions on the same key.
func counter(inside *atomic.Int32, overlapped *atomic.Bool) *ServiceDefinition {
	return NewObject("Counter").
		Handler("add", Handler(func(ctx Context, delta int) (int, error) {
			if inside.Add(1) > 1 {
				overlapped.Store(true)
			}
			defer inside.Add(-1)

			n, _, err := GetAs[int](ctx, "count")
			if err != nil {
				return 0, err
			}
			if _, err := ctx.Run("work", func(context.Context) (any, error) {
				time.Sleep(2 * time.Millisecond)
				return nil, nil
			}); err != nil {
				return 0, err
			}
			if err := ctx.Set("count", n+delta); err != nil {
				return 0, err
			}
			return n + delta, nil
		})).
		Handler("get", Handler(func(ctx Context, _ json.RawMessage) (int, error) {
			n, _, err := GetAs[int](ctx, "count")
			return n, err
		}), Shared()).
		Handler("keys", Handler(func(ctx Context, _ json.RawMessage) ([]string, error) {
			return ctx.Keys()
		}), Shared()).
		Handler("reset", func(ctx Context, _ json.RawMessage) (json.RawMessage, error) {
			return nil, ctx.ClearAll()
		}).
		Handler("sneaky", func(ctx Context, _ json.RawMessage) (json.RawMessage, error) {
			return nil, ctx.Set("count", 100)
		}, Shared())
}

func TestObject_ExclusiveHandlersAreSerialized(t *testing.T) {
	var inside atomic.Int32
	var overlapped atomic.Bool
	env := newTestEnv(t, []*ServiceDefinition{counter(&inside, &overlapped)})

	var ids []string
	for range 5 {
		ids = append(ids, env.send(KeyedTarget("Counter", "a", "add"), 1))
	}

	seen := make(map[int]bool)
	for _, id := range ids {
		out, err := env.attach(id)
		require.NoError(t, err)
		var n int
		require.NoError(t, json.Unmarshal(out, &n))
		seen[n] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true, 4: true, 5: true}, seen)
	assert.False(t, overlapped.Load(), "exclusive handlers overlapped on one key")

	out, err := env.client.Call(env.ctx(), KeyedTarget("Counter", "a", "get"), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `5`, string(out))

	// Keys are independent.
	out, err = env.client.Call(env.ctx(), KeyedTarget("Counter", "b", "get"), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `0`, string(out))
}

func TestObject_StateLifecycle(t *testing.T) {
	var inside atomic.Int32
	var overlapped atomic.Bool
	env := newTestEnv(t, []*ServiceDefinition{counter(&inside, &overlapped)})

	_, err := env.client.Call(env.ctx(), KeyedTarget("Counter", "a", "add"), 3)
	require.NoError(t, err)

	out, err := env.client.Call(env.ctx(), KeyedTarget("Counter", "a", "keys"), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `["count"]`, string(out))

	_, err = env.client.Call(env.ctx(), KeyedTarget("Counter", "a", "reset"), nil)
	require.NoError(t, err)

	out, err = env.client.Call(env.ctx(), KeyedTarget("Counter", "a", "keys"), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(out))

	_, ok, err := env.store.GetState(context.Background(), "Counter", "a", "count")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestObject_SharedHandlerCannotWrite(t *testing.T) {
	var inside atomic.Int32
	var overlapped atomic.Bool
	env := newTestEnv(t, []*ServiceDefinition{counter(&inside, &overlapped)})

	_, err := env.client.Call(env.ctx(), KeyedTarget("Counter", "a", "sneaky"), nil)
	require.Error(t, err)
	assert.Equal(t, CodeBadRequest, ErrorCode(err))
	assert.Contains(t, err.Error(), string(ErrCodeStateReadOnly))
}

func TestService_HasNoState(t *testing.T) {
	svc := NewService("Stateless").
		Handler("peek", func(ctx Context, _ json.RawMessage) (json.RawMessage, error) {
			v, _, err := ctx.Get("x")
			return v, err
		})
	env := newTestEnv(t, []*ServiceDefinition{svc})

	_, err := env.client.Call(env.ctx(), ServiceTarget("Stateless", "peek"), nil)
	require.Error(t, err)
	assert.Equal(t, CodeBadRequest, ErrorCode(err))
	assert.Contains(t, err.Error(), string(ErrCodeNoState))
}

func TestObject_CallToOwnKeyIsDeadlock(t *testing.T) {
	locker := NewObject("Locker").
		Handler("outer", Handler(func(ctx Context, key string) (string, error) {
			return AwaitAs[string](ctx.Call(KeyedTarget("Locker", key, "inner"), nil))
		})).
		Handler("inner", Handler(func(ctx Context, _ json.RawMessage) (string, error) {
			return "inner:" + ctx.Key(), nil
		}), Shared())
	env := newTestEnv(t, []*ServiceDefinition{locker})

	_, err := env.client.Call(env.ctx(), KeyedTarget("Locker", "a", "outer"), "a")
	require.Error(t, err)
	assert.Equal(t, CodeDeadlock, ErrorCode(err))
	assert.Contains(t, err.Error(), string(ErrCodeDeadlock))

	out, err := env.client.Call(env.ctx(), KeyedTarget("Locker", "a", "outer"), "b")
	require.NoError(t, err)
	assert.JSONEq(t, `"inner:b"`, string(out))
}

func TestObject_SharedCallToOwnKeyPassesQueuedWriter(t *testing.T) {
	box := NewObject("Box").
		Handler("outer", Handler(func(ctx Context, _ json.RawMessage) (string, error) {
			_, f := ctx.Awakeable()
			if _, err := f.Await(); err != nil {
				return "", err
			}
			return AwaitAs[string](ctx.Call(KeyedTarget("Box", ctx.Key(), "inner"), nil))
		}), Shared()).
		Handler("inner", Handler(func(ctx Context, _ json.RawMessage) (string, error) {
			return "inner:" + ctx.Key(), nil
		}), Shared()).
		Handler("write", func(ctx Context, req json.RawMessage) (json.RawMessage, error) {
			return nil, ctx.Set("v", req)
		})
	env := newTestEnv(t, []*ServiceDefinition{box})

	outer := env.send(KeyedTarget("Box", "a", "outer"), nil)
	env.waitSuspendedAt(outer, 1)

	// The writer queues behind the shared holder.
	write := env.send(KeyedTarget("Box", "a", "write"), 1)
	assert.Equal(t, store.StatusPending, env.read(write).Status)

	require.NoError(t, env.client.ResolveAwakeable(env.ctx(), awakeableID(outer, 1), nil))

	out, err := env.attach(outer)
	require.NoError(t, err)
	assert.JSONEq(t, `"inner:a"`, string(out))

	_, err = env.attach(write)
	require.NoError(t, err)
	assert.Equal(t, []journal.Kind{journal.KindAwakeable, journal.KindAwakeableResult, journal.KindCall, journal.KindCallResult}, env.kinds(outer))
}

func approval() *ServiceDefinition {
	return NewWorkflow("Approval").
		Handler("run", Handler(func(ctx Context, _ json.RawMessage) (string, error) {
			v, err := AwaitAs[string](ctx.Promise("decision"))
			if err != nil {
				return "", err
			}
			return "approved:" + v, nil
		})).
		Handler("decide", func(ctx Context, req json.RawMessage) (json.RawMessage, error) {
			return nil, ctx.ResolvePromise("decision", req)
		}).
		Handler("peek", func(ctx Context, _ json.RawMessage) (json.RawMessage, error) {
			v, ok, err := ctx.PeekPromise("decision")
			if err != nil || !ok {
				return nil, err
			}
			return v, nil
		})
}

func TestWorkflow_PromiseResolvedByHandler(t *testing.T) {
	env := newTestEnv(t, []*ServiceDefinition{approval()})
	run := KeyedTarget("Approval", "w1", "run")

	id := env.send(run, nil)
	env.waitSuspendedAt(id, 1)

	// A second run for the same key attaches to the first.
	assert.Equal(t, id, env.send(run, nil))

	out, err := env.client.Call(env.ctx(), KeyedTarget("Approval", "w1", "peek"), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `null`, string(out))

	_, err = env.client.Call(env.ctx(), KeyedTarget("Approval", "w1", "decide"), "yes")
	require.NoError(t, err)

	out, err = env.attach(id)
	require.NoError(t, err)
	assert.JSONEq(t, `"approved:yes"`, string(out))
	assert.Equal(t, []journal.Kind{journal.KindPromise, journal.KindPromiseResult}, env.kinds(id))

	out, err = env.client.AttachIdempotent(env.ctx(), run, "")
	require.NoError(t, err)
	assert.JSONEq(t, `"approved:yes"`, string(out))

	// Promises complete once.
	err = env.client.ResolvePromise(env.ctx(), run, "decision", "no")
	assert.True(t, IsAlreadyCompleted(err))

	_, err = env.client.Call(env.ctx(), KeyedTarget("Approval", "w1", "decide"), "no")
	require.Error(t, err)
	assert.Equal(t, CodeConflict, ErrorCode(err))
}

func TestWorkflow_PromiseResolvedBeforeRun(t *testing.T) {
	env := newTestEnv(t, []*ServiceDefinition{approval()})
	run := KeyedTarget("Approval", "w2", "run")

	require.NoError(t, env.client.ResolvePromise(env.ctx(), run, "decision", "early"))

	out, err := env.client.Call(env.ctx(), run, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"approved:early"`, string(out))
}

func TestWorkflow_RejectedPromise(t *testing.T) {
	env := newTestEnv(t, []*ServiceDefinition{approval()})
	run := KeyedTarget("Approval", "w3", "run")

	id := env.send(run, nil)
	env.waitSuspendedAt(id, 1)
	require.NoError(t, env.client.RejectPromise(env.ctx(), run, "decision", "denied"))

	_, err := env.attach(id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")

	err = env.client.ResolvePromise(env.ctx(), ServiceTarget("Approval", "run"), "decision", 1)
	assert.True(t, IsUnknownTarget(err))
}

func TestRuntime_SweepArchivesAndPurges(t *testing.T) {
	clock := testutil.NewManualClock(testStart)
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "durex.db"), store.WithNow(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	arc, err := archive.Open(filepath.Join(dir, "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { arc.Close() })

	env := startTestEnv(t, st, []*ServiceDefinition{greeter()}, WithWallClock(clock), WithArchive(arc))
	id := env.send(ServiceTarget("Greeter", "greet"), greetRequest{Name: "Fay"})
	_, err = env.attach(id)
	require.NoError(t, err)

	n, err := env.rt.Sweep(env.ctx(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "too recent to purge")

	clock.Advance(2 * time.Hour)
	n, err = env.rt.Sweep(env.ctx(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.ReadInvocation(context.Background(), id)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	rec, ok, err := arc.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.StatusCompleted, rec.Invocation.Status)
	assert.JSONEq(t, `"You said hi to Fay!"`, string(rec.Invocation.Output))
}
