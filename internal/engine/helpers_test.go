package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/durex/internal/journal"
	"github.com/roach88/durex/internal/store"
	"github.com/roach88/durex/internal/testutil"
)

var testStart = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

const waitFor = 5 * time.Second

// testEnv is a runtime running in the background over a temp-dir store.
type testEnv struct {
	t      *testing.T
	store  *store.Store
	rt     *Runtime
	client *Client
	clock  *testutil.ManualClock
	cancel context.CancelFunc
	done   chan error
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "durex.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestEnv(t *testing.T, defs []*ServiceDefinition, opts ...RuntimeOption) *testEnv {
	t.Helper()
	return startTestEnv(t, openTestStore(t), defs, opts...)
}

func startTestEnv(t *testing.T, st *store.Store, defs []*ServiceDefinition, opts ...RuntimeOption) *testEnv {
	t.Helper()

	reg := NewRegistry()
	require.NoError(t, reg.Register(defs...))

	clock := testutil.NewManualClock(testStart)
	all := append([]RuntimeOption{
		WithWallClock(clock),
		WithIDGenerator(testutil.NewSequentialIDs("")),
	}, opts...)

	rt, err := New(st, reg, all...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	env := &testEnv{
		t:      t,
		store:  st,
		rt:     rt,
		client: rt.Client(),
		clock:  clock,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { env.done <- rt.Run(ctx) }()
	t.Cleanup(env.stop)
	return env
}

func (e *testEnv) stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.cancel = nil
	select {
	case err := <-e.done:
		require.NoError(e.t, err)
	case <-time.After(waitFor):
		e.t.Fatal("runtime did not stop")
	}
}

func (e *testEnv) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	e.t.Cleanup(cancel)
	return ctx
}

func (e *testEnv) send(target Target, request any, opts ...CallOption) string {
	e.t.Helper()
	h, err := e.client.Send(e.ctx(), target, request, opts...)
	require.NoError(e.t, err)
	return h.InvocationID
}

func (e *testEnv) attach(id string) (json.RawMessage, error) {
	return e.client.Attach(e.ctx(), id)
}

func (e *testEnv) read(id string) store.Invocation {
	e.t.Helper()
	inv, err := e.store.ReadInvocation(context.Background(), id)
	require.NoError(e.t, err)
	return inv
}

func (e *testEnv) waitStatus(id string, want store.Status) store.Invocation {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		inv, err := e.store.ReadInvocation(context.Background(), id)
		return err == nil && inv.Status == want
	}, waitFor, 2*time.Millisecond, "invocation %s never reached %s", id, want)
	return e.read(id)
}

// waitSuspendedAt waits until id is suspended with a journal of n entries.
func (e *testEnv) waitSuspendedAt(id string, n int) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		inv, err := e.store.ReadInvocation(context.Background(), id)
		if err != nil || inv.Status != store.StatusSuspended {
			return false
		}
		entries, err := e.store.ReadJournal(context.Background(), id)
		return err == nil && len(entries) == n
	}, waitFor, 2*time.Millisecond, "invocation %s never suspended with %d entries", id, n)
}

func (e *testEnv) journal(id string) []journal.Entry {
	e.t.Helper()
	entries, err := e.store.ReadJournal(context.Background(), id)
	require.NoError(e.t, err)
	return entries
}

func (e *testEnv) kinds(id string) []journal.Kind {
	entries := e.journal(id)
	kinds := make([]journal.Kind, len(entries))
	for i, en := range entries {
		kinds[i] = en.Kind
	}
	return kinds
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
