package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durex/internal/journal"
)

func TestCreateAndReadInvocation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	inv := createTestInvocation("inv-1", "Counter", "alice", "add", 1)
	inv.Request = json.RawMessage(`{ "b": 1, "a": 2 }`)

	id, created, err := s.CreateInvocation(ctx, inv, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "inv-1", id)

	got, err := s.ReadInvocation(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "Counter", got.Service)
	assert.Equal(t, "alice", got.Key)
	assert.Equal(t, KindObject, got.ServiceKind)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, `{"a":2,"b":1}`, string(got.Request), "request stored canonically")
	assert.Equal(t, testNow, got.CreatedAt)
	assert.True(t, got.RunAfter.IsZero())
}

func TestReadInvocation_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.ReadInvocation(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateInvocation_IdempotencyClaim(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	claim := &IdempotencyClaim{Scope: "Greeter/greet", Key: "k1", RequestHash: "h1"}

	id, created, err := s.CreateInvocation(ctx, createTestInvocation("inv-1", "Greeter", "", "greet", 1), claim)
	require.NoError(t, err)
	require.True(t, created)

	id2, created, err := s.CreateInvocation(ctx, createTestInvocation("inv-2", "Greeter", "", "greet", 2), claim)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, id2, "second claim returns the first invocation")

	_, err = s.ReadInvocation(ctx, "inv-2")
	assert.ErrorIs(t, err, ErrNotFound, "no second invocation is created")

	conflict := &IdempotencyClaim{Scope: "Greeter/greet", Key: "k1", RequestHash: "other"}
	_, _, err = s.CreateInvocation(ctx, createTestInvocation("inv-3", "Greeter", "", "greet", 3), conflict)
	require.ErrorIs(t, err, ErrIdempotencyConflict)

	found, ok, err := s.LookupIdempotency(ctx, "Greeter/greet", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "inv-1", found)
}

func TestStatusTransitions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.CreateInvocation(ctx, createTestInvocation("inv-1", "Greeter", "", "greet", 1), nil)
	require.NoError(t, err)

	attempt, err := s.MarkRunning(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, attempt)

	require.NoError(t, s.MarkSuspended(ctx, "inv-1"))
	inv, err := s.ReadInvocation(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, inv.Status)

	retryAt := testNow.Add(200 * time.Millisecond)
	require.NoError(t, s.ScheduleRetry(ctx, "inv-1", retryAt, "boom"))
	inv, err = s.ReadInvocation(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, inv.Status)
	assert.Equal(t, retryAt, inv.RunAfter)
	assert.Equal(t, "boom", inv.LastError)

	attempt, err = s.MarkRunning(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)

	_, err = s.MarkRunning(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteInvocation_NotifiesCaller(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.CreateInvocation(ctx, createTestInvocation("parent", "Counter", "a", "add", 1), nil)
	require.NoError(t, err)

	child := createTestInvocation("child", "Greeter", "", "greet", 2)
	child.ParentID = "parent"
	child.ParentRef = 3
	_, _, err = s.CreateInvocation(ctx, child, nil)
	require.NoError(t, err)

	notified, err := s.CompleteInvocation(ctx, "child", StatusCompleted, []byte(`"hi"`), nil)
	require.NoError(t, err)
	assert.Equal(t, "parent", notified)

	notifications, err := s.ReadNotifications(ctx, "parent")
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, int64(3), notifications[0].Ref)
	assert.Equal(t, journal.KindCallResult, notifications[0].Kind)
	assert.JSONEq(t, `"hi"`, string(notifications[0].Payload))

	got, err := s.ReadInvocation(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, testNow, got.CompletedAt)

	_, err = s.CompleteInvocation(ctx, "child", StatusFailed, nil, &journal.Failure{Code: 500})
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestCompleteInvocation_OneWayHasNoCaller(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.CreateInvocation(ctx, createTestInvocation("parent", "Counter", "a", "add", 1), nil)
	require.NoError(t, err)
	child := createTestInvocation("child", "Greeter", "", "greet", 2)
	child.ParentID = "parent"
	_, _, err = s.CreateInvocation(ctx, child, nil)
	require.NoError(t, err)

	notified, err := s.CompleteInvocation(ctx, "child", StatusFailed, nil, &journal.Failure{Code: 400, Message: "bad"})
	require.NoError(t, err)
	assert.Empty(t, notified)

	got, err := s.ReadInvocation(ctx, "child")
	require.NoError(t, err)
	require.NotNil(t, got.Failure)
	assert.Equal(t, 400, got.Failure.Code)
}

func TestListInvocations(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"c", "a", "b"} {
		_, _, err := s.CreateInvocation(ctx, createTestInvocation(id, "Greeter", "", "greet", int64(i+1)), nil)
		require.NoError(t, err)
	}
	_, err := s.CompleteInvocation(ctx, "a", StatusCompleted, []byte(`1`), nil)
	require.NoError(t, err)

	all, err := s.ListInvocations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{all[0].ID, all[1].ID, all[2].ID}, "ordered by seq")

	pending, err := s.ListInvocations(ctx, StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	none, err := s.ListInvocations(ctx, StatusSuspended)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	seq, err := s.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}

func TestRequestCancel(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.CreateInvocation(ctx, createTestInvocation("inv-1", "Greeter", "", "greet", 1), nil)
	require.NoError(t, err)

	require.NoError(t, s.RequestCancel(ctx, "inv-1"))
	inv, err := s.ReadInvocation(ctx, "inv-1")
	require.NoError(t, err)
	assert.True(t, inv.CancelRequested)

	_, err = s.CompleteInvocation(ctx, "inv-1", StatusCancelled, nil, &journal.Failure{Code: 409, Message: "cancelled"})
	require.NoError(t, err)
	assert.ErrorIs(t, s.RequestCancel(ctx, "inv-1"), ErrAlreadyCompleted)
	assert.ErrorIs(t, s.RequestCancel(ctx, "missing"), ErrNotFound)
}

func TestPurgeInvocations(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	wf := createTestInvocation("wf-run", "Signup", "user-1", "run", 1)
	wf.ServiceKind = KindWorkflow
	_, _, err := s.CreateInvocation(ctx, wf, &IdempotencyClaim{Scope: "workflow:Signup/user-1", Key: "run"})
	require.NoError(t, err)

	_, err = s.AppendEntry(ctx, "wf-run", journal.Entry{Seq: 1, Kind: journal.KindSetState, Name: "status"}, Effects{
		State: &StateMutation{Service: "Signup", Key: "user-1", Op: StateSet, Name: "status", Value: json.RawMessage(`"done"`)},
	})
	require.NoError(t, err)
	_, _, err = s.CompletePromise(ctx, PromiseCompletion{PromiseKey: PromiseKey{"Signup", "user-1", "verified"}, Payload: json.RawMessage(`true`)})
	require.NoError(t, err)

	_, _, err = s.CreateInvocation(ctx, createTestInvocation("live", "Greeter", "", "greet", 2), nil)
	require.NoError(t, err)

	_, err = s.CompleteInvocation(ctx, "wf-run", StatusCompleted, []byte(`null`), nil)
	require.NoError(t, err)

	finished, err := s.ListFinished(ctx, testNow.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, finished, 1)

	n, err := s.PurgeInvocations(ctx, []string{"wf-run", "live", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only terminal invocations are purged")

	_, err = s.ReadInvocation(ctx, "wf-run")
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := s.ReadJournal(ctx, "wf-run")
	require.NoError(t, err)
	assert.Empty(t, entries, "journal cascades")

	_, ok, err := s.LookupIdempotency(ctx, "workflow:Signup/user-1", "run")
	require.NoError(t, err)
	assert.False(t, ok, "workflow id can be reused")

	snapshot, err := s.StateSnapshot(ctx, "Signup", "user-1")
	require.NoError(t, err)
	assert.Empty(t, snapshot)

	_, ok, err = s.ReadPromise(ctx, PromiseKey{"Signup", "user-1", "verified"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.ReadInvocation(ctx, "live")
	assert.NoError(t, err)
}
