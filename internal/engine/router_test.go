package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/durex/internal/store"
)

func TestClassFor(t *testing.T) {
	assert.Equal(t, lockNone, classFor(store.KindService, false))
	assert.Equal(t, lockExclusive, classFor(store.KindObject, false))
	assert.Equal(t, lockShared, classFor(store.KindObject, true))
	assert.Equal(t, lockExclusive, classFor(store.KindWorkflow, false))
	assert.Equal(t, lockNone, classFor(store.KindWorkflow, true))
}

func TestRouter_ExclusiveSerializes(t *testing.T) {
	r := newRouter()

	assert.True(t, r.Acquire("a", "Counter/k", lockExclusive))
	assert.False(t, r.Acquire("b", "Counter/k", lockExclusive))
	assert.True(t, r.Holds("a", "Counter/k"))
	assert.False(t, r.Holds("b", "Counter/k"))

	granted := r.Release("a", "Counter/k")
	assert.Equal(t, []string{"b"}, granted)
	assert.True(t, r.Holds("b", "Counter/k"))

	assert.Empty(t, r.Release("b", "Counter/k"))
	assert.Empty(t, r.keys, "idle keys are dropped")
}

func TestRouter_DifferentKeysIndependent(t *testing.T) {
	r := newRouter()

	assert.True(t, r.Acquire("a", "Counter/k1", lockExclusive))
	assert.True(t, r.Acquire("b", "Counter/k2", lockExclusive))
}

func TestRouter_SharedRunTogether(t *testing.T) {
	r := newRouter()

	assert.True(t, r.Acquire("s1", "Counter/k", lockShared))
	assert.True(t, r.Acquire("s2", "Counter/k", lockShared))
	assert.False(t, r.Acquire("x", "Counter/k", lockExclusive), "exclusive waits for shared holders")

	assert.Empty(t, r.Release("s1", "Counter/k"))
	assert.Equal(t, []string{"x"}, r.Release("s2", "Counter/k"))
}

func TestRouter_FIFONoBarging(t *testing.T) {
	r := newRouter()

	assert.True(t, r.Acquire("s1", "Counter/k", lockShared))
	assert.False(t, r.Acquire("x", "Counter/k", lockExclusive))
	assert.False(t, r.Acquire("s2", "Counter/k", lockShared), "shared queues behind a waiting exclusive")
	assert.Equal(t, 2, r.Waiting("Counter/k"))

	assert.Equal(t, []string{"x"}, r.Release("s1", "Counter/k"))
	assert.Equal(t, []string{"s2"}, r.Release("x", "Counter/k"))
}

func TestRouter_ReleaseGrantsSharedBatch(t *testing.T) {
	r := newRouter()

	assert.True(t, r.Acquire("x", "Counter/k", lockExclusive))
	assert.False(t, r.Acquire("s1", "Counter/k", lockShared))
	assert.False(t, r.Acquire("s2", "Counter/k", lockShared))
	assert.False(t, r.Acquire("y", "Counter/k", lockExclusive))

	assert.Equal(t, []string{"s1", "s2"}, r.Release("x", "Counter/k"))
	assert.Empty(t, r.Release("s1", "Counter/k"))
	assert.Equal(t, []string{"y"}, r.Release("s2", "Counter/k"))
}

func TestRouter_ReleaseQueuedRequest(t *testing.T) {
	r := newRouter()

	assert.True(t, r.Acquire("x", "Counter/k", lockExclusive))
	assert.False(t, r.Acquire("y", "Counter/k", lockExclusive))
	assert.False(t, r.Acquire("z", "Counter/k", lockExclusive))

	assert.Empty(t, r.Release("y", "Counter/k"), "dropping a queued request grants nothing")
	assert.Equal(t, []string{"z"}, r.Release("x", "Counter/k"))
}

func TestRouter_NoneAlwaysGranted(t *testing.T) {
	r := newRouter()

	assert.True(t, r.Acquire("x", "Signup/u1", lockExclusive))
	assert.True(t, r.Acquire("v", "Signup/u1", lockNone))
	assert.False(t, r.Holds("v", "Signup/u1"))
}

func TestConflicts(t *testing.T) {
	assert.False(t, conflicts(lockShared, lockShared))
	assert.True(t, conflicts(lockShared, lockExclusive))
	assert.True(t, conflicts(lockExclusive, lockExclusive))
	assert.False(t, conflicts(lockNone, lockExclusive))
}

func TestRouter_AcquireNested(t *testing.T) {
	r := newRouter()

	assert.False(t, r.AcquireNested("s0", "Box/k"), "unknown key")

	assert.True(t, r.Acquire("outer", "Box/k", lockShared))
	assert.False(t, r.Acquire("w", "Box/k", lockExclusive))

	// A plain shared request queues behind the writer; a nested one does not.
	assert.False(t, r.Acquire("late", "Box/k", lockShared))
	assert.True(t, r.AcquireNested("inner", "Box/k"))
	assert.True(t, r.Holds("inner", "Box/k"))
	assert.Equal(t, 2, r.Waiting("Box/k"))

	assert.Empty(t, r.Release("inner", "Box/k"))
	assert.Equal(t, []string{"w"}, r.Release("outer", "Box/k"))

	assert.False(t, r.AcquireNested("again", "Box/k"), "held exclusively")
	assert.Equal(t, []string{"late"}, r.Release("w", "Box/k"))
}
