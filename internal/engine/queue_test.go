package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_PopsInPushOrder(t *testing.T) {
	q := newEventQueue()
	_, ok := q.pop()
	assert.False(t, ok, "empty queue")

	for _, e := range []Event{
		{Type: EventTypeSubmit, InvocationID: "a"},
		{Type: EventTypeNotify, InvocationID: "b"},
		{Type: EventTypeArmTimer, InvocationID: "c", Ref: 3},
	} {
		require.True(t, q.push(e))
	}
	assert.Equal(t, 3, q.size())

	var got []string
	for {
		e, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, fmt.Sprintf("%s:%s", e.Type, e.InvocationID))
	}
	assert.Equal(t, []string{"submit:a", "notify:b", "arm_timer:c"}, got)
	assert.Equal(t, 0, q.size())
}

func TestEventQueue_ReadyCoalescesPushes(t *testing.T) {
	q := newEventQueue()
	q.push(Event{Type: EventTypeDue, InvocationID: "x"})
	q.push(Event{Type: EventTypeDue, InvocationID: "y"})

	select {
	case <-q.ready():
	case <-time.After(time.Second):
		t.Fatal("ready was not signalled")
	}
	select {
	case <-q.ready():
		t.Fatal("two pushes should leave a single wake-up")
	default:
	}
	assert.Equal(t, 2, q.size(), "both events stay queued")
}

func TestEventQueue_ReadyWakesBlockedLoop(t *testing.T) {
	q := newEventQueue()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.push(Event{Type: EventTypeAttemptDone, InvocationID: "late"})
	}()

	select {
	case <-q.ready():
	case <-time.After(time.Second):
		t.Fatal("ready was not signalled")
	}
	e, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "late", e.InvocationID)
}

func TestEventQueue_DrainReturnsPendingAndRejectsPushes(t *testing.T) {
	q := newEventQueue()
	reply := make(chan Outcome, 1)
	q.push(Event{Type: EventTypeAttach, InvocationID: "waiting", Reply: reply})

	rest := q.drain()
	require.Len(t, rest, 1)
	assert.Equal(t, "waiting", rest[0].InvocationID)
	assert.NotNil(t, rest[0].Reply)

	assert.False(t, q.push(Event{Type: EventTypeSubmit, InvocationID: "late"}))
	assert.Nil(t, q.drain(), "second drain is empty")
	_, ok := q.pop()
	assert.False(t, ok)
}

func TestEventQueue_ConcurrentPushers(t *testing.T) {
	q := newEventQueue()
	const pushers, each = 8, 200

	var wg sync.WaitGroup
	for p := range pushers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range each {
				q.push(Event{Type: EventTypeNotify, InvocationID: fmt.Sprintf("%d-%d", p, i)})
			}
		}()
	}
	wg.Wait()

	// Each pusher's events stay in its own order.
	next := make(map[string]int)
	n := 0
	for {
		e, ok := q.pop()
		if !ok {
			break
		}
		var p, i int
		_, err := fmt.Sscanf(e.InvocationID, "%d-%d", &p, &i)
		require.NoError(t, err)
		key := fmt.Sprint(p)
		assert.Equal(t, next[key], i)
		next[key] = i + 1
		n++
	}
	assert.Equal(t, pushers*each, n)
}

func TestEventType_String(t *testing.T) {
	assert.Equal(t, "submit", EventTypeSubmit.String())
	assert.Equal(t, "attempt_done", EventTypeAttemptDone.String())
	assert.Equal(t, "attach", EventTypeAttach.String())
	assert.Equal(t, "unknown", EventType(0).String())
}
