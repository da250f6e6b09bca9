package engine

import (
	"sync"
	"time"
)

// EventType distinguishes between scheduler events.
type EventType int

const (
	// EventTypeSubmit asks the loop to admit a newly created invocation.
	EventTypeSubmit EventType = iota + 1
	// EventTypeAttemptDone reports the outcome of an attempt.
	EventTypeAttemptDone
	// EventTypeNotify reports a new notification for an invocation.
	EventTypeNotify
	// EventTypeCancel requests cancellation of an invocation.
	EventTypeCancel
	// EventTypeDue reports that an invocation's run_after has passed.
	EventTypeDue
	// EventTypeAttach registers a waiter for an invocation's outcome.
	EventTypeAttach
	// EventTypeArmTimer asks the loop to arm a durable timer.
	EventTypeArmTimer
)

// String returns a lowercase name for logging.
func (t EventType) String() string {
	switch t {
	case EventTypeSubmit:
		return "submit"
	case EventTypeAttemptDone:
		return "attempt_done"
	case EventTypeNotify:
		return "notify"
	case EventTypeCancel:
		return "cancel"
	case EventTypeDue:
		return "due"
	case EventTypeAttach:
		return "attach"
	case EventTypeArmTimer:
		return "arm_timer"
	default:
		return "unknown"
	}
}

// Event is a unit of work for the scheduler loop.
type Event struct {
	Type         EventType
	InvocationID string

	// Result is set for EventTypeAttemptDone.
	Result *attemptResult

	// Ref and WakeAt are set for EventTypeArmTimer.
	Ref    int64
	WakeAt time.Time

	// Reply receives the outcome for EventTypeAttach.
	Reply chan Outcome

	// Done receives the result of an EventTypeCancel.
	Done chan error
}

// eventQueue is the unbounded FIFO feeding the scheduler loop. Attempt
// goroutines push into it without ever blocking on a busy loop.
type eventQueue struct {
	mu     sync.Mutex
	head   []Event
	closed bool
	wake   chan struct{} // capacity 1; pushes coalesce
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

// push appends e and wakes the loop. It reports false once the queue has
// been drained for shutdown.
func (q *eventQueue) push(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.head = append(q.head, e)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// pop removes the oldest event without blocking.
func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.head) == 0 {
		return Event{}, false
	}
	e := q.head[0]
	q.head[0] = Event{} // drop references to results and reply channels
	q.head = q.head[1:]
	if len(q.head) == 0 {
		q.head = nil
	}
	return e, true
}

// ready fires after a push; the loop selects on it alongside ctx.Done().
func (q *eventQueue) ready() <-chan struct{} {
	return q.wake
}

func (q *eventQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.head)
}

// drain closes the queue and hands back whatever was still pending, so the
// runtime can fail waiters instead of leaving them blocked.
func (q *eventQueue) drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	rest := q.head
	q.head = nil
	return rest
}
