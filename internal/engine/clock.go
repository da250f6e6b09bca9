package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dogmatiq/linger"
)

// Clock is the monotonic logical clock used to order invocations.
//
// Every invocation is stamped with a strictly increasing seq from this clock,
// so recovery resumes work in creation order without trusting wall-clock
// timestamps.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
// Clients and attempt goroutines both create invocations.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
// Used at startup to resume from the store's highest seq.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// WallClock is the runtime's source of real time: journaled timestamps,
// durable timers and retry backoff all go through it.
type WallClock interface {
	Now() time.Time

	// SleepUntil blocks until t or until ctx is done, returning ctx.Err() in
	// the latter case.
	SleepUntil(ctx context.Context, t time.Time) error
}

// SystemClock is the WallClock backed by the system time.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// SleepUntil blocks until t or until ctx is done.
func (SystemClock) SleepUntil(ctx context.Context, t time.Time) error {
	return linger.SleepUntil(ctx, t)
}
