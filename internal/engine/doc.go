// Package engine implements the durex durable-execution runtime.
//
// The runtime executes registered handlers, journals every non-deterministic
// decision they make, and replays that journal when an invocation resumes so
// the handler continues from its last completed step.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Runtime.Run processes scheduler events in a single goroutine. The loop is
// the only place invocation status changes, so transitions are serialized
// without per-invocation locks:
//
//	Pending -> Running -> Suspended | Completed | Failed | Cancelled
//	Suspended -> Running
//	Running -> Pending (transient failure, waiting out its backoff)
//
// Attempts:
// Each attempt runs the handler in its own goroutine, bounded by a
// concurrency semaphore. The attempt replays the journal, records new
// entries through store.AppendEntry, and reports its outcome back to the
// loop as an event. An attempt never changes invocation status itself.
//
// Suspension:
// Awaiting a future whose resolution has not arrived aborts the attempt.
// The invocation becomes Suspended and holds its key lock until a
// notification for one of the awaited futures arrives, at which point a new
// attempt replays the journal up to the await and continues.
//
// Key Locks:
// Virtual objects and workflow runs are serialized per key by the router.
// Shared handlers may run concurrently with each other, never with an
// exclusive invocation. Waiting invocations are admitted in FIFO order.
//
// CRITICAL PATTERNS:
//
// Determinism:
// Handler code must be deterministic apart from what it does through
// Context. Replay checks every recorded entry against the operation the
// handler performs; a kind or name mismatch fails the invocation.
//
// Logical Clock:
// Invocations are stamped with a monotonic seq from Clock.Next() for
// ordering. Wall-clock time is used only for timers and backoff, and only
// through the WallClock interface so tests can control it.
package engine
