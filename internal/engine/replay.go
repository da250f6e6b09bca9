// Package engine implements the durex durable-execution runtime.
//
// # Replay
//
// This file documents how replay works and why it produces identical results.
//
// ## Structural Replay
//
// Replay in durex is STRUCTURAL, not a special mode. Every Context
// operation follows the same shape:
//
//	entry, ok := journal.Expect(kind, name)
//	if ok {
//	    return decode(entry)          // replaying: reuse the recorded result
//	}
//	result := perform()               // live: do the work once
//	record(kind, name, result)        // journal + effects, one transaction
//	return result
//
// The journal cursor only moves forward. Once every recorded entry has been
// consumed the attempt is live and new entries are appended.
//
// ## What Is Journaled
//
//	run               side-effect result or terminal failure
//	random / now      drawn values and timestamps
//	call / send       child invocation id, or a pre-rejected failure
//	sleep             wake-up time, with a durable timer as effect
//	awakeable         the seq that names the awakeable id
//	promise*          workflow promise waits, peeks and completions
//	*_state           reads (the observed value) and writes (with mutation)
//	*_result          resolution of a future, linked by Ref
//	combinator        the order All/Any observed resolutions in
//	cancel            the point a cancellation was delivered
//
// ## Resolutions
//
// Resolutions arrive as notifications written by other invocations, timers
// or clients. A notification is moved into the journal only when the handler
// awaits the future, so the resolution entry sits at the position the
// handler observed it. Replay therefore reproduces the observation order,
// including the order inside All and Any, without depending on the order
// notifications arrived in.
//
// ## Failure Modes
//
// A recorded entry that does not match the operation being performed is a
// non-determinism failure (code 570). It is never retried: the handler code
// has changed in a way the journal cannot follow.
//
// A journal that reaches its length quota fails with code 571.
package engine
