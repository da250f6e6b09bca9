// Package journal defines the per-invocation journal: the ordered record of
// every non-deterministic decision a handler made, and the replay cursor that
// feeds those decisions back to the handler on the next attempt.
//
// # Entries
//
// Every entry has a sequence number (1, 2, 3, ...) assigned by Record. Entries
// fall into three groups:
//
//   - Results: run, random, now, get_state, state_keys, promise_peek,
//     promise_complete. The entry carries the value the handler observed.
//   - Future creators: call, sleep, awakeable, promise. The entry marks the
//     point where a durable future was created; its seq is the future's ref.
//   - Resolutions: call_result, timer_fired, awakeable_result, promise_result.
//     The entry carries Ref pointing back at the creating entry.
//
// The remaining kinds (send, set_state, clear_state, clear_all_state,
// combinator, cancel) record commands whose effect must not be repeated.
//
// # Replay
//
// A Journal loaded from the store starts in replay mode. Each context
// operation calls Expect with the kind and name it is about to perform; a
// recorded entry of a different kind or name means the handler took a
// different path than on a previous attempt, which is reported as a
// MismatchError and is never retried.
//
// Once the cursor passes the last recorded entry the journal is live: new
// entries are appended with Record until the length quota is reached.
package journal
