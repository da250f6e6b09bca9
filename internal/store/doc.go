// Package store provides SQLite-backed durable storage for durex.
//
// The store holds:
//   - Invocations: one record per handler invocation, with status, request,
//     outcome and lineage (parent invocation and call ref)
//   - Journal: the append-only per-invocation journal
//   - Notifications: future resolutions delivered but not yet journaled
//   - State: keyed state, one partition per (service, object key)
//   - Idempotency: idempotency keys mapped to the invocation they created
//   - Timers: durable timers keyed by (invocation, sleep entry)
//   - Promises: completed workflow promises and their waiters
//
// # Atomic Appends
//
// AppendEntry writes a journal entry and all of its effects (state write,
// child invocation, timer, promise wait or completion) in one transaction.
// CompleteInvocation writes an outcome and the caller's call_result
// notification in one transaction.
//
// # Ordering
//
//   - Journal entries are ordered by seq
//   - Invocations are ordered by seq (logical clock), NEVER timestamps
//   - Notifications are ordered by arrival (autoincrement id)
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Payloads are stored as canonical JSON (internal/ir) so that a value read
// back during replay is byte-identical to the value first recorded.
package store
