// Package harness provides scenario-driven conformance testing for the
// durable execution runtime.
//
// The harness starts a real runtime over an in-memory store, drives it
// through the steps of a YAML scenario, and asserts on the invocations,
// journals and state the run left behind.
//
// # Scenario Format
//
//	name: signup_verified
//	description: "What this scenario validates"
//	steps:
//	  - send: Signup/alice/run
//	    as: signup
//	    args: { email: alice@example.com }
//	  - wait: signup
//	    status: suspended
//	  - resolve: Signup/alice/verified
//	    value: true
//	  - attach: signup
//	    expect:
//	      output: { verified: true }
//	assertions:
//	  - type: status
//	    invocation: signup
//	    status: completed
//	  - type: journal_contains
//	    invocation: signup
//	    kind: run
//	    name: send-email
//
// Step actions are call, send, attach, wait, cancel, resolve, reject and
// advance. Labels given with "as" name invocations for later steps and
// assertions; resolve and reject expand {{label}} to the invocation id.
//
// # Assertion Types
//
//   - status: a labelled invocation's final status
//   - output: a labelled invocation's output
//   - journal_kinds: the kinds of a labelled invocation's journal, in order
//   - journal_contains: the journal holds an entry of a kind (and name)
//   - invocation_count: how many invocations targeted a target
//   - final_state: a state entry of a virtual object or workflow
//   - journal_valid: every journal passes journal.Verify
//
// # Deterministic Testing
//
// Every scenario runs with a manual clock starting at Start and sequential
// invocation ids (inv_1, inv_2, ...). Timers fire only when an advance step
// moves the clock, so the same scenario always produces the same trace and
// traces can be compared against golden files with RunWithGolden.
package harness
