package harness

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durex/internal/store"
)

// sampleResult is a two-invocation result labelled "first" and "second".
func sampleResult() *Result {
	r := NewResult()
	r.Labels["first"] = "inv_1"
	r.Labels["second"] = "inv_2"
	r.Trace = []TraceEvent{
		{
			Invocation: "inv_1",
			Label:      "first",
			Target:     "Counter/a/add",
			Status:     store.StatusCompleted,
			Output:     json.RawMessage(`2`),
			Journal:    []string{"1 get_state count", "2 set_state count"},
		},
		{
			Invocation: "inv_2",
			Label:      "second",
			Target:     "Counter/a/add",
			Status:     store.StatusSuspended,
			Journal:    []string{},
		},
	}
	return r
}

func TestAssertStatus(t *testing.T) {
	r := sampleResult()

	assert.NoError(t, assertStatus(r, Assertion{Type: AssertStatus, Invocation: "first", Status: store.StatusCompleted}))

	err := assertStatus(r, Assertion{Type: AssertStatus, Invocation: "second", Status: store.StatusCompleted})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "second is completed", ae.Expected)
	assert.Equal(t, "suspended", ae.Actual)
}

func TestAssertStatus_UnknownLabel(t *testing.T) {
	err := assertStatus(sampleResult(), Assertion{Type: AssertStatus, Invocation: "third", Status: store.StatusCompleted})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invocation "third"`)
	assert.Contains(t, err.Error(), "not found in trace")
}

func TestAssertOutput(t *testing.T) {
	r := sampleResult()

	assert.NoError(t, assertOutput(r, Assertion{Type: AssertOutput, Invocation: "first", Expect: 2}))

	err := assertOutput(r, Assertion{Type: AssertOutput, Invocation: "first", Expect: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first output 3")

	// An invocation without output never matches, not even null.
	err = assertOutput(r, Assertion{Type: AssertOutput, Invocation: "second"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status suspended")
}

func TestAssertOutput_ComparesJSONSemantically(t *testing.T) {
	r := NewResult()
	r.Labels["x"] = "inv_1"
	r.Trace = []TraceEvent{{
		Invocation: "inv_1",
		Status:     store.StatusCompleted,
		Output:     json.RawMessage(`{ "verified": true, "email": "a@b.c" }`),
	}}

	err := assertOutput(r, Assertion{
		Type:       AssertOutput,
		Invocation: "x",
		Expect:     map[string]any{"email": "a@b.c", "verified": true},
	})
	assert.NoError(t, err)
}

func TestAssertInvocationCount(t *testing.T) {
	r := sampleResult()

	assert.NoError(t, assertInvocationCount(r, Assertion{Type: AssertInvocationCount, Target: "Counter/a/add", Count: 2}))
	assert.NoError(t, assertInvocationCount(r, Assertion{Type: AssertInvocationCount, Target: "Counter/b/add", Count: 0}))

	err := assertInvocationCount(r, Assertion{Type: AssertInvocationCount, Target: "Counter/a/add", Count: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 invocations of Counter/a/add")
	assert.Contains(t, err.Error(), "2 invocations")
}

func TestEvaluateAssertions_AllPass(t *testing.T) {
	errs := EvaluateAssertions(sampleResult(), []Assertion{
		{Type: AssertStatus, Invocation: "first", Status: store.StatusCompleted},
		{Type: AssertOutput, Invocation: "first", Expect: 2},
		{Type: AssertInvocationCount, Target: "Counter/a/add", Count: 2},
	}, nil)
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_SomeFail(t *testing.T) {
	errs := EvaluateAssertions(sampleResult(), []Assertion{
		{Type: AssertStatus, Invocation: "first", Status: store.StatusCompleted},
		{Type: AssertStatus, Invocation: "second", Status: store.StatusCompleted},
		{Type: AssertInvocationCount, Target: "Counter/a/add", Count: 5},
	}, nil)
	assert.Len(t, errs, 2)
}

func TestEvaluateAssertions_UnknownType(t *testing.T) {
	errs := EvaluateAssertions(sampleResult(), []Assertion{{Type: "trace_order"}}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `unknown assertion type "trace_order"`)
}

func TestEvaluateAssertions_StoreAssertionsWithoutContext(t *testing.T) {
	for _, typ := range []string{AssertJournalKinds, AssertJournalContains, AssertFinalState, AssertJournalValid} {
		t.Run(typ, func(t *testing.T) {
			errs := EvaluateAssertions(sampleResult(), []Assertion{{Type: typ, Invocation: "first"}}, nil)
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], "requires database context")
		})
	}
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     AssertStatus,
		Expected: "first is completed",
		Actual:   "suspended",
		Trace:    sampleResult().Trace,
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: status")
	assert.Contains(t, msg, "Expected: first is completed")
	assert.Contains(t, msg, "Actual: suspended")
	assert.Contains(t, msg, "Full trace:")
	assert.Contains(t, msg, "[1] inv_1 Counter/a/add completed")
	assert.Contains(t, msg, "[2] inv_2 Counter/a/add suspended")
}

// The store-backed assertions are exercised through Run, which owns the
// database.
func TestRun_StoreAssertionsFail(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: failing_assertions
description: "Every store-backed assertion is wrong"
steps:
  - call: Counter/a/add
    as: add
    args: 1
assertions:
  - type: journal_kinds
    invocation: add
    kinds: [set_state]
  - type: journal_contains
    invocation: add
    kind: run
  - type: journal_contains
    invocation: add
    kind: get_state
    name: other
  - type: final_state
    service: Counter
    key: a
    state_key: count
    expect: 7
  - type: final_state
    service: Counter
    key: a
    state_key: count
    absent: true
  - type: final_state
    service: Counter
    key: b
    state_key: count
    expect: 1
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 6)
	assert.Contains(t, result.Errors[0], "[get_state set_state]")
	assert.Contains(t, result.Errors[1], "add journal contains run")
	assert.Contains(t, result.Errors[2], "add journal contains get_state other")
	assert.Contains(t, result.Errors[3], "Actual: 1")
	assert.Contains(t, result.Errors[4], "no state Counter/a")
	assert.Contains(t, result.Errors[5], "not set")
}

func TestRun_StoreAssertionsPass(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: passing_assertions
description: "Store-backed assertions over one counter update"
steps:
  - call: Counter/a/add
    as: add
    args: 1
assertions:
  - type: journal_kinds
    invocation: add
    kinds: [get_state, set_state]
  - type: journal_contains
    invocation: add
    kind: set_state
    name: count
  - type: final_state
    service: Counter
    key: a
    state_key: count
    expect: 1
  - type: final_state
    service: Counter
    key: b
    state_key: count
    absent: true
  - type: journal_valid
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}
