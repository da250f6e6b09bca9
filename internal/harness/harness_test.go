package harness

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durex/internal/engine"
	"github.com/roach88/durex/internal/journal"
	"github.com/roach88/durex/internal/store"
)

func mustParse(t *testing.T, data string) *Scenario {
	t.Helper()
	scenario, err := ParseScenario([]byte(data))
	require.NoError(t, err)
	return scenario
}

// approver suspends on an awakeable and returns whatever resolves it.
func approver() *engine.ServiceDefinition {
	return engine.NewService("Approver").
		Handler("ask", engine.Handler(func(ctx engine.Context, _ json.RawMessage) (string, error) {
			_, f := ctx.Awakeable()
			return engine.AwaitAs[string](f)
		}))
}

func TestRun_MinimalScenario(t *testing.T) {
	result, err := Run(mustParse(t, `
name: minimal
description: "One greeting"
steps:
  - call: Greeter/greet
    as: greet
    args: {name: Ada}
assertions:
  - type: status
    invocation: greet
    status: completed
`))
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Errors)
	assert.Equal(t, map[string]string{"greet": "inv_1"}, result.Labels)

	require.Len(t, result.Trace, 1)
	e := result.Trace[0]
	assert.Equal(t, "inv_1", e.Invocation)
	assert.Equal(t, "greet", e.Label)
	assert.Equal(t, "Greeter/greet", e.Target)
	assert.Equal(t, store.StatusCompleted, e.Status)
	assert.JSONEq(t, `{"message":"You said hi to Ada!"}`, string(e.Output))
	assert.Empty(t, e.Journal)
}

func TestRun_ExpectClause(t *testing.T) {
	tests := []struct {
		name    string
		step    string
		wantErr string
	}{
		{
			name: "output matches",
			step: `
  - call: Counter/a/add
    args: 4
    expect:
      output: 4`,
		},
		{
			name: "output mismatch",
			step: `
  - call: Counter/a/add
    args: 4
    expect:
      output: 5`,
			wantErr: "output 4, expected 5",
		},
		{
			name: "unexpected error",
			step: `
  - call: Missing/handler`,
			wantErr: "unexpected error",
		},
		{
			name: "expected error",
			step: `
  - call: Missing/handler
    expect:
      error: 404`,
		},
		{
			name: "wrong error code",
			step: `
  - call: Missing/handler
    expect:
      error: 409`,
			wantErr: "error code 404, expected 409",
		},
		{
			name: "error message mismatch",
			step: `
  - call: Missing/handler
    expect:
      error: 404
      message: "nothing like this"`,
			wantErr: `does not contain "nothing like this"`,
		},
		{
			name: "succeeded but error expected",
			step: `
  - call: Counter/a/add
    args: 1
    expect:
      error: 400`,
			wantErr: "expected error 400",
		},
		{
			name: "terminal handler failure",
			step: `
  - call: Signup/bob/run
    args: {email: ""}
    expect:
      error: 400
      message: email is required`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Run(mustParse(t, `
name: expect
description: "Expect clause"
steps:`+tt.step+`
assertions:
  - type: journal_valid
`))
			require.NoError(t, err)
			if tt.wantErr == "" {
				assert.True(t, result.Pass, "errors: %v", result.Errors)
				return
			}
			assert.False(t, result.Pass)
			require.Len(t, result.Errors, 1)
			assert.Contains(t, result.Errors[0], "step 0 (call ")
			assert.Contains(t, result.Errors[0], tt.wantErr)
		})
	}
}

func TestRun_AwakeableResolvedByLabel(t *testing.T) {
	result, err := Run(mustParse(t, `
name: awakeable
description: "An awakeable id is built from the invocation label"
steps:
  - send: Approver/ask
    as: ask
  - wait: ask
    status: suspended
  - resolve: "awk_{{ask}}.1"
    value: "yes"
  - attach: ask
    expect:
      output: "yes"
  - resolve: "awk_{{ask}}.1"
    value: "again"
    expect:
      error: 409
assertions:
  - type: journal_kinds
    invocation: ask
    kinds: [awakeable, awakeable_result]
  - type: journal_valid
`), WithServices(approver()))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	e, ok := result.Event("ask")
	require.True(t, ok)
	assert.Equal(t, []string{"1 awakeable", "2 awakeable_result ref=1"}, e.Journal)
}

func TestRun_RejectedAwakeable(t *testing.T) {
	result, err := Run(mustParse(t, `
name: rejected
description: "A rejected awakeable fails the invocation"
steps:
  - send: Approver/ask
    as: ask
  - wait: ask
    status: suspended
  - reject: "awk_{{ask}}.1"
    reason: "not today"
  - attach: ask
    expect:
      error: 500
      message: not today
assertions:
  - type: status
    invocation: ask
    status: failed
`), WithServices(approver()))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	e, ok := result.Event("ask")
	require.True(t, ok)
	require.NotNil(t, e.Failure)
	assert.Contains(t, e.Failure.Message, "not today")
	assert.Equal(t, []string{"1 awakeable", "2 awakeable_result ref=1 failed"}, e.Journal)
}

func TestRun_DelayedSendRunsAfterAdvance(t *testing.T) {
	result, err := Run(mustParse(t, `
name: delayed
description: "A delayed send waits for the clock"
steps:
  - send: Greeter/greet
    as: later
    delay: 1h
    args: {name: Bo}
  - wait: later
    status: pending
  - advance: 1h
  - attach: later
    expect:
      output: {message: "You said hi to Bo!"}
assertions:
  - type: status
    invocation: later
    status: completed
`))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("../../testdata/scenarios/counter.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.True(t, first.Pass, "errors: %v", first.Errors)
	assert.Equal(t, first.Labels, second.Labels)
	assert.Equal(t, first.Trace, second.Trace)
}

func TestRun_FreshDatabasePerRun(t *testing.T) {
	scenario := mustParse(t, `
name: fresh
description: "Each run starts from empty state"
steps:
  - call: Counter/a/add
    args: 1
    expect:
      output: 1
assertions:
  - type: final_state
    service: Counter
    key: a
    state_key: count
    expect: 1
`)
	for range 2 {
		result, err := Run(scenario)
		require.NoError(t, err)
		assert.True(t, result.Pass, "errors: %v", result.Errors)
	}
}

func TestRun_InvalidServices(t *testing.T) {
	_, err := Run(mustParse(t, `
name: invalid
description: "Services fail to register"
steps:
  - call: Bad/x
assertions:
  - type: journal_valid
`), WithServices(engine.NewWorkflow("Bad").Handler("x", engine.Handler(func(engine.Context, int) (int, error) {
		return 0, nil
	}))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to register services")
}

func TestRun_NotAPromiseIsFatal(t *testing.T) {
	_, err := Run(mustParse(t, `
name: fatal
description: "A resolve target that is neither an awakeable nor a promise"
steps:
  - resolve: Greeter/greet
    value: 1
assertions:
  - type: journal_valid
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 0 (resolve Greeter/greet)")
	assert.Contains(t, err.Error(), "neither an awakeable id nor Workflow/key/promise")
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)

	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}

func TestResult_Event(t *testing.T) {
	r := sampleResult()

	e, ok := r.Event("second")
	require.True(t, ok)
	assert.Equal(t, "inv_2", e.Invocation)

	_, ok = r.Event("third")
	assert.False(t, ok)

	r.Labels["ghost"] = "inv_9"
	_, ok = r.Event("ghost")
	assert.False(t, ok)
}

func TestFormatEntry(t *testing.T) {
	tests := []struct {
		entry journal.Entry
		want  string
	}{
		{journal.Entry{Seq: 1, Kind: journal.KindGetState, Name: "count"}, "1 get_state count"},
		{journal.Entry{Seq: 2, Kind: journal.KindCallResult, Ref: 1}, "2 call_result ref=1"},
		{journal.Entry{Seq: 3, Kind: journal.KindClearAllState}, "3 clear_all_state"},
		{
			journal.Entry{Seq: 4, Kind: journal.KindRun, Name: "charge", Failure: &journal.Failure{Code: 500, Message: "declined"}},
			"4 run charge failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatEntry(tt.entry))
		})
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"terminal", engine.NewTerminalError(errors.New("bad"), engine.CodeBadRequest), engine.CodeBadRequest},
		{"not found", &engine.RuntimeError{Code: engine.ErrCodeNotFound, Message: "gone"}, engine.CodeNotFound},
		{"idempotency conflict", &engine.RuntimeError{Code: engine.ErrCodeIdempotencyConflict, Message: "x"}, engine.CodeConflict},
		{"plain", errors.New("disk on fire"), engine.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorCode(tt.err))
		})
	}
}
