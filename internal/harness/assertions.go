package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/durex/internal/journal"
	"github.com/roach88/durex/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s\n", i+1, event.Invocation, event.Target, event.Status)
		}
	}

	return buf.String()
}

// event finds the labelled invocation or reports it missing.
func event(result *Result, assertion Assertion) (TraceEvent, error) {
	e, ok := result.Event(assertion.Invocation)
	if !ok {
		return TraceEvent{}, &AssertionError{
			Type:     assertion.Type,
			Expected: fmt.Sprintf("invocation %q", assertion.Invocation),
			Actual:   "not found in trace",
			Trace:    result.Trace,
		}
	}
	return e, nil
}

// assertStatus checks the final status of a labelled invocation.
func assertStatus(result *Result, assertion Assertion) error {
	e, err := event(result, assertion)
	if err != nil {
		return err
	}
	if e.Status != assertion.Status {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("%s is %s", assertion.Invocation, assertion.Status),
			Actual:   string(e.Status),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertOutput checks a labelled invocation's output as JSON.
func assertOutput(result *Result, assertion Assertion) error {
	e, err := event(result, assertion)
	if err != nil {
		return err
	}
	want := jsonValue(assertion.Expect)
	if e.Output == nil || !jsonEqual(e.Output, want) {
		return &AssertionError{
			Type:     AssertOutput,
			Expected: fmt.Sprintf("%s output %s", assertion.Invocation, want),
			Actual:   fmt.Sprintf("%s (status %s)", e.Output, e.Status),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertJournalKinds checks the kinds of a labelled invocation's journal,
// entry by entry.
func assertJournalKinds(ctx context.Context, st *store.Store, result *Result, assertion Assertion) error {
	entries, err := st.ReadJournal(ctx, result.Labels[assertion.Invocation])
	if err != nil {
		return fmt.Errorf("read journal of %s: %w", assertion.Invocation, err)
	}
	kinds := make([]string, len(entries))
	for i, e := range entries {
		kinds[i] = string(e.Kind)
	}
	if strings.Join(kinds, ",") != strings.Join(assertion.Kinds, ",") {
		return &AssertionError{
			Type:     AssertJournalKinds,
			Expected: fmt.Sprintf("%s journal %v", assertion.Invocation, assertion.Kinds),
			Actual:   fmt.Sprintf("%v", kinds),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertJournalContains checks that a labelled invocation's journal has an
// entry of the given kind, and name when one is given.
func assertJournalContains(ctx context.Context, st *store.Store, result *Result, assertion Assertion) error {
	entries, err := st.ReadJournal(ctx, result.Labels[assertion.Invocation])
	if err != nil {
		return fmt.Errorf("read journal of %s: %w", assertion.Invocation, err)
	}
	for _, e := range entries {
		if string(e.Kind) == assertion.Kind && (assertion.Name == "" || e.Name == assertion.Name) {
			return nil
		}
	}
	want := assertion.Kind
	if assertion.Name != "" {
		want += " " + assertion.Name
	}
	return &AssertionError{
		Type:     AssertJournalContains,
		Expected: fmt.Sprintf("%s journal contains %s", assertion.Invocation, want),
		Actual:   "no matching entry",
		Trace:    result.Trace,
	}
}

// assertInvocationCount checks how many invocations targeted a target.
func assertInvocationCount(result *Result, assertion Assertion) error {
	count := 0
	for _, e := range result.Trace {
		if e.Target == assertion.Target {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertInvocationCount,
			Expected: fmt.Sprintf("%d invocations of %s", assertion.Count, assertion.Target),
			Actual:   fmt.Sprintf("%d invocations", count),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertFinalState checks one state entry of a virtual object or workflow.
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	where := fmt.Sprintf("%s/%s %q", assertion.Service, assertion.Key, assertion.StateKey)

	v, ok, err := st.GetState(ctx, assertion.Service, assertion.Key, assertion.StateKey)
	if err != nil {
		return fmt.Errorf("read state %s: %w", where, err)
	}

	if assertion.Absent {
		if ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("no state %s", where),
				Actual:   string(v),
			}
		}
		return nil
	}

	want := jsonValue(assertion.Expect)
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("state %s = %s", where, want),
			Actual:   "not set",
		}
	}
	if !jsonEqual(v, want) {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("state %s = %s", where, want),
			Actual:   string(v),
		}
	}
	return nil
}

// assertJournalValid runs journal.Verify over every invocation's journal.
func assertJournalValid(ctx context.Context, st *store.Store, result *Result) error {
	var problems []string
	for _, e := range result.Trace {
		entries, err := st.ReadJournal(ctx, e.Invocation)
		if err != nil {
			return fmt.Errorf("read journal of %s: %w", e.Invocation, err)
		}
		for _, v := range journal.Verify(entries) {
			problems = append(problems, fmt.Sprintf("%s %s", e.Invocation, v))
		}
	}
	if len(problems) > 0 {
		return &AssertionError{
			Type:     AssertJournalValid,
			Expected: "every journal passes verification",
			Actual:   strings.Join(problems, "; "),
			Trace:    result.Trace,
		}
	}
	return nil
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for journal and state
// assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	needsStore := func(i int, a Assertion) error {
		if actx == nil || actx.Store == nil {
			return fmt.Errorf("assertion[%d]: %s requires database context", i, a.Type)
		}
		return nil
	}

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertStatus:
			err = assertStatus(result, assertion)
		case AssertOutput:
			err = assertOutput(result, assertion)
		case AssertInvocationCount:
			err = assertInvocationCount(result, assertion)
		case AssertJournalKinds:
			if err = needsStore(i, assertion); err == nil {
				err = assertJournalKinds(actx.Ctx, actx.Store, result, assertion)
			}
		case AssertJournalContains:
			if err = needsStore(i, assertion); err == nil {
				err = assertJournalContains(actx.Ctx, actx.Store, result, assertion)
			}
		case AssertFinalState:
			if err = needsStore(i, assertion); err == nil {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		case AssertJournalValid:
			if err = needsStore(i, assertion); err == nil {
				err = assertJournalValid(actx.Ctx, actx.Store, result)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
