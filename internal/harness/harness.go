package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/durex/internal/engine"
	"github.com/roach88/durex/internal/ir"
	"github.com/roach88/durex/internal/services"
	"github.com/roach88/durex/internal/store"
	"github.com/roach88/durex/internal/testutil"
)

// Start is the time every scenario clock starts at.
var Start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// stepTimeout bounds every blocking step.
const stepTimeout = 5 * time.Second

// Option configures a harness run.
type Option func(*options)

type options struct {
	services []*engine.ServiceDefinition
}

// WithServices replaces the built-in services (Greeter, Counter, Signup).
func WithServices(defs ...*engine.ServiceDefinition) Option {
	return func(o *options) {
		o.services = defs
	}
}

// Harness is the test execution engine.
// It runs scenarios against a real runtime with a manual clock and
// sequential invocation ids, so the same scenario always produces the same
// trace.
type Harness struct {
	store  *store.Store
	rt     *engine.Runtime
	client *engine.Client
	clock  *testutil.ManualClock
	logger *slog.Logger
	result *Result
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Create fresh in-memory database and start the runtime
// 2. Execute steps, checking expect clauses
// 3. Capture every invocation and its journal as the trace
// 4. Evaluate assertions
//
// Failed expectations and assertions are reported in the result; errors are
// returned only when the scenario could not be executed.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{services: services.Definitions(services.LogMailer{})}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	reg := engine.NewRegistry()
	if err := reg.Register(o.services...); err != nil {
		return nil, fmt.Errorf("failed to register services: %w", err)
	}

	clock := testutil.NewManualClock(Start)
	rt, err := engine.New(st, reg,
		engine.WithWallClock(clock),
		engine.WithIDGenerator(testutil.NewSequentialIDs("")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	h := &Harness{
		store:  st,
		rt:     rt,
		client: rt.Client(),
		clock:  clock,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		result: NewResult(),
	}

	stepErr := h.executeSteps(scenario.Steps)

	cancel()
	if err := <-done; err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	if stepErr != nil {
		return nil, stepErr
	}

	bg := context.Background()
	if err := h.captureTrace(bg); err != nil {
		return nil, fmt.Errorf("failed to capture trace: %w", err)
	}

	actx := &AssertionContext{Store: st, Ctx: bg}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// executeSteps runs all steps in order.
func (h *Harness) executeSteps(steps []Step) error {
	for i, step := range steps {
		name, arg, err := step.action()
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
		out, err := h.execute(ctx, name, arg, step)
		cancel()

		var fe *fatalError
		if errors.As(err, &fe) {
			return fmt.Errorf("step %d (%s %s): %w", i, name, arg, fe.err)
		}
		h.check(i, name+" "+arg, step.Expect, out, err)

		h.logger.Info("step completed", "step", i, "action", name, "arg", arg)
	}
	return nil
}

// fatalError aborts the scenario instead of failing an expectation.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }

func fatal(format string, args ...any) error {
	return &fatalError{err: fmt.Errorf(format, args...)}
}

func (h *Harness) execute(ctx context.Context, name, arg string, step Step) (json.RawMessage, error) {
	switch name {
	case "call", "send":
		target, err := engine.ParseTarget(arg)
		if err != nil {
			return nil, fatal("%v", err)
		}
		var opts []engine.CallOption
		if step.IdempotencyKey != "" {
			opts = append(opts, engine.WithIdempotencyKey(step.IdempotencyKey))
		}
		if step.Delay != "" {
			d, err := time.ParseDuration(step.Delay)
			if err != nil {
				return nil, fatal("invalid delay: %v", err)
			}
			opts = append(opts, engine.WithDelay(d))
		}

		handle, err := h.client.Send(ctx, target, jsonValue(step.Args), opts...)
		if err != nil {
			return nil, err
		}
		if step.As != "" {
			h.result.Labels[step.As] = handle.InvocationID
		}
		if name == "send" {
			return nil, nil
		}
		return handle.Await(ctx)

	case "attach":
		return h.client.Attach(ctx, h.result.Labels[arg])

	case "wait":
		return nil, h.waitStatus(ctx, h.result.Labels[arg], step.Status)

	case "cancel":
		return nil, h.client.Cancel(ctx, h.result.Labels[arg])

	case "resolve", "reject":
		return nil, h.complete(ctx, name, h.expand(arg), step)

	case "advance":
		d, err := time.ParseDuration(arg)
		if err != nil {
			return nil, fatal("invalid advance: %v", err)
		}
		h.clock.Advance(d)
		return nil, nil
	}
	return nil, fatal("unknown action %q", name)
}

// complete resolves or rejects an awakeable id or a Workflow/key/promise.
func (h *Harness) complete(ctx context.Context, name, arg string, step Step) error {
	if _, _, err := engine.ParseAwakeableID(arg); err == nil {
		if name == "resolve" {
			return h.client.ResolveAwakeable(ctx, arg, jsonValue(step.Value))
		}
		return h.client.RejectAwakeable(ctx, arg, step.Reason)
	}

	t, err := engine.ParseTarget(arg)
	if err != nil || t.Key == "" {
		return fatal("%q is neither an awakeable id nor Workflow/key/promise", arg)
	}
	if name == "resolve" {
		return h.client.ResolvePromise(ctx, t, t.Handler, jsonValue(step.Value))
	}
	return h.client.RejectPromise(ctx, t, t.Handler, step.Reason)
}

// expand replaces {{label}} with the labelled invocation id.
func (h *Harness) expand(s string) string {
	pairs := make([]string, 0, 2*len(h.result.Labels))
	for label, id := range h.result.Labels {
		pairs = append(pairs, "{{"+label+"}}", id)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// waitStatus polls the store until id reaches want.
func (h *Harness) waitStatus(ctx context.Context, id string, want store.Status) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	var last store.Status
	for {
		inv, err := h.store.ReadInvocation(ctx, id)
		if err == nil {
			if inv.Status == want {
				return nil
			}
			last = inv.Status
		} else if !errors.Is(err, store.ErrNotFound) {
			return fatal("read %s: %v", id, err)
		}

		select {
		case <-ctx.Done():
			return fatal("invocation %s never reached %s (last %s)", id, want, last)
		case <-ticker.C:
		}
	}
}

// check compares a step's outcome against its expect clause.
func (h *Harness) check(i int, desc string, expect *ExpectClause, out json.RawMessage, err error) {
	if expect == nil || expect.Error == 0 {
		if err != nil {
			h.result.AddError(fmt.Sprintf("step %d (%s): unexpected error: %v", i, desc, err))
			return
		}
		if expect != nil && expect.Output != nil && !jsonEqual(out, jsonValue(expect.Output)) {
			h.result.AddError(fmt.Sprintf("step %d (%s): output %s, expected %s", i, desc, out, mustCanonical(expect.Output)))
		}
		return
	}

	if err == nil {
		h.result.AddError(fmt.Sprintf("step %d (%s): succeeded with %s, expected error %d", i, desc, out, expect.Error))
		return
	}
	if code := errorCode(err); code != expect.Error {
		h.result.AddError(fmt.Sprintf("step %d (%s): error code %d, expected %d: %v", i, desc, code, expect.Error, err))
	}
	if expect.Message != "" && !strings.Contains(err.Error(), expect.Message) {
		h.result.AddError(fmt.Sprintf("step %d (%s): error %q does not contain %q", i, desc, err, expect.Message))
	}
}

// errorCode maps client errors to the failure codes a scenario names.
func errorCode(err error) int {
	if code := engine.ErrorCode(err); code != 0 {
		return code
	}
	switch {
	case engine.IsNotFound(err), engine.IsUnknownTarget(err):
		return engine.CodeNotFound
	case engine.IsAlreadyCompleted(err), engine.IsIdempotencyConflict(err):
		return engine.CodeConflict
	}
	return engine.CodeInternal
}

// captureTrace records every invocation and its journal.
func (h *Harness) captureTrace(ctx context.Context) error {
	labels := make(map[string]string, len(h.result.Labels))
	for label, id := range h.result.Labels {
		labels[id] = label
	}

	invs, err := h.store.ListInvocations(ctx)
	if err != nil {
		return err
	}
	for _, inv := range invs {
		entries, err := h.store.ReadJournal(ctx, inv.ID)
		if err != nil {
			return err
		}
		h.result.Trace = append(h.result.Trace, newTraceEvent(inv, labels[inv.ID], entries))
	}
	return nil
}

// jsonValue converts a YAML-decoded value into a request for the client.
func jsonValue(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	return mustCanonical(v)
}

func mustCanonical(v any) json.RawMessage {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		// yaml.v3 only produces JSON-encodable values for string-keyed documents.
		panic(fmt.Sprintf("encode %v: %v", v, err))
	}
	return data
}

// jsonEqual compares two JSON documents semantically.
func jsonEqual(a, b json.RawMessage) bool {
	ca, err := ir.Canonicalize(a)
	if err != nil {
		return false
	}
	cb, err := ir.Canonicalize(b)
	if err != nil {
		return false
	}
	return string(ca) == string(cb)
}
