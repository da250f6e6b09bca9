package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/durex/internal/engine"
	"github.com/roach88/durex/internal/store"
)

// Scenario defines a conformance test scenario.
// A scenario drives the runtime through a sequence of client steps and then
// asserts on the invocations, journals and state it left behind.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Steps run in order. Each step performs exactly one client action.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final invocations, journals and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one client action. Exactly one of the action fields is set.
type Step struct {
	// Call invokes a target ("Service/handler" or "Service/key/handler") and
	// waits for its outcome.
	Call string `yaml:"call,omitempty"`

	// Send submits an invocation of a target without waiting.
	Send string `yaml:"send,omitempty"`

	// Attach waits for the outcome of a labelled invocation.
	Attach string `yaml:"attach,omitempty"`

	// Wait blocks until a labelled invocation reaches Status.
	Wait string `yaml:"wait,omitempty"`

	// Cancel requests cancellation of a labelled invocation.
	Cancel string `yaml:"cancel,omitempty"`

	// Resolve completes an awakeable id or a "Workflow/key/promise" with
	// Value. Labels written as {{label}} are replaced by invocation ids.
	Resolve string `yaml:"resolve,omitempty"`

	// Reject rejects an awakeable or promise with Reason.
	Reject string `yaml:"reject,omitempty"`

	// Advance moves the scenario clock forward, e.g. "24h".
	Advance string `yaml:"advance,omitempty"`

	// As labels the invocation created by Call or Send.
	As string `yaml:"as,omitempty"`

	// Args is the request of Call or Send.
	Args any `yaml:"args,omitempty"`

	// IdempotencyKey deduplicates Call and Send.
	IdempotencyKey string `yaml:"idempotency_key,omitempty"`

	// Delay postpones a Send, e.g. "1h".
	Delay string `yaml:"delay,omitempty"`

	// Value resolves an awakeable or promise.
	Value any `yaml:"value,omitempty"`

	// Reason rejects an awakeable or promise.
	Reason string `yaml:"reason,omitempty"`

	// Status is the status Wait waits for.
	Status store.Status `yaml:"status,omitempty"`

	// Expect validates the outcome of Call, Attach, Cancel, Resolve or
	// Reject. If nil, the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Output is the expected response, compared as JSON.
	Output any `yaml:"output,omitempty"`

	// Error is the expected failure code (e.g. 400, 409). Zero expects
	// success.
	Error int `yaml:"error,omitempty"`

	// Message must appear in the failure message.
	Message string `yaml:"message,omitempty"`
}

// Assertion validates the final invocations, journals or state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "status": Check a labelled invocation's final status
	// - "output": Check a labelled invocation's output
	// - "journal_kinds": Check a labelled invocation's journal, kind by kind
	// - "journal_contains": Check the journal has an entry of Kind (and Name)
	// - "invocation_count": Check how many invocations targeted Target
	// - "final_state": Check a state entry of a virtual object or workflow
	// - "journal_valid": Check every journal passes journal.Verify
	Type string `yaml:"type"`

	// Invocation is the label of the invocation under test.
	Invocation string `yaml:"invocation,omitempty"`

	// Status is the expected status (used by status).
	Status store.Status `yaml:"status,omitempty"`

	// Expect is the expected value (used by output and final_state).
	Expect any `yaml:"expect,omitempty"`

	// Kinds is the expected entry kinds in seq order (used by journal_kinds).
	Kinds []string `yaml:"kinds,omitempty"`

	// Kind and Name select an entry (used by journal_contains).
	Kind string `yaml:"kind,omitempty"`
	Name string `yaml:"name,omitempty"`

	// Target is the invocation target (used by invocation_count).
	Target string `yaml:"target,omitempty"`

	// Count is the expected number of invocations (used by invocation_count).
	Count int `yaml:"count,omitempty"`

	// Service, Key and StateKey address a state entry (used by final_state).
	Service  string `yaml:"service,omitempty"`
	Key      string `yaml:"key,omitempty"`
	StateKey string `yaml:"state_key,omitempty"`

	// Absent expects the state entry not to exist (used by final_state).
	Absent bool `yaml:"absent,omitempty"`
}

// Assertion type constants.
const (
	AssertStatus          = "status"
	AssertOutput          = "output"
	AssertJournalKinds    = "journal_kinds"
	AssertJournalContains = "journal_contains"
	AssertInvocationCount = "invocation_count"
	AssertFinalState      = "final_state"
	AssertJournalValid    = "journal_valid"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// action returns the name and argument of the step's action.
func (s Step) action() (name, arg string, err error) {
	actions := []struct{ name, arg string }{
		{"call", s.Call},
		{"send", s.Send},
		{"attach", s.Attach},
		{"wait", s.Wait},
		{"cancel", s.Cancel},
		{"resolve", s.Resolve},
		{"reject", s.Reject},
		{"advance", s.Advance},
	}
	n := 0
	for _, a := range actions {
		if a.arg != "" {
			name, arg = a.name, a.arg
			n++
		}
	}
	if n != 1 {
		return "", "", fmt.Errorf("exactly one action is required, found %d", n)
	}
	return name, arg, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	labels := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(step, labels); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, labels); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, labels map[string]bool) error {
	name, arg, err := step.action()
	if err != nil {
		return err
	}

	switch name {
	case "call", "send":
		if _, err := engine.ParseTarget(arg); err != nil {
			return err
		}
		if step.Delay != "" {
			if name != "send" {
				return fmt.Errorf("delay is only valid for send")
			}
			if _, err := time.ParseDuration(step.Delay); err != nil {
				return fmt.Errorf("invalid delay: %w", err)
			}
		}
		if step.As != "" {
			if labels[step.As] {
				return fmt.Errorf("label %q defined twice", step.As)
			}
			labels[step.As] = true
		}
	case "attach", "cancel", "wait":
		if !labels[arg] {
			return fmt.Errorf("%s references unknown label %q", name, arg)
		}
		if name == "wait" && step.Status == "" {
			return fmt.Errorf("status is required for wait")
		}
	case "advance":
		d, err := time.ParseDuration(arg)
		if err != nil {
			return fmt.Errorf("invalid advance: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("advance must be positive")
		}
	}

	if step.As != "" && name != "call" && name != "send" {
		return fmt.Errorf("as is only valid for call and send")
	}
	if step.Expect != nil && (name == "send" || name == "wait" || name == "advance") {
		return fmt.Errorf("expect is not valid for %s", name)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(a Assertion, labels map[string]bool) error {
	needLabel := func() error {
		if a.Invocation == "" {
			return fmt.Errorf("invocation is required for %s", a.Type)
		}
		if !labels[a.Invocation] {
			return fmt.Errorf("%s references unknown label %q", a.Type, a.Invocation)
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("type is required")
	case AssertStatus:
		if a.Status == "" {
			return fmt.Errorf("status is required for status")
		}
		return needLabel()
	case AssertOutput:
		return needLabel()
	case AssertJournalKinds:
		return needLabel()
	case AssertJournalContains:
		if a.Kind == "" {
			return fmt.Errorf("kind is required for journal_contains")
		}
		return needLabel()
	case AssertInvocationCount:
		if a.Target == "" {
			return fmt.Errorf("target is required for invocation_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for invocation_count")
		}
	case AssertFinalState:
		if a.Service == "" || a.Key == "" || a.StateKey == "" {
			return fmt.Errorf("service, key and state_key are required for final_state")
		}
		if a.Expect == nil && !a.Absent {
			return fmt.Errorf("expect or absent is required for final_state")
		}
	case AssertJournalValid:
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
