package harness

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/durex/internal/journal"
	"github.com/roach88/durex/internal/store"
)

// TraceEvent is one invocation as the scenario left it, with its journal.
// Entries are rendered without payloads so traces stay stable across
// changes that only affect recorded values.
type TraceEvent struct {
	Invocation string           `json:"invocation"`
	Label      string           `json:"label,omitempty"`
	Target     string           `json:"target"`
	Parent     string           `json:"parent,omitempty"`
	Status     store.Status     `json:"status"`
	Output     json.RawMessage  `json:"output,omitempty"`
	Failure    *journal.Failure `json:"failure,omitempty"`
	Journal    []string         `json:"journal"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains every invocation in creation order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Labels maps scenario labels to invocation ids.
	Labels map[string]string `json:"labels,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Labels: make(map[string]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Event returns the trace event of a labelled invocation.
func (r *Result) Event(label string) (TraceEvent, bool) {
	id, ok := r.Labels[label]
	if !ok {
		return TraceEvent{}, false
	}
	for _, e := range r.Trace {
		if e.Invocation == id {
			return e, true
		}
	}
	return TraceEvent{}, false
}

func newTraceEvent(inv store.Invocation, label string, entries []journal.Entry) TraceEvent {
	target := inv.Service + "/" + inv.Handler
	if inv.Key != "" {
		target = inv.Service + "/" + inv.Key + "/" + inv.Handler
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = formatEntry(e)
	}
	return TraceEvent{
		Invocation: inv.ID,
		Label:      label,
		Target:     target,
		Parent:     inv.ParentID,
		Status:     inv.Status,
		Output:     inv.Output,
		Failure:    inv.Failure,
		Journal:    lines,
	}
}

// formatEntry renders an entry as "<seq> <kind>[ <name>][ ref=<ref>][ failed]".
func formatEntry(e journal.Entry) string {
	s := fmt.Sprintf("%d %s", e.Seq, e.Kind)
	if e.Name != "" {
		s += " " + e.Name
	}
	if e.Ref != 0 {
		s += fmt.Sprintf(" ref=%d", e.Ref)
	}
	if e.Failure != nil {
		s += " failed"
	}
	return s
}
