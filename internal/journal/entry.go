package journal

import (
	"encoding/json"
	"fmt"
)

// Kind identifies what a journal entry records.
type Kind string

const (
	// KindRun records the result of a side effect (SideEffectResult).
	KindRun Kind = "run"
	// KindRandom records one draw from the deterministic random source.
	KindRandom Kind = "random"
	// KindNow records a wall-clock reading (Timestamp).
	KindNow Kind = "now"

	// KindCall records a request-response call to another handler.
	KindCall Kind = "call"
	// KindCallResult resolves a KindCall future.
	KindCallResult Kind = "call_result"
	// KindSend records a one-way (optionally delayed) send.
	KindSend Kind = "send"

	// KindSleep records the start of a durable timer.
	KindSleep Kind = "sleep"
	// KindTimerFired resolves a KindSleep future.
	KindTimerFired Kind = "timer_fired"

	// KindAwakeable records the creation of an awakeable.
	KindAwakeable Kind = "awakeable"
	// KindAwakeableResult resolves a KindAwakeable future.
	KindAwakeableResult Kind = "awakeable_result"

	// KindPromise records a wait on a workflow promise.
	KindPromise Kind = "promise"
	// KindPromiseResult resolves a KindPromise future.
	KindPromiseResult Kind = "promise_result"
	// KindPromisePeek records a non-blocking promise read.
	KindPromisePeek Kind = "promise_peek"
	// KindPromiseComplete records an attempt to resolve or reject a promise.
	KindPromiseComplete Kind = "promise_complete"

	KindGetState      Kind = "get_state"
	KindStateKeys     Kind = "state_keys"
	KindSetState      Kind = "set_state"
	KindClearState    Kind = "clear_state"
	KindClearAllState Kind = "clear_all_state"

	// KindCombinator records the order in which an all/any observed its
	// futures resolve.
	KindCombinator Kind = "combinator"

	// KindCancel records the delivery of a cancellation to the handler.
	KindCancel Kind = "cancel"
)

var resolutions = map[Kind]Kind{
	KindCall:      KindCallResult,
	KindSleep:     KindTimerFired,
	KindAwakeable: KindAwakeableResult,
	KindPromise:   KindPromiseResult,
}

// CreatesFuture reports whether entries of this kind create a durable future.
func (k Kind) CreatesFuture() bool {
	_, ok := resolutions[k]
	return ok
}

// IsResolution reports whether entries of this kind resolve a future.
func (k Kind) IsResolution() bool {
	for _, r := range resolutions {
		if r == k {
			return true
		}
	}
	return false
}

// ResolutionFor returns the resolution kind for a future-creating kind.
func ResolutionFor(k Kind) (Kind, bool) {
	r, ok := resolutions[k]
	return r, ok
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindRun, KindRandom, KindNow,
		KindCall, KindCallResult, KindSend,
		KindSleep, KindTimerFired,
		KindAwakeable, KindAwakeableResult,
		KindPromise, KindPromiseResult, KindPromisePeek, KindPromiseComplete,
		KindGetState, KindStateKeys, KindSetState, KindClearState, KindClearAllState,
		KindCombinator, KindCancel:
		return true
	}
	return false
}

// Failure is a terminal failure recorded in place of a value.
type Failure struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%d: %s", f.Code, f.Message)
}

// Entry is one immutable journal record.
type Entry struct {
	Seq     int64           `json:"seq"`
	Kind    Kind            `json:"kind"`
	Name    string          `json:"name,omitempty"`
	Ref     int64           `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Failure *Failure        `json:"failure,omitempty"`
}

// Failed reports whether the entry recorded a failure.
func (e Entry) Failed() bool {
	return e.Failure != nil
}
