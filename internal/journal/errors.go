package journal

import (
	"errors"
	"fmt"
)

// MismatchError reports that a handler performed a different operation than
// the one recorded at the same position on a previous attempt.
//
// A mismatch means the handler is not deterministic. It is fatal for the
// invocation and is never retried.
type MismatchError struct {
	Seq          int64
	ExpectedKind Kind
	ExpectedName string
	ActualKind   Kind
	ActualName   string

	// Returned is set when the handler returned instead of performing the
	// recorded operation.
	Returned bool
}

func (e *MismatchError) Error() string {
	if e.Returned {
		return fmt.Sprintf("journal mismatch at seq %d: recorded %s(%q), handler returned",
			e.Seq, e.ExpectedKind, e.ExpectedName)
	}
	return fmt.Sprintf("journal mismatch at seq %d: recorded %s(%q), handler performed %s(%q)",
		e.Seq, e.ExpectedKind, e.ExpectedName, e.ActualKind, e.ActualName)
}

// IsMismatch returns true if err is a MismatchError.
// Uses errors.As to handle wrapped errors.
func IsMismatch(err error) bool {
	var me *MismatchError
	return errors.As(err, &me)
}

// LengthExceededError is returned when a journal would exceed its length
// quota. It guards against handlers that loop without bound.
type LengthExceededError struct {
	Length int
	Limit  int
}

func (e *LengthExceededError) Error() string {
	return fmt.Sprintf("journal length quota exceeded: %d entries > %d limit", e.Length, e.Limit)
}

// IsLengthExceeded returns true if err is a LengthExceededError.
func IsLengthExceeded(err error) bool {
	var le *LengthExceededError
	return errors.As(err, &le)
}
