package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/durex/internal/journal"
)

// RuntimeError represents an error detected by the runtime itself rather
// than returned by handler code.
//
// RuntimeError includes structured fields for diagnostics.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// InvocationID identifies the affected invocation, if any.
	InvocationID string

	// Details contains additional context.
	Details map[string]string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeJournalMismatch indicates replay diverged from the journal.
	ErrCodeJournalMismatch RuntimeErrorCode = "JOURNAL_MISMATCH"

	// ErrCodeJournalQuota indicates a journal exceeded its length quota.
	ErrCodeJournalQuota RuntimeErrorCode = "JOURNAL_QUOTA"

	// ErrCodeUnknownTarget indicates no registered handler matches a target.
	ErrCodeUnknownTarget RuntimeErrorCode = "UNKNOWN_TARGET"

	// ErrCodeDeadlock indicates a call would wait on a key lock held by its
	// own call chain.
	ErrCodeDeadlock RuntimeErrorCode = "DEADLOCK"

	// ErrCodeStateReadOnly indicates a state write from a shared handler.
	ErrCodeStateReadOnly RuntimeErrorCode = "STATE_READONLY"

	// ErrCodeNoState indicates a state operation from a stateless service.
	ErrCodeNoState RuntimeErrorCode = "NO_STATE"

	// ErrCodeIdempotencyConflict indicates an idempotency key reused with a
	// different request.
	ErrCodeIdempotencyConflict RuntimeErrorCode = "IDEMPOTENCY_CONFLICT"

	// ErrCodeAlreadyCompleted indicates an operation on something that has
	// already been completed (invocation, awakeable or promise).
	ErrCodeAlreadyCompleted RuntimeErrorCode = "ALREADY_COMPLETED"

	// ErrCodeNotFound indicates an unknown invocation or awakeable.
	ErrCodeNotFound RuntimeErrorCode = "NOT_FOUND"

	// ErrCodeCancelled indicates the invocation was cancelled.
	ErrCodeCancelled RuntimeErrorCode = "CANCELLED"

	// ErrCodeStopped indicates the runtime is not accepting events.
	ErrCodeStopped RuntimeErrorCode = "STOPPED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.InvocationID != "" {
		return fmt.Sprintf("%s: %s (invocation=%s)", e.Code, e.Message, e.InvocationID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func hasRuntimeCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsMismatchError returns true if err reports a journal mismatch.
// Matches both RuntimeError with ErrCodeJournalMismatch and
// journal.MismatchError.
func IsMismatchError(err error) bool {
	return hasRuntimeCode(err, ErrCodeJournalMismatch) || journal.IsMismatch(err)
}

// IsQuotaError returns true if err reports an exceeded journal quota.
func IsQuotaError(err error) bool {
	return hasRuntimeCode(err, ErrCodeJournalQuota) || journal.IsLengthExceeded(err)
}

// IsDeadlockError returns true if err is a deadlock detection error.
func IsDeadlockError(err error) bool {
	return hasRuntimeCode(err, ErrCodeDeadlock)
}

// IsUnknownTarget returns true if err reports an unregistered target.
func IsUnknownTarget(err error) bool {
	return hasRuntimeCode(err, ErrCodeUnknownTarget)
}

// IsNotFound returns true if err reports an unknown invocation or awakeable.
func IsNotFound(err error) bool {
	return hasRuntimeCode(err, ErrCodeNotFound)
}

// IsAlreadyCompleted returns true if err reports a repeated completion.
func IsAlreadyCompleted(err error) bool {
	return hasRuntimeCode(err, ErrCodeAlreadyCompleted)
}

// IsIdempotencyConflict returns true if err reports an idempotency key reused
// with a different request.
func IsIdempotencyConflict(err error) bool {
	return hasRuntimeCode(err, ErrCodeIdempotencyConflict)
}

// Failure codes recorded in journals and invocation results.
const (
	CodeBadRequest      = 400
	CodeNotFound        = 404
	CodeConflict        = 409
	CodeInternal        = 500
	CodeDeadlock        = 508
	CodeJournalMismatch = 570
	CodeJournalQuota    = 571
)

// ErrCancelled is wrapped by the error returned when an invocation is
// cancelled, both inside the handler and to clients.
var ErrCancelled = errors.New("invocation cancelled")

// TerminalError is a handler error that must not be retried.
//
// Any other error returned by a handler is transient and the attempt is
// retried according to the runtime's retry policy.
type TerminalError struct {
	Code    int
	Message string
	cause   error
}

// NewTerminalError marks err as terminal with the given failure code.
// A code of 0 selects CodeInternal.
func NewTerminalError(err error, code int) *TerminalError {
	if code == 0 {
		code = CodeInternal
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &TerminalError{Code: code, Message: msg, cause: err}
}

// Error implements the error interface.
func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal error %d: %s", e.Code, e.Message)
}

// Unwrap returns the error the terminal error was created from.
func (e *TerminalError) Unwrap() error {
	return e.cause
}

// IsTerminal reports whether err (or anything it wraps) is a TerminalError.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// ErrorCode returns the failure code of a terminal error, or 0 when err is
// not terminal.
func ErrorCode(err error) int {
	var te *TerminalError
	if errors.As(err, &te) {
		return te.Code
	}
	return 0
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

func cancelledError() *TerminalError {
	return NewTerminalError(ErrCancelled, CodeConflict)
}

// terminalf builds a terminal error carrying a RuntimeError, so callers can
// use both ErrorCode and the Is* helpers on it.
func terminalf(code int, rc RuntimeErrorCode, invocationID, format string, args ...any) *TerminalError {
	return NewTerminalError(&RuntimeError{
		Code:         rc,
		Message:      fmt.Sprintf(format, args...),
		InvocationID: invocationID,
	}, code)
}

// failureOf converts a handler error into its recorded form.
func failureOf(err error) *journal.Failure {
	var te *TerminalError
	if errors.As(err, &te) {
		return &journal.Failure{Code: te.Code, Message: te.Message}
	}
	return &journal.Failure{Code: CodeInternal, Message: err.Error()}
}

// errorOf converts a recorded failure back into the error handler code sees.
func errorOf(f *journal.Failure) error {
	if f == nil {
		return nil
	}
	return &TerminalError{Code: f.Code, Message: f.Message}
}
