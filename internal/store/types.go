package store

import (
	"encoding/json"
	"time"

	"github.com/roach88/durex/internal/journal"
)

// Status is the lifecycle state of an invocation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ServiceKind is how the target service serializes its invocations.
type ServiceKind string

const (
	KindService  ServiceKind = "service"
	KindObject   ServiceKind = "object"
	KindWorkflow ServiceKind = "workflow"
)

// Invocation is the durable record of one handler invocation.
type Invocation struct {
	ID          string
	Service     string
	Key         string
	Handler     string
	ServiceKind ServiceKind
	Shared      bool

	Request        json.RawMessage
	IdempotencyKey string

	// ParentID is the invocation that issued this one, if any. ParentRef is
	// the seq of the parent's call entry; it is 0 for one-way sends, which
	// deliver no result back.
	ParentID  string
	ParentRef int64

	Status          Status
	Attempts        int
	CancelRequested bool

	Output    json.RawMessage
	Failure   *journal.Failure
	LastError string

	// RunAfter is zero when the invocation may run immediately.
	RunAfter    time.Time
	CreatedAt   time.Time
	ModifiedAt  time.Time
	CompletedAt time.Time

	// Seq is the logical creation order.
	Seq int64
}

// IdempotencyClaim binds (Scope, Key) to the invocation being created.
// An empty RequestHash disables the request comparison.
type IdempotencyClaim struct {
	Scope       string
	Key         string
	RequestHash string
}

// Notification is a future resolution delivered to an invocation and waiting
// to be consumed into its journal. ID gives the arrival order.
type Notification struct {
	ID           int64
	InvocationID string
	Ref          int64
	Kind         journal.Kind
	Payload      json.RawMessage
	Failure      *journal.Failure
}

// Timer is a durable timer owned by an invocation's sleep entry.
type Timer struct {
	InvocationID string
	Ref          int64
	WakeAt       time.Time
}

// PromiseKey identifies a workflow promise.
type PromiseKey struct {
	Service string
	Key     string
	Name    string
}

// Promise is a completed workflow promise.
type Promise struct {
	PromiseKey
	Payload     json.RawMessage
	Failure     *journal.Failure
	CompletedAt time.Time
}

// StateOp is the kind of a state mutation.
type StateOp string

const (
	StateSet      StateOp = "set"
	StateClear    StateOp = "clear"
	StateClearAll StateOp = "clear_all"
)

// StateMutation is a write to keyed state applied together with its journal
// entry.
type StateMutation struct {
	Service string
	Key     string
	Op      StateOp
	Name    string
	Value   json.RawMessage
}

// PromiseCompletion resolves (Failure == nil) or rejects a workflow promise.
type PromiseCompletion struct {
	PromiseKey
	Payload json.RawMessage
	Failure *journal.Failure
}

// Effects are the durable side effects of appending one journal entry. All of
// them commit in the same transaction as the entry.
type Effects struct {
	State             *StateMutation
	Child             *Invocation
	ChildClaim        *IdempotencyClaim
	Timer             *time.Time
	PromiseWaiter     *PromiseKey
	PromiseCompletion *PromiseCompletion
}

// AppendResult reports what an append did beyond writing the entry.
type AppendResult struct {
	// Entry is the entry as written. For a promise completion the payload
	// records whether this completion won.
	Entry journal.Entry

	// Notified lists invocations that received a new notification.
	Notified []string
}

// PromiseCompletedPayload is the payload of a promise_complete entry.
type PromiseCompletedPayload struct {
	Completed bool `json:"completed"`
}
