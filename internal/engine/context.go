package engine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/durex/internal/ir"
	"github.com/roach88/durex/internal/journal"
	"github.com/roach88/durex/internal/store"
)

// Context is the handler's view of its invocation. Every operation that is
// not deterministic goes through it so it can be journaled and replayed.
//
// The embedded context.Context is cancelled when the invocation is
// cancelled while running. A Context must not be used from other goroutines
// or after the handler returns.
type Context interface {
	context.Context

	InvocationID() string
	Service() string
	Key() string
	Handler() string

	// Log returns a logger that is silent while the journal is replaying.
	Log() *slog.Logger

	// Run executes fn once and journals its result. On replay fn is not
	// called and the recorded result is returned.
	//
	// A transient error from fn is returned but not journaled; the attempt
	// is then retried unless the handler returns a terminal error.
	Run(name string, fn RunFunc) (json.RawMessage, error)

	Rand() *Rand
	Now() time.Time

	Sleep(d time.Duration) error
	After(d time.Duration) DurableFuture

	Call(target Target, request any) DurableFuture
	Send(target Target, request any, delay time.Duration) (string, error)

	// Awakeable creates a future resolved from outside the runtime by id.
	Awakeable() (string, DurableFuture)

	Get(key string) (json.RawMessage, bool, error)
	Set(key string, value any) error
	Clear(key string) error
	ClearAll() error
	Keys() ([]string, error)

	Promise(name string) DurableFuture
	PeekPromise(name string) (json.RawMessage, bool, error)
	ResolvePromise(name string, value any) error
	RejectPromise(name, reason string) error

	// All waits for every future, failing on the first rejection observed.
	All(futures ...DurableFuture) ([]json.RawMessage, error)

	// Any returns the index and value of the first future to succeed. It
	// fails only when every future rejects.
	Any(futures ...DurableFuture) (int, json.RawMessage, error)
}

// RunFunc is a side effect executed by Context.Run.
type RunFunc func(ctx context.Context) (any, error)

// RunAs runs a typed side effect.
func RunAs[T any](ctx Context, name string, fn func(context.Context) (T, error)) (T, error) {
	raw, err := ctx.Run(name, func(c context.Context) (any, error) {
		v, err := fn(c)
		return v, err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeResult[T](raw)
}

// GetAs reads a typed state value.
func GetAs[T any](ctx Context, key string) (T, bool, error) {
	var zero T
	raw, ok, err := ctx.Get(key)
	if err != nil || !ok {
		return zero, ok, err
	}
	v, err := decodeResult[T](raw)
	return v, true, err
}

// decodeResult decodes a journaled value. A value that no longer decodes is
// a terminal failure: retrying would replay the same bytes.
func decodeResult[T any](raw json.RawMessage) (T, error) {
	v, err := Decode[T](raw)
	if err != nil {
		return v, NewTerminalError(err, CodeInternal)
	}
	return v, nil
}

// suspendSignal unwinds the handler when it awaits unresolved futures.
type suspendSignal struct {
	refs []int64
}

// abortSignal unwinds the handler when the attempt cannot continue.
type abortSignal struct {
	err error
}

type resolution struct {
	payload json.RawMessage
	failure *journal.Failure
	seq     int64
}

func (r resolution) result() (json.RawMessage, error) {
	if r.failure != nil {
		return nil, errorOf(r.failure)
	}
	return r.payload, nil
}

// presence is the payload of entries that observe a value that may be
// absent.
type presence struct {
	Present bool            `json:"present"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// invocationContext is the Context of one attempt.
type invocationContext struct {
	context.Context

	rt       *Runtime
	storeCtx context.Context
	inv      store.Invocation
	target   resolved
	journal  *journal.Journal

	// notes holds undelivered notifications by ref; arrival keeps their
	// arrival order.
	notes   map[int64]store.Notification
	arrival []store.Notification

	resolved map[int64]resolution
	state    map[string]json.RawMessage

	logger *slog.Logger
	rand   *Rand

	cancelFlag      *atomic.Bool
	cancelDelivered bool

	inRun bool
	taint error
}

func (c *invocationContext) InvocationID() string { return c.inv.ID }
func (c *invocationContext) Service() string      { return c.inv.Service }
func (c *invocationContext) Key() string          { return c.inv.Key }
func (c *invocationContext) Handler() string      { return c.inv.Handler }
func (c *invocationContext) Log() *slog.Logger    { return c.logger }

func (c *invocationContext) abort(err error) {
	panic(abortSignal{err: err})
}

func (c *invocationContext) suspend(refs ...int64) {
	panic(suspendSignal{refs: refs})
}

func (c *invocationContext) checkUsable() {
	if c.inRun {
		c.abort(NewTerminalError(errors.New("context used inside Run"), CodeInternal))
	}
	if c.taint != nil {
		c.abort(c.taint)
	}
}

// expect consumes the recorded entry for the operation being performed.
// ok is false once the journal is live.
func (c *invocationContext) expect(kind journal.Kind, name string) (journal.Entry, bool) {
	c.checkUsable()
	e, ok, err := c.journal.Expect(kind, name)
	if err != nil {
		c.abort(err)
	}
	return e, ok
}

// record appends e with its effects and returns it as stored.
func (c *invocationContext) record(e journal.Entry, fx store.Effects) journal.Entry {
	if err := c.journal.CanRecord(); err != nil {
		c.abort(err)
	}
	e.Seq = c.journal.Next()

	res, err := c.rt.store.AppendEntry(c.storeCtx, c.inv.ID, e, fx)
	if err != nil {
		c.abort(fmt.Errorf("journal %s: %w", e.Kind, err))
	}
	if _, err := c.journal.Record(res.Entry); err != nil {
		c.abort(err)
	}

	for _, id := range res.Notified {
		if id == c.inv.ID {
			c.loadNotifications()
			continue
		}
		c.rt.notify(id)
	}
	return res.Entry
}

func (c *invocationContext) loadNotifications() {
	notes, err := c.rt.store.ReadNotifications(c.storeCtx, c.inv.ID)
	if err != nil {
		c.abort(err)
	}
	c.arrival = notes
	c.notes = make(map[int64]store.Notification, len(notes))
	for _, n := range notes {
		c.notes[n.Ref] = n
	}
}

func (c *invocationContext) cancelRequested() bool {
	return c.inv.CancelRequested || c.cancelFlag.Load()
}

// deliverCancel records the cancellation at the current await point, once.
func (c *invocationContext) deliverCancel() bool {
	if c.cancelDelivered || !c.cancelRequested() {
		return false
	}
	c.record(journal.Entry{Kind: journal.KindCancel}, store.Effects{})
	c.cancelDelivered = true
	return true
}

// replayCancel consumes a recorded cancellation if it is next.
func (c *invocationContext) replayCancel() bool {
	e, ok := c.journal.Peek()
	if !ok || e.Kind != journal.KindCancel {
		return false
	}
	c.journal.ReplayNext()
	c.cancelDelivered = true
	return true
}

func (c *invocationContext) Run(name string, fn RunFunc) (json.RawMessage, error) {
	if e, ok := c.expect(journal.KindRun, name); ok {
		if e.Failure != nil {
			return nil, errorOf(e.Failure)
		}
		return e.Payload, nil
	}

	v, err := c.runSideEffect(fn)
	if err != nil {
		if !IsTerminal(err) {
			c.taint = err
			return nil, err
		}
		f := failureOf(err)
		c.record(journal.Entry{Kind: journal.KindRun, Name: name, Failure: f}, store.Effects{})
		return nil, errorOf(f)
	}

	payload, err := ir.MarshalCanonical(v)
	if err != nil {
		f := &journal.Failure{Code: CodeInternal, Message: fmt.Sprintf("encode %s result: %v", name, err)}
		c.record(journal.Entry{Kind: journal.KindRun, Name: name, Failure: f}, store.Effects{})
		return nil, errorOf(f)
	}
	c.record(journal.Entry{Kind: journal.KindRun, Name: name, Payload: payload}, store.Effects{})
	return payload, nil
}

func (c *invocationContext) runSideEffect(fn RunFunc) (any, error) {
	c.inRun = true
	defer func() { c.inRun = false }()
	return fn(c.Context)
}

func (c *invocationContext) Rand() *Rand {
	return c.rand
}

func (c *invocationContext) Now() time.Time {
	if e, ok := c.expect(journal.KindNow, ""); ok {
		ms, err := strconv.ParseInt(string(e.Payload), 10, 64)
		if err != nil {
			c.abort(NewTerminalError(fmt.Errorf("decode timestamp: %w", err), CodeInternal))
		}
		return time.UnixMilli(ms).UTC()
	}

	ms := c.rt.wall.Now().UnixMilli()
	c.record(journal.Entry{
		Kind:    journal.KindNow,
		Payload: json.RawMessage(strconv.FormatInt(ms, 10)),
	}, store.Effects{})
	return time.UnixMilli(ms).UTC()
}

// Rand is a deterministic random source. Draws are journaled so replay
// returns the same values.
type Rand struct {
	c   *invocationContext
	src *rand.Rand
}

// newRand seeds a PCG source from the invocation id.
func newRand(c *invocationContext) *Rand {
	sum := sha256.Sum256([]byte(c.inv.ID))
	return &Rand{
		c:   c,
		src: rand.New(rand.NewPCG(binary.BigEndian.Uint64(sum[:8]), binary.BigEndian.Uint64(sum[8:16]))),
	}
}

// Uint64 returns a random uint64.
func (r *Rand) Uint64() uint64 {
	// The source advances on replay too, so live draws after replay continue
	// the same sequence.
	v := r.src.Uint64()

	if e, ok := r.c.expect(journal.KindRandom, "uint64"); ok {
		recorded, err := strconv.ParseUint(string(e.Payload), 10, 64)
		if err != nil {
			r.c.abort(NewTerminalError(fmt.Errorf("decode random value: %w", err), CodeInternal))
		}
		return recorded
	}

	r.c.record(journal.Entry{
		Kind:    journal.KindRandom,
		Name:    "uint64",
		Payload: json.RawMessage(strconv.FormatUint(v, 10)),
	}, store.Effects{})
	return v
}

// Intn returns a random int in [0, n). It panics if n <= 0.
func (r *Rand) Intn(n int) int {
	if n <= 0 {
		panic("invalid argument to Intn")
	}
	return int(r.Uint64() % uint64(n))
}

// Float64 returns a random float64 in [0.0, 1.0).
func (r *Rand) Float64() float64 {
	return float64(r.Uint64()>>11) / (1 << 53)
}

// UUID returns a random (version 4) UUID built from two draws.
func (r *Rand) UUID() uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint64(u[:8], r.Uint64())
	binary.BigEndian.PutUint64(u[8:], r.Uint64())
	u[6] = (u[6] & 0x0f) | 0x40
	u[8] = (u[8] & 0x3f) | 0x80
	return u
}

// replayHandler drops log records while the journal is replaying, so each
// line is logged once across all attempts.
type replayHandler struct {
	inner     slog.Handler
	replaying func() bool
}

func (h *replayHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return !h.replaying() && h.inner.Enabled(ctx, level)
}

func (h *replayHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *replayHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &replayHandler{inner: h.inner.WithAttrs(attrs), replaying: h.replaying}
}

func (h *replayHandler) WithGroup(name string) slog.Handler {
	return &replayHandler{inner: h.inner.WithGroup(name), replaying: h.replaying}
}
