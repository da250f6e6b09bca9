package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/durex/internal/archive"
	"github.com/roach88/durex/internal/ir"
	"github.com/roach88/durex/internal/retry"
	"github.com/roach88/durex/internal/store"
)

// DefaultConcurrency bounds the number of attempts executing at once.
const DefaultConcurrency = 16

// DefaultSweepInterval is how often the retention loop runs.
const DefaultSweepInterval = time.Minute

// Runtime is the durable-execution runtime.
//
// Thread-safety: Run must be called once. Client methods may be called from
// any goroutine, before or while Run is running; invocations they create
// start executing once Run is running.
type Runtime struct {
	store    *store.Store
	registry *Registry
	clock    *Clock
	wall     WallClock
	ids      IDGenerator
	policy   retry.Policy

	concurrency int64
	sem         *semaphore.Weighted
	maxJournal  int

	archive       *archive.Archive
	retention     time.Duration
	sweepInterval time.Duration

	queue   *eventQueue
	running atomic.Bool
	workers sync.WaitGroup

	// base is the context of the current Run. It is written before the loop
	// and worker goroutines start and never afterwards.
	base context.Context

	// Owned by the loop goroutine.
	router  *router
	active  map[string]*activeInvocation
	waiters map[string][]chan Outcome
}

// activeInvocation is the loop's view of a non-terminal invocation.
type activeInvocation struct {
	inv    store.Invocation
	target resolved
	status store.Status

	lock    string
	class   lockClass
	holding bool
	queued  bool

	attempt         *attemptHandle
	awaiting        []int64
	failures        int
	cancelRequested bool
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRetryPolicy sets the backoff applied to transient failures.
func WithRetryPolicy(p retry.Policy) RuntimeOption {
	return func(rt *Runtime) {
		rt.policy = p
	}
}

// WithConcurrency bounds the number of attempts executing at once.
func WithConcurrency(n int) RuntimeOption {
	return func(rt *Runtime) {
		if n > 0 {
			rt.concurrency = int64(n)
		}
	}
}

// WithWallClock replaces the system clock. Tests use a manual clock.
func WithWallClock(c WallClock) RuntimeOption {
	return func(rt *Runtime) {
		rt.wall = c
	}
}

// WithIDGenerator replaces the UUIDv7 invocation id generator.
func WithIDGenerator(g IDGenerator) RuntimeOption {
	return func(rt *Runtime) {
		rt.ids = g
	}
}

// WithJournalQuota bounds the number of entries in one journal.
func WithJournalQuota(n int) RuntimeOption {
	return func(rt *Runtime) {
		rt.maxJournal = n
	}
}

// WithArchive copies finished invocations into archive a before they are purged.
func WithArchive(a *archive.Archive) RuntimeOption {
	return func(rt *Runtime) {
		rt.archive = a
	}
}

// WithRetention enables the retention loop: every interval, invocations
// finished more than retention ago are archived and purged.
func WithRetention(retention, interval time.Duration) RuntimeOption {
	return func(rt *Runtime) {
		rt.retention = retention
		if interval > 0 {
			rt.sweepInterval = interval
		}
	}
}

// New creates a runtime over an open store and a registry of services.
func New(st *store.Store, reg *Registry, opts ...RuntimeOption) (*Runtime, error) {
	rt := &Runtime{
		store:         st,
		registry:      reg,
		wall:          SystemClock{},
		ids:           UUIDv7Generator{},
		policy:        retry.DefaultPolicy(),
		concurrency:   DefaultConcurrency,
		sweepInterval: DefaultSweepInterval,
		queue:         newEventQueue(),
		base:          context.Background(),
		router:        newRouter(),
		active:        make(map[string]*activeInvocation),
		waiters:       make(map[string][]chan Outcome),
	}
	for _, opt := range opts {
		opt(rt)
	}

	if err := rt.policy.Validate(); err != nil {
		return nil, fmt.Errorf("new runtime: %w", err)
	}
	rt.sem = semaphore.NewWeighted(rt.concurrency)

	seq, err := st.MaxSeq(context.Background())
	if err != nil {
		return nil, fmt.Errorf("new runtime: %w", err)
	}
	rt.clock = NewClockAt(seq)
	return rt, nil
}

// Registry returns the runtime's service registry.
func (rt *Runtime) Registry() *Registry {
	return rt.registry
}

// Store returns the runtime's store.
func (rt *Runtime) Store() *store.Store {
	return rt.store
}

// Run recovers unfinished work and then processes events until ctx is
// cancelled, and returns nil once it is. Clients still waiting when Run
// returns receive ErrCodeStopped.
//
// Cancelling ctx interrupts running attempts; their invocations stay in the
// store and are recovered by the next Run.
func (rt *Runtime) Run(ctx context.Context) error {
	if !rt.running.CompareAndSwap(false, true) {
		return errors.New("runtime already running")
	}

	slog.Info("runtime starting", "concurrency", rt.concurrency, "engine_version", ir.EngineVersion)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	rt.base = gctx

	if err := rt.recover(gctx); err != nil {
		// Stop whatever recovery already started and answer queued waiters.
		stop()
		rt.workers.Wait()
		rt.shutdown()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("recover: %w", err)
	}

	g.Go(func() error {
		return rt.loop(gctx)
	})
	if rt.retention > 0 {
		g.Go(func() error {
			return rt.sweepLoop(gctx)
		})
	}

	err := g.Wait()
	rt.workers.Wait()
	rt.shutdown()

	slog.Info("runtime stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// shutdown answers everyone still waiting on the loop.
func (rt *Runtime) shutdown() {
	stopped := &RuntimeError{Code: ErrCodeStopped, Message: "runtime stopped"}
	for _, e := range rt.queue.drain() {
		if e.Reply != nil {
			e.Reply <- Outcome{Err: stopped}
		}
		if e.Done != nil {
			e.Done <- stopped
		}
	}
	for id, chans := range rt.waiters {
		for _, ch := range chans {
			ch <- Outcome{InvocationID: id, Err: stopped}
		}
	}
	rt.waiters = nil
}

// recover resumes every non-terminal invocation: those that were running or
// suspended first so they regain their key locks, then retries, then new
// work, each in creation order. Durable timers are re-armed.
func (rt *Runtime) recover(ctx context.Context) error {
	invs, err := rt.store.ListInvocations(ctx, store.StatusRunning, store.StatusSuspended, store.StatusPending)
	if err != nil {
		return err
	}

	rank := func(inv store.Invocation) int {
		switch {
		case inv.Status != store.StatusPending:
			return 0
		case inv.Attempts > 0:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(invs, func(i, j int) bool {
		return rank(invs[i]) < rank(invs[j])
	})

	for _, inv := range invs {
		if err := rt.admitInvocation(ctx, inv); err != nil {
			return err
		}
	}

	timers, err := rt.store.ListTimers(ctx)
	if err != nil {
		return err
	}
	for _, t := range timers {
		rt.startTimer(t.InvocationID, t.Ref, t.WakeAt)
	}

	if len(invs) > 0 || len(timers) > 0 {
		slog.Info("recovered unfinished work", "invocations", len(invs), "timers", len(timers))
	}
	return nil
}

func (rt *Runtime) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		e, ok := rt.queue.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-rt.queue.ready():
				continue
			}
		}

		if err := rt.processEvent(ctx, e); err != nil {
			rt.logEventError(e, err)
		}
	}
}

// logEventError logs event processing errors with full context.
// Errors are logged but don't stop the loop (log and continue).
func (rt *Runtime) logEventError(e Event, err error) {
	slog.Error("event processing failed",
		"event_type", e.Type.String(),
		"invocation_id", e.InvocationID,
		"error", err,
	)
}

func (rt *Runtime) processEvent(ctx context.Context, e Event) error {
	switch e.Type {
	case EventTypeSubmit:
		return rt.handleSubmit(ctx, e.InvocationID)
	case EventTypeAttemptDone:
		return rt.handleAttemptDone(ctx, e.Result)
	case EventTypeNotify:
		return rt.handleNotify(ctx, e.InvocationID)
	case EventTypeCancel:
		err := rt.cancel(ctx, e.InvocationID)
		if e.Done != nil {
			e.Done <- err
		}
		return nil
	case EventTypeDue:
		return rt.handleDue(ctx, e.InvocationID)
	case EventTypeAttach:
		return rt.handleAttach(ctx, e.InvocationID, e.Reply)
	case EventTypeArmTimer:
		rt.startTimer(e.InvocationID, e.Ref, e.WakeAt)
		return nil
	default:
		return fmt.Errorf("unknown event type: %d", e.Type)
	}
}

func (rt *Runtime) enqueue(e Event) bool {
	return rt.queue.push(e)
}

func (rt *Runtime) submit(id string) {
	rt.enqueue(Event{Type: EventTypeSubmit, InvocationID: id})
}

func (rt *Runtime) notify(id string) {
	rt.enqueue(Event{Type: EventTypeNotify, InvocationID: id})
}

func (rt *Runtime) armTimer(id string, ref int64, wakeAt time.Time) {
	rt.enqueue(Event{Type: EventTypeArmTimer, InvocationID: id, Ref: ref, WakeAt: wakeAt})
}

// startTimer fires the durable timer (id, ref) at wakeAt.
func (rt *Runtime) startTimer(id string, ref int64, wakeAt time.Time) {
	rt.workers.Add(1)
	go func() {
		defer rt.workers.Done()
		if err := rt.wall.SleepUntil(rt.base, wakeAt); err != nil {
			return
		}
		fired, err := rt.store.FireTimer(rt.base, id, ref)
		if err != nil {
			slog.Error("timer failed", "invocation_id", id, "ref", ref, "error", err)
			return
		}
		if fired {
			slog.Debug("timer fired", "invocation_id", id, "ref", ref)
			rt.notify(id)
		}
	}()
}

// after enqueues a Due event for id at t.
func (rt *Runtime) after(id string, t time.Time) {
	rt.workers.Add(1)
	go func() {
		defer rt.workers.Done()
		if err := rt.wall.SleepUntil(rt.base, t); err != nil {
			return
		}
		rt.enqueue(Event{Type: EventTypeDue, InvocationID: id})
	}()
}
