package engine

import (
	"github.com/roach88/durex/internal/store"
)

// lockClass is the kind of key lock an invocation needs.
type lockClass int

const (
	lockNone lockClass = iota
	lockShared
	lockExclusive
)

// classFor returns the lock class for a handler of the given service kind.
//
// Services are unlocked. Workflow shared handlers are unlocked too: they only
// read state and complete promises, and must be able to reach a run that is
// suspended waiting on one of those promises.
func classFor(kind store.ServiceKind, shared bool) lockClass {
	switch kind {
	case store.KindObject:
		if shared {
			return lockShared
		}
		return lockExclusive
	case store.KindWorkflow:
		if shared {
			return lockNone
		}
		return lockExclusive
	default:
		return lockNone
	}
}

// conflicts reports whether two holders of a key could not hold it together.
func conflicts(a, b lockClass) bool {
	if a == lockNone || b == lockNone {
		return false
	}
	return a == lockExclusive || b == lockExclusive
}

func lockKey(service, key string) string {
	return service + "/" + key
}

type lockRequest struct {
	id    string
	class lockClass
}

type keyLock struct {
	exclusive string
	shared    map[string]bool
	queue     []lockRequest
}

func (l *keyLock) compatible(class lockClass) bool {
	if l.exclusive != "" {
		return false
	}
	return class == lockShared || len(l.shared) == 0
}

func (l *keyLock) grant(req lockRequest) {
	if req.class == lockExclusive {
		l.exclusive = req.id
	} else {
		l.shared[req.id] = true
	}
}

func (l *keyLock) idle() bool {
	return l.exclusive == "" && len(l.shared) == 0 && len(l.queue) == 0
}

// router admits invocations to object and workflow keys.
//
// An exclusive holder keeps its key while Running, Suspended, or Pending in
// retry backoff, and releases it only on completion. Requests are granted in
// FIFO order: a compatible request still waits behind an earlier queued one,
// so a stream of shared handlers cannot starve an exclusive one. The one
// exception is AcquireNested.
//
// Thread-safety: owned by the scheduler loop; not safe for concurrent use.
type router struct {
	keys map[string]*keyLock
}

func newRouter() *router {
	return &router{keys: make(map[string]*keyLock)}
}

// Acquire requests key for id. Returns true if granted now; otherwise the
// request is queued and will be returned by a later Release.
func (r *router) Acquire(id, key string, class lockClass) bool {
	if class == lockNone {
		return true
	}

	l := r.keys[key]
	if l == nil {
		l = &keyLock{shared: make(map[string]bool)}
		r.keys[key] = l
	}

	req := lockRequest{id: id, class: class}
	if len(l.queue) == 0 && l.compatible(class) {
		l.grant(req)
		return true
	}
	l.queue = append(l.queue, req)
	return false
}

// AcquireNested grants a shared request ahead of the queue. It is used for
// a callee whose caller chain already holds key shared: queueing it behind
// an exclusive request would deadlock, because that request waits for the
// caller, which waits for the callee. Returns false if key is held
// exclusively.
func (r *router) AcquireNested(id, key string) bool {
	l := r.keys[key]
	if l == nil || l.exclusive != "" {
		return false
	}
	l.grant(lockRequest{id: id, class: lockShared})
	return true
}

// Release drops id's hold on key (or its queued request) and returns the ids
// granted as a result, in grant order.
func (r *router) Release(id, key string) []string {
	l := r.keys[key]
	if l == nil {
		return nil
	}

	switch {
	case l.exclusive == id:
		l.exclusive = ""
	case l.shared[id]:
		delete(l.shared, id)
	default:
		r.dequeue(l, id)
	}

	var granted []string
	for len(l.queue) > 0 && l.compatible(l.queue[0].class) {
		req := l.queue[0]
		l.queue = l.queue[1:]
		l.grant(req)
		granted = append(granted, req.id)
	}

	if l.idle() {
		delete(r.keys, key)
	}
	return granted
}

func (r *router) dequeue(l *keyLock, id string) {
	for i, req := range l.queue {
		if req.id == id {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
}

// Holds reports whether id currently holds key.
func (r *router) Holds(id, key string) bool {
	l := r.keys[key]
	if l == nil {
		return false
	}
	return l.exclusive == id || l.shared[id]
}

// Waiting returns the number of queued requests for key.
func (r *router) Waiting(key string) int {
	l := r.keys[key]
	if l == nil {
		return 0
	}
	return len(l.queue)
}
