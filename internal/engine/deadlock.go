package engine

import (
	"context"
	"fmt"

	"github.com/roach88/durex/internal/store"
)

// wouldDeadlock reports whether a request-response call from caller to r
// would wait forever on a key lock.
//
// The caller's request-response chain (caller, its caller, and so on up to
// the first one-way send) is blocked until the call returns. If any member
// of that chain holds the target's key with a conflicting lock class, the
// callee can never be admitted:
//
//	Counter/k.add  --call-->  Counter/k.get    shared waits on exclusive
//	Counter/k.add  --call-->  Other.x  --call-->  Counter/k.reset
//
// Detection reads the chain from the store, so it sees callers that are
// suspended as well as running.
func (rt *Runtime) wouldDeadlock(ctx context.Context, caller store.Invocation, r resolved) (bool, error) {
	class := r.lockClass()
	if class == lockNone {
		return false, nil
	}

	visited := make(map[string]bool)
	cur := caller
	for {
		if visited[cur.ID] {
			return false, fmt.Errorf("call chain of %s revisits %s", caller.ID, cur.ID)
		}
		visited[cur.ID] = true

		if cur.Service == r.target.Service && cur.Key == r.target.Key &&
			conflicts(classFor(cur.ServiceKind, cur.Shared), class) {
			return true, nil
		}

		if cur.ParentID == "" || cur.ParentRef == 0 {
			return false, nil
		}
		parent, err := rt.store.ReadInvocation(ctx, cur.ParentID)
		if err != nil {
			return false, fmt.Errorf("deadlock check: %w", err)
		}
		cur = parent
	}
}
