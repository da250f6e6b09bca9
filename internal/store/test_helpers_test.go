package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

var testNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// createTestStore creates a new temp-dir store for testing with a fixed clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithNow(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestInvocation creates a test invocation with minimal required fields.
func createTestInvocation(id, service, key, handler string, seq int64) Invocation {
	kind := KindService
	if key != "" {
		kind = KindObject
	}
	return Invocation{
		ID:          id,
		Service:     service,
		Key:         key,
		Handler:     handler,
		ServiceKind: kind,
		Request:     json.RawMessage(`{}`),
		Seq:         seq,
	}
}
