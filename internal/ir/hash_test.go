package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestHashDeterminism(t *testing.T) {
	req := []byte(`{"name":"Ada","count":2}`)

	h1, err := RequestHash("Greeter//greet", req)
	require.NoError(t, err)

	h2, err := RequestHash("Greeter//greet", req)
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "RequestHash must be deterministic")
	assert.Len(t, h1, 64, "SHA-256 hex is 64 characters")
}

func TestRequestHashIgnoresKeyOrderAndWhitespace(t *testing.T) {
	h1 := MustRequestHash("Counter/a/add", []byte(`{"a":1,"b":2}`))
	h2 := MustRequestHash("Counter/a/add", []byte("{ \"b\": 2,\n \"a\": 1 }"))

	assert.Equal(t, h1, h2)
}

func TestRequestHashChangesWithInput(t *testing.T) {
	base := MustRequestHash("Counter/a/add", []byte(`5`))

	assert.NotEqual(t, base, MustRequestHash("Counter/b/add", []byte(`5`)), "different key")
	assert.NotEqual(t, base, MustRequestHash("Counter/a/get", []byte(`5`)), "different handler")
	assert.NotEqual(t, base, MustRequestHash("Counter/a/add", []byte(`6`)), "different request")
}

func TestRequestHashBoundary(t *testing.T) {
	// The separator keeps target and request from bleeding into each other.
	h1 := MustRequestHash("ab", []byte(`"c"`))
	h2 := MustRequestHash("a", []byte(`"bc"`))
	assert.NotEqual(t, h1, h2)
}

func TestRequestHashInvalidJSON(t *testing.T) {
	_, err := RequestHash("Greeter//greet", []byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RequestHash")

	assert.Panics(t, func() { MustRequestHash("Greeter//greet", []byte(`{`)) })
}

func TestDomainSeparation(t *testing.T) {
	req, err := RequestHash("", []byte(`null`))
	require.NoError(t, err)
	entry, err := EntryHash("", "", []byte(`null`))
	require.NoError(t, err)

	assert.NotEqual(t, req, entry, "domains must separate identical data")
}

func TestEntryHash(t *testing.T) {
	h1, err := EntryHash("run", "send-email", []byte(`{"ok":true}`))
	require.NoError(t, err)
	h2, err := EntryHash("run", "send-email", []byte(`{ "ok": true }`))
	require.NoError(t, err)
	h3, err := EntryHash("run", "charge", []byte(`{"ok":true}`))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestJournalDigest(t *testing.T) {
	a, err := EntryHash("run", "charge", []byte(`1`))
	require.NoError(t, err)
	b, err := EntryHash("now", "", []byte(`1700000000000`))
	require.NoError(t, err)

	assert.Equal(t, JournalDigest([]string{a, b}), JournalDigest([]string{a, b}))
	assert.NotEqual(t, JournalDigest([]string{a, b}), JournalDigest([]string{b, a}), "order matters")
	assert.NotEqual(t, JournalDigest([]string{a}), JournalDigest([]string{a, b}))
	assert.NotEqual(t, JournalDigest(nil), a)
}
