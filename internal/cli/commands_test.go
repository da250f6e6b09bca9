package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durex/internal/journal"
	"github.com/roach88/durex/internal/store"
)

func TestSendThenAttach(t *testing.T) {
	env := newCLIEnv(t)

	id := env.mustRun("send", "Greeter/greet", "--args", `{"name":"Ada"}`)
	require.NotEmpty(t, id)

	// send does not start the runtime.
	out := env.mustRun("journal", id)
	assert.Contains(t, out, id+" Greeter/greet")
	assert.Contains(t, out, "status:   pending")

	_, err := env.run("attach", id, "--no-wait")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out = env.mustRun("attach", id)
	assert.JSONEq(t, `{"message":"You said hi to Ada!"}`, out)

	out = env.mustRun("attach", id, "--no-wait")
	assert.JSONEq(t, `{"message":"You said hi to Ada!"}`, out)

	out = env.mustRun("journal", id)
	assert.Contains(t, out, "status:   completed")
	assert.Contains(t, out, "(empty journal)")
}

func TestAttachUnknownInvocation(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run("attach", "inv_missing", "--no-wait")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, ErrCodeNotFound)
}

func TestSignupThroughPromise(t *testing.T) {
	env := newCLIEnv(t)

	id := env.mustRun("send", "Signup/alice/run", "--args", `{"email":"alice@example.com"}`)
	assert.Contains(t, env.mustRun("resolve", "Signup/alice/verified", "--value", "true"), "resolved promise Signup/alice/verified")

	out := env.mustRun("attach", id)
	assert.JSONEq(t, `{"email":"alice@example.com","verified":true}`, out)

	out = env.mustRun("invoke", "Signup/alice/status")
	assert.JSONEq(t, `"verified"`, out)

	// Promises complete once.
	out, err := env.run("resolve", "Signup/alice/verified", "--value", "false")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, ErrCodeConflict)

	out = env.mustRun("--format", "json", "journal", id)
	var resp struct {
		Data JournalView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, store.StatusCompleted, resp.Data.Status)
	assert.Equal(t, "Signup/alice/run", resp.Data.Target)

	kinds := make([]journal.Kind, 0, len(resp.Data.Entries))
	for _, e := range resp.Data.Entries {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, journal.KindRandom)
	assert.Contains(t, kinds, journal.KindRun)
	assert.Contains(t, kinds, journal.KindPromiseResult)
	assert.Contains(t, kinds, journal.KindCombinator)

	assert.Contains(t, env.mustRun("verify"), "OK: 2 journals verified")
	assert.Contains(t, env.mustRun("verify", id), "OK: 1 journals verified")
}

func TestJournalDigestMatchesVerify(t *testing.T) {
	env := newCLIEnv(t)

	id := env.mustRun("send", "Signup/erin/run", "--args", `{"email":"erin@example.com"}`)
	env.mustRun("resolve", "Signup/erin/verified", "--value", "true")
	env.mustRun("attach", id)

	var view struct {
		Data JournalView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(env.mustRun("--format", "json", "journal", id)), &view))
	require.Len(t, view.Data.Digest, 64)

	var verified struct {
		Data []VerifyResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(env.mustRun("--format", "json", "verify", id)), &verified))
	require.Len(t, verified.Data, 1)
	assert.Equal(t, view.Data.Digest, verified.Data[0].Digest)

	want, err := journal.Digest(view.Data.Entries)
	require.NoError(t, err)
	assert.Equal(t, want, view.Data.Digest)

	assert.Contains(t, env.mustRun("journal", id), "digest:   "+want)
}

func TestRejectPromise(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun("reject", "Signup/dan/verified", "--reason", "blocked")
	assert.Equal(t, "rejected promise Signup/dan/verified", out)

	out, err := env.run("resolve", "Signup/dan/verified")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, ErrCodeConflict)
}

func TestResolveInvalidArguments(t *testing.T) {
	env := newCLIEnv(t)

	for _, args := range [][]string{
		{"resolve", "not-an-id"},
		{"resolve", "Greeter/greet"},
		{"resolve", "Signup/alice/verified", "--value", "{nope"},
		{"reject", "Signup"},
	} {
		_, err := env.run(args...)
		require.Error(t, err, "%v", args)
		assert.Equal(t, ExitCommandError, GetExitCode(err), "%v", args)
	}

	out, err := env.run("resolve", "awk_inv_missing.1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, ErrCodeNotFound)
}

func TestCancelInvocation(t *testing.T) {
	env := newCLIEnv(t)

	id := env.mustRun("send", "Signup/carol/run", "--args", `{"email":"carol@example.com"}`)
	assert.Contains(t, env.mustRun("cancel", id), "cancellation requested")

	out, err := env.run("attach", id)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, ErrCodeCancelled)

	out = env.mustRun("journal", id)
	assert.Contains(t, out, "status:   cancelled")

	out, err = env.run("cancel", id)
	require.Error(t, err)
	assert.Contains(t, out, ErrCodeConflict)
}

func TestVerifyUnknownInvocation(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run("verify", "inv_missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, ErrCodeNotFound)
}

func TestFormatViolations(t *testing.T) {
	out := formatViolations([]VerifyResult{
		{InvocationID: "inv_1", Entries: 2},
		{InvocationID: "inv_2", Entries: 3, Violations: []journal.Violation{
			{Seq: 3, Message: "expected seq 2"},
		}},
	})
	assert.Equal(t, "inv_2: 1 violations\n  seq 3: expected seq 2\n", out)
}

func TestPurgeArchivesFinishedInvocations(t *testing.T) {
	env := newCLIEnv(t)
	dir := t.TempDir()
	cfg := filepath.Join(dir, "durex.cue")
	require.NoError(t, os.WriteFile(cfg, []byte(fmt.Sprintf("archive: %s\n", strconv.Quote(filepath.Join(dir, "archive.db")))), 0o644))

	out := env.mustRun("--config", cfg, "--format", "json", "invoke", "Greeter/greet", "--args", `{"name":"Eve"}`)
	var resp struct {
		Data InvocationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	id := resp.Data.InvocationID

	assert.Equal(t, "purged 0 invocations", env.mustRun("--config", cfg, "purge", "--older-than", "1h"))
	assert.Equal(t, "purged 1 invocations", env.mustRun("--config", cfg, "purge"))

	out = env.mustRun("--config", cfg, "journal", id)
	assert.Contains(t, out, "status:   completed (archived)")

	assert.Equal(t, id+" Greeter/greet completed entries=0", env.mustRun("--config", cfg, "archive"))

	out = env.mustRun("--config", cfg, "--format", "json", "archive")
	var listing struct {
		Data []ArchivedInvocation `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listing))
	require.Len(t, listing.Data, 1)
	assert.Equal(t, id, listing.Data[0].ID)
	assert.NotEmpty(t, listing.Data[0].Digest)

	// Without the archive the invocation is gone.
	_, err := env.run("journal", id)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = env.run("archive")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = env.run("purge", "--older-than", "-1s")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
