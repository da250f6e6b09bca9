package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/durex/internal/journal"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const invocationColumns = `
	id, service, object_key, handler, service_kind, shared, request, idempotency_key,
	parent_id, parent_ref, status, attempts, cancel_requested, output,
	failure_code, failure_message, last_error, run_after, created_at, modified_at,
	completed_at, seq`

// CreateInvocation inserts a new Pending invocation.
//
// When claim is non-nil the idempotency key is claimed in the same
// transaction. If the key is already claimed, no invocation is created and
// the existing invocation id is returned with created=false. A claim whose
// request hash differs from the recorded one returns ErrIdempotencyConflict.
func (s *Store) CreateInvocation(ctx context.Context, inv Invocation, claim *IdempotencyClaim) (id string, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("create invocation: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	id, created, err = s.createInvocation(ctx, tx, inv, claim)
	if err != nil {
		return "", false, err
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("create invocation: commit: %w", err)
	}
	return id, created, nil
}

func (s *Store) createInvocation(ctx context.Context, q querier, inv Invocation, claim *IdempotencyClaim) (string, bool, error) {
	if claim != nil {
		existing, hash, ok, err := lookupIdempotency(ctx, q, claim.Scope, claim.Key)
		if err != nil {
			return "", false, fmt.Errorf("create invocation: %w", err)
		}
		if ok {
			if claim.RequestHash != "" && hash != "" && hash != claim.RequestHash {
				return existing, false, fmt.Errorf("create invocation %s/%s: %w", claim.Scope, claim.Key, ErrIdempotencyConflict)
			}
			return existing, false, nil
		}
	}

	request, err := marshalPayload(inv.Request)
	if err != nil {
		return "", false, fmt.Errorf("create invocation: request: %w", err)
	}
	if !request.Valid {
		request = sql.NullString{String: "null", Valid: true}
	}

	now := s.nowMillis()
	_, err = q.ExecContext(ctx, `
		INSERT INTO invocations
		(id, service, object_key, handler, service_kind, shared, request, idempotency_key,
		 parent_id, parent_ref, status, run_after, created_at, modified_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inv.ID,
		inv.Service,
		inv.Key,
		inv.Handler,
		string(inv.ServiceKind),
		boolInt(inv.Shared),
		request.String,
		inv.IdempotencyKey,
		inv.ParentID,
		inv.ParentRef,
		string(StatusPending),
		toMillis(inv.RunAfter),
		now,
		now,
		inv.Seq,
	)
	if err != nil {
		return "", false, fmt.Errorf("create invocation: %w", err)
	}

	if claim != nil {
		_, err = q.ExecContext(ctx, `
			INSERT INTO idempotency (scope, key, invocation_id, request_hash)
			VALUES (?, ?, ?, ?)
		`, claim.Scope, claim.Key, inv.ID, claim.RequestHash)
		if err != nil {
			return "", false, fmt.Errorf("create invocation: claim idempotency key: %w", err)
		}
	}

	return inv.ID, true, nil
}

// LookupIdempotency returns the invocation holding an idempotency key.
func (s *Store) LookupIdempotency(ctx context.Context, scope, key string) (string, bool, error) {
	id, _, ok, err := lookupIdempotency(ctx, s.db, scope, key)
	if err != nil {
		return "", false, fmt.Errorf("lookup idempotency: %w", err)
	}
	return id, ok, nil
}

func lookupIdempotency(ctx context.Context, q querier, scope, key string) (id, hash string, ok bool, err error) {
	err = q.QueryRowContext(ctx, `
		SELECT invocation_id, request_hash FROM idempotency WHERE scope = ? AND key = ?
	`, scope, key).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return id, hash, true, nil
}

// ReadInvocation returns the invocation with the given id.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadInvocation(ctx context.Context, id string) (Invocation, error) {
	return readInvocation(ctx, s.db, id)
}

func readInvocation(ctx context.Context, q querier, id string) (Invocation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+invocationColumns+` FROM invocations WHERE id = ?`, id)
	inv, err := scanInvocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Invocation{}, fmt.Errorf("invocation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Invocation{}, fmt.Errorf("read invocation %s: %w", id, err)
	}
	return inv, nil
}

// ListInvocations returns invocations in any of the given statuses, ordered
// by seq. With no statuses, all invocations are returned.
//
// Returns an empty slice (not nil) if none match.
func (s *Store) ListInvocations(ctx context.Context, statuses ...Status) ([]Invocation, error) {
	query := `SELECT ` + invocationColumns + ` FROM invocations`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY seq ASC, id COLLATE BINARY ASC`

	return s.queryInvocations(ctx, query, args...)
}

// ListChildren returns invocations issued by parentID, ordered by seq.
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]Invocation, error) {
	return s.queryInvocations(ctx, `
		SELECT `+invocationColumns+` FROM invocations
		WHERE parent_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, parentID)
}

// ListFinished returns terminal invocations completed before the cutoff.
func (s *Store) ListFinished(ctx context.Context, before time.Time) ([]Invocation, error) {
	return s.queryInvocations(ctx, `
		SELECT `+invocationColumns+` FROM invocations
		WHERE status IN (?, ?, ?) AND completed_at < ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, string(StatusCompleted), string(StatusFailed), string(StatusCancelled), before.UnixMilli())
}

func (s *Store) queryInvocations(ctx context.Context, query string, args ...any) ([]Invocation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	invocations := []Invocation{}
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		invocations = append(invocations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invocations: %w", err)
	}
	return invocations, nil
}

// MarkRunning moves an invocation to Running and counts a new attempt.
func (s *Store) MarkRunning(ctx context.Context, id string) (attempt int, err error) {
	err = s.db.QueryRowContext(ctx, `
		UPDATE invocations
		SET status = ?, attempts = attempts + 1, run_after = 0, modified_at = ?
		WHERE id = ?
		RETURNING attempts
	`, string(StatusRunning), s.nowMillis(), id).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("mark running %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("mark running %s: %w", id, err)
	}
	return attempt, nil
}

// MarkSuspended moves a Running invocation to Suspended.
func (s *Store) MarkSuspended(ctx context.Context, id string) error {
	return s.updateStatus(ctx, id, StatusSuspended, `last_error = ''`)
}

// ScheduleRetry moves an invocation back to Pending after a transient
// failure. It becomes eligible to run again at runAfter.
func (s *Store) ScheduleRetry(ctx context.Context, id string, runAfter time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invocations
		SET status = ?, run_after = ?, last_error = ?, modified_at = ?
		WHERE id = ?
	`, string(StatusPending), toMillis(runAfter), lastErr, s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("schedule retry %s: %w", id, err)
	}
	return requireOneRow(res, id)
}

func (s *Store) updateStatus(ctx context.Context, id string, status Status, extra string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invocations SET status = ?, modified_at = ?, `+extra+` WHERE id = ?
	`, string(status), s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	return requireOneRow(res, id)
}

// CompleteInvocation records the final outcome of an invocation.
//
// If the invocation was created by a request-response call, the result is
// delivered to the caller as a call_result notification in the same
// transaction; notified is the caller's id in that case. Any timers and
// promise waits the invocation still owned are dropped.
//
// Returns ErrAlreadyCompleted if the invocation is already terminal.
func (s *Store) CompleteInvocation(ctx context.Context, id string, status Status, output []byte, failure *journal.Failure) (notified string, err error) {
	if !status.Terminal() {
		return "", fmt.Errorf("complete invocation %s: status %s is not terminal", id, status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("complete invocation: begin tx: %w", err)
	}
	defer tx.Rollback()

	inv, err := readInvocation(ctx, tx, id)
	if err != nil {
		return "", fmt.Errorf("complete invocation: %w", err)
	}
	if inv.Status.Terminal() {
		return "", fmt.Errorf("complete invocation %s: %w", id, ErrAlreadyCompleted)
	}

	out, err := marshalPayload(output)
	if err != nil {
		return "", fmt.Errorf("complete invocation %s: output: %w", id, err)
	}
	code, msg := failureColumns(failure)
	now := s.nowMillis()

	_, err = tx.ExecContext(ctx, `
		UPDATE invocations
		SET status = ?, output = ?, failure_code = ?, failure_message = ?,
		    run_after = 0, modified_at = ?, completed_at = ?
		WHERE id = ?
	`, string(status), out, code, msg, now, now, id)
	if err != nil {
		return "", fmt.Errorf("complete invocation %s: %w", id, err)
	}

	for _, stmt := range []string{
		`DELETE FROM timers WHERE invocation_id = ?`,
		`DELETE FROM promise_waiters WHERE invocation_id = ?`,
		`DELETE FROM notifications WHERE invocation_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return "", fmt.Errorf("complete invocation %s: cleanup: %w", id, err)
		}
	}

	if inv.ParentID != "" && inv.ParentRef > 0 {
		inserted, err := insertNotification(ctx, tx, Notification{
			InvocationID: inv.ParentID,
			Ref:          inv.ParentRef,
			Kind:         journal.KindCallResult,
			Payload:      output,
			Failure:      failure,
		})
		if err != nil {
			return "", fmt.Errorf("complete invocation %s: notify caller: %w", id, err)
		}
		if inserted {
			notified = inv.ParentID
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("complete invocation: commit: %w", err)
	}
	return notified, nil
}

// RequestCancel flags a non-terminal invocation for cancellation.
// Returns ErrAlreadyCompleted for terminal invocations.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	inv, err := s.ReadInvocation(ctx, id)
	if err != nil {
		return err
	}
	if inv.Status.Terminal() {
		return fmt.Errorf("cancel %s: %w", id, ErrAlreadyCompleted)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE invocations SET cancel_requested = 1, modified_at = ? WHERE id = ?
	`, s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	return nil
}

// PurgeInvocations deletes terminal invocations together with their
// journals, notifications and idempotency keys. Purging a workflow's primary
// run also deletes the workflow's state and promises so the workflow id can
// be reused.
//
// Non-terminal invocations in ids are skipped. Returns the number purged.
func (s *Store) PurgeInvocations(ctx context.Context, ids []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("purge: begin tx: %w", err)
	}
	defer tx.Rollback()

	purged := 0
	for _, id := range ids {
		inv, err := readInvocation(ctx, tx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("purge: %w", err)
		}
		if !inv.Status.Terminal() {
			continue
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM invocations WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("purge %s: %w", id, err)
		}

		if inv.ServiceKind == KindWorkflow && !inv.Shared {
			if _, err := tx.ExecContext(ctx, `DELETE FROM state WHERE service = ? AND object_key = ?`, inv.Service, inv.Key); err != nil {
				return 0, fmt.Errorf("purge %s: state: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM promises WHERE service = ? AND object_key = ?`, inv.Service, inv.Key); err != nil {
				return 0, fmt.Errorf("purge %s: promises: %w", id, err)
			}
		}
		purged++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("purge: commit: %w", err)
	}
	return purged, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row rowScanner) (Invocation, error) {
	var (
		inv                                         Invocation
		kind, status, request                       string
		shared, cancel                              int
		output, failureMsg                          sql.NullString
		failureCode                                 sql.NullInt64
		runAfter, createdAt, modifiedAt, completedAt int64
	)

	err := row.Scan(
		&inv.ID, &inv.Service, &inv.Key, &inv.Handler, &kind, &shared, &request, &inv.IdempotencyKey,
		&inv.ParentID, &inv.ParentRef, &status, &inv.Attempts, &cancel, &output,
		&failureCode, &failureMsg, &inv.LastError, &runAfter, &createdAt, &modifiedAt,
		&completedAt, &inv.Seq,
	)
	if err != nil {
		return Invocation{}, err
	}

	inv.ServiceKind = ServiceKind(kind)
	inv.Shared = shared != 0
	inv.Request = []byte(request)
	inv.Status = Status(status)
	inv.CancelRequested = cancel != 0
	inv.Output = unmarshalPayload(output)
	inv.Failure = scanFailure(failureCode, failureMsg)
	inv.RunAfter = fromMillis(runAfter)
	inv.CreatedAt = fromMillis(createdAt)
	inv.ModifiedAt = fromMillis(modifiedAt)
	inv.CompletedAt = fromMillis(completedAt)
	return inv, nil
}

func requireOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("invocation %s: %w", id, ErrNotFound)
	}
	return nil
}
