package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/durex/internal/journal"
)

// CompletePromise resolves or rejects a workflow promise from outside the
// workflow. The first completion wins; later ones return completed=false.
// notified lists the invocations woken by the completion.
func (s *Store) CompletePromise(ctx context.Context, pc PromiseCompletion) (completed bool, notified []string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("complete promise: begin tx: %w", err)
	}
	defer tx.Rollback()

	completed, notified, err = s.completePromise(ctx, tx, pc)
	if err != nil {
		return false, nil, err
	}

	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("complete promise: commit: %w", err)
	}
	return completed, notified, nil
}

func (s *Store) completePromise(ctx context.Context, q querier, pc PromiseCompletion) (bool, []string, error) {
	payload, err := marshalPayload(pc.Payload)
	if err != nil {
		return false, nil, fmt.Errorf("complete promise %s: %w", pc.Name, err)
	}
	code, msg := failureColumns(pc.Failure)

	res, err := q.ExecContext(ctx, `
		INSERT INTO promises (service, object_key, name, payload, failure_code, failure_message, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(service, object_key, name) DO NOTHING
	`, pc.Service, pc.Key, pc.Name, payload, code, msg, s.nowMillis())
	if err != nil {
		return false, nil, fmt.Errorf("complete promise %s: %w", pc.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("complete promise %s: %w", pc.Name, err)
	}
	if n == 0 {
		return false, []string{}, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT invocation_id, ref FROM promise_waiters
		WHERE service = ? AND object_key = ? AND name = ?
		ORDER BY invocation_id, ref
	`, pc.Service, pc.Key, pc.Name)
	if err != nil {
		return false, nil, fmt.Errorf("complete promise %s: waiters: %w", pc.Name, err)
	}
	type waiter struct {
		id  string
		ref int64
	}
	var waiters []waiter
	for rows.Next() {
		var w waiter
		if err := rows.Scan(&w.id, &w.ref); err != nil {
			rows.Close()
			return false, nil, fmt.Errorf("complete promise %s: scan waiter: %w", pc.Name, err)
		}
		waiters = append(waiters, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, nil, fmt.Errorf("complete promise %s: waiters: %w", pc.Name, err)
	}

	notified := []string{}
	for _, w := range waiters {
		inserted, err := insertNotification(ctx, q, Notification{
			InvocationID: w.id,
			Ref:          w.ref,
			Kind:         journal.KindPromiseResult,
			Payload:      pc.Payload,
			Failure:      pc.Failure,
		})
		if err != nil {
			return false, nil, fmt.Errorf("complete promise %s: notify: %w", pc.Name, err)
		}
		if inserted {
			notified = append(notified, w.id)
		}
	}

	_, err = q.ExecContext(ctx, `
		DELETE FROM promise_waiters WHERE service = ? AND object_key = ? AND name = ?
	`, pc.Service, pc.Key, pc.Name)
	if err != nil {
		return false, nil, fmt.Errorf("complete promise %s: %w", pc.Name, err)
	}

	return true, notified, nil
}

// ReadPromise returns a completed promise. ok is false while it is pending.
func (s *Store) ReadPromise(ctx context.Context, key PromiseKey) (Promise, bool, error) {
	return readPromise(ctx, s.db, key)
}

func readPromise(ctx context.Context, q querier, key PromiseKey) (Promise, bool, error) {
	var (
		p           = Promise{PromiseKey: key}
		payload     sql.NullString
		code        sql.NullInt64
		msg         sql.NullString
		completedAt int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT payload, failure_code, failure_message, completed_at
		FROM promises WHERE service = ? AND object_key = ? AND name = ?
	`, key.Service, key.Key, key.Name).Scan(&payload, &code, &msg, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Promise{}, false, nil
	}
	if err != nil {
		return Promise{}, false, fmt.Errorf("read promise %s: %w", key.Name, err)
	}
	p.Payload = unmarshalPayload(payload)
	p.Failure = scanFailure(code, msg)
	p.CompletedAt = fromMillis(completedAt)
	return p, true, nil
}

// registerPromiseWaiter records that (invocationID, ref) waits on a promise.
// If the promise is already complete the notification is written instead and
// notified is true.
func registerPromiseWaiter(ctx context.Context, q querier, key PromiseKey, invocationID string, ref int64) (notified bool, err error) {
	p, done, err := readPromise(ctx, q, key)
	if err != nil {
		return false, err
	}
	if done {
		return insertNotification(ctx, q, Notification{
			InvocationID: invocationID,
			Ref:          ref,
			Kind:         journal.KindPromiseResult,
			Payload:      p.Payload,
			Failure:      p.Failure,
		})
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO promise_waiters (service, object_key, name, invocation_id, ref)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(invocation_id, ref) DO NOTHING
	`, key.Service, key.Key, key.Name, invocationID, ref)
	if err != nil {
		return false, fmt.Errorf("register promise waiter %s: %w", key.Name, err)
	}
	return false, nil
}
