package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/durex/internal/journal"
)

// AppendEntry appends one entry to an invocation's journal and commits its
// effects in the same transaction:
//   - State: the keyed-state write the entry records
//   - Child: the invocation a call or send entry creates
//   - Timer: the wake time of a sleep entry
//   - PromiseWaiter: registers the entry as waiting on a workflow promise;
//     if the promise is already complete the notification is written at once
//   - PromiseCompletion: completes a workflow promise (first writer wins) and
//     notifies every waiter
//
// A crash can never leave an entry without its effect, or an effect without
// the entry that explains it.
func (s *Store) AppendEntry(ctx context.Context, invocationID string, e journal.Entry, fx Effects) (AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, fmt.Errorf("append entry: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result := AppendResult{Notified: []string{}}

	if fx.Child != nil {
		if _, _, err := s.createInvocation(ctx, tx, *fx.Child, fx.ChildClaim); err != nil {
			return AppendResult{}, fmt.Errorf("append entry: %w", err)
		}
	}

	if fx.PromiseCompletion != nil {
		completed, notified, err := s.completePromise(ctx, tx, *fx.PromiseCompletion)
		if err != nil {
			return AppendResult{}, fmt.Errorf("append entry: %w", err)
		}
		payload, err := json.Marshal(PromiseCompletedPayload{Completed: completed})
		if err != nil {
			return AppendResult{}, fmt.Errorf("append entry: %w", err)
		}
		e.Payload = payload
		result.Notified = append(result.Notified, notified...)
	}

	if err := insertEntry(ctx, tx, invocationID, e); err != nil {
		return AppendResult{}, fmt.Errorf("append entry: %w", err)
	}

	if fx.State != nil {
		if err := applyState(ctx, tx, *fx.State); err != nil {
			return AppendResult{}, fmt.Errorf("append entry: %w", err)
		}
	}

	if fx.Timer != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO timers (invocation_id, ref, wake_at) VALUES (?, ?, ?)
			ON CONFLICT(invocation_id, ref) DO NOTHING
		`, invocationID, e.Seq, fx.Timer.UnixMilli())
		if err != nil {
			return AppendResult{}, fmt.Errorf("append entry: timer: %w", err)
		}
	}

	if fx.PromiseWaiter != nil {
		notified, err := registerPromiseWaiter(ctx, tx, *fx.PromiseWaiter, invocationID, e.Seq)
		if err != nil {
			return AppendResult{}, fmt.Errorf("append entry: %w", err)
		}
		if notified {
			result.Notified = append(result.Notified, invocationID)
		}
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("append entry: commit: %w", err)
	}

	result.Entry = e
	return result, nil
}

func insertEntry(ctx context.Context, q querier, invocationID string, e journal.Entry) error {
	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return fmt.Errorf("entry %d payload: %w", e.Seq, err)
	}
	code, msg := failureColumns(e.Failure)

	_, err = q.ExecContext(ctx, `
		INSERT INTO journal (invocation_id, seq, kind, name, ref, payload, failure_code, failure_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, invocationID, e.Seq, string(e.Kind), e.Name, e.Ref, payload, code, msg)
	if err != nil {
		return fmt.Errorf("insert entry %d: %w", e.Seq, err)
	}
	return nil
}

// ReadJournal returns an invocation's journal ordered by seq.
//
// Returns an empty slice (not nil) if no entries exist.
func (s *Store) ReadJournal(ctx context.Context, invocationID string) ([]journal.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, name, ref, payload, failure_code, failure_message
		FROM journal
		WHERE invocation_id = ?
		ORDER BY seq ASC
	`, invocationID)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	defer rows.Close()

	entries := []journal.Entry{}
	for rows.Next() {
		var (
			e       journal.Entry
			kind    string
			payload sql.NullString
			code    sql.NullInt64
			msg     sql.NullString
		)
		if err := rows.Scan(&e.Seq, &kind, &e.Name, &e.Ref, &payload, &code, &msg); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Kind = journal.Kind(kind)
		e.Payload = unmarshalPayload(payload)
		e.Failure = scanFailure(code, msg)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return entries, nil
}

// ReadEntry returns a single journal entry.
func (s *Store) ReadEntry(ctx context.Context, invocationID string, seq int64) (journal.Entry, error) {
	var (
		e       journal.Entry
		kind    string
		payload sql.NullString
		code    sql.NullInt64
		msg     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, kind, name, ref, payload, failure_code, failure_message
		FROM journal WHERE invocation_id = ? AND seq = ?
	`, invocationID, seq).Scan(&e.Seq, &kind, &e.Name, &e.Ref, &payload, &code, &msg)
	if errors.Is(err, sql.ErrNoRows) {
		return journal.Entry{}, fmt.Errorf("entry %s/%d: %w", invocationID, seq, ErrNotFound)
	}
	if err != nil {
		return journal.Entry{}, fmt.Errorf("read entry %s/%d: %w", invocationID, seq, err)
	}
	e.Kind = journal.Kind(kind)
	e.Payload = unmarshalPayload(payload)
	e.Failure = scanFailure(code, msg)
	return e, nil
}
