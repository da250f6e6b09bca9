package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/durex/internal/journal"
)

// WriteNotification delivers a future resolution to an invocation.
// Each (invocation, ref) can be resolved once: inserted is false when a
// resolution already exists.
func (s *Store) WriteNotification(ctx context.Context, n Notification) (inserted bool, err error) {
	inserted, err = insertNotification(ctx, s.db, n)
	if err != nil {
		return false, fmt.Errorf("write notification: %w", err)
	}
	return inserted, nil
}

func insertNotification(ctx context.Context, q querier, n Notification) (bool, error) {
	payload, err := marshalPayload(n.Payload)
	if err != nil {
		return false, fmt.Errorf("notification payload: %w", err)
	}
	code, msg := failureColumns(n.Failure)

	res, err := q.ExecContext(ctx, `
		INSERT INTO notifications (invocation_id, ref, kind, payload, failure_code, failure_message)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(invocation_id, ref) DO NOTHING
	`, n.InvocationID, n.Ref, string(n.Kind), payload, code, msg)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ReadNotifications returns an invocation's notifications in arrival order.
func (s *Store) ReadNotifications(ctx context.Context, invocationID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invocation_id, ref, kind, payload, failure_code, failure_message
		FROM notifications
		WHERE invocation_id = ?
		ORDER BY id ASC
	`, invocationID)
	if err != nil {
		return nil, fmt.Errorf("read notifications: %w", err)
	}
	defer rows.Close()

	notifications := []Notification{}
	for rows.Next() {
		var (
			n       Notification
			kind    string
			payload sql.NullString
			code    sql.NullInt64
			msg     sql.NullString
		)
		if err := rows.Scan(&n.ID, &n.InvocationID, &n.Ref, &kind, &payload, &code, &msg); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Kind = journal.Kind(kind)
		n.Payload = unmarshalPayload(payload)
		n.Failure = scanFailure(code, msg)
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return notifications, nil
}

// HasNotification reports whether any of refs has been resolved for the
// invocation.
func (s *Store) HasNotification(ctx context.Context, invocationID string, refs []int64) (bool, error) {
	for _, ref := range refs {
		var one int
		err := s.db.QueryRowContext(ctx, `
			SELECT 1 FROM notifications WHERE invocation_id = ? AND ref = ?
		`, invocationID, ref).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("has notification: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// FireTimer resolves a timer: the timer row is removed and a timer_fired
// notification is written. Returns false if the timer was already fired or
// its invocation has finished.
func (s *Store) FireTimer(ctx context.Context, invocationID string, ref int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("fire timer: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM timers WHERE invocation_id = ? AND ref = ?`, invocationID, ref)
	if err != nil {
		return false, fmt.Errorf("fire timer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fire timer: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	inserted, err := insertNotification(ctx, tx, Notification{
		InvocationID: invocationID,
		Ref:          ref,
		Kind:         journal.KindTimerFired,
	})
	if err != nil {
		return false, fmt.Errorf("fire timer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("fire timer: commit: %w", err)
	}
	return inserted, nil
}

// ListTimers returns every pending timer ordered by wake time.
func (s *Store) ListTimers(ctx context.Context) ([]Timer, error) {
	return s.queryTimers(ctx, `SELECT invocation_id, ref, wake_at FROM timers ORDER BY wake_at ASC, invocation_id, ref`)
}

// DueTimers returns pending timers whose wake time is at or before now.
func (s *Store) DueTimers(ctx context.Context, now time.Time) ([]Timer, error) {
	return s.queryTimers(ctx, `
		SELECT invocation_id, ref, wake_at FROM timers
		WHERE wake_at <= ?
		ORDER BY wake_at ASC, invocation_id, ref
	`, now.UnixMilli())
}

func (s *Store) queryTimers(ctx context.Context, query string, args ...any) ([]Timer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query timers: %w", err)
	}
	defer rows.Close()

	timers := []Timer{}
	for rows.Next() {
		var (
			t      Timer
			wakeAt int64
		)
		if err := rows.Scan(&t.InvocationID, &t.Ref, &wakeAt); err != nil {
			return nil, fmt.Errorf("scan timer: %w", err)
		}
		t.WakeAt = time.UnixMilli(wakeAt).UTC()
		timers = append(timers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timers: %w", err)
	}
	return timers, nil
}
