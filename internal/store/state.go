package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetState returns one state value for an object key.
func (s *Store) GetState(ctx context.Context, service, objectKey, key string) (json.RawMessage, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM state WHERE service = ? AND object_key = ? AND key = ?
	`, service, objectKey, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get state: %w", err)
	}
	return json.RawMessage(value), true, nil
}

// StateSnapshot returns all state of an object key.
// Returns an empty map (not nil) if the key has no state.
func (s *Store) StateSnapshot(ctx context.Context, service, objectKey string) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM state WHERE service = ? AND object_key = ?
		ORDER BY key COLLATE BINARY ASC
	`, service, objectKey)
	if err != nil {
		return nil, fmt.Errorf("state snapshot: %w", err)
	}
	defer rows.Close()

	snapshot := map[string]json.RawMessage{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		snapshot[k] = json.RawMessage(v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, nil
}

// StateKeys returns the state keys of an object key in byte order.
func (s *Store) StateKeys(ctx context.Context, service, objectKey string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM state WHERE service = ? AND object_key = ?
		ORDER BY key COLLATE BINARY ASC
	`, service, objectKey)
	if err != nil {
		return nil, fmt.Errorf("state keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan state key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state keys: %w", err)
	}
	return keys, nil
}

func applyState(ctx context.Context, q querier, m StateMutation) error {
	var err error
	switch m.Op {
	case StateSet:
		var value sql.NullString
		value, err = marshalPayload(m.Value)
		if err != nil {
			return fmt.Errorf("set state %s: %w", m.Name, err)
		}
		if !value.Valid {
			value = sql.NullString{String: "null", Valid: true}
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO state (service, object_key, key, value) VALUES (?, ?, ?, ?)
			ON CONFLICT(service, object_key, key) DO UPDATE SET value = excluded.value
		`, m.Service, m.Key, m.Name, value.String)
	case StateClear:
		_, err = q.ExecContext(ctx, `
			DELETE FROM state WHERE service = ? AND object_key = ? AND key = ?
		`, m.Service, m.Key, m.Name)
	case StateClearAll:
		_, err = q.ExecContext(ctx, `
			DELETE FROM state WHERE service = ? AND object_key = ?
		`, m.Service, m.Key)
	default:
		return fmt.Errorf("unknown state op %q", m.Op)
	}
	if err != nil {
		return fmt.Errorf("%s state: %w", m.Op, err)
	}
	return nil
}
