package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/roach88/durex/internal/ir"
	"github.com/roach88/durex/internal/journal"
)

// marshalPayload converts a payload to canonical JSON TEXT for storage.
// A nil payload is stored as SQL NULL.
func marshalPayload(p json.RawMessage) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	data, err := ir.Canonicalize(p)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalPayload(ns sql.NullString) json.RawMessage {
	if !ns.Valid {
		return nil
	}
	return json.RawMessage(ns.String)
}

func failureColumns(f *journal.Failure) (sql.NullInt64, sql.NullString) {
	if f == nil {
		return sql.NullInt64{}, sql.NullString{}
	}
	return sql.NullInt64{Int64: int64(f.Code), Valid: true}, sql.NullString{String: f.Message, Valid: true}
}

func scanFailure(code sql.NullInt64, msg sql.NullString) *journal.Failure {
	if !code.Valid {
		return nil
	}
	return &journal.Failure{Code: int(code.Int64), Message: msg.String}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
