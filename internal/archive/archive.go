// Package archive keeps finished invocations after they are purged from the
// live store. Records are kept in a bbolt file, one per invocation, together
// with the invocation's full journal.
package archive

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/roach88/durex/internal/journal"
	"github.com/roach88/durex/internal/store"
)

var (
	invocationsBucket = []byte("invocations")
	completedBucket   = []byte("by_completed")
)

// Record is an archived invocation.
type Record struct {
	Invocation store.Invocation `json:"invocation"`
	Journal    []journal.Entry  `json:"journal"`
	ArchivedAt time.Time        `json:"archived_at"`
}

// Archive is a bbolt-backed archive of finished invocations.
type Archive struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the archive file at path.
func Open(path string) (*Archive, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) (err error) {
		defer recoverMust(&err)
		mustCreateBucket(tx, invocationsBucket)
		mustCreateBucket(tx, completedBucket)
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open archive: %w", err)
	}

	return &Archive{db: db}, nil
}

// Close closes the archive file.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Put stores a record, replacing any previous record for the same
// invocation.
func (a *Archive) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive %s: %w", rec.Invocation.ID, err)
	}

	err = a.db.Update(func(tx *bbolt.Tx) (err error) {
		defer recoverMust(&err)

		id := []byte(rec.Invocation.ID)
		mustPut(tx.Bucket(invocationsBucket), id, data)
		mustPut(tx.Bucket(completedBucket), completedKey(rec.Invocation.CompletedAt, rec.Invocation.ID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", rec.Invocation.ID, err)
	}
	return nil
}

// Get returns the archived record for an invocation.
func (a *Archive) Get(ctx context.Context, id string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	var data []byte
	err := a.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(invocationsBucket).Get([]byte(id)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("read archive %s: %w", id, err)
	}
	if data == nil {
		return Record{}, false, nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode archive %s: %w", id, err)
	}
	return rec, true, nil
}

// List returns archived invocation ids in completion order.
func (a *Archive) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := []string{}
	err := a.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(completedBucket).ForEach(func(_, v []byte) error {
			ids = append(ids, string(v))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	return ids, nil
}

// completedKey orders records by completion time, then id.
func completedKey(completedAt time.Time, id string) []byte {
	k := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(completedAt.UnixMilli()))
	return append(k, id...)
}
