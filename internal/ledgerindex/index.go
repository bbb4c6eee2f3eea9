// Package ledgerindex implements an optional, rebuildable bbolt-backed
// secondary index over a registry's known operations, read by ledgerctl list
// (which rebuilds it first) and rebuilt by ledgerd at startup; nothing
// updates it as operations change. It is never the source of truth: the
// operation JSON files remain authoritative (spec.md Data Model), and
// Rebuild derives the index entirely from them.
package ledgerindex

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/meow-stack/ledger/internal/ledgererr"
	"github.com/meow-stack/ledger/internal/store"
)

var operationsBucket = []byte("operations")

// Entry is the summarized, indexed view of one operation.
type Entry struct {
	OperationID    string    `json:"operationId"`
	InitiatorID    string    `json:"initiatorId"`
	OperationState string    `json:"operationState"`
	CallFrameCount int       `json:"callFrameCount"`
	LastHeartbeat  time.Time `json:"lastHeartbeat"`
}

// Index wraps a bbolt database holding Entry records keyed by operationId.
type Index struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt database at path.
func Open(path string) (*Index, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, ledgererr.Wrap(ledgererr.CodeIOError, "open index database", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(operationsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, ledgererr.Wrap(ledgererr.CodeIOError, "create index bucket", err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying bbolt database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Put upserts one operation's summary.
func (idx *Index) Put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return ledgererr.Wrap(ledgererr.CodeIOError, "marshal index entry", err)
	}
	return idx.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(operationsBucket).Put([]byte(e.OperationID), data)
	})
}

// Delete removes an operation's summary, e.g. after archival.
func (idx *Index) Delete(operationID string) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(operationsBucket).Delete([]byte(operationID))
	})
}

// List returns all indexed entries, sorted by key (operationId, which sorts
// chronologically by its timestamp prefix).
func (idx *Index) List() ([]Entry, error) {
	var entries []Entry
	err := idx.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(operationsBucket).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, ledgererr.Wrap(ledgererr.CodeIOError, "list index entries", err)
	}
	return entries, nil
}

// Rebuild clears the index and repopulates it by scanning basePath for
// "*.operation.json" files, reading each directly. Losing or corrupting the
// index is a non-event precisely because this function exists.
func Rebuild(basePath string, idx *Index) error {
	if err := idx.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(operationsBucket); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(operationsBucket)
		return err
	}); err != nil {
		return ledgererr.Wrap(ledgererr.CodeIOError, "reset index bucket", err)
	}

	dirEntries, err := os.ReadDir(basePath)
	if err != nil {
		return ledgererr.Wrap(ledgererr.CodeIOError, "scan base directory", err)
	}

	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".operation.json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(basePath, de.Name()))
		if err != nil {
			continue
		}
		var op store.Operation
		if err := json.Unmarshal(raw, &op); err != nil {
			continue
		}
		if err := idx.Put(Entry{
			OperationID:    op.OperationID,
			InitiatorID:    op.InitiatorID,
			OperationState: string(op.OperationState),
			CallFrameCount: len(op.CallFrames),
			LastHeartbeat:  op.LastHeartbeat,
		}); err != nil {
			return err
		}
	}
	return nil
}
