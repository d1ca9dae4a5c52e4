package storage

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"replicated-log/internal/replog"
	"replicated-log/internal/replog/wire"
)

var (
	// Bucket names
	logBucket      = []byte("logs")
	metadataBucket = []byte("metadata")

	// Metadata keys
	currentTermKey = []byte("currentTerm")
)

// BoltLogStore is a replog.LogStore backed by bbolt. Every write is its own bbolt transaction, which fsyncs on commit,
// so an entry is durable by the time Append returns. Keys are big-endian indices, which keeps the cursor order equal
// to the log order.
type BoltLogStore struct {
	conn *bbolt.DB
}

// NewBoltLogStore opens (or creates) the bbolt database at path.
func NewBoltLogStore(path string) (*BoltLogStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logBucket); err != nil {
			return fmt.Errorf("failed to create log bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltLogStore{conn: db}, nil
}

// Append persists entries in a single transaction. The batch must continue the log without gaps.
func (b *BoltLogStore) Append(entries []replog.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	err := b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)

		var last replog.LogIndex
		if k, _ := bucket.Cursor().Last(); k != nil {
			last = bytesToIndex(k)
		}
		if err := checkContiguous(last, entries); err != nil {
			return err
		}

		for i := range entries {
			if err := bucket.Put(indexToBytes(entries[i].Index), wire.MarshalEntry(&entries[i])); err != nil {
				return err
			}
		}
		return nil
	})
	return replog.NewStorageError("append", err)
}

// Read returns the entries in [from, to].
func (b *BoltLogStore) Read(from, to replog.LogIndex) ([]replog.LogEntry, error) {
	if from == 0 {
		from = 1
	}
	if from > to {
		return nil, nil
	}

	var entries []replog.LogEntry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()

		for k, v := cursor.Seek(indexToBytes(from)); k != nil && bytesToIndex(k) <= to; k, v = cursor.Next() {
			var entry replog.LogEntry
			if err := wire.UnmarshalEntry(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal log entry at index %d: %w", bytesToIndex(k), err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, replog.NewStorageError("read", err)
	}
	return entries, nil
}

// RemoveAfter deletes all entries with an index greater than index.
func (b *BoltLogStore) RemoveAfter(index replog.LogIndex) error {
	err := b.conn.Update(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()

		// Deleting through the cursor keeps it positioned on the next key
		for k, _ := cursor.Seek(indexToBytes(index + 1)); k != nil; k, _ = cursor.Seek(indexToBytes(index + 1)) {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	return replog.NewStorageError("remove", err)
}

// LastIndex returns the index of the last log entry (0 if log is empty)
func (b *BoltLogStore) LastIndex() (replog.LogIndex, error) {
	var lastIndex replog.LogIndex
	err := b.conn.View(func(tx *bbolt.Tx) error {
		if k, _ := tx.Bucket(logBucket).Cursor().Last(); k != nil {
			lastIndex = bytesToIndex(k)
		}
		return nil
	})
	return lastIndex, replog.NewStorageError("last index", err)
}

// TermAt returns the term of the entry at index.
func (b *BoltLogStore) TermAt(index replog.LogIndex) (replog.LogTerm, bool, error) {
	if index == 0 {
		return 0, false, nil
	}

	var (
		term  replog.LogTerm
		found bool
	)
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(logBucket).Get(indexToBytes(index))
		if data == nil {
			return nil
		}

		var entry replog.LogEntry
		if err := wire.UnmarshalEntry(data, &entry); err != nil {
			return fmt.Errorf("failed to unmarshal log entry at index %d: %w", index, err)
		}
		term, found = entry.Term, true
		return nil
	})
	if err != nil {
		return 0, false, replog.NewStorageError("term", err)
	}
	return term, found, nil
}

// CurrentTerm retrieves the persisted term, 0 if none was stored.
func (b *BoltLogStore) CurrentTerm() (replog.LogTerm, error) {
	var term replog.LogTerm
	err := b.conn.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(metadataBucket).Get(currentTermKey); data != nil {
			term = replog.LogTerm(binary.BigEndian.Uint64(data))
		}
		return nil
	})
	return term, replog.NewStorageError("current term", err)
}

// SetCurrentTerm persists the current term.
func (b *BoltLogStore) SetCurrentTerm(term replog.LogTerm) error {
	err := b.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(currentTermKey, indexToBytes(replog.LogIndex(term)))
	})
	return replog.NewStorageError("set current term", err)
}

// Close closes the storage connection
func (b *BoltLogStore) Close() error {
	return b.conn.Close()
}

func indexToBytes(n replog.LogIndex) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func bytesToIndex(b []byte) replog.LogIndex {
	return replog.LogIndex(binary.BigEndian.Uint64(b))
}
