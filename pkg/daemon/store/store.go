// Package store provides Badger DB-backed storage for finished task history.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// Key prefixes for different data types
const (
	prefixTask  = "t:" // t:<id> -> JSON task record
	prefixIndex = "c:" // c:<completed unix nanos, 8 bytes BE><id> -> empty
	prefixMeta  = "m:" // Metadata (schema)
)

// Store is the task history backed by Badger DB. It implements the
// dispatcher's Archiver.
type Store struct {
	db *badger.DB
}

// Open opens or creates a store at the given path. An empty path opens an
// in-memory store.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // Disable logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func taskKey(id string) []byte {
	return []byte(prefixTask + id)
}

func indexKey(completed time.Time, id string) []byte {
	key := make([]byte, 0, len(prefixIndex)+8+len(id))
	key = append(key, prefixIndex...)
	key = binary.BigEndian.AppendUint64(key, uint64(completed.UnixNano()))
	return append(key, id...)
}

func completedAt(rec types.TaskRecord) time.Time {
	if rec.CompletedAt != nil {
		return *rec.CompletedAt
	}
	return rec.CreatedAt
}

// Archive stores a finished task. Archiving the same ID again replaces the
// earlier record.
func (s *Store) Archive(rec types.TaskRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if old, err := getTxn(txn, rec.ID); err == nil {
			if err := txn.Delete(indexKey(completedAt(old), old.ID)); err != nil {
				return err
			}
		} else if !errors.Is(err, types.ErrTaskNotFound) {
			return err
		}
		if err := txn.Set(taskKey(rec.ID), data); err != nil {
			return err
		}
		return txn.Set(indexKey(completedAt(rec), rec.ID), nil)
	})
}

// Get retrieves an archived task. Unknown IDs return types.ErrTaskNotFound.
func (s *Store) Get(id string) (types.TaskRecord, error) {
	var rec types.TaskRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getTxn(txn, id)
		return err
	})
	return rec, err
}

func getTxn(txn *badger.Txn, id string) (types.TaskRecord, error) {
	var rec types.TaskRecord
	item, err := txn.Get(taskKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, types.ErrTaskNotFound
	}
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

// List returns archived tasks, most recently finished first. An empty status
// matches every task; limit <= 0 means no limit.
func (s *Store) List(status types.Status, limit int) ([]types.TaskRecord, error) {
	var results []types.TaskRecord

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixIndex)
		// Reverse iteration starts from the largest key with the prefix.
		seek := append([]byte(prefixIndex), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(results) >= limit {
				break
			}
			id := string(it.Item().Key()[len(prefixIndex)+8:])
			rec, err := getTxn(txn, id)
			if errors.Is(err, types.ErrTaskNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if status != "" && rec.Status != status {
				continue
			}
			results = append(results, rec)
		}
		return nil
	})

	return results, err
}

// Prune deletes tasks that finished before cutoff and returns how many
// were removed.
func (s *Store) Prune(cutoff time.Time) (int, error) {
	var keys [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixIndex)
		limit := indexKey(cutoff, "")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= string(limit) {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		id := string(key[len(prefixIndex)+8:])
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
		if err := wb.Delete(taskKey(id)); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Count returns the number of archived tasks.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixTask)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
