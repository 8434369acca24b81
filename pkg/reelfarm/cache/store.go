package cache

import (
	"bytes"
	"errors"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when an index entry doesn't exist.
var ErrNotFound = errors.New("cache entry not found")

// Store wraps Badger for the cache index.
type Store struct {
	db *badger.DB
}

// OpenStore opens or creates an index at path. An empty path opens an
// in-memory index.
func OpenStore(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // Disable badger logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get retrieves an entry by fingerprint.
func (s *Store) Get(fp string) (*Entry, error) {
	var entry Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(MakeKey(fp))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(entry.Decode)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Put stores an entry.
func (s *Store) Put(entry *Entry) error {
	value, err := entry.Encode()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(MakeKey(entry.Fingerprint), value)
	})
}

// Delete removes an entry.
func (s *Store) Delete(fp string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(MakeKey(fp))
	})
}

// PutBatch stores multiple entries in one write batch.
func (s *Store) PutBatch(entries []*Entry) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, entry := range entries {
		value, err := entry.Encode()
		if err != nil {
			return err
		}
		if err := wb.Set(MakeKey(entry.Fingerprint), value); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// All returns every entry of the current version. Undecodable values are
// skipped.
func (s *Store) All() ([]*Entry, error) {
	prefix := MakeKeyPrefix()
	var out []*Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(e.Decode); err != nil {
				continue
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

// DropOtherVersions deletes keys written by another CacheVersion and
// returns how many were removed.
func (s *Store) DropOtherVersions() (int, error) {
	prefix := MakeKeyPrefix()
	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if !bytes.HasPrefix(key, prefix) {
				stale = append(stale, key)
			}
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	return len(stale), wb.Flush()
}
