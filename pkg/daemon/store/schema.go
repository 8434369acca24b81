package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Schema versions:
// 1 - Task records only (t:)
// 2 - Added completion-time index (c:)
const CurrentSchemaVersion = 2

const schemaKey = prefixMeta + "__schema__"

// Schema holds database schema information.
type Schema struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetSchema returns the current schema version, or nil if not set.
func (s *Store) GetSchema() *Schema {
	var schema *Schema

	_ = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(schemaKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			schema = &Schema{}
			return json.Unmarshal(val, schema)
		})
	})

	return schema
}

// SetSchema stores the schema version.
func (s *Store) SetSchema(schema *Schema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(schemaKey), data)
	})
}

// Migrate brings an older database up to CurrentSchemaVersion. A database
// with records but no schema is treated as version 1.
func (s *Store) Migrate() error {
	from := 0
	if schema := s.GetSchema(); schema != nil {
		from = schema.Version
	} else if n, err := s.Count(); err == nil && n > 0 {
		from = 1
	}
	if from > CurrentSchemaVersion {
		return fmt.Errorf("history schema %d is newer than supported %d", from, CurrentSchemaVersion)
	}

	if from >= 1 && from < 2 {
		if err := s.rebuildIndex(); err != nil {
			return fmt.Errorf("migrate history to v2: %w", err)
		}
	}
	if from == CurrentSchemaVersion {
		return nil
	}
	return s.SetSchema(&Schema{Version: CurrentSchemaVersion, UpdatedAt: time.Now()})
}

// rebuildIndex recreates the completion index from the task records.
func (s *Store) rebuildIndex() error {
	var keys [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixTask)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefixTask):])
			rec, err := getTxn(txn, id)
			if err != nil {
				return err
			}
			keys = append(keys, indexKey(completedAt(rec), rec.ID))
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Set(key, nil); err != nil {
			return err
		}
	}
	return wb.Flush()
}
