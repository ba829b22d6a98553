package sagalite

import (
	"context"

	"github.com/hashicorp/go-memdb"
)

// kvEntry is a single record in the memdb-backed store.
type kvEntry struct {
	Table string
	Key   string
	Value []byte
}

var memorySchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"records": {
			Name: "records",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Table"},
							&memdb.StringFieldIndex{Field: "Key"},
						},
					},
				},
				"table": {
					Name:    "table",
					Unique:  false,
					Indexer: &memdb.StringFieldIndex{Field: "Table"},
				},
			},
		},
	},
}

// MemoryStore is an in-process Store over go-memdb. Reads run on MVCC
// snapshots, so a tick enumerating a table never observes a half-applied
// write. Not durable; meant for tests and single-process embedding.
type MemoryStore struct {
	db *memdb.MemDB
}

func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memorySchema)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{db: db}, nil
}

func (s *MemoryStore) Set(ctx context.Context, table, key string, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)

	txn := s.db.Txn(true)
	if err := txn.Insert("records", &kvEntry{Table: table, Key: key, Value: buf}); err != nil {
		txn.Abort()
		return newStoreError("set", table, key, err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, table, key string) ([]byte, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First("records", "id", table, key)
	if err != nil {
		return nil, newStoreError("get", table, key, err)
	}
	if raw == nil {
		return nil, nil
	}
	entry := raw.(*kvEntry)
	buf := make([]byte, len(entry.Value))
	copy(buf, entry.Value)
	return buf, nil
}

func (s *MemoryStore) ListKeys(ctx context.Context, table string) ([]string, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("records", "table", table)
	if err != nil {
		return nil, newStoreError("listKeys", table, "", err)
	}
	keys := []string{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		keys = append(keys, raw.(*kvEntry).Key)
	}
	return keys, nil
}

func (s *MemoryStore) MultiGet(ctx context.Context, table string, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return [][]byte{}, nil
	}

	txn := s.db.Txn(false)
	defer txn.Abort()

	values := make([][]byte, len(keys))
	for i, key := range keys {
		raw, err := txn.First("records", "id", table, key)
		if err != nil {
			return nil, newStoreError("multiGet", table, key, err)
		}
		if raw == nil {
			continue
		}
		entry := raw.(*kvEntry)
		buf := make([]byte, len(entry.Value))
		copy(buf, entry.Value)
		values[i] = buf
	}
	return values, nil
}

var _ Store = (*MemoryStore)(nil)
