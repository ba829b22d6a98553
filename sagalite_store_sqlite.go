package sagalite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/davidroman0O/comfylite3"
)

// SQLiteStore is a Store over a comfylite3-managed sqlite connection, held
// in memory by default and in a durable single file with WithSQLitePath.
// All records live in one relation keyed by
// (table, key); the Store tables stay purely logical.
type SQLiteStore struct {
	db *sql.DB
}

type sqliteStoreConfig struct {
	path *string
}

type SQLiteStoreOption func(*sqliteStoreConfig)

// WithSQLitePath stores records in a file instead of memory.
func WithSQLitePath(path string) SQLiteStoreOption {
	return func(c *sqliteStoreConfig) {
		c.path = &path
	}
}

func NewSQLiteStore(ctx context.Context, opts ...SQLiteStoreOption) (*SQLiteStore, error) {
	cfg := sqliteStoreConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	optsComfy := []comfylite3.ComfyOption{}
	if cfg.path != nil {
		optsComfy = append(optsComfy, comfylite3.WithPath(*cfg.path))
	} else {
		optsComfy = append(optsComfy, comfylite3.WithMemory())
	}

	comfy, err := comfylite3.New(optsComfy...)
	if err != nil {
		return nil, err
	}

	db := comfylite3.OpenDB(
		comfy,
		comfylite3.WithOption("cache=shared"),
		comfylite3.WithOption("mode=rwc"),
	)

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS records (
			tbl   TEXT NOT NULL,
			key   TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (tbl, key)
		)`); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Set(ctx context.Context, table, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (tbl, key, value) VALUES (?, ?, ?)
		ON CONFLICT (tbl, key) DO UPDATE SET value = excluded.value`,
		table, key, string(value))
	if err != nil {
		return newStoreError("set", table, key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, table, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE tbl = ? AND key = ?`, table, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError("get", table, key, err)
	}
	return []byte(value), nil
}

func (s *SQLiteStore) ListKeys(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM records WHERE tbl = ?`, table)
	if err != nil {
		return nil, newStoreError("listKeys", table, "", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, newStoreError("listKeys", table, "", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, newStoreError("listKeys", table, "", err)
	}
	return keys, nil
}

func (s *SQLiteStore) MultiGet(ctx context.Context, table string, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return [][]byte{}, nil
	}

	values := make([][]byte, len(keys))
	for i, key := range keys {
		value, err := s.Get(ctx, table, key)
		if err != nil {
			return nil, err
		}
		values[i] = value
	}
	return values, nil
}

var _ Store = (*SQLiteStore)(nil)
