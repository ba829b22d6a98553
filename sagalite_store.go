package sagalite

import "context"

// Store is the contract a key/value driver must satisfy. Tables are flat
// namespaces of string keys; values are opaque JSON documents produced by the
// record layer and must round-trip byte-for-byte as JSON.
//
// A missing record is signalled by a nil value, never by an error. Stored
// values are JSON documents and therefore never empty, so nil is
// distinguishable from any legitimate value.
type Store interface {
	// Set upserts a record, durable on return.
	Set(ctx context.Context, table, key string, value []byte) error

	// Get returns the record or nil when absent.
	Get(ctx context.Context, table, key string) ([]byte, error)

	// ListKeys returns all current keys of a table in unspecified order.
	ListKeys(ctx context.Context, table string) ([]string, error)

	// MultiGet returns values positionally aligned with keys, nil for
	// missing entries. An empty key list returns an empty result without
	// touching the store.
	MultiGet(ctx context.Context, table string, keys []string) ([][]byte, error)
}
