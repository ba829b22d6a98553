package sagalite

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

// idAllocator hands out record ids for a logical table.
type idAllocator interface {
	NextID(ctx context.Context, table string) (string, error)
}

// metaCounter keeps a per-table monotonic counter in the meta table,
// stringified. The read-increment-write is guarded against same-process
// callers only; concurrent orchestrator processes writing the same namespace
// need randomIDs instead.
type metaCounter struct {
	mu        deadlock.Mutex
	store     Store
	metaTable string
}

func (m *metaCounter) NextID(ctx context.Context, table string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := m.store.Get(ctx, m.metaTable, table)
	if err != nil {
		return "", err
	}

	last := 0
	if raw != nil {
		var stored string
		if err := json.Unmarshal(raw, &stored); err != nil {
			return "", fmt.Errorf("corrupt id counter for table %s: %w", table, err)
		}
		if last, err = strconv.Atoi(stored); err != nil {
			return "", fmt.Errorf("corrupt id counter for table %s: %w", table, err)
		}
	}

	next := strconv.Itoa(last + 1)
	encoded, err := json.Marshal(next)
	if err != nil {
		return "", err
	}
	if err := m.store.Set(ctx, m.metaTable, table, encoded); err != nil {
		return "", err
	}
	return next, nil
}

// randomIDs allocates 128-bit random identifiers, removing the meta table
// and its write collisions entirely.
type randomIDs struct{}

func (randomIDs) NextID(ctx context.Context, table string) (string, error) {
	return uuid.NewString(), nil
}

// recordClient is the typed-record layer over a Store. It owns the
// "<namespace>_<table>" naming, id allocation, JSON encoding and the
// shallow-merge update semantics. create and update are not atomic across the
// meta and data writes; see DESIGN.md.
type recordClient struct {
	store  Store
	ns     string
	ids    idAllocator
	logger Logger
}

func newRecordClient(store Store, namespace string, random bool, logger Logger) *recordClient {
	rc := &recordClient{
		store:  store,
		ns:     namespace,
		logger: logger,
	}
	if random {
		rc.ids = randomIDs{}
	} else {
		rc.ids = &metaCounter{store: store, metaTable: rc.tableName(tableMeta)}
	}
	return rc
}

func (rc *recordClient) tableName(table string) string {
	return rc.ns + "_" + table
}

// create allocates an id, injects it into fields and persists the record.
func (rc *recordClient) create(ctx context.Context, table string, fields map[string]any) (map[string]any, error) {
	id, err := rc.ids.NextID(ctx, table)
	if err != nil {
		return nil, err
	}

	record := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		record[k] = v
	}
	record["id"] = id

	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if err := rc.store.Set(ctx, rc.tableName(table), id, encoded); err != nil {
		return nil, err
	}

	rc.logger.Debug(ctx, "record created", "table", table, "id", id)
	return record, nil
}

// update shallow-merges patch over the current record, patch keys winning.
func (rc *recordClient) update(ctx context.Context, table, id string, patch map[string]any) (map[string]any, error) {
	current, err := rc.get(ctx, table, id)
	if err != nil {
		return nil, err
	}

	for k, v := range patch {
		current[k] = v
	}

	encoded, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if err := rc.store.Set(ctx, rc.tableName(table), id, encoded); err != nil {
		return nil, err
	}

	rc.logger.Debug(ctx, "record updated", "table", table, "id", id)
	return current, nil
}

func (rc *recordClient) get(ctx context.Context, table, id string) (map[string]any, error) {
	raw, err := rc.store.Get(ctx, rc.tableName(table), id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s[%s]", ErrRecordNotFound, table, id)
	}

	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("corrupt record %s[%s]: %w", table, id, err)
	}
	return record, nil
}

func (rc *recordClient) getIDs(ctx context.Context, table string) ([]string, error) {
	return rc.store.ListKeys(ctx, rc.tableName(table))
}

// getMultiple returns records positionally aligned with ids, nil entries for
// missing records.
func (rc *recordClient) getMultiple(ctx context.Context, table string, ids []string) ([]map[string]any, error) {
	if len(ids) == 0 {
		return []map[string]any{}, nil
	}

	raws, err := rc.store.MultiGet(ctx, rc.tableName(table), ids)
	if err != nil {
		return nil, err
	}

	records := make([]map[string]any, len(raws))
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("corrupt record %s[%s]: %w", table, ids[i], err)
		}
		records[i] = record
	}
	return records, nil
}

// decodeInto round-trips a raw record into a typed shape.
func decodeInto(record map[string]any, out any) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, out)
}
