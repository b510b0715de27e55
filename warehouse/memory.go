package warehouse

import (
	"context"
	"fmt"
	"sync"

	"github.com/urbanpulse/ingestion/domain/entity"
)

// Memory is an in-process Warehouse used by tests and local runs. It
// mirrors the managed engine's semantics exactly: replace-only loads
// and anti-join merges.
type Memory struct {
	mu     sync.Mutex
	tables map[string][]entity.CanonicalRecord
}

// NewMemory creates an empty in-memory warehouse.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string][]entity.CanonicalRecord)}
}

// LoadReplace replaces the table's contents with the given records.
func (m *Memory) LoadReplace(ctx context.Context, table string, schema Schema, records []entity.CanonicalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make([]entity.CanonicalRecord, len(records))
	copy(snapshot, records)
	m.tables[table] = snapshot
	return nil
}

// MergeShard replaces the historical table with the anti-join merge of
// the shard table against it. A missing historical table is treated as
// empty (first ever merge); a missing shard table is a defect.
func (m *Memory) MergeShard(ctx context.Context, shardTable, historicalTable string, schema Schema) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	shard, ok := m.tables[shardTable]
	if !ok {
		return fmt.Errorf("shard table %q does not exist", shardTable)
	}
	m.tables[historicalTable] = MergeRecords(shard, m.tables[historicalTable])
	return nil
}

// Close implements Warehouse.
func (m *Memory) Close() error { return nil }

// Table returns a copy of a table's records, for assertions.
func (m *Memory) Table(name string) []entity.CanonicalRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]entity.CanonicalRecord, len(m.tables[name]))
	copy(out, m.tables[name])
	return out
}
