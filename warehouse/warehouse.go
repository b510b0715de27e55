// Package warehouse owns the tabular sinks: date-sharded partition
// tables and the deduplicated historical store. Every write is a
// full-table replace; downstream consumers rely on replace semantics
// for idempotent re-runs, so no engine may append or update in place.
package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/urbanpulse/ingestion/domain/entity"
)

// Column is one sink table column.
type Column struct {
	Name string `json:"name" mapstructure:"name"`
	Type string `json:"type" mapstructure:"type"`
}

// Schema describes a sink table: the three fixed key columns
// (location, entity_id, timestamp) plus one column per metric, in
// order. Metric order defines column order in tables and CSV exports.
type Schema struct {
	Metrics []Column `json:"metrics" mapstructure:"metrics"`
}

// ColumnNames returns all column names, fixed columns first.
func (s Schema) ColumnNames() []string {
	names := []string{"location", "entity_id", "timestamp"}
	for _, m := range s.Metrics {
		names = append(names, m.Name)
	}
	return names
}

// Row flattens a canonical record following the schema's column order.
func (s Schema) Row(rec entity.CanonicalRecord) []any {
	row := []any{rec.Location, rec.EntityID, rec.Timestamp.UTC()}
	for _, m := range s.Metrics {
		row = append(row, rec.Metrics[m.Name])
	}
	return row
}

// Warehouse is the managed-warehouse boundary. LoadReplace is the only
// load mode; MergeShard reconciles a shard partition into the
// historical store with full replacement of the target.
type Warehouse interface {
	LoadReplace(ctx context.Context, table string, schema Schema, records []entity.CanonicalRecord) error
	MergeShard(ctx context.Context, shardTable, historicalTable string, schema Schema) error
	Close() error
}

// ShardTable returns the dated partition name for a base table, e.g.
// historic_20230715. Re-running a date overwrites only that partition.
func ShardTable(base string, date time.Time) string {
	return fmt.Sprintf("%s_%s", base, date.Format("20060102"))
}

// MergeRecords computes the merged historical store: every shard
// record, plus every historical record whose (location, timestamp) key
// the shard does not claim. The shard is deduplicated first
// (last-seen-wins) so the result holds exactly one record per key.
func MergeRecords(shard, historical []entity.CanonicalRecord) []entity.CanonicalRecord {
	shard = entity.DedupeByKey(shard)

	claimed := make(map[entity.RecordKey]struct{}, len(shard))
	for _, rec := range shard {
		claimed[rec.Key()] = struct{}{}
	}

	out := make([]entity.CanonicalRecord, 0, len(shard)+len(historical))
	out = append(out, shard...)
	for _, rec := range historical {
		if _, ok := claimed[rec.Key()]; ok {
			continue
		}
		out = append(out, rec)
	}
	return out
}
