package entity

import "time"

// RawRecord is one row as delivered by a source, keyed by the source's
// own column names. Values are uninterpreted strings.
type RawRecord map[string]string

// RawBatch is an ordered record set with a source-defined schema. Name
// distinguishes multiple batches from the same source (e.g. one per
// downloaded file).
type RawBatch struct {
	Source  string
	Name    string
	Columns []string
	Records []RawRecord
}

// HasColumn reports whether the batch schema contains the named column.
func (b RawBatch) HasColumn(name string) bool {
	for _, c := range b.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// CanonicalRecord is the fixed-schema, source-independent representation
// of one measurement. Only the normalizer produces these; sinks and the
// merge engine understand no other shape.
type CanonicalRecord struct {
	EntityID  string
	Location  string
	Timestamp time.Time
	Metrics   map[string]float64
}

// RecordKey is the composite key the historical store is unique on.
type RecordKey struct {
	Location string
	Unix     int64
}

// Key returns the (location, timestamp) composite key.
func (r CanonicalRecord) Key() RecordKey {
	return RecordKey{Location: r.Location, Unix: r.Timestamp.UTC().Unix()}
}

// DropCounts tallies rows discarded during normalization, by reason.
type DropCounts struct {
	// AggregateRows lacked an hourly marker and were treated as
	// daily rollups rather than observations.
	AggregateRows int
	// IncompleteRows were missing a required canonical field after
	// resolution.
	IncompleteRows int
}

// Total returns the number of dropped rows across all reasons.
func (d DropCounts) Total() int {
	return d.AggregateRows + d.IncompleteRows
}

// Add accumulates counts from another batch.
func (d *DropCounts) Add(o DropCounts) {
	d.AggregateRows += o.AggregateRows
	d.IncompleteRows += o.IncompleteRows
}

// CanonicalBatch is the normalizer's output for one raw batch.
type CanonicalBatch struct {
	Source  string
	Records []CanonicalRecord
	Dropped DropCounts
}

// Shard is one ingestion run's canonical output, addressable by its
// ingestion date.
type Shard struct {
	IngestDate time.Time
	Records    []CanonicalRecord
}

// DedupeByKey collapses duplicate (location, timestamp) keys within a
// single record set. The last record seen for a key wins, matching
// source iteration order; output order follows first appearance of each
// key. This is the tie-break policy for overlapping source files inside
// one ingestion run.
func DedupeByKey(records []CanonicalRecord) []CanonicalRecord {
	out := make([]CanonicalRecord, 0, len(records))
	index := make(map[RecordKey]int, len(records))
	for _, rec := range records {
		key := rec.Key()
		if at, seen := index[key]; seen {
			out[at] = rec
			continue
		}
		index[key] = len(out)
		out = append(out, rec)
	}
	return out
}
