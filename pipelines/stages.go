// Package pipelines wires the ingestion pipelines: reusable stages
// plus one definition per tracked source family. Stage ordering is
// fixed and linear per pipeline.
package pipelines

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/urbanpulse/ingestion/domain/entity"
	"github.com/urbanpulse/ingestion/normalize"
	"github.com/urbanpulse/ingestion/objectstore"
	"github.com/urbanpulse/ingestion/pipeline"
	"github.com/urbanpulse/ingestion/pkg/logging"
	"github.com/urbanpulse/ingestion/pkg/metrics"
	"github.com/urbanpulse/ingestion/secrets"
	"github.com/urbanpulse/ingestion/warehouse"
)

// archiveTimestamp matches the raw-archive object naming the store has
// always used.
const archiveTimestamp = "2006-01-02 15-04-05"

// csvTimestamp is the timestamp rendering in canonical CSV exports.
const csvTimestamp = "2006-01-02 15:04:05"

// ResolveSecretStage fetches the source API key from the secret store.
// Secret failures are fatal to the run.
type ResolveSecretStage struct {
	Secrets    secrets.Resolver
	Project    string
	SecretName string
}

func (s *ResolveSecretStage) Name() string       { return "resolve-api-key" }
func (s *ResolveSecretStage) Requires() []string { return nil }
func (s *ResolveSecretStage) Produces() []string { return []string{KeyAPIKey} }

func (s *ResolveSecretStage) Run(ctx context.Context, bus *pipeline.Bus) error {
	value, err := s.Secrets.Resolve(ctx, s.Project, s.SecretName)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.SecretName, err)
	}
	bus.Set(KeyAPIKey, value)
	return nil
}

// ArchiveRawStage writes the fetched raw payloads to the archive
// bucket. One write per object, timestamped keys for unnamed payloads.
type ArchiveRawStage struct {
	Store   objectstore.ObjectStore
	Metrics *metrics.Collector
	Bucket  string
	Folder  string
	Clock   func() time.Time
}

func (s *ArchiveRawStage) Name() string       { return "archive-raw" }
func (s *ArchiveRawStage) Requires() []string { return []string{KeyRawObjects} }
func (s *ArchiveRawStage) Produces() []string { return nil }

func (s *ArchiveRawStage) Run(ctx context.Context, bus *pipeline.Bus) error {
	v, err := bus.Get(KeyRawObjects)
	if err != nil {
		return err
	}
	objects, ok := v.([]Object)
	if !ok {
		return pipeline.Permanent(fmt.Errorf("bus key %q holds %T, want []pipelines.Object", KeyRawObjects, v))
	}

	for _, obj := range objects {
		key := obj.Key
		if key == "" {
			key = s.Clock().Format(archiveTimestamp) + extensionFor(obj.ContentType)
		}
		key = s.Folder + "/" + key
		if err := s.Store.Put(ctx, s.Bucket, key, obj.Data, obj.ContentType); err != nil {
			return fmt.Errorf("archive %s: %w", key, err)
		}
		s.Metrics.ObjectsPut.WithLabelValues("raw").Inc()
	}
	return nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "text/csv":
		return ".csv"
	default:
		return ".json"
	}
}

// NormalizeStage resolves the fetched raw batches into one canonical
// record set. Duplicate (location, timestamp) keys across and within
// batches collapse last-seen-wins; dropped-row counts are surfaced as
// logs and metrics rather than discarded silently.
type NormalizeStage struct {
	Schema  normalize.SourceSchema
	Logger  *logging.Logger
	Metrics *metrics.Collector
}

func (s *NormalizeStage) Name() string       { return "normalize" }
func (s *NormalizeStage) Requires() []string { return []string{KeyRawBatches} }
func (s *NormalizeStage) Produces() []string { return []string{KeyCanonical} }

func (s *NormalizeStage) Run(ctx context.Context, bus *pipeline.Bus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batches, err := bus.RawBatches(KeyRawBatches)
	if err != nil {
		return err
	}

	out := entity.CanonicalBatch{Source: s.Schema.Source}
	for _, batch := range batches {
		normalized, err := normalize.Normalize(batch, s.Schema)
		if err != nil {
			return fmt.Errorf("normalize %s: %w", batch.Name, err)
		}
		out.Records = append(out.Records, normalized.Records...)
		out.Dropped.Add(normalized.Dropped)
	}
	out.Records = entity.DedupeByKey(out.Records)

	if out.Dropped.Total() > 0 {
		s.Logger.Warn("rows dropped during normalization",
			zap.String("source", s.Schema.Source),
			zap.Int("aggregate_rows", out.Dropped.AggregateRows),
			zap.Int("incomplete_rows", out.Dropped.IncompleteRows))
	}
	s.Metrics.RowsDropped.WithLabelValues(s.Schema.Source, "aggregate").Add(float64(out.Dropped.AggregateRows))
	s.Metrics.RowsDropped.WithLabelValues(s.Schema.Source, "incomplete").Add(float64(out.Dropped.IncompleteRows))
	s.Metrics.RecordsNormalized.WithLabelValues(s.Schema.Source).Add(float64(len(out.Records)))

	bus.Set(KeyCanonical, out)
	return nil
}

// ExportCSVStage writes the canonical record set to the processed
// folder as a timestamped CSV.
type ExportCSVStage struct {
	Store   objectstore.ObjectStore
	Metrics *metrics.Collector
	Bucket  string
	Folder  string
	Schema  warehouse.Schema
	Clock   func() time.Time
}

func (s *ExportCSVStage) Name() string       { return "export-csv" }
func (s *ExportCSVStage) Requires() []string { return []string{KeyCanonical} }
func (s *ExportCSVStage) Produces() []string { return nil }

func (s *ExportCSVStage) Run(ctx context.Context, bus *pipeline.Bus) error {
	batch, err := bus.Canonical(KeyCanonical)
	if err != nil {
		return err
	}

	data, err := EncodeCSV(s.Schema, batch.Records)
	if err != nil {
		return err
	}
	key := s.Folder + "/" + s.Clock().Format(archiveTimestamp) + ".csv"
	if err := s.Store.Put(ctx, s.Bucket, key, data, "text/csv"); err != nil {
		return fmt.Errorf("export %s: %w", key, err)
	}
	s.Metrics.ObjectsPut.WithLabelValues("processed").Inc()
	return nil
}

// EncodeCSV renders canonical records using the sink schema's column
// order.
func EncodeCSV(schema warehouse.Schema, records []entity.CanonicalRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(schema.ColumnNames()); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, rec := range records {
		row := []string{rec.Location, rec.EntityID, rec.Timestamp.UTC().Format(csvTimestamp)}
		for _, m := range schema.Metrics {
			row = append(row, strconv.FormatFloat(rec.Metrics[m.Name], 'f', -1, 64))
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// ShardTableStage derives the dated partition name from the run date,
// so a re-run of the same date replaces only its own partition.
type ShardTableStage struct {
	Base string
}

func (s *ShardTableStage) Name() string       { return "shard-table" }
func (s *ShardTableStage) Requires() []string { return []string{KeyDate} }
func (s *ShardTableStage) Produces() []string { return []string{KeyShardTable} }

func (s *ShardTableStage) Run(ctx context.Context, bus *pipeline.Bus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	date, err := bus.Time(KeyDate)
	if err != nil {
		return err
	}
	bus.Set(KeyShardTable, warehouse.ShardTable(s.Base, date))
	return nil
}

// LoadShardStage replace-loads the canonical set into the dated
// partition table. Full replacement makes the stage safe to retry.
type LoadShardStage struct {
	Warehouse warehouse.Warehouse
	Metrics   *metrics.Collector
	Schema    warehouse.Schema
}

func (s *LoadShardStage) Name() string       { return "load-shard" }
func (s *LoadShardStage) Requires() []string { return []string{KeyCanonical, KeyShardTable} }
func (s *LoadShardStage) Produces() []string { return nil }

func (s *LoadShardStage) Run(ctx context.Context, bus *pipeline.Bus) error {
	batch, err := bus.Canonical(KeyCanonical)
	if err != nil {
		return err
	}
	table, err := bus.String(KeyShardTable)
	if err != nil {
		return err
	}
	if err := s.Warehouse.LoadReplace(ctx, table, s.Schema, batch.Records); err != nil {
		return err
	}
	s.Metrics.RecordsLoaded.WithLabelValues(table).Add(float64(len(batch.Records)))
	return nil
}

// LoadTableStage replace-loads the canonical set into a fixed table
// (sources whose whole history is re-fetched every run).
type LoadTableStage struct {
	Warehouse warehouse.Warehouse
	Metrics   *metrics.Collector
	Table     string
	Schema    warehouse.Schema
}

func (s *LoadTableStage) Name() string       { return "load-" + s.Table }
func (s *LoadTableStage) Requires() []string { return []string{KeyCanonical} }
func (s *LoadTableStage) Produces() []string { return nil }

func (s *LoadTableStage) Run(ctx context.Context, bus *pipeline.Bus) error {
	batch, err := bus.Canonical(KeyCanonical)
	if err != nil {
		return err
	}
	if err := s.Warehouse.LoadReplace(ctx, s.Table, s.Schema, batch.Records); err != nil {
		return err
	}
	s.Metrics.RecordsLoaded.WithLabelValues(s.Table).Add(float64(len(batch.Records)))
	return nil
}

// MergeHistoricalStage reconciles the freshly loaded shard partition
// into the historical store: exactly one record per (location,
// timestamp) key afterwards, shard records winning.
type MergeHistoricalStage struct {
	Warehouse       warehouse.Warehouse
	Metrics         *metrics.Collector
	HistoricalTable string
	Schema          warehouse.Schema
}

func (s *MergeHistoricalStage) Name() string       { return "merge-historical" }
func (s *MergeHistoricalStage) Requires() []string { return []string{KeyShardTable} }
func (s *MergeHistoricalStage) Produces() []string { return nil }

func (s *MergeHistoricalStage) Run(ctx context.Context, bus *pipeline.Bus) error {
	table, err := bus.String(KeyShardTable)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := s.Warehouse.MergeShard(ctx, table, s.HistoricalTable, s.Schema); err != nil {
		return err
	}
	s.Metrics.MergeDuration.WithLabelValues(s.HistoricalTable).Observe(time.Since(start).Seconds())
	return nil
}
