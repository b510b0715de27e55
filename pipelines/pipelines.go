// Package pipelines assembles the four ingestion pipelines from the
// shared stage implementations. A pipeline is an ordered stage list;
// the executor in package pipeline runs it against a fresh bus.
package pipelines

import (
	"path"
	"time"

	"github.com/urbanpulse/ingestion/config"
	"github.com/urbanpulse/ingestion/objectstore"
	"github.com/urbanpulse/ingestion/pipeline"
	"github.com/urbanpulse/ingestion/pkg/logging"
	"github.com/urbanpulse/ingestion/pkg/metrics"
	"github.com/urbanpulse/ingestion/secrets"
	"github.com/urbanpulse/ingestion/sources"
	"github.com/urbanpulse/ingestion/warehouse"
)

// Deps carries the shared infrastructure every pipeline builder draws
// from. Clock is overridable for tests and defaults to time.Now.
type Deps struct {
	Logger    *logging.Logger
	Metrics   *metrics.Collector
	Secrets   secrets.Resolver
	Store     objectstore.ObjectStore
	Warehouse warehouse.Warehouse
	Client    *sources.Client

	SecretsProject  string
	Bucket          string
	RawFolder       string
	ProcessedFolder string

	Clock func() time.Time
}

func (d Deps) clock() func() time.Time {
	if d.Clock != nil {
		return d.Clock
	}
	return time.Now
}

// rawFolder nests the raw archive under one folder per source so reruns
// of different pipelines never collide.
func (d Deps) rawFolder(source string) string {
	return path.Join(d.RawFolder, source)
}

func (d Deps) processedFolder(source string) string {
	return path.Join(d.ProcessedFolder, source)
}

func (d Deps) secretStage(name string) pipeline.StageSpec {
	return pipeline.StageSpec{
		Stage: &ResolveSecretStage{Secrets: d.Secrets, Project: d.SecretsProject, SecretName: name},
		Retry: pipeline.DefaultRetry,
	}
}

func (d Deps) archiveStage(source string) pipeline.StageSpec {
	return pipeline.StageSpec{
		Stage: &ArchiveRawStage{
			Store:   d.Store,
			Metrics: d.Metrics,
			Bucket:  d.Bucket,
			Folder:  d.rawFolder(source),
			Clock:   d.clock(),
		},
		Retry: pipeline.DefaultRetry,
	}
}

func (d Deps) normalizeStage(cfg config.PipelineConfig) pipeline.StageSpec {
	return pipeline.StageSpec{
		Stage: &NormalizeStage{Schema: cfg.Schema, Logger: d.Logger, Metrics: d.Metrics},
		Retry: pipeline.NoRetry,
	}
}

func (d Deps) exportStage(cfg config.PipelineConfig) pipeline.StageSpec {
	return pipeline.StageSpec{
		Stage: &ExportCSVStage{
			Store:   d.Store,
			Metrics: d.Metrics,
			Bucket:  d.Bucket,
			Folder:  d.processedFolder(cfg.Schema.Source),
			Schema:  cfg.Sink.Schema,
			Clock:   d.clock(),
		},
		Retry: pipeline.DefaultRetry,
	}
}

// Historic ingests one day of hourly weather history: fetch, archive
// the raw payloads, normalize, load the day's shard table, then fold
// the shard into the deduplicated historical table.
func Historic(d Deps, cfg config.PipelineConfig) []pipeline.StageSpec {
	api := sources.NewWeatherAPI(d.Client, cfg.Weather)
	return []pipeline.StageSpec{
		d.secretStage(cfg.APIKeySecret),
		{Stage: &FetchHistoryStage{API: api}, Retry: pipeline.DefaultRetry},
		d.archiveStage(cfg.Schema.Source),
		d.normalizeStage(cfg),
		d.exportStage(cfg),
		{Stage: &ShardTableStage{Base: cfg.Sink.Table}, Retry: pipeline.NoRetry},
		{
			Stage: &LoadShardStage{Warehouse: d.Warehouse, Metrics: d.Metrics, Schema: cfg.Sink.Schema},
			Retry: pipeline.DefaultRetry,
		},
		{
			Stage: &MergeHistoricalStage{
				Warehouse:       d.Warehouse,
				Metrics:         d.Metrics,
				HistoricalTable: cfg.Sink.HistoricalTable,
				Schema:          cfg.Sink.Schema,
			},
			Retry: pipeline.DefaultRetry,
		},
	}
}

// Forecast ingests the rolling weather forecast. The sink table is
// fully replaced each run; stale forecasts have no value, so there is
// no merge step.
func Forecast(d Deps, cfg config.PipelineConfig) []pipeline.StageSpec {
	api := sources.NewWeatherAPI(d.Client, cfg.Weather)
	return []pipeline.StageSpec{
		d.secretStage(cfg.APIKeySecret),
		{Stage: &FetchForecastStage{API: api}, Retry: pipeline.DefaultRetry},
		d.archiveStage(cfg.Schema.Source),
		d.normalizeStage(cfg),
		d.exportStage(cfg),
		{
			Stage: &LoadTableStage{Warehouse: d.Warehouse, Metrics: d.Metrics, Table: cfg.Sink.Table, Schema: cfg.Sink.Schema},
			Retry: pipeline.DefaultRetry,
		},
	}
}

// Footfall ingests the open-data footfall catalog: every non-excluded
// CSV becomes one raw batch, the union is normalized and loaded into
// the run date's shard, then merged into the historical table.
func Footfall(d Deps, cfg config.PipelineConfig) []pipeline.StageSpec {
	src := sources.NewFootfallSource(d.Client, cfg.Footfall)
	return []pipeline.StageSpec{
		{Stage: &FetchFootfallStage{Source: src}, Retry: pipeline.DefaultRetry},
		d.archiveStage(cfg.Schema.Source),
		d.normalizeStage(cfg),
		d.exportStage(cfg),
		{Stage: &ShardTableStage{Base: cfg.Sink.Table}, Retry: pipeline.NoRetry},
		{
			Stage: &LoadShardStage{Warehouse: d.Warehouse, Metrics: d.Metrics, Schema: cfg.Sink.Schema},
			Retry: pipeline.DefaultRetry,
		},
		{
			Stage: &MergeHistoricalStage{
				Warehouse:       d.Warehouse,
				Metrics:         d.Metrics,
				HistoricalTable: cfg.Sink.HistoricalTable,
				Schema:          cfg.Sink.Schema,
			},
			Retry: pipeline.DefaultRetry,
		},
	}
}

// Holidays ingests the public-holiday calendar. The full window is
// re-fetched every run, so the sink table is replaced outright.
func Holidays(d Deps, cfg config.PipelineConfig) []pipeline.StageSpec {
	src := sources.NewHolidaysSource(d.Client, cfg.Holidays)
	return []pipeline.StageSpec{
		{Stage: &FetchHolidaysStage{Source: src, Clock: d.clock()}, Retry: pipeline.DefaultRetry},
		d.archiveStage(cfg.Schema.Source),
		d.normalizeStage(cfg),
		d.exportStage(cfg),
		{
			Stage: &LoadTableStage{Warehouse: d.Warehouse, Metrics: d.Metrics, Table: cfg.Sink.Table, Schema: cfg.Sink.Schema},
			Retry: pipeline.DefaultRetry,
		},
	}
}

// Build returns the named pipeline's stage list, or false when the
// name is unknown.
func Build(name string, d Deps, cfg config.PipelinesConfig) ([]pipeline.StageSpec, bool) {
	switch name {
	case "historic":
		return Historic(d, cfg.Historic), true
	case "forecast":
		return Forecast(d, cfg.Forecast), true
	case "footfall":
		return Footfall(d, cfg.Footfall), true
	case "holidays":
		return Holidays(d, cfg.Holidays), true
	default:
		return nil, false
	}
}
