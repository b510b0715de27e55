package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Namespace string `json:"namespace" mapstructure:"namespace"`
	Addr      string `json:"addr" mapstructure:"addr"`
	Path      string `json:"path" mapstructure:"path"`
}

// Collector manages all metrics for the ingestion service.
type Collector struct {
	namespace string
	registry  *prometheus.Registry

	// Pipeline metrics
	StageRuns     *prometheus.CounterVec
	StageRetries  *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	RunsTotal     *prometheus.CounterVec

	// Normalization metrics
	RowsDropped       *prometheus.CounterVec
	RecordsNormalized *prometheus.CounterVec

	// Sink metrics
	RecordsLoaded *prometheus.CounterVec
	MergeDuration *prometheus.HistogramVec
	ObjectsPut    *prometheus.CounterVec
}

// NewCollector creates a collector with all ingestion metrics registered.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "ingestion"
	}

	c := &Collector{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
	}

	c.StageRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_runs_total",
		Help:      "Stage executions by stage name and outcome",
	}, []string{"stage", "status"})

	c.StageRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_retries_total",
		Help:      "Retry attempts by stage name",
	}, []string{"stage"})

	c.StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Stage execution duration",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"stage"})

	c.RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_runs_total",
		Help:      "Pipeline runs by pipeline name and outcome",
	}, []string{"pipeline", "status"})

	c.RowsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_dropped_total",
		Help:      "Raw rows dropped during normalization by source and reason",
	}, []string{"source", "reason"})

	c.RecordsNormalized = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_normalized_total",
		Help:      "Canonical records produced by source",
	}, []string{"source"})

	c.RecordsLoaded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_loaded_total",
		Help:      "Records written to warehouse tables",
	}, []string{"table"})

	c.MergeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "merge_duration_seconds",
		Help:      "Historical-store merge duration",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"table"})

	c.ObjectsPut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "objects_put_total",
		Help:      "Objects written to the archive bucket",
	}, []string{"kind"})

	c.registry.MustRegister(
		c.StageRuns,
		c.StageRetries,
		c.StageDuration,
		c.RunsTotal,
		c.RowsDropped,
		c.RecordsNormalized,
		c.RecordsLoaded,
		c.MergeDuration,
		c.ObjectsPut,
	)

	return c
}

// ObserveStage records one stage execution.
func (c *Collector) ObserveStage(stage, status string, d time.Duration) {
	c.StageRuns.WithLabelValues(stage, status).Inc()
	c.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Handler returns the prometheus exposition handler for this registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes the metrics endpoint. Blocks; intended for a goroutine.
func (c *Collector) Serve(cfg Config) error {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, c.Handler())
	if err := http.ListenAndServe(cfg.Addr, mux); err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
