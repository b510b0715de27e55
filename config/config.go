// Package config loads the per-run configuration document: connection
// targets, sink identifiers, per-source column preference lists and
// exclusion lists. Loaded once per run; stages read everything else
// from the bus.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/urbanpulse/ingestion/normalize"
	"github.com/urbanpulse/ingestion/pkg/logging"
	"github.com/urbanpulse/ingestion/pkg/metrics"
	"github.com/urbanpulse/ingestion/secrets"
	"github.com/urbanpulse/ingestion/sources"
	"github.com/urbanpulse/ingestion/warehouse"
)

// Config holds all configuration for the ingestion service.
type Config struct {
	Service     ServiceConfig         `mapstructure:"service"`
	Logging     logging.Config        `mapstructure:"logging"`
	Metrics     metrics.Config        `mapstructure:"metrics"`
	Secrets     secrets.Config        `mapstructure:"secrets"`
	ObjectStore ObjectStoreConfig     `mapstructure:"object_store"`
	Warehouse   WarehouseConfig       `mapstructure:"warehouse"`
	Sources     sources.ClientConfig  `mapstructure:"sources"`
	Pipelines   PipelinesConfig       `mapstructure:"pipelines"`
}

// ServiceConfig contains general service configuration.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ObjectStoreConfig contains the archive bucket configuration.
// Credentials are named secrets, resolved at startup, never stored in
// the config document itself.
type ObjectStoreConfig struct {
	// Provider is "minio" or "local".
	Provider        string `mapstructure:"provider"`
	EndpointURL     string `mapstructure:"endpoint_url"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	SecretKeySecret string `mapstructure:"secret_key_secret"`
	Region          string `mapstructure:"region"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	// LocalDir roots the local provider.
	LocalDir string `mapstructure:"local_dir"`

	Bucket          string `mapstructure:"bucket"`
	RawFolder       string `mapstructure:"raw_folder"`
	ProcessedFolder string `mapstructure:"processed_folder"`
}

// WarehouseConfig selects and configures the warehouse engine.
type WarehouseConfig struct {
	// Provider is "postgres" or "memory".
	Provider string                    `mapstructure:"provider"`
	Postgres warehouse.PostgresConfig  `mapstructure:"postgres"`
}

// PipelinesConfig holds one block per pipeline.
type PipelinesConfig struct {
	Historic PipelineConfig `mapstructure:"historic"`
	Forecast PipelineConfig `mapstructure:"forecast"`
	Footfall PipelineConfig `mapstructure:"footfall"`
	Holidays PipelineConfig `mapstructure:"holidays"`
}

// PipelineConfig describes one pipeline: its source, its normalization
// schema and its sink. Only the sub-block matching the pipeline's
// source family is read.
type PipelineConfig struct {
	// APIKeySecret names the secret holding the source API key; empty
	// means the source needs none.
	APIKeySecret string `mapstructure:"api_key_secret"`

	Weather  sources.WeatherConfig  `mapstructure:"weather"`
	Footfall sources.FootfallConfig `mapstructure:"footfall"`
	Holidays sources.HolidaysConfig `mapstructure:"holidays"`

	Schema normalize.SourceSchema `mapstructure:"schema"`
	Sink   SinkConfig             `mapstructure:"sink"`
}

// SinkConfig names the warehouse targets for one pipeline.
type SinkConfig struct {
	// Table is the base sink table; date-sharded pipelines derive
	// <table>_yyyymmdd partitions from it.
	Table string `mapstructure:"table"`
	// HistoricalTable is the deduplicated accumulation target; empty
	// means the pipeline does not merge.
	HistoricalTable string `mapstructure:"historical_table"`

	Schema warehouse.Schema `mapstructure:"schema"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "ingestd")
	v.SetDefault("service.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "ingestion")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("secrets.provider", "env")

	v.SetDefault("object_store.provider", "minio")
	v.SetDefault("object_store.raw_folder", "raw")
	v.SetDefault("object_store.processed_folder", "processed")

	v.SetDefault("warehouse.provider", "postgres")
}

// Validate checks the cross-cutting invariants a run depends on.
// Per-pipeline blocks are validated by the pipeline builders, which
// know which sub-blocks they read.
func (c *Config) Validate() error {
	switch c.ObjectStore.Provider {
	case "minio":
		if c.ObjectStore.EndpointURL == "" {
			return fmt.Errorf("object_store.endpoint_url is required for the minio provider")
		}
		if c.ObjectStore.AccessKeySecret == "" || c.ObjectStore.SecretKeySecret == "" {
			return fmt.Errorf("object_store credentials secrets are required for the minio provider")
		}
	case "local":
	default:
		return fmt.Errorf("unknown object_store.provider %q", c.ObjectStore.Provider)
	}
	if c.ObjectStore.Bucket == "" {
		return fmt.Errorf("object_store.bucket is required")
	}

	switch c.Warehouse.Provider {
	case "postgres":
		if c.Warehouse.Postgres.DSN == "" {
			return fmt.Errorf("warehouse.postgres.dsn is required for the postgres provider")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown warehouse.provider %q", c.Warehouse.Provider)
	}

	return nil
}
