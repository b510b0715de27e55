// Command ingestd runs one or more ingestion pipelines against a
// configuration file. A single invocation runs one pipeline for one
// date, or a backfill window when -from/-to are given.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/urbanpulse/ingestion/config"
	"github.com/urbanpulse/ingestion/objectstore"
	"github.com/urbanpulse/ingestion/pipeline"
	"github.com/urbanpulse/ingestion/pipelines"
	"github.com/urbanpulse/ingestion/pkg/logging"
	"github.com/urbanpulse/ingestion/pkg/metrics"
	"github.com/urbanpulse/ingestion/secrets"
	"github.com/urbanpulse/ingestion/sources"
	"github.com/urbanpulse/ingestion/warehouse"
)

const dateLayout = "2006-01-02"

func main() {
	var (
		configPath   = flag.String("config", "configs/ingestd.yaml", "path to the configuration file")
		pipelineName = flag.String("pipeline", "", "pipeline to run: historic, forecast, footfall, holidays")
		dateArg      = flag.String("date", "", "run date (YYYY-MM-DD), defaults to yesterday")
		fromArg      = flag.String("from", "", "backfill window start (YYYY-MM-DD), inclusive")
		toArg        = flag.String("to", "", "backfill window end (YYYY-MM-DD), inclusive")
	)
	flag.Parse()

	if *pipelineName == "" {
		fmt.Fprintln(os.Stderr, "missing required -pipeline flag")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, *pipelineName, *dateArg, *fromArg, *toArg); err != nil {
		fmt.Fprintf(os.Stderr, "ingestd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, pipelineName, dateArg, fromArg, toArg string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Sync()

	dates, err := runDates(dateArg, fromArg, toArg, time.Now())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(cfg.Metrics.Namespace)
	if cfg.Metrics.Enabled {
		go func() {
			if err := collector.Serve(cfg.Metrics); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	resolver, err := secrets.New(cfg.Secrets)
	if err != nil {
		return fmt.Errorf("init secrets: %w", err)
	}

	store, err := newObjectStore(ctx, cfg, resolver)
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}
	defer store.Close()

	wh, err := newWarehouse(cfg, logger)
	if err != nil {
		return fmt.Errorf("init warehouse: %w", err)
	}
	defer wh.Close()

	deps := pipelines.Deps{
		Logger:          logger,
		Metrics:         collector,
		Secrets:         resolver,
		Store:           store,
		Warehouse:       wh,
		Client:          sources.NewClient(cfg.Sources, logger),
		SecretsProject:  cfg.Secrets.Project,
		Bucket:          cfg.ObjectStore.Bucket,
		RawFolder:       cfg.ObjectStore.RawFolder,
		ProcessedFolder: cfg.ObjectStore.ProcessedFolder,
	}

	specs, ok := pipelines.Build(pipelineName, deps, cfg.Pipelines)
	if !ok {
		return fmt.Errorf("unknown pipeline %q", pipelineName)
	}

	exec := pipeline.NewExecutor(logger, collector)

	for _, date := range dates {
		runID := uuid.NewString()
		runLogger := logger.WithRun(pipelineName, runID)
		runLogger.Info("pipeline run starting", zap.Time("date", date))

		bus := pipeline.NewBus(map[string]any{pipelines.KeyDate: date})
		start := time.Now()
		if err := exec.Run(ctx, specs, bus); err != nil {
			collector.RunsTotal.WithLabelValues(pipelineName, "failure").Inc()
			runLogger.Error("pipeline run failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
			return fmt.Errorf("pipeline %s for %s: %w", pipelineName, date.Format(dateLayout), err)
		}
		collector.RunsTotal.WithLabelValues(pipelineName, "success").Inc()
		runLogger.Info("pipeline run finished", zap.Duration("elapsed", time.Since(start)))
	}

	return nil
}

// runDates resolves the flags into the ordered list of run dates.
// -from/-to take precedence; otherwise -date; otherwise yesterday.
func runDates(dateArg, fromArg, toArg string, now time.Time) ([]time.Time, error) {
	if (fromArg == "") != (toArg == "") {
		return nil, fmt.Errorf("-from and -to must be provided together")
	}
	if fromArg != "" {
		from, err := time.Parse(dateLayout, fromArg)
		if err != nil {
			return nil, fmt.Errorf("invalid -from %q: %w", fromArg, err)
		}
		to, err := time.Parse(dateLayout, toArg)
		if err != nil {
			return nil, fmt.Errorf("invalid -to %q: %w", toArg, err)
		}
		if to.Before(from) {
			return nil, fmt.Errorf("-to %s is before -from %s", toArg, fromArg)
		}
		var dates []time.Time
		for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
			dates = append(dates, d)
		}
		return dates, nil
	}
	if dateArg != "" {
		d, err := time.Parse(dateLayout, dateArg)
		if err != nil {
			return nil, fmt.Errorf("invalid -date %q: %w", dateArg, err)
		}
		return []time.Time{d}, nil
	}
	y := now.UTC().AddDate(0, 0, -1)
	return []time.Time{time.Date(y.Year(), y.Month(), y.Day(), 0, 0, 0, 0, time.UTC)}, nil
}

func newObjectStore(ctx context.Context, cfg *config.Config, resolver secrets.Resolver) (objectstore.ObjectStore, error) {
	switch cfg.ObjectStore.Provider {
	case "local":
		return objectstore.NewLocal(cfg.ObjectStore.LocalDir), nil
	case "minio":
		accessKey, err := resolver.Resolve(ctx, cfg.Secrets.Project, cfg.ObjectStore.AccessKeySecret)
		if err != nil {
			return nil, fmt.Errorf("resolve access key: %w", err)
		}
		secretKey, err := resolver.Resolve(ctx, cfg.Secrets.Project, cfg.ObjectStore.SecretKeySecret)
		if err != nil {
			return nil, fmt.Errorf("resolve secret key: %w", err)
		}
		return objectstore.NewMinioStore(objectstore.Config{
			EndpointURL:     cfg.ObjectStore.EndpointURL,
			AccessKeyID:     accessKey,
			SecretAccessKey: secretKey,
			Region:          cfg.ObjectStore.Region,
			UseSSL:          cfg.ObjectStore.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown object store provider %q", cfg.ObjectStore.Provider)
	}
}

func newWarehouse(cfg *config.Config, logger *logging.Logger) (warehouse.Warehouse, error) {
	switch cfg.Warehouse.Provider {
	case "memory":
		return warehouse.NewMemory(), nil
	case "postgres":
		return warehouse.NewPostgres(cfg.Warehouse.Postgres, logger)
	default:
		return nil, fmt.Errorf("unknown warehouse provider %q", cfg.Warehouse.Provider)
	}
}
