package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/urbanpulse/ingestion/domain/entity"
	"github.com/urbanpulse/ingestion/pipeline"
	"github.com/urbanpulse/ingestion/sources"
)

// FetchHistoryStage pulls one day of hourly weather history for every
// configured city and publishes both the flattened batch and the raw
// API payloads for archival.
type FetchHistoryStage struct {
	API *sources.WeatherAPI
}

func (s *FetchHistoryStage) Name() string       { return "fetch-weather-history" }
func (s *FetchHistoryStage) Requires() []string { return []string{KeyAPIKey, KeyDate} }
func (s *FetchHistoryStage) Produces() []string { return []string{KeyRawBatches, KeyRawObjects} }

func (s *FetchHistoryStage) Run(ctx context.Context, bus *pipeline.Bus) error {
	apiKey, err := bus.String(KeyAPIKey)
	if err != nil {
		return err
	}
	day, err := bus.Time(KeyDate)
	if err != nil {
		return err
	}

	batch, raw, err := s.API.History(ctx, apiKey, day)
	if err != nil {
		return fmt.Errorf("fetch weather history: %w", err)
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode raw weather history: %w", err)
	}

	bus.Set(KeyRawBatches, []entity.RawBatch{batch})
	bus.Set(KeyRawObjects, []Object{{Data: payload, ContentType: "application/json"}})
	return nil
}

// FetchForecastStage pulls the daily forecast for every configured
// city.
type FetchForecastStage struct {
	API *sources.WeatherAPI
}

func (s *FetchForecastStage) Name() string       { return "fetch-weather-forecast" }
func (s *FetchForecastStage) Requires() []string { return []string{KeyAPIKey} }
func (s *FetchForecastStage) Produces() []string { return []string{KeyRawBatches, KeyRawObjects} }

func (s *FetchForecastStage) Run(ctx context.Context, bus *pipeline.Bus) error {
	apiKey, err := bus.String(KeyAPIKey)
	if err != nil {
		return err
	}

	batch, raw, err := s.API.Forecast(ctx, apiKey)
	if err != nil {
		return fmt.Errorf("fetch weather forecast: %w", err)
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode raw weather forecast: %w", err)
	}

	bus.Set(KeyRawBatches, []entity.RawBatch{batch})
	bus.Set(KeyRawObjects, []Object{{Data: payload, ContentType: "application/json"}})
	return nil
}

// FetchFootfallStage walks the open-data catalog and downloads every
// CSV resource that is not excluded. Each file becomes one raw batch
// and one archived object, keyed by its catalog file name.
type FetchFootfallStage struct {
	Source *sources.FootfallSource
}

func (s *FetchFootfallStage) Name() string       { return "fetch-footfall" }
func (s *FetchFootfallStage) Requires() []string { return nil }
func (s *FetchFootfallStage) Produces() []string { return []string{KeyRawBatches, KeyRawObjects} }

func (s *FetchFootfallStage) Run(ctx context.Context, bus *pipeline.Bus) error {
	files, err := s.Source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch footfall: %w", err)
	}

	batches := make([]entity.RawBatch, 0, len(files))
	objects := make([]Object, 0, len(files))
	for _, f := range files {
		batches = append(batches, f.Batch)
		objects = append(objects, Object{Key: f.Name, Data: f.Raw, ContentType: "text/csv"})
	}

	bus.Set(KeyRawBatches, batches)
	bus.Set(KeyRawObjects, objects)
	return nil
}

// FetchHolidaysStage pulls public holidays from the configured start
// year through next year.
type FetchHolidaysStage struct {
	Source *sources.HolidaysSource
	Clock  func() time.Time
}

func (s *FetchHolidaysStage) Name() string       { return "fetch-holidays" }
func (s *FetchHolidaysStage) Requires() []string { return nil }
func (s *FetchHolidaysStage) Produces() []string { return []string{KeyRawBatches, KeyRawObjects} }

func (s *FetchHolidaysStage) Run(ctx context.Context, bus *pipeline.Bus) error {
	now := time.Now
	if s.Clock != nil {
		now = s.Clock
	}

	batch, raw, err := s.Source.Fetch(ctx, now())
	if err != nil {
		return fmt.Errorf("fetch holidays: %w", err)
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode raw holidays: %w", err)
	}

	bus.Set(KeyRawBatches, []entity.RawBatch{batch})
	bus.Set(KeyRawObjects, []Object{{Data: payload, ContentType: "application/json"}})
	return nil
}
