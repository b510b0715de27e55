package pipelines

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanpulse/ingestion/domain/entity"
	"github.com/urbanpulse/ingestion/normalize"
	"github.com/urbanpulse/ingestion/objectstore"
	"github.com/urbanpulse/ingestion/pipeline"
	"github.com/urbanpulse/ingestion/pkg/logging"
	"github.com/urbanpulse/ingestion/pkg/metrics"
	"github.com/urbanpulse/ingestion/warehouse"
)

func fixedClock() func() time.Time {
	return func() time.Time {
		return time.Date(2024, 3, 17, 14, 30, 5, 0, time.UTC)
	}
}

func TestArchiveRawStageKeys(t *testing.T) {
	store := objectstore.NewLocal(t.TempDir())
	stage := &ArchiveRawStage{
		Store:   store,
		Metrics: metrics.NewCollector("test"),
		Bucket:  "b",
		Folder:  "raw/weather_history",
		Clock:   fixedClock(),
	}

	bus := pipeline.NewBus(nil)
	bus.Set(KeyRawObjects, []Object{
		{Data: []byte(`{"x":1}`), ContentType: "application/json"},
		{Key: "file.csv", Data: []byte("a,b\n"), ContentType: "text/csv"},
	})

	require.NoError(t, stage.Run(context.Background(), bus))

	// Unnamed payloads get a timestamped key; named ones keep theirs.
	data, err := store.Get(context.Background(), "b", "raw/weather_history/2024-03-17 14-30-05.json")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"x":1}`), data)

	data, err = store.Get(context.Background(), "b", "raw/weather_history/file.csv")
	require.NoError(t, err)
	assert.Equal(t, []byte("a,b\n"), data)
}

func TestNormalizeStageDedupesAcrossBatches(t *testing.T) {
	schema := normalize.SourceSchema{
		Source:      "footfall",
		Location:    normalize.Rule{Candidates: []string{"LocationName"}},
		Date:        normalize.Rule{Candidates: []string{"Date"}},
		DateLayouts: []string{"2006-01-02"},
		Hour:        normalize.Rule{Candidates: []string{"Hour"}},
		Metrics: []normalize.MetricRule{
			{Name: "pedestrians", Candidates: []string{"InCount"}},
		},
	}
	stage := &NormalizeStage{Schema: schema, Logger: logging.NewNop(), Metrics: metrics.NewCollector("test")}

	cols := []string{"LocationName", "Date", "Hour", "InCount"}
	bus := pipeline.NewBus(nil)
	bus.Set(KeyRawBatches, []entity.RawBatch{
		{Source: "footfall", Name: "a.csv", Columns: cols, Records: []entity.RawRecord{
			{"LocationName": "Market Street", "Date": "2024-03-17", "Hour": "9", "InCount": "100"},
		}},
		{Source: "footfall", Name: "b.csv", Columns: cols, Records: []entity.RawRecord{
			// Same key as a.csv's row: later file wins.
			{"LocationName": "Market Street", "Date": "2024-03-17", "Hour": "9", "InCount": "200"},
			{"LocationName": "Deansgate", "Date": "2024-03-17", "Hour": "9", "InCount": "50"},
		}},
	})

	require.NoError(t, stage.Run(context.Background(), bus))

	out, err := bus.Canonical(KeyCanonical)
	require.NoError(t, err)
	require.Len(t, out.Records, 2)
	assert.Equal(t, 200.0, out.Records[0].Metrics["pedestrians"])
	assert.Equal(t, "Deansgate", out.Records[1].Location)
}

func TestEncodeCSV(t *testing.T) {
	schema := warehouse.Schema{Metrics: []warehouse.Column{{Name: "pedestrians"}}}
	records := []entity.CanonicalRecord{{
		EntityID:  "cam-1",
		Location:  "Market Street",
		Timestamp: time.Date(2024, 3, 17, 9, 0, 0, 0, time.UTC),
		Metrics:   map[string]float64{"pedestrians": 120},
	}}

	data, err := EncodeCSV(schema, records)
	require.NoError(t, err)
	assert.Equal(t,
		"location,entity_id,timestamp,pedestrians\n"+
			"Market Street,cam-1,2024-03-17 09:00:00,120\n",
		string(data))
}

func TestShardTableStage(t *testing.T) {
	stage := &ShardTableStage{Base: "footfall"}
	bus := pipeline.NewBus(map[string]any{
		KeyDate: time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC),
	})

	require.NoError(t, stage.Run(context.Background(), bus))

	table, err := bus.String(KeyShardTable)
	require.NoError(t, err)
	assert.Equal(t, "footfall_20240317", table)
}

func TestLoadShardStage(t *testing.T) {
	wh := warehouse.NewMemory()
	schema := warehouse.Schema{Metrics: []warehouse.Column{{Name: "pedestrians"}}}
	stage := &LoadShardStage{Warehouse: wh, Metrics: metrics.NewCollector("test"), Schema: schema}

	bus := pipeline.NewBus(nil)
	bus.Set(KeyShardTable, "footfall_20240317")
	bus.Set(KeyCanonical, entity.CanonicalBatch{
		Source: "footfall",
		Records: []entity.CanonicalRecord{{
			EntityID:  "cam-1",
			Location:  "Market Street",
			Timestamp: time.Date(2024, 3, 17, 9, 0, 0, 0, time.UTC),
			Metrics:   map[string]float64{"pedestrians": 120},
		}},
	})

	require.NoError(t, stage.Run(context.Background(), bus))
	assert.Len(t, wh.Table("footfall_20240317"), 1)
}
