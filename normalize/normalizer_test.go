package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanpulse/ingestion/domain/entity"
)

func footfallSchema() SourceSchema {
	return SourceSchema{
		Source:      "footfall",
		Entity:      Rule{Candidates: []string{"LocationID", "Id"}},
		Location:    Rule{Candidates: []string{"LocationName", "Location"}},
		Date:        Rule{Candidates: []string{"Date"}},
		DateLayouts: []string{"2006-01-02"},
		Hour:        Rule{Candidates: []string{"Hour"}},
		Metrics: []MetricRule{
			{Name: "pedestrians", Candidates: []string{"InCount", "TotalCount"}},
		},
	}
}

func TestCanonicalizeHour(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"9", "09:00:00"},
		{"09", "09:00:00"},
		{"23", "23:00:00"},
		{"0", "00:00:00"},
		{"09:45", "09:00:00"},
		{"9.5", "09:00:00"},
		{" 14 ", "14:00:00"},
	}
	for _, tc := range cases {
		got, err := CanonicalizeHour(tc.in)
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestCanonicalizeHourRejectsGarbage(t *testing.T) {
	for _, in := range []string{"abc", "", ":30", "24", "99", "-1"} {
		_, err := CanonicalizeHour(in)
		require.Error(t, err, "input %q", in)
		var tpe *TimeParseError
		assert.ErrorAs(t, err, &tpe, "input %q", in)
	}
}

func TestNormalizePreferenceOrder(t *testing.T) {
	// Both candidates present: the more-preferred InCount wins, even
	// though TotalCount also resolves.
	batch := entity.RawBatch{
		Source:  "footfall",
		Columns: []string{"LocationID", "LocationName", "Date", "Hour", "InCount", "TotalCount"},
		Records: []entity.RawRecord{{
			"LocationID":   "cam-1",
			"LocationName": "Market Street",
			"Date":         "2024-03-17",
			"Hour":         "9",
			"InCount":      "120",
			"TotalCount":   "999",
		}},
	}

	out, err := Normalize(batch, footfallSchema())
	require.NoError(t, err)
	require.Len(t, out.Records, 1)
	assert.Equal(t, 120.0, out.Records[0].Metrics["pedestrians"])
}

func TestNormalizeFallbackCandidate(t *testing.T) {
	// Only the second-choice column exists.
	batch := entity.RawBatch{
		Source:  "footfall",
		Columns: []string{"Id", "Location", "Date", "Hour", "TotalCount"},
		Records: []entity.RawRecord{{
			"Id":         "cam-2",
			"Location":   "Deansgate",
			"Date":       "2024-03-17",
			"Hour":       "09:45",
			"TotalCount": "450",
		}},
	}

	out, err := Normalize(batch, footfallSchema())
	require.NoError(t, err)
	require.Len(t, out.Records, 1)
	rec := out.Records[0]
	assert.Equal(t, "cam-2", rec.EntityID)
	assert.Equal(t, "Deansgate", rec.Location)
	assert.Equal(t, 450.0, rec.Metrics["pedestrians"])
	assert.Equal(t, time.Date(2024, 3, 17, 9, 0, 0, 0, time.UTC), rec.Timestamp)
}

func TestNormalizeUnresolvableSchema(t *testing.T) {
	batch := entity.RawBatch{
		Source:  "footfall",
		Columns: []string{"LocationID", "LocationName", "Date", "Hour", "SomethingElse"},
		Records: []entity.RawRecord{{"Date": "2024-03-17"}},
	}

	_, err := Normalize(batch, footfallSchema())
	require.Error(t, err)
	var unresolvable *UnresolvableSchemaError
	require.ErrorAs(t, err, &unresolvable)
	assert.Equal(t, "pedestrians", unresolvable.Attribute)
	assert.Equal(t, []string{"InCount", "TotalCount"}, unresolvable.Candidates)
}

func TestNormalizeDropsAggregateRows(t *testing.T) {
	batch := entity.RawBatch{
		Source:  "footfall",
		Columns: []string{"LocationID", "LocationName", "Date", "Hour", "InCount"},
		Records: []entity.RawRecord{
			{"LocationID": "cam-1", "LocationName": "Market Street", "Date": "2024-03-17", "Hour": "10", "InCount": "50"},
			// Daily rollup: the hour cell is blank.
			{"LocationID": "cam-1", "LocationName": "Market Street", "Date": "2024-03-17", "Hour": "", "InCount": "1200"},
		},
	}

	out, err := Normalize(batch, footfallSchema())
	require.NoError(t, err)
	assert.Len(t, out.Records, 1)
	assert.Equal(t, 1, out.Dropped.AggregateRows)
	assert.Equal(t, 0, out.Dropped.IncompleteRows)
}

func TestNormalizeMalformedHourFailsBatch(t *testing.T) {
	batch := entity.RawBatch{
		Source:  "footfall",
		Columns: []string{"LocationID", "LocationName", "Date", "Hour", "InCount"},
		Records: []entity.RawRecord{
			{"LocationID": "cam-1", "LocationName": "Market Street", "Date": "2024-03-17", "Hour": "abc", "InCount": "50"},
		},
	}

	_, err := Normalize(batch, footfallSchema())
	require.Error(t, err)
	var tpe *TimeParseError
	require.ErrorAs(t, err, &tpe)
	assert.Equal(t, "footfall", tpe.Source)
	assert.Equal(t, "abc", tpe.Value)
}

func TestNormalizeDropsIncompleteRows(t *testing.T) {
	batch := entity.RawBatch{
		Source:  "footfall",
		Columns: []string{"LocationID", "LocationName", "Date", "Hour", "InCount"},
		Records: []entity.RawRecord{
			{"LocationID": "cam-1", "LocationName": "Market Street", "Date": "2024-03-17", "Hour": "10", "InCount": "50"},
			{"LocationID": "cam-1", "LocationName": "", "Date": "2024-03-17", "Hour": "11", "InCount": "60"},
			{"LocationID": "cam-1", "LocationName": "Market Street", "Date": "not-a-date", "Hour": "12", "InCount": "70"},
			{"LocationID": "cam-1", "LocationName": "Market Street", "Date": "2024-03-17", "Hour": "13", "InCount": ""},
		},
	}

	out, err := Normalize(batch, footfallSchema())
	require.NoError(t, err)
	assert.Len(t, out.Records, 1)
	assert.Equal(t, 3, out.Dropped.IncompleteRows)
}

func TestNormalizeOptionalMetricDefaults(t *testing.T) {
	schema := SourceSchema{
		Source:      "weather_history",
		Location:    Rule{Candidates: []string{"city"}},
		Date:        Rule{Candidates: []string{"dt"}},
		DateLayouts: []string{"unix"},
		Metrics: []MetricRule{
			{Name: "temperature", Candidates: []string{"temp"}, Transform: "kelvin_to_celsius"},
			{Name: "rain", Candidates: []string{"rain"}, Optional: true},
			{Name: "snow", Candidates: []string{"snowfall"}, Optional: true}, // column absent entirely
		},
	}

	batch := entity.RawBatch{
		Source:  "weather_history",
		Columns: []string{"city", "dt", "temp", "rain"},
		Records: []entity.RawRecord{
			{"city": "Manchester", "dt": "1710668800", "temp": "283.15", "rain": "0.4"},
			// Sparse optional cell: defaults to 0, row is kept.
			{"city": "Manchester", "dt": "1710672400", "temp": "284.25", "rain": ""},
		},
	}

	out, err := Normalize(batch, schema)
	require.NoError(t, err)
	require.Len(t, out.Records, 2)

	first := out.Records[0]
	assert.Equal(t, 10.0, first.Metrics["temperature"])
	assert.Equal(t, 0.4, first.Metrics["rain"])
	assert.Equal(t, 0.0, first.Metrics["snow"])

	second := out.Records[1]
	assert.Equal(t, 11.1, second.Metrics["temperature"])
	assert.Equal(t, 0.0, second.Metrics["rain"])
	assert.Equal(t, 0.0, second.Metrics["snow"])
	assert.Zero(t, out.Dropped.Total())
}

func TestNormalizeLocationLiteral(t *testing.T) {
	schema := SourceSchema{
		Source:          "holidays",
		LocationLiteral: "GB-ENG",
		Date:            Rule{Candidates: []string{"date"}},
		DateLayouts:     []string{"2006-01-02"},
		Metrics: []MetricRule{
			{Name: "is_holiday", Candidates: []string{"is_holiday"}},
		},
	}

	batch := entity.RawBatch{
		Source:  "holidays",
		Columns: []string{"date", "name", "is_holiday"},
		Records: []entity.RawRecord{
			{"date": "2024-12-25", "name": "Christmas Day", "is_holiday": "1"},
		},
	}

	out, err := Normalize(batch, schema)
	require.NoError(t, err)
	require.Len(t, out.Records, 1)
	rec := out.Records[0]
	assert.Equal(t, "GB-ENG", rec.Location)
	assert.Equal(t, "GB-ENG", rec.EntityID)
	assert.Equal(t, time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC), rec.Timestamp)
	assert.Equal(t, 1.0, rec.Metrics["is_holiday"])
}

func TestNormalizeUnknownTransform(t *testing.T) {
	schema := footfallSchema()
	schema.Metrics[0].Transform = "fahrenheit_to_rankine"

	batch := entity.RawBatch{
		Source:  "footfall",
		Columns: []string{"LocationID", "LocationName", "Date", "Hour", "InCount"},
	}

	_, err := Normalize(batch, schema)
	require.Error(t, err)
	var te *TransformError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "fahrenheit_to_rankine", te.Transform)
}

func TestNormalizeDateLayoutFallback(t *testing.T) {
	schema := footfallSchema()
	schema.DateLayouts = []string{"2006-01-02", "02/01/2006"}

	batch := entity.RawBatch{
		Source:  "footfall",
		Columns: []string{"LocationID", "LocationName", "Date", "Hour", "InCount"},
		Records: []entity.RawRecord{
			{"LocationID": "cam-1", "LocationName": "Market Street", "Date": "17/03/2024", "Hour": "8", "InCount": "10"},
		},
	}

	out, err := Normalize(batch, schema)
	require.NoError(t, err)
	require.Len(t, out.Records, 1)
	assert.Equal(t, time.Date(2024, 3, 17, 8, 0, 0, 0, time.UTC), out.Records[0].Timestamp)
}
