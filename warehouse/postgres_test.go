package warehouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildMergeQuery(t *testing.T) {
	schema := Schema{Metrics: []Column{{Name: "temperature"}}}

	q := BuildMergeQuery("hist_merge", "weather_20240317", "historical_weather", schema)

	assert.Contains(t, q, `CREATE TABLE "hist_merge" AS`)
	assert.Contains(t, q, `SELECT "location", "entity_id", "timestamp", "temperature" FROM "weather_20240317"`)
	assert.Contains(t, q, "UNION ALL")
	assert.Contains(t, q, `FROM "historical_weather" h`)
	assert.Contains(t, q, `LEFT JOIN "weather_20240317" s ON h.location = s.location AND h."timestamp" = s."timestamp"`)
	assert.Contains(t, q, `WHERE s."timestamp" IS NULL`)
}

func TestBuildMergeQueryQuotesIdentifiers(t *testing.T) {
	// Identifier quoting neutralizes hostile table names from config.
	q := BuildMergeQuery(`x"; drop table y; --`, "shard", "hist", Schema{})
	assert.Contains(t, q, `"x""; drop table y; --"`)
}

func TestCreateTableStmt(t *testing.T) {
	schema := Schema{Metrics: []Column{
		{Name: "temperature", Type: "double precision"},
		{Name: "pedestrians"}, // defaulted type
	}}

	stmt := createTableStmt("footfall_20240317", schema)
	assert.Contains(t, stmt, `CREATE TABLE IF NOT EXISTS "footfall_20240317"`)
	assert.Contains(t, stmt, `"location" TEXT NOT NULL`)
	assert.Contains(t, stmt, `"entity_id" TEXT NOT NULL`)
	assert.Contains(t, stmt, `"timestamp" TIMESTAMPTZ NOT NULL`)
	assert.Contains(t, stmt, `"temperature" double precision`)
	assert.Contains(t, stmt, `"pedestrians" DOUBLE PRECISION`)
}
