// Package normalize reconciles heterogeneous raw source layouts into
// the canonical record shape. Resolution is strict first-match-wins
// over per-source column preference lists; temporal fields get format
// repair; rows that cannot be completed are dropped and counted, never
// propagated with gaps. Normalize is pure: same batch and schema in,
// same canonical set out.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/urbanpulse/ingestion/domain/entity"
)

// hourToken accepts a bare 1-2 digit hour optionally followed by a
// decimal or colon separator: "9", "09", "09:30", "9.5". Only the
// leading hour digits are kept; sub-hour granularity is discarded.
var hourToken = regexp.MustCompile(`^([0-9]{1,2})([.:]|$)`)

// CanonicalizeHour repairs a free-form hour token into the canonical
// zero-padded "HH:00:00" form. Tokens that do not open with hour digits,
// or name an hour past 23, fail with *TimeParseError.
func CanonicalizeHour(token string) (string, error) {
	m := hourToken.FindStringSubmatch(strings.TrimSpace(token))
	if m == nil {
		return "", &TimeParseError{Value: token}
	}
	hour, err := strconv.Atoi(m[1])
	if err != nil || hour > 23 {
		return "", &TimeParseError{Value: token}
	}
	return fmt.Sprintf("%02d:00:00", hour), nil
}

// hourOf parses the token and returns the hour as an int.
func hourOf(token string) (int, error) {
	canonical, err := CanonicalizeHour(token)
	if err != nil {
		return 0, err
	}
	hour, _ := strconv.Atoi(canonical[:2])
	return hour, nil
}

// transforms holds the known metric value transforms.
var transforms = map[string]func(float64) float64{
	"kelvin_to_celsius": func(k float64) float64 {
		return math.Round((k-273.15)*10) / 10
	},
}

// resolved is the outcome of preference-list resolution for one batch.
type resolved struct {
	entityCol   string
	locationCol string
	dateCol     string
	hourCol     string
	metricCols  []metricCol
}

type metricCol struct {
	rule      MetricRule
	col       string // empty when defaulted
	transform func(float64) float64
}

// resolveColumn scans candidates in order and returns the first name
// present in the batch schema. No merging: once a candidate matches,
// later candidates are ignored even if also present.
func resolveColumn(batch entity.RawBatch, candidates []string) (string, bool) {
	for _, c := range candidates {
		if batch.HasColumn(c) {
			return c, true
		}
	}
	return "", false
}

func resolveSchema(batch entity.RawBatch, schema SourceSchema) (resolved, error) {
	var r resolved

	require := func(attr string, rule Rule) (string, error) {
		col, ok := resolveColumn(batch, rule.Candidates)
		if !ok {
			return "", &UnresolvableSchemaError{Source: schema.Source, Attribute: attr, Candidates: rule.Candidates}
		}
		return col, nil
	}

	var err error
	if schema.Entity.Declared() {
		if r.entityCol, err = require("entity_id", schema.Entity); err != nil {
			return resolved{}, err
		}
	}
	if schema.LocationLiteral == "" {
		if r.locationCol, err = require("location", schema.Location); err != nil {
			return resolved{}, err
		}
	}
	if r.dateCol, err = require("date", schema.Date); err != nil {
		return resolved{}, err
	}
	if schema.Hour.Declared() {
		if r.hourCol, err = require("hour", schema.Hour); err != nil {
			return resolved{}, err
		}
	}

	for _, rule := range schema.Metrics {
		transform := func(v float64) float64 { return v }
		if rule.Transform != "" {
			fn, ok := transforms[rule.Transform]
			if !ok {
				return resolved{}, &TransformError{Source: schema.Source, Metric: rule.Name, Transform: rule.Transform}
			}
			transform = fn
		}

		col, ok := resolveColumn(batch, rule.Candidates)
		if !ok {
			if !rule.Optional {
				return resolved{}, &UnresolvableSchemaError{Source: schema.Source, Attribute: rule.Name, Candidates: rule.Candidates}
			}
			// Default substitution: the source omits this metric
			// entirely, every row gets the default value.
			r.metricCols = append(r.metricCols, metricCol{rule: rule, transform: transform})
			continue
		}
		r.metricCols = append(r.metricCols, metricCol{rule: rule, col: col, transform: transform})
	}

	return r, nil
}

// parseDate tries the layout list in order. The layout "unix" reads
// epoch seconds. Returns false when no layout matches; the caller
// treats that row as incomplete, mirroring how unparsed dates fell out
// of the original store.
func parseDate(value string, layouts []string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if layout == "unix" {
			secs, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				continue
			}
			return time.Unix(secs, 0).UTC(), true
		}
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Normalize turns one raw record set plus its source schema into a
// canonical record set, or fails explicitly. Rows whose hour token is
// absent are aggregate rollups and are dropped (counted, see
// DropCounts); rows still missing a required canonical field after
// resolution are likewise dropped, not propagated.
func Normalize(batch entity.RawBatch, schema SourceSchema) (entity.CanonicalBatch, error) {
	r, err := resolveSchema(batch, schema)
	if err != nil {
		return entity.CanonicalBatch{}, err
	}

	out := entity.CanonicalBatch{Source: schema.Source}

	for _, rec := range batch.Records {
		hour := 0
		if r.hourCol != "" {
			token := strings.TrimSpace(rec[r.hourCol])
			if token == "" {
				// Daily rollup row, not an hourly observation.
				out.Dropped.AggregateRows++
				continue
			}
			if hour, err = hourOf(token); err != nil {
				var tpe *TimeParseError
				if errors.As(err, &tpe) {
					return entity.CanonicalBatch{}, &TimeParseError{Source: schema.Source, Value: tpe.Value}
				}
				return entity.CanonicalBatch{}, err
			}
		}

		date, ok := parseDate(rec[r.dateCol], schema.DateLayouts)
		if !ok {
			out.Dropped.IncompleteRows++
			continue
		}

		timestamp := date
		if r.hourCol != "" {
			timestamp = time.Date(date.Year(), date.Month(), date.Day(), hour, 0, 0, 0, time.UTC)
		}

		location := schema.LocationLiteral
		if r.locationCol != "" {
			location = strings.TrimSpace(rec[r.locationCol])
		}
		if location == "" {
			out.Dropped.IncompleteRows++
			continue
		}

		entityID := location
		if r.entityCol != "" {
			entityID = strings.TrimSpace(rec[r.entityCol])
			if entityID == "" {
				out.Dropped.IncompleteRows++
				continue
			}
		}

		values, ok := resolveMetrics(rec, r.metricCols)
		if !ok {
			out.Dropped.IncompleteRows++
			continue
		}

		out.Records = append(out.Records, entity.CanonicalRecord{
			EntityID:  entityID,
			Location:  location,
			Timestamp: timestamp,
			Metrics:   values,
		})
	}

	return out, nil
}

// resolveMetrics evaluates every metric column for one row. A required
// column with an empty or unparseable cell makes the whole row
// incomplete; partial records are discarded, not emitted with gaps.
// Optional metrics fall back to their default when the cell is empty,
// so sparse columns never produce missing markers downstream.
func resolveMetrics(rec entity.RawRecord, cols []metricCol) (map[string]float64, bool) {
	values := make(map[string]float64, len(cols))
	for _, mc := range cols {
		if mc.col == "" {
			values[mc.rule.Name] = mc.rule.Default
			continue
		}
		cell := strings.TrimSpace(rec[mc.col])
		if cell == "" {
			if mc.rule.Optional {
				values[mc.rule.Name] = mc.rule.Default
				continue
			}
			return nil, false
		}
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, false
		}
		values[mc.rule.Name] = mc.transform(v)
	}
	return values, true
}
