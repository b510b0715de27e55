package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/urbanpulse/ingestion/domain/entity"
)

// HolidaysConfig contains the public-holidays source configuration.
type HolidaysConfig struct {
	BaseURL     string `json:"base_url" mapstructure:"base_url"`
	CountryCode string `json:"country_code" mapstructure:"country_code"`
	// Region keeps only holidays observed nationally or in this
	// subdivision (e.g. GB-ENG).
	Region string `json:"region" mapstructure:"region"`
	// IncludeNames are holidays kept regardless of region, e.g.
	// informally observed days.
	IncludeNames []string `json:"include_names" mapstructure:"include_names"`
	StartYear    int      `json:"start_year" mapstructure:"start_year"`
}

// HolidaysSource fetches public holiday calendars year by year.
type HolidaysSource struct {
	client *Client
	cfg    HolidaysConfig
}

// NewHolidaysSource creates a holidays source adapter.
func NewHolidaysSource(client *Client, cfg HolidaysConfig) *HolidaysSource {
	return &HolidaysSource{client: client, cfg: cfg}
}

type holiday struct {
	Date      string   `json:"date"`
	LocalName string   `json:"localName"`
	Name      string   `json:"name"`
	Counties  []string `json:"counties"`
}

// Fetch retrieves holidays from the configured start year through next
// year (the forecast horizon can dip over new year's eve) and filters
// to the configured region. Years are fetched sequentially: one small
// request per year against a free API.
func (h *HolidaysSource) Fetch(ctx context.Context, now time.Time) (entity.RawBatch, []json.RawMessage, error) {
	endYear := now.Year() + 1

	batch := entity.RawBatch{Source: "holidays", Columns: []string{"date", "name", "is_holiday"}}
	var raws []json.RawMessage

	for year := h.cfg.StartYear; year <= endYear; year++ {
		u := fmt.Sprintf("%s/%d/%s", h.cfg.BaseURL, year, h.cfg.CountryCode)
		body, err := h.client.Get(ctx, u)
		if err != nil {
			return entity.RawBatch{}, nil, fmt.Errorf("holidays for %d: %w", year, err)
		}
		var days []holiday
		if err := json.Unmarshal(body, &days); err != nil {
			return entity.RawBatch{}, nil, fmt.Errorf("decode holidays for %d: %w", year, err)
		}
		raws = append(raws, json.RawMessage(body))

		for _, day := range days {
			if !h.keep(day) {
				continue
			}
			batch.Records = append(batch.Records, entity.RawRecord{
				"date":       day.Date,
				"name":       day.LocalName,
				"is_holiday": strconv.Itoa(1),
			})
		}
	}
	return batch, raws, nil
}

// keep applies the region filter: national holidays (no county list),
// holidays observed in the configured region, and explicitly included
// names.
func (h *HolidaysSource) keep(day holiday) bool {
	if day.Counties == nil {
		return true
	}
	for _, county := range day.Counties {
		if county == h.cfg.Region {
			return true
		}
	}
	for _, name := range h.cfg.IncludeNames {
		if day.Name == name {
			return true
		}
	}
	return false
}
