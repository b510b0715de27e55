package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/urbanpulse/ingestion/domain/entity"
)

// City is one tracked location.
type City struct {
	Name string  `json:"name" mapstructure:"name"`
	Lat  float64 `json:"lat" mapstructure:"lat"`
	Lon  float64 `json:"lon" mapstructure:"lon"`
}

// WeatherConfig contains the weather source endpoints and locations.
type WeatherConfig struct {
	HistoryURL  string `json:"history_url" mapstructure:"history_url"`
	ForecastURL string `json:"forecast_url" mapstructure:"forecast_url"`
	Cities      []City `json:"cities" mapstructure:"cities"`
}

// WeatherAPI fetches hourly history and daily forecasts per city.
type WeatherAPI struct {
	client *Client
	cfg    WeatherConfig
}

// NewWeatherAPI creates a weather source adapter.
func NewWeatherAPI(client *Client, cfg WeatherConfig) *WeatherAPI {
	return &WeatherAPI{client: client, cfg: cfg}
}

// historyColumns is the flattened raw layout of a history response.
var historyColumns = []string{"city", "dt", "temp", "pressure", "humidity", "clouds", "wind", "rain", "snow"}

// forecastColumns is the flattened raw layout of a forecast response.
var forecastColumns = []string{"city", "dt", "min_temp", "max_temp", "pressure", "humidity", "clouds", "wind", "rain", "snow"}

type historyResponse struct {
	List []struct {
		Dt   int64 `json:"dt"`
		Main struct {
			Temp     float64 `json:"temp"`
			Pressure float64 `json:"pressure"`
			Humidity float64 `json:"humidity"`
		} `json:"main"`
		Clouds struct {
			All float64 `json:"all"`
		} `json:"clouds"`
		Wind struct {
			Speed float64 `json:"speed"`
		} `json:"wind"`
		Rain *struct {
			OneHour float64 `json:"1h"`
		} `json:"rain"`
		Snow *struct {
			OneHour float64 `json:"1h"`
		} `json:"snow"`
	} `json:"list"`
}

type forecastResponse struct {
	List []struct {
		Dt   int64 `json:"dt"`
		Temp struct {
			Min float64 `json:"min"`
			Max float64 `json:"max"`
		} `json:"temp"`
		Pressure float64  `json:"pressure"`
		Humidity float64  `json:"humidity"`
		Clouds   float64  `json:"clouds"`
		Speed    float64  `json:"speed"`
		Rain     *float64 `json:"rain"`
		Snow     *float64 `json:"snow"`
	} `json:"list"`
}

// History fetches one day of hourly observations for every configured
// city. Returns the flattened raw batch and the per-city raw payloads
// for archiving. Fetches fan out bounded by the client's concurrency
// limit; rows are assembled in configured city order.
func (w *WeatherAPI) History(ctx context.Context, apiKey string, day time.Time) (entity.RawBatch, map[string]json.RawMessage, error) {
	raws := make([]json.RawMessage, len(w.cfg.Cities))
	parsed := make([]historyResponse, len(w.cfg.Cities))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.client.MaxConcurrent())
	for i, city := range w.cfg.Cities {
		i, city := i, city
		g.Go(func() error {
			u := fmt.Sprintf("%s?lat=%s&lon=%s&type=hour&start=%d&cnt=24&appid=%s",
				w.cfg.HistoryURL,
				formatCoord(city.Lat), formatCoord(city.Lon),
				day.Unix(), url.QueryEscape(apiKey))
			body, err := w.client.Get(gctx, u)
			if err != nil {
				return fmt.Errorf("history for %s: %w", city.Name, err)
			}
			if err := json.Unmarshal(body, &parsed[i]); err != nil {
				return fmt.Errorf("decode history for %s: %w", city.Name, err)
			}
			raws[i] = json.RawMessage(body)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return entity.RawBatch{}, nil, err
	}

	batch := entity.RawBatch{Source: "weather_history", Columns: historyColumns}
	archive := make(map[string]json.RawMessage, len(w.cfg.Cities))
	for i, city := range w.cfg.Cities {
		archive[city.Name] = raws[i]
		for _, hour := range parsed[i].List {
			rec := entity.RawRecord{
				"city":     city.Name,
				"dt":       strconv.FormatInt(hour.Dt, 10),
				"temp":     formatFloat(hour.Main.Temp),
				"pressure": formatFloat(hour.Main.Pressure),
				"humidity": formatFloat(hour.Main.Humidity),
				"clouds":   formatFloat(hour.Clouds.All),
				"wind":     formatFloat(hour.Wind.Speed),
			}
			if hour.Rain != nil {
				rec["rain"] = formatFloat(hour.Rain.OneHour)
			}
			if hour.Snow != nil {
				rec["snow"] = formatFloat(hour.Snow.OneHour)
			}
			batch.Records = append(batch.Records, rec)
		}
	}
	return batch, archive, nil
}

// Forecast fetches the daily climate forecast for every configured
// city. Same fan-out and assembly rules as History.
func (w *WeatherAPI) Forecast(ctx context.Context, apiKey string) (entity.RawBatch, map[string]json.RawMessage, error) {
	raws := make([]json.RawMessage, len(w.cfg.Cities))
	parsed := make([]forecastResponse, len(w.cfg.Cities))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.client.MaxConcurrent())
	for i, city := range w.cfg.Cities {
		i, city := i, city
		g.Go(func() error {
			u := fmt.Sprintf("%s?lat=%s&lon=%s&appid=%s",
				w.cfg.ForecastURL,
				formatCoord(city.Lat), formatCoord(city.Lon),
				url.QueryEscape(apiKey))
			body, err := w.client.Get(gctx, u)
			if err != nil {
				return fmt.Errorf("forecast for %s: %w", city.Name, err)
			}
			if err := json.Unmarshal(body, &parsed[i]); err != nil {
				return fmt.Errorf("decode forecast for %s: %w", city.Name, err)
			}
			raws[i] = json.RawMessage(body)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return entity.RawBatch{}, nil, err
	}

	batch := entity.RawBatch{Source: "weather_forecast", Columns: forecastColumns}
	archive := make(map[string]json.RawMessage, len(w.cfg.Cities))
	for i, city := range w.cfg.Cities {
		archive[city.Name] = raws[i]
		for _, day := range parsed[i].List {
			rec := entity.RawRecord{
				"city":     city.Name,
				"dt":       strconv.FormatInt(day.Dt, 10),
				"min_temp": formatFloat(day.Temp.Min),
				"max_temp": formatFloat(day.Temp.Max),
				"pressure": formatFloat(day.Pressure),
				"humidity": formatFloat(day.Humidity),
				"clouds":   formatFloat(day.Clouds),
				"wind":     formatFloat(day.Speed),
			}
			if day.Rain != nil {
				rec["rain"] = formatFloat(*day.Rain)
			}
			if day.Snow != nil {
				rec["snow"] = formatFloat(*day.Snow)
			}
			batch.Records = append(batch.Records, rec)
		}
	}
	return batch, archive, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
