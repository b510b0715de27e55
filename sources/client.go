// Package sources fetches raw record sets from the external HTTP
// endpoints the pipelines track. All adapters share one client with a
// circuit breaker and rate limiter; per-location fetch loops fan out
// through a bounded worker group and assemble their results in
// configuration order, so the accumulated raw set is deterministic.
package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/urbanpulse/ingestion/pkg/logging"
)

// ClientConfig contains source HTTP client configuration.
type ClientConfig struct {
	Timeout           time.Duration `json:"timeout" mapstructure:"timeout"`
	RequestsPerSecond float64       `json:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `json:"burst" mapstructure:"burst"`
	MaxConcurrent     int           `json:"max_concurrent" mapstructure:"max_concurrent"`
	FailureThreshold  uint32        `json:"failure_threshold" mapstructure:"failure_threshold"`
	BreakerTimeout    time.Duration `json:"breaker_timeout" mapstructure:"breaker_timeout"`
}

// HTTPError is a non-2xx response from a source endpoint. Client
// errors other than rate limiting are permanent; rate limits and
// server errors stay transient for the stage retry policy.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

func (e *HTTPError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// Client is the shared source-API HTTP client.
type Client struct {
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *logging.Logger

	maxConcurrent int
}

// NewClient creates a client from config. Zero values get sane
// defaults: 30s timeout, 5 rps, fan-out of 4.
func NewClient(cfg ClientConfig, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(rps)
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "source-http",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		http:          &http.Client{Timeout: timeout},
		cb:            cb,
		limiter:       rate.NewLimiter(rate.Limit(rps), burst),
		logger:        logger,
		maxConcurrent: maxConcurrent,
	}
}

// MaxConcurrent is the fan-out bound adapters use for per-location
// fetch loops.
func (c *Client) MaxConcurrent() int { return c.maxConcurrent }

// Get fetches one URL and returns the response body.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := c.cb.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("GET %s: %w", url, err)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			return nil, &HTTPError{StatusCode: resp.StatusCode, URL: url}
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", url, err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return body.([]byte), nil
}
