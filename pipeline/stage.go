package pipeline

import (
	"context"
	"math/rand"
	"time"
)

// Stage is one step of a pipeline. A stage declares the bus keys it
// requires (checked before invocation) and the keys it produces
// (checked after), making the data flow through a pipeline statically
// inspectable. External side effects are the stage's own business; the
// executor only sequences calls.
type Stage interface {
	Name() string
	Requires() []string
	Produces() []string
	Run(ctx context.Context, bus *Bus) error
}

// RetryPolicy is an explicit retry configuration paired with a stage
// when it is handed to the executor. Backoff is exponential with full
// jitter; the zero value means a single attempt.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// NoRetry is the default policy: one attempt, no retries.
var NoRetry = RetryPolicy{MaxAttempts: 1}

// DefaultRetry retries transient failures a few times with exponential
// backoff, mirroring the retries=3 the original flows used.
var DefaultRetry = RetryPolicy{
	MaxAttempts:    4,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     30 * time.Second,
	Multiplier:     2,
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// backoff returns the sleep before the given retry (attempt is
// 1-based: the first retry follows attempt 1).
func (p RetryPolicy) backoff(attempt int, rng *rand.Rand) time.Duration {
	base := p.InitialBackoff
	if base <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	// Full jitter: uniform over (0, d].
	return time.Duration(rng.Int63n(int64(d)) + 1)
}

// StageSpec pairs a stage with its retry policy for one executor run.
type StageSpec struct {
	Stage Stage
	Retry RetryPolicy
}

// funcStage adapts a function to the Stage interface.
type funcStage struct {
	name     string
	requires []string
	produces []string
	fn       func(ctx context.Context, bus *Bus) error
}

// StageFunc builds a Stage from a function and its declared keys.
func StageFunc(name string, requires, produces []string, fn func(ctx context.Context, bus *Bus) error) Stage {
	return &funcStage{name: name, requires: requires, produces: produces, fn: fn}
}

func (s *funcStage) Name() string                            { return s.name }
func (s *funcStage) Requires() []string                      { return s.requires }
func (s *funcStage) Produces() []string                      { return s.produces }
func (s *funcStage) Run(ctx context.Context, bus *Bus) error { return s.fn(ctx, bus) }
