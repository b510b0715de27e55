package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/urbanpulse/ingestion/pkg/logging"
	"github.com/urbanpulse/ingestion/pkg/metrics"
)

// Executor invokes an ordered list of stages against one bus,
// sequentially and fail-fast. Each stage sees the bus as mutated by
// every stage before it. On failure no later stage executes and no
// compensation is attempted for side effects already performed: a
// partial upload from an earlier stage stays where it is. That is a
// known limitation of the design, not a recovery gap to paper over.
type Executor struct {
	logger  *logging.Logger
	metrics *metrics.Collector

	// sleep and rng are swappable for tests.
	sleep func(time.Duration)
	rng   *rand.Rand
}

// NewExecutor creates an executor. A nil logger or collector is
// replaced with a no-op.
func NewExecutor(logger *logging.Logger, collector *metrics.Collector) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	if collector == nil {
		collector = metrics.NewCollector("ingestion_test")
	}
	return &Executor{
		logger:  logger,
		metrics: collector,
		sleep:   time.Sleep,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run executes the stages in order. The first failure aborts the run
// and is returned wrapped with the failing stage's name.
func (e *Executor) Run(ctx context.Context, specs []StageSpec, bus *Bus) error {
	for _, spec := range specs {
		if err := e.runStage(ctx, spec, bus); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runStage(ctx context.Context, spec StageSpec, bus *Bus) error {
	stage := spec.Stage
	logger := e.logger.WithStage(stage.Name())

	// Precondition: every required key must already be on the bus.
	for _, key := range stage.Requires() {
		if !bus.Has(key) {
			err := fmt.Errorf("stage %q precondition: %w", stage.Name(), &MissingKeyError{Key: key})
			e.metrics.StageRuns.WithLabelValues(stage.Name(), "precondition_failed").Inc()
			return err
		}
	}

	attempts := spec.Retry.attempts()
	start := time.Now()

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		logger.Debug("stage starting", zap.Int("attempt", attempt))

		err = stage.Run(ctx, bus)
		if err == nil {
			break
		}
		if IsPermanent(err) || ctx.Err() != nil || attempt == attempts {
			break
		}

		backoff := spec.Retry.backoff(attempt, e.rng)
		logger.Warn("stage failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))
		e.metrics.StageRetries.WithLabelValues(stage.Name()).Inc()
		e.sleep(backoff)
	}

	elapsed := time.Since(start)
	if err != nil {
		logger.Error("stage failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		e.metrics.ObserveStage(stage.Name(), "failed", elapsed)
		return fmt.Errorf("stage %q: %w", stage.Name(), err)
	}

	// Postcondition: every declared product must now exist.
	for _, key := range stage.Produces() {
		if !bus.Has(key) {
			e.metrics.ObserveStage(stage.Name(), "postcondition_failed", elapsed)
			return Permanent(fmt.Errorf("stage %q declared product %q but did not set it", stage.Name(), key))
		}
	}

	logger.Info("stage complete", zap.Duration("elapsed", elapsed))
	e.metrics.ObserveStage(stage.Name(), "ok", elapsed)
	return nil
}
