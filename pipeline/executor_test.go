package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor() *Executor {
	e := NewExecutor(nil, nil)
	e.sleep = func(time.Duration) {}
	e.rng = rand.New(rand.NewSource(1))
	return e
}

func TestExecutorRunsStagesInOrder(t *testing.T) {
	var order []string
	record := func(name string) Stage {
		return StageFunc(name, nil, nil, func(ctx context.Context, bus *Bus) error {
			order = append(order, name)
			return nil
		})
	}

	specs := []StageSpec{
		{Stage: record("fetch")},
		{Stage: record("normalize")},
		{Stage: record("load")},
	}

	err := newTestExecutor().Run(context.Background(), specs, NewBus(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "normalize", "load"}, order)
}

func TestExecutorFailFast(t *testing.T) {
	var ran []string
	boom := errors.New("boom")

	specs := []StageSpec{
		{Stage: StageFunc("first", nil, nil, func(ctx context.Context, bus *Bus) error {
			ran = append(ran, "first")
			return nil
		})},
		{Stage: StageFunc("second", nil, nil, func(ctx context.Context, bus *Bus) error {
			ran = append(ran, "second")
			return Permanent(boom)
		})},
		{Stage: StageFunc("third", nil, nil, func(ctx context.Context, bus *Bus) error {
			ran = append(ran, "third")
			return nil
		})},
	}

	err := newTestExecutor().Run(context.Background(), specs, NewBus(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `stage "second"`)
	// The third stage never executes.
	assert.Equal(t, []string{"first", "second"}, ran)
}

func TestExecutorRetriesTransientFailures(t *testing.T) {
	attempts := 0
	stage := StageFunc("flaky", nil, nil, func(ctx context.Context, bus *Bus) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	specs := []StageSpec{{
		Stage: stage,
		Retry: RetryPolicy{MaxAttempts: 4, InitialBackoff: time.Millisecond, Multiplier: 2},
	}}

	err := newTestExecutor().Run(context.Background(), specs, NewBus(nil))
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestExecutorExhaustsAttempts(t *testing.T) {
	attempts := 0
	stage := StageFunc("doomed", nil, nil, func(ctx context.Context, bus *Bus) error {
		attempts++
		return errors.New("still broken")
	})

	specs := []StageSpec{{
		Stage: stage,
		Retry: RetryPolicy{MaxAttempts: 4, InitialBackoff: time.Millisecond, Multiplier: 2},
	}}

	err := newTestExecutor().Run(context.Background(), specs, NewBus(nil))
	require.Error(t, err)
	assert.Equal(t, 4, attempts)
}

func TestExecutorDoesNotRetryPermanentFailures(t *testing.T) {
	attempts := 0
	stage := StageFunc("bad-input", nil, nil, func(ctx context.Context, bus *Bus) error {
		attempts++
		return Permanent(errors.New("schema mismatch"))
	})

	specs := []StageSpec{{
		Stage: stage,
		Retry: RetryPolicy{MaxAttempts: 4, InitialBackoff: time.Millisecond, Multiplier: 2},
	}}

	err := newTestExecutor().Run(context.Background(), specs, NewBus(nil))
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestExecutorPreconditionFailure(t *testing.T) {
	ran := false
	stage := StageFunc("needs-input", []string{"raw_batches"}, nil, func(ctx context.Context, bus *Bus) error {
		ran = true
		return nil
	})

	err := newTestExecutor().Run(context.Background(), []StageSpec{{Stage: stage}}, NewBus(nil))
	require.Error(t, err)
	var missing *MissingKeyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "raw_batches", missing.Key)
	assert.False(t, ran, "stage must not run when its precondition fails")
}

func TestExecutorPostconditionFailure(t *testing.T) {
	stage := StageFunc("liar", nil, []string{"canonical"}, func(ctx context.Context, bus *Bus) error {
		return nil // declares canonical but never sets it
	})

	err := newTestExecutor().Run(context.Background(), []StageSpec{{Stage: stage}}, NewBus(nil))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "canonical")
}

func TestExecutorStopsRetryingOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	stage := StageFunc("cancelled", nil, nil, func(ctx context.Context, bus *Bus) error {
		attempts++
		cancel()
		return errors.New("transient")
	})

	specs := []StageSpec{{
		Stage: stage,
		Retry: RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond, Multiplier: 2},
	}}

	err := newTestExecutor().Run(ctx, specs, NewBus(nil))
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestExecutorLaterStageSeesEarlierMutation(t *testing.T) {
	specs := []StageSpec{
		{Stage: StageFunc("producer", nil, []string{"token"}, func(ctx context.Context, bus *Bus) error {
			bus.Set("token", "value")
			return nil
		})},
		{Stage: StageFunc("consumer", []string{"token"}, nil, func(ctx context.Context, bus *Bus) error {
			v, err := bus.String("token")
			if err != nil {
				return err
			}
			assert.Equal(t, "value", v)
			return nil
		})},
	}

	require.NoError(t, newTestExecutor().Run(context.Background(), specs, NewBus(nil)))
}

func TestRetryPolicyBackoffBounds(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
		Multiplier:     2,
	}
	rng := rand.New(rand.NewSource(42))

	for attempt := 1; attempt <= 4; attempt++ {
		d := p.backoff(attempt, rng)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestRetryPolicyZeroValueIsSingleAttempt(t *testing.T) {
	var p RetryPolicy
	assert.Equal(t, 1, p.attempts())
}
