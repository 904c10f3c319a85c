package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/BaSui01/stepflow/state"
	"github.com/BaSui01/stepflow/types"
)

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	fn := func(_ context.Context, _ state.Reader) (WorkerResult, error) {
		if attempts.Add(1) < 3 {
			return WorkerResult{}, errors.New("transient")
		}
		return WorkerResult{Output: "ok"}, nil
	}

	wrapped := WithRetry(fn, RetryPolicy{MaxTries: 5, InitialInterval: time.Millisecond})
	result, err := wrapped(context.Background(), state.Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Output)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestWithRetryExhaustsTries(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	fn := func(_ context.Context, _ state.Reader) (WorkerResult, error) {
		attempts.Add(1)
		return WorkerResult{}, errors.New("always fails")
	}

	wrapped := WithRetry(fn, RetryPolicy{MaxTries: 3, InitialInterval: time.Millisecond})
	_, err := wrapped(context.Background(), state.Snapshot{})
	require.Error(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	fn := func(_ context.Context, _ state.Reader) (WorkerResult, error) {
		attempts.Add(1)
		return WorkerResult{}, types.NewError(types.ErrWorkerExecutionFailed, "bad input").WithRetryable(false)
	}

	wrapped := WithRetry(fn, RetryPolicy{MaxTries: 5, InitialInterval: time.Millisecond})
	_, err := wrapped(context.Background(), state.Snapshot{})
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load(), "permanent errors are not retried")
}

func TestWithRetryPreservesEscalation(t *testing.T) {
	t.Parallel()

	fn := func(_ context.Context, _ state.Reader) (WorkerResult, error) {
		return WorkerResult{Escalate: true, EscalatePayload: "stop"}, nil
	}

	wrapped := WithRetry(fn, RetryPolicy{})
	result, err := wrapped(context.Background(), state.Snapshot{})
	require.NoError(t, err)
	assert.True(t, result.Escalate)
	assert.Equal(t, "stop", result.EscalatePayload)
}

func TestWithRateLimitWaits(t *testing.T) {
	t.Parallel()

	fn := func(_ context.Context, _ state.Reader) (WorkerResult, error) {
		return WorkerResult{}, nil
	}

	// One token per 20ms, burst 1: three calls need at least two waits.
	limiter := rate.NewLimiter(rate.Every(20*time.Millisecond), 1)
	wrapped := WithRateLimit(fn, limiter)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := wrapped(context.Background(), state.Snapshot{})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestWithRateLimitCancelled(t *testing.T) {
	t.Parallel()

	fn := func(_ context.Context, _ state.Reader) (WorkerResult, error) {
		return WorkerResult{}, nil
	}
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	wrapped := WithRateLimit(fn, limiter)

	// Drain the single token, then the next call must block.
	_, err := wrapped(context.Background(), state.Snapshot{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = wrapped(ctx, state.Snapshot{})
	require.Error(t, err)
}

func TestWithRateLimitNilLimiterPassthrough(t *testing.T) {
	t.Parallel()

	fn := func(_ context.Context, _ state.Reader) (WorkerResult, error) {
		return WorkerResult{Output: 42}, nil
	}
	result, err := WithRateLimit(fn, nil)(context.Background(), state.Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, 42, result.Output)
}
