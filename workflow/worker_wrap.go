package workflow

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/BaSui01/stepflow/state"
	"github.com/BaSui01/stepflow/types"
)

// RetryPolicy configures the retry wrapper. Zero values fall back to
// sane defaults.
type RetryPolicy struct {
	// MaxTries is the total number of attempts, including the first.
	MaxTries uint
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps the backoff delay growth.
	MaxInterval time.Duration
}

// WithRetry wraps a worker function with exponential-backoff retry.
// The runner itself never retries: a step failure is final at the
// orchestration level. Transient faults are a worker-level concern, so
// retry lives here, inside the leaf, where the failure domain is known.
//
// Errors marked non-retryable through types.Error stop the retry loop
// immediately; context cancellation stops it between attempts.
func WithRetry(fn WorkerFunc, policy RetryPolicy) WorkerFunc {
	if policy.MaxTries == 0 {
		policy.MaxTries = 3
	}
	return func(ctx context.Context, st state.Reader) (WorkerResult, error) {
		bo := backoff.NewExponentialBackOff()
		if policy.InitialInterval > 0 {
			bo.InitialInterval = policy.InitialInterval
		}
		if policy.MaxInterval > 0 {
			bo.MaxInterval = policy.MaxInterval
		}

		op := func() (WorkerResult, error) {
			result, err := fn(ctx, st)
			if err != nil {
				if terr, ok := err.(*types.Error); ok && !terr.Retryable {
					return WorkerResult{}, backoff.Permanent(err)
				}
				return WorkerResult{}, err
			}
			return result, nil
		}

		return backoff.Retry(ctx, op,
			backoff.WithBackOff(bo),
			backoff.WithMaxTries(policy.MaxTries),
		)
	}
}

// WithRateLimit wraps a worker function with a token-bucket rate
// limiter. Share one limiter across workers that call the same
// downstream to bound aggregate request rate under Parallel fan-out.
func WithRateLimit(fn WorkerFunc, limiter *rate.Limiter) WorkerFunc {
	if limiter == nil {
		return fn
	}
	return func(ctx context.Context, st state.Reader) (WorkerResult, error) {
		if err := limiter.Wait(ctx); err != nil {
			return WorkerResult{}, err
		}
		return fn(ctx, st)
	}
}
