package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"loom/internal/logging"
)

// RetryConfig bounds the attempt loop and shapes the backoff curve.
// MaxAttempts counts retries after the first call, so fn runs at most
// MaxAttempts+1 times.
type RetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // fraction of the delay spread in both directions
}

// DefaultRetryConfig is the curve the llm and embedding clients start
// from: 1s/2s/4s doubling capped at 30s, with 25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// Retry runs fn until it succeeds, fails permanently, or spends the
// attempt budget. Only transient errors are retried.
func Retry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) error {
	return RetryWithLog(ctx, config, fn, nil)
}

// RetryWithLog is Retry reporting each attempt on the given logger.
func RetryWithLog(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error, logger logging.Logger) error {
	_, err := RetryWithResultAndLog(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, logger)
	return err
}

// RetryWithResult is Retry for functions that produce a value.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	return RetryWithResultAndLog(ctx, config, fn, nil)
}

// RetryWithResultAndLog drives the attempt loop. A nil logger falls
// back to the retry component logger so attempt noise stays at debug.
func RetryWithResultAndLog[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("retry")
	}

	var zero T
	var lastErr error

	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("succeeded on attempt %d/%d", attempt+1, config.MaxAttempts+1)
			}
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) {
			logger.Debug("attempt %d/%d not retryable: %v", attempt+1, config.MaxAttempts+1, err)
			return zero, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		delay := backoffDelay(attempt, config)
		logger.Debug("attempt %d/%d failed: %v, retrying in %v", attempt+1, config.MaxAttempts+1, err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
		}
	}

	logger.Warn("giving up after %d attempts: %v", config.MaxAttempts+1, lastErr)
	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// backoffDelay doubles BaseDelay per attempt, caps the result at
// MaxDelay, then spreads it by the jitter fraction.
func backoffDelay(attempt int, config RetryConfig) time.Duration {
	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.JitterFactor > 0 {
		spread := (rand.Float64()*2 - 1) * config.JitterFactor * float64(delay)
		delay += time.Duration(spread)
		if delay < 0 {
			delay = config.BaseDelay
		}
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return delay
}
