package llm

import (
	"context"
	"time"

	apperrors "loom/internal/errors"
	"loom/internal/logging"
	"loom/internal/observability"
)

// retryClient wraps a Client with retry and circuit breaker protection.
type retryClient struct {
	underlying  Client
	retryConfig apperrors.RetryConfig
	breaker     *apperrors.Breaker
	logger      logging.Logger
	metrics     *observability.MetricsCollector
}

// WrapWithRetry decorates client with transient-error retries and a
// circuit breaker named after the model. Token usage and latency are
// recorded on the collector when one is provided.
func WrapWithRetry(client Client, retryConfig apperrors.RetryConfig, breakerOpts apperrors.BreakerOptions, metrics *observability.MetricsCollector) Client {
	return &retryClient{
		underlying:  client,
		retryConfig: retryConfig,
		breaker:     apperrors.NewBreaker("llm-"+client.Model(), breakerOpts),
		logger:      logging.NewComponentLogger("llm-retry"),
		metrics:     metrics,
	}
}

func (c *retryClient) Model() string {
	return c.underlying.Model()
}

func (c *retryClient) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	resp, err := apperrors.RetryWithResultAndLog(ctx, c.retryConfig, func(ctx context.Context) (*Response, error) {
		return apperrors.DoWithResult(ctx, c.breaker, func(ctx context.Context) (*Response, error) {
			return c.underlying.Complete(ctx, req)
		})
	}, c.logger)

	latency := time.Since(start)
	if err != nil {
		status := "error"
		if apperrors.IsDegraded(err) {
			status = "degraded"
		}
		c.record(ctx, status, latency, Usage{})
		c.logger.Warn("completion failed after %v: %v", latency.Round(time.Millisecond), err)
		return nil, err
	}

	c.record(ctx, "ok", latency, resp.Usage)
	return resp, nil
}

// BreakerSnapshot exposes breaker counters for the stats surface.
func (c *retryClient) BreakerSnapshot() apperrors.BreakerSnapshot {
	return c.breaker.Snapshot()
}

func (c *retryClient) record(ctx context.Context, status string, latency time.Duration, usage Usage) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordLLMRequest(ctx, c.underlying.Model(), status, latency, usage.PromptTokens, usage.CompletionTokens)
}
