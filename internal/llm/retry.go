package llm

import (
	"context"
	"time"

	apperrors "atlas/internal/errors"
	"atlas/internal/logging"
	"atlas/internal/observability"
)

// retryClient wraps a Client with retry logic and a circuit breaker. Only
// transient failures are retried; permanent provider rejections surface
// immediately.
type retryClient struct {
	underlying     Client
	retryConfig    apperrors.RetryConfig
	circuitBreaker *apperrors.CircuitBreaker
	metrics        *observability.Metrics
	logger         logging.Logger
}

var _ Client = (*retryClient)(nil)

// WrapWithRetry wraps a client with retry and circuit breaker protection.
// metrics may be nil.
func WrapWithRetry(client Client, retryConfig apperrors.RetryConfig, breakerConfig apperrors.CircuitBreakerConfig, metrics *observability.Metrics) Client {
	return &retryClient{
		underlying:     client,
		retryConfig:    retryConfig,
		circuitBreaker: apperrors.NewCircuitBreaker("llm", breakerConfig),
		metrics:        metrics,
		logger:         logging.NewComponentLogger("llm-retry"),
	}
}

func (c *retryClient) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	resp, err := apperrors.RetryWithResultAndLog(ctx, c.retryConfig, func(ctx context.Context) (*Response, error) {
		return apperrors.ExecuteFunc(c.circuitBreaker, ctx, func(ctx context.Context) (*Response, error) {
			return c.underlying.Complete(ctx, req)
		})
	}, c.logger)

	duration := time.Since(start)
	if err != nil {
		c.metrics.LLMCompletion(string(req.Role), "error")
		c.logger.Warn("completion failed after %v: %v", duration.Round(time.Millisecond), err)
		return nil, err
	}
	c.metrics.LLMCompletion(string(req.Role), "ok")
	if duration > 5*time.Second {
		c.logger.Debug("completion for %s took %v", req.Model, duration.Round(time.Millisecond))
	}
	return resp, nil
}
