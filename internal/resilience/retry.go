package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// ErrRetriesExhausted wraps the last error once every attempt has failed
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryConfig configures bounded exponential backoff
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter spreads each delay by up to this fraction in either direction
	Jitter float64

	// Retryable decides whether an error deserves another attempt.
	// Nil retries every error except context cancellation.
	Retryable func(error) bool
	// OnRetry runs before each wait
	OnRetry func(attempt int, delay time.Duration, err error)
	// Breaker, when set, guards every attempt
	Breaker *CircuitBreaker
}

// DefaultRetryConfig returns the policy used when none is configured
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Retryer runs operations under a RetryConfig
type Retryer struct {
	config RetryConfig

	attempts  atomic.Uint64
	successes atomic.Uint64
	failures  atomic.Uint64
}

// NewRetryer creates a retryer, filling zero fields from DefaultRetryConfig
func NewRetryer(config RetryConfig) *Retryer {
	def := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	if config.Multiplier < 1 {
		config.Multiplier = def.Multiplier
	}
	if config.Jitter < 0 {
		config.Jitter = 0
	}
	if config.Jitter > 1 {
		config.Jitter = 1
	}
	return &Retryer{config: config}
}

// Config returns the effective configuration
func (r *Retryer) Config() RetryConfig {
	return r.config
}

// Execute runs fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx ends.
func (r *Retryer) Execute(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	_, err := Do(ctx, r, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}

// Do is Execute for operations that produce a value
func Do[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		r.attempts.Add(1)

		var result T
		var err error
		if r.config.Breaker != nil {
			err = r.config.Breaker.Execute(ctx, func(ctx context.Context) error {
				var callErr error
				result, callErr = fn(ctx, attempt)
				return callErr
			})
		} else {
			result, err = fn(ctx, attempt)
		}

		if err == nil {
			r.successes.Add(1)
			return result, nil
		}
		lastErr = err

		if !r.retryable(err) {
			r.failures.Add(1)
			return zero, err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.Backoff(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.failures.Add(1)
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	r.failures.Add(1)
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, r.config.MaxAttempts, lastErr)
}

// Backoff returns the delay to wait after the given failed attempt:
// InitialDelay * Multiplier^(attempt-1), jittered and capped at MaxDelay.
func (r *Retryer) Backoff(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if j := r.config.Jitter; j > 0 {
		spread := delay * j
		delay += rand.Float64()*2*spread - spread
	}
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (r *Retryer) retryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if r.config.Retryable != nil {
		return r.config.Retryable(err)
	}
	return true
}

// RetryMetrics counts retryer activity
type RetryMetrics struct {
	Attempts  uint64
	Successes uint64
	Failures  uint64
}

// Metrics returns retry counters
func (r *Retryer) Metrics() RetryMetrics {
	return RetryMetrics{
		Attempts:  r.attempts.Load(),
		Successes: r.successes.Load(),
		Failures:  r.failures.Load(),
	}
}
