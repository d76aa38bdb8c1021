package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	got, err := Do(context.Background(), r, func(_ context.Context, attempt int) (int, error) {
		if attempt < 3 {
			return 0, errFlaky
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, uint64(3), r.Metrics().Attempts)
	assert.Equal(t, uint64(1), r.Metrics().Successes)
}

func TestRetryExhaustion(t *testing.T) {
	var delays []time.Duration
	r := NewRetryer(RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		OnRetry: func(_ int, d time.Duration, _ error) {
			delays = append(delays, d)
		},
	})

	calls := 0
	err := r.Execute(context.Background(), func(context.Context, int) error {
		calls++
		return errFlaky
	})
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
	assert.Len(t, delays, 2, "no wait after the final attempt")
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	r := NewRetryer(RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Retryable:    func(err error) bool { return !errors.Is(err, permanent) },
	})

	calls := 0
	err := r.Execute(context.Background(), func(context.Context, int) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, calls)
}

func TestRetryHonoursContext(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Execute(ctx, func(context.Context, int) error { return errFlaky })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBackoffIsBoundedExponential(t *testing.T) {
	r := NewRetryer(RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2})
	r.config.Jitter = 0

	assert.Equal(t, 100*time.Millisecond, r.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, r.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, r.Backoff(3))
	assert.Equal(t, time.Second, r.Backoff(10))

	jittered := NewRetryer(RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0.5})
	for i := 0; i < 50; i++ {
		d := jittered.Backoff(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "scoring",
		MaxFailures:  2,
		ResetTimeout: time.Minute,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	now := time.Now()
	cb.now = func() time.Time { return now }

	ctx := context.Background()
	fail := func(context.Context) error { return errFlaky }
	ok := func(context.Context) error { return nil }

	assert.ErrorIs(t, cb.Execute(ctx, fail), errFlaky)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errFlaky)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
	assert.Equal(t, uint64(1), cb.Metrics().TotalRejected)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "x", MaxFailures: 1, ResetTimeout: time.Second})
	now := time.Now()
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.Execute(ctx, func(context.Context) error { return errFlaky })
	now = now.Add(2 * time.Second)
	_ = cb.Execute(ctx, func(context.Context) error { return errFlaky })
	assert.Equal(t, StateOpen, cb.State())
}

func TestRetryDoesNotHammerOpenBreaker(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "x", MaxFailures: 1, ResetTimeout: time.Hour})
	r := NewRetryer(RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, Breaker: cb})

	calls := 0
	err := r.Execute(context.Background(), func(context.Context, int) error {
		calls++
		return errFlaky
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, calls)
}

func TestBreakerIgnoresNonFailures(t *testing.T) {
	notMine := errors.New("caller error")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:        "x",
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, notMine) },
	})
	assert.ErrorIs(t, cb.Execute(context.Background(), func(context.Context) error { return notMine }), notMine)
	assert.Equal(t, StateClosed, cb.State())
}
