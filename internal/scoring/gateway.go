package scoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/internal/resilience"
	"github.com/yairfalse/whitecat/pkg/config"
	"github.com/yairfalse/whitecat/pkg/domain"
)

// Gateway calls a Backend with a per-call timeout, bounded retries and a
// circuit breaker
type Gateway struct {
	logger  *zap.Logger
	backend Backend
	timeout time.Duration
	retryer *resilience.Retryer
	breaker *resilience.CircuitBreaker
	tracer  trace.Tracer

	calls    metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewGateway builds a gateway from the scoring configuration
func NewGateway(logger *zap.Logger, backend Backend, cfg config.ScoringConfig) *Gateway {
	g := &Gateway{
		logger:  logger,
		backend: backend,
		timeout: cfg.Timeout,
		tracer:  otel.Tracer("whitecat.scoring"),
	}

	g.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "scoring-" + backend.Name(),
		MaxFailures:  cfg.BreakerFailures,
		ResetTimeout: cfg.BreakerReset,
		IsFailure:    domain.IsTransient,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("Scoring circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	g.retryer = resilience.NewRetryer(resilience.RetryConfig{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialBackoff,
		MaxDelay:     cfg.MaxBackoff,
		Multiplier:   2,
		Jitter:       0.2,
		Retryable:    domain.IsTransient,
		Breaker:      g.breaker,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			logger.Debug("Retrying scoring call",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	})

	meter := otel.Meter("whitecat.scoring")
	var err error
	if g.calls, err = meter.Int64Counter(
		"whitecat_scoring_calls_total",
		metric.WithDescription("Backend calls, including retries"),
	); err != nil {
		logger.Debug("Failed to create calls counter", zap.Error(err))
		g.calls = nil
	}
	if g.failures, err = meter.Int64Counter(
		"whitecat_scoring_failures_total",
		metric.WithDescription("Scoring requests that failed after retries"),
	); err != nil {
		logger.Debug("Failed to create failures counter", zap.Error(err))
		g.failures = nil
	}
	if g.latency, err = meter.Float64Histogram(
		"whitecat_scoring_duration_ms",
		metric.WithDescription("End-to-end scoring latency including retries"),
		metric.WithUnit("ms"),
	); err != nil {
		logger.Debug("Failed to create latency histogram", zap.Error(err))
		g.latency = nil
	}
	return g
}

// Backend returns the wrapped backend
func (g *Gateway) Backend() Backend {
	return g.backend
}

// Breaker exposes the circuit breaker for status reporting
func (g *Gateway) Breaker() *resilience.CircuitBreaker {
	return g.breaker
}

// Score asks the backend for a verdict. The returned severity is always in
// [0,100]. On failure the error wraps the last backend error.
func (g *Gateway) Score(ctx context.Context, req Request) (Result, error) {
	ctx, span := g.tracer.Start(ctx, "scoring.score",
		trace.WithAttributes(
			attribute.String("scoring.backend", g.backend.Name()),
			attribute.String("correlation.key", req.CorrelationKey),
			attribute.Int("incident.members", len(req.MemberEvents)),
		))
	defer span.End()

	start := time.Now()
	attempts := 0
	res, err := resilience.Do(ctx, g.retryer, func(ctx context.Context, attempt int) (Result, error) {
		attempts = attempt
		if g.calls != nil {
			g.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", g.backend.Name())))
		}
		return g.call(ctx, req)
	})
	if g.latency != nil {
		g.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	}
	span.SetAttributes(attribute.Int("scoring.attempts", attempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if g.failures != nil {
			g.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", g.backend.Name())))
		}
		return Result{}, fmt.Errorf("score %s: %w", req.CorrelationKey, err)
	}

	res.Severity = domain.ClampSeverity(res.Severity)
	span.SetAttributes(
		attribute.Float64("incident.severity", res.Severity),
		attribute.String("incident.label", res.Label))
	return res, nil
}

func (g *Gateway) call(ctx context.Context, req Request) (Result, error) {
	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	res, err := g.backend.Score(callCtx, req)
	if err == nil {
		return res, nil
	}
	// the per-call deadline fired while the caller is still waiting
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !domain.IsTransient(err) {
		return Result{}, domain.BackendTimeout(g.backend.Name(), err)
	}
	return Result{}, err
}
