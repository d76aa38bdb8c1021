package collector

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yairfalse/whitecat/internal/normalize"
	"github.com/yairfalse/whitecat/internal/resilience"
	"github.com/yairfalse/whitecat/pkg/config"
	"github.com/yairfalse/whitecat/pkg/domain"
)

// Publisher accepts normalized events; *bus.Producer implements it
type Publisher interface {
	Publish(ctx context.Context, event *domain.Event) error
}

// Stats counts what a collector did with its input
type Stats struct {
	Read      int64
	Malformed int64
	Published int64
	Dropped   int64
}

// emitter normalizes raw records and publishes them under a pacing limit.
// A saturated bus is retried a few times, then the event is dropped and
// counted; that is the producer policy for overload.
type emitter struct {
	name       string
	tier       domain.SourceTier
	logger     *zap.Logger
	normalizer *normalize.Normalizer
	pub        Publisher
	limiter    *rate.Limiter
	retryer    *resilience.Retryer

	read      atomic.Int64
	malformed atomic.Int64
	published atomic.Int64
	dropped   atomic.Int64

	droppedCounter metric.Int64Counter
}

func newEmitter(logger *zap.Logger, name string, tier domain.SourceTier, n *normalize.Normalizer, pub Publisher, cfg config.CollectorsConfig) *emitter {
	e := &emitter{
		name:       name,
		tier:       tier,
		logger:     logger,
		normalizer: n,
		pub:        pub,
		retryer: resilience.NewRetryer(resilience.RetryConfig{
			MaxAttempts:  cfg.PublishRetries + 1,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2,
			Jitter:       0.2,
			Retryable: func(err error) bool {
				return errors.Is(err, domain.ErrBusSaturated)
			},
		}),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	meter := otel.Meter("whitecat.collector")
	var err error
	if e.droppedCounter, err = meter.Int64Counter(
		"whitecat_collector_dropped_total",
		metric.WithDescription("Events dropped because the bus stayed saturated"),
	); err != nil {
		logger.Debug("Failed to create dropped counter", zap.Error(err))
		e.droppedCounter = nil
	}
	return e
}

// line handles one JSON record. Only a closed bus or ctx end is returned;
// everything else is counted and logged.
func (e *emitter) line(ctx context.Context, data []byte) error {
	e.read.Add(1)
	event, err := e.normalizer.NormalizeJSON(data, e.tier)
	if err != nil {
		e.malformed.Add(1)
		return nil
	}
	return e.emit(ctx, event)
}

func (e *emitter) emit(ctx context.Context, event *domain.Event) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	err := e.retryer.Execute(ctx, func(ctx context.Context, _ int) error {
		return e.pub.Publish(ctx, event)
	})
	switch {
	case err == nil:
		e.published.Add(1)
		return nil
	case errors.Is(err, domain.ErrBusSaturated):
		e.dropped.Add(1)
		if e.droppedCounter != nil {
			e.droppedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("collector", e.name)))
		}
		e.logger.Warn("Bus saturated, event dropped",
			zap.String("collector", e.name),
			zap.String("event_id", event.ID))
		return nil
	default:
		return err
	}
}

func (e *emitter) stats() Stats {
	return Stats{
		Read:      e.read.Load(),
		Malformed: e.malformed.Load(),
		Published: e.published.Load(),
		Dropped:   e.dropped.Load(),
	}
}
