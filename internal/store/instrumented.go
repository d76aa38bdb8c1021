package store

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/pkg/domain"
)

// instrumented traces writes and records persist outcomes
type instrumented struct {
	Store
	logger *zap.Logger
	tracer trace.Tracer

	persisted metric.Int64Counter
	failures  metric.Int64Counter
	latency   metric.Float64Histogram
}

// Instrument wraps s with OTel spans and metrics
func Instrument(logger *zap.Logger, s Store) Store {
	meter := otel.Meter("whitecat.store")
	in := &instrumented{
		Store:  s,
		logger: logger,
		tracer: otel.Tracer("whitecat.store"),
	}

	var err error
	if in.persisted, err = meter.Int64Counter(
		"whitecat_store_persisted_total",
		metric.WithDescription("Incidents written to the store"),
	); err != nil {
		logger.Debug("Failed to create persisted counter", zap.Error(err))
		in.persisted = nil
	}
	if in.failures, err = meter.Int64Counter(
		"whitecat_store_failures_total",
		metric.WithDescription("Failed incident writes, by kind"),
	); err != nil {
		logger.Debug("Failed to create failures counter", zap.Error(err))
		in.failures = nil
	}
	if in.latency, err = meter.Float64Histogram(
		"whitecat_store_persist_duration_ms",
		metric.WithDescription("Incident write latency"),
		metric.WithUnit("ms"),
	); err != nil {
		logger.Debug("Failed to create latency histogram", zap.Error(err))
		in.latency = nil
	}
	return in
}

func (in *instrumented) Persist(ctx context.Context, incident *domain.Incident) error {
	ctx, span := in.tracer.Start(ctx, "store.persist",
		trace.WithAttributes(
			attribute.String("incident.id", incident.ID),
			attribute.Int("incident.members", len(incident.MemberEvents)),
		))
	defer span.End()

	start := time.Now()
	err := in.Store.Persist(ctx, incident)
	if in.latency != nil {
		in.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if in.failures != nil {
			in.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", failureKind(err))))
		}
		return err
	}
	if in.persisted != nil {
		in.persisted.Add(ctx, 1)
	}
	return nil
}

// Unwrap returns the underlying store
func (in *instrumented) Unwrap() Store {
	return in.Store
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrDuplicateIncident):
		return "duplicate"
	case errors.Is(err, domain.ErrInvalidIncident):
		return "invalid"
	case errors.Is(err, domain.ErrStoreIO):
		return "io"
	default:
		return "other"
	}
}
