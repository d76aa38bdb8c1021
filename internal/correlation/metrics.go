package correlation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/pkg/domain"
)

// engineMetrics holds the OTel instruments of the engine. Any instrument may
// be nil when the meter refused it.
type engineMetrics struct {
	events     metric.Int64Counter
	duplicates metric.Int64Counter
	opened     metric.Int64Counter
	closed     metric.Int64Counter
	open       metric.Int64UpDownCounter
	size       metric.Int64Histogram
}

func newEngineMetrics(logger *zap.Logger) *engineMetrics {
	meter := otel.Meter("whitecat.correlation")
	m := &engineMetrics{}

	var err error
	if m.events, err = meter.Int64Counter(
		"whitecat_correlation_events_total",
		metric.WithDescription("Events routed to a correlation shard"),
		metric.WithUnit("1"),
	); err != nil {
		logger.Debug("Failed to create events counter", zap.Error(err))
		m.events = nil
	}
	if m.duplicates, err = meter.Int64Counter(
		"whitecat_correlation_duplicates_total",
		metric.WithDescription("Events ignored because their id was already claimed"),
		metric.WithUnit("1"),
	); err != nil {
		logger.Debug("Failed to create duplicates counter", zap.Error(err))
		m.duplicates = nil
	}
	if m.opened, err = meter.Int64Counter(
		"whitecat_correlation_candidates_opened_total",
		metric.WithDescription("Incident candidates opened"),
		metric.WithUnit("1"),
	); err != nil {
		logger.Debug("Failed to create opened counter", zap.Error(err))
		m.opened = nil
	}
	if m.closed, err = meter.Int64Counter(
		"whitecat_correlation_candidates_closed_total",
		metric.WithDescription("Incident candidates closed, by reason"),
		metric.WithUnit("1"),
	); err != nil {
		logger.Debug("Failed to create closed counter", zap.Error(err))
		m.closed = nil
	}
	if m.open, err = meter.Int64UpDownCounter(
		"whitecat_correlation_candidates_open",
		metric.WithDescription("Incident candidates currently open"),
		metric.WithUnit("1"),
	); err != nil {
		logger.Debug("Failed to create open gauge", zap.Error(err))
		m.open = nil
	}
	if m.size, err = meter.Int64Histogram(
		"whitecat_correlation_candidate_size",
		metric.WithDescription("Member count of closed candidates"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250),
	); err != nil {
		logger.Debug("Failed to create size histogram", zap.Error(err))
		m.size = nil
	}
	return m
}

func (m *engineMetrics) eventRouted(tier domain.SourceTier) {
	if m.events != nil {
		m.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tier", string(tier))))
	}
}

func (m *engineMetrics) duplicate() {
	if m.duplicates != nil {
		m.duplicates.Add(context.Background(), 1)
	}
}

func (m *engineMetrics) candidateOpened() {
	if m.opened != nil {
		m.opened.Add(context.Background(), 1)
	}
	if m.open != nil {
		m.open.Add(context.Background(), 1)
	}
}

func (m *engineMetrics) candidateClosed(c *domain.IncidentCandidate) {
	ctx := context.Background()
	if m.closed != nil {
		m.closed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(c.CloseReason))))
	}
	if m.open != nil {
		m.open.Add(ctx, -1)
	}
	if m.size != nil {
		m.size.Record(ctx, int64(c.Size()))
	}
}
