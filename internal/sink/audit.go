// Package sink republishes normalized events to external consumers
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/internal/bus"
	"github.com/yairfalse/whitecat/internal/natsconn"
	"github.com/yairfalse/whitecat/pkg/config"
	"github.com/yairfalse/whitecat/pkg/domain"
)

// Publisher sends raw bytes to a subject; *nats.Conn implements it
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subscriber hands out bus subscriptions; *bus.Bus implements it
type Subscriber interface {
	Subscribe(name string) *bus.Subscription
}

// AuditSink mirrors every event seen on the bus to a NATS subject so other
// systems can keep their own record of what was correlated. Failing to
// publish never blocks the pipeline; the event is counted and skipped.
// While Run is not running the sink holds no subscription, so a failed sink
// never stalls the bus.
type AuditSink struct {
	logger  *zap.Logger
	config  config.NATSConfig
	bus     Subscriber
	sub     *bus.Subscription
	connect func() (Publisher, func(), error)

	sent   atomic.Int64
	failed atomic.Int64

	sentCounter   metric.Int64Counter
	failedCounter metric.Int64Counter
}

// NewAuditSink subscribes to b right away, so events published before Run
// first starts are still mirrored
func NewAuditSink(logger *zap.Logger, cfg config.NATSConfig, b Subscriber) *AuditSink {
	s := &AuditSink{
		logger: logger.With(zap.String("sink", "nats-audit"), zap.String("subject", cfg.AuditSubject)),
		config: cfg,
		bus:    b,
		sub:    b.Subscribe("audit"),
	}
	s.connect = func() (Publisher, func(), error) {
		nc, err := natsconn.Connect(s.logger, cfg, "audit")
		if err != nil {
			return nil, nil, err
		}
		return nc, func() {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		}, nil
	}

	meter := otel.Meter("whitecat.sink")
	var err error
	if s.sentCounter, err = meter.Int64Counter(
		"whitecat_audit_published_total",
		metric.WithDescription("Events republished to the audit subject"),
	); err != nil {
		logger.Debug("Failed to create audit counter", zap.Error(err))
		s.sentCounter = nil
	}
	if s.failedCounter, err = meter.Int64Counter(
		"whitecat_audit_failures_total",
		metric.WithDescription("Events that could not be republished"),
	); err != nil {
		logger.Debug("Failed to create audit failure counter", zap.Error(err))
		s.failedCounter = nil
	}
	return s
}

// Name identifies the unit
func (s *AuditSink) Name() string {
	return "audit-sink"
}

// Run publishes until the event channel closes or ctx ends
func (s *AuditSink) Run(ctx context.Context) error {
	if s.sub == nil {
		// restarted after a failure; events in between were not mirrored
		s.sub = s.bus.Subscribe("audit")
	}
	defer func() {
		s.sub.Unsubscribe()
		s.sub = nil
	}()

	pub, closeFn, err := s.connect()
	if err != nil {
		return err
	}
	defer closeFn()

	events := s.sub.C()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				s.logger.Info("Audit sink drained",
					zap.Int64("published", s.sent.Load()),
					zap.Int64("failed", s.failed.Load()))
				return nil
			}
			s.publish(ctx, pub, event)
		}
	}
}

func (s *AuditSink) publish(ctx context.Context, pub Publisher, event *domain.Event) {
	data, err := json.Marshal(event)
	if err == nil {
		err = pub.Publish(s.config.AuditSubject, data)
	}
	if err != nil {
		s.failed.Add(1)
		if s.failedCounter != nil {
			s.failedCounter.Add(ctx, 1)
		}
		s.logger.Debug("Audit publish failed",
			zap.String("event_id", event.ID),
			zap.Error(fmt.Errorf("publish %s: %w", s.config.AuditSubject, err)))
		return
	}
	s.sent.Add(1)
	if s.sentCounter != nil {
		s.sentCounter.Add(ctx, 1)
	}
}

// Published returns how many events were republished
func (s *AuditSink) Published() int64 {
	return s.sent.Load()
}

// Failed returns how many events could not be republished
func (s *AuditSink) Failed() int64 {
	return s.failed.Load()
}
