package collector

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/internal/natsconn"
	"github.com/yairfalse/whitecat/internal/normalize"
	"github.com/yairfalse/whitecat/pkg/config"
	"github.com/yairfalse/whitecat/pkg/domain"
)

// NATSCollector receives JSON records from a NATS subject. Instances sharing
// the queue group split the subject between them.
type NATSCollector struct {
	name    string
	subject string
	config  config.NATSConfig
	logger  *zap.Logger
	emitter *emitter
	buffer  int
}

// NewNATSCollector creates a collector for the subject configured for tier
func NewNATSCollector(logger *zap.Logger, tier domain.SourceTier, n *normalize.Normalizer, pub Publisher, ncfg config.NATSConfig, ccfg config.CollectorsConfig) *NATSCollector {
	subject := ncfg.Tier1Subject
	if tier == domain.TierNetwork {
		subject = ncfg.Tier2Subject
	}
	name := fmt.Sprintf("collector-%s:nats", tier)
	logger = logger.With(zap.String("collector", name), zap.String("subject", subject))
	return &NATSCollector{
		name:    name,
		subject: subject,
		config:  ncfg,
		logger:  logger,
		emitter: newEmitter(logger, name, tier, n, pub, ccfg),
		buffer:  1024,
	}
}

// Name identifies the collector
func (c *NATSCollector) Name() string {
	return c.name
}

// Run subscribes and publishes every received record until ctx ends or
// the bus closes
func (c *NATSCollector) Run(ctx context.Context) error {
	nc, err := natsconn.Connect(c.logger, c.config, c.name)
	if err != nil {
		return err
	}
	defer nc.Close()

	msgs := make(chan *nats.Msg, c.buffer)
	sub, err := nc.ChanQueueSubscribe(c.subject, c.config.QueueGroup, msgs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.subject, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.logger.Debug("Unsubscribe failed", zap.Error(err))
		}
	}()

	c.logger.Info("NATS collector subscribed", zap.String("queue", c.config.QueueGroup))
	return c.consume(ctx, msgs)
}

func (c *NATSCollector) consume(ctx context.Context, msgs <-chan *nats.Msg) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := c.emitter.line(ctx, msg.Data); err != nil {
				if errors.Is(err, domain.ErrBusClosed) || ctx.Err() != nil {
					c.logger.Info("NATS collector exiting", zap.Error(err))
					return nil
				}
				return err
			}
		}
	}
}

// Stats returns the collector counters
func (c *NATSCollector) Stats() Stats {
	return c.emitter.stats()
}
