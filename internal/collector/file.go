// Package collector feeds raw tier1 and tier2 records into the event bus.
// Each collector is a supervised unit: a failure in one never reaches the
// others, and a closed bus ends it cleanly.
package collector

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/internal/normalize"
	"github.com/yairfalse/whitecat/pkg/config"
	"github.com/yairfalse/whitecat/pkg/domain"
)

// FileCollector tails one JSON-lines file
type FileCollector struct {
	name    string
	path    string
	logger  *zap.Logger
	opts    TailOptions
	emitter *emitter
}

// NewFileCollector creates a collector for path; events carry tier
func NewFileCollector(logger *zap.Logger, path string, tier domain.SourceTier, n *normalize.Normalizer, pub Publisher, cfg config.CollectorsConfig) *FileCollector {
	name := fmt.Sprintf("collector-%s:%s", tier, path)
	logger = logger.With(zap.String("collector", name))
	return &FileCollector{
		name:    name,
		path:    path,
		logger:  logger,
		opts:    TailOptions{StartAtEnd: cfg.StartAtEnd, PollInterval: cfg.PollInterval},
		emitter: newEmitter(logger, name, tier, n, pub, cfg),
	}
}

// Name identifies the collector
func (c *FileCollector) Name() string {
	return c.name
}

// Run tails until ctx ends or the bus closes
func (c *FileCollector) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.logger.Info("Collector started", zap.String("path", c.path))
	err := Tail(ctx, c.logger, c.path, c.opts, func(line []byte) error {
		if err := c.emitter.line(ctx, line); err != nil {
			if errors.Is(err, domain.ErrBusClosed) {
				c.logger.Info("Bus closed, collector exiting")
				cancel()
			}
			return err
		}
		return nil
	})

	st := c.emitter.stats()
	c.logger.Info("Collector stopped",
		zap.Int64("read", st.Read),
		zap.Int64("published", st.Published),
		zap.Int64("malformed", st.Malformed),
		zap.Int64("dropped", st.Dropped))
	return err
}

// Stats returns the collector counters
func (c *FileCollector) Stats() Stats {
	return c.emitter.stats()
}
