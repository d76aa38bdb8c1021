package correlation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/pkg/config"
	"github.com/yairfalse/whitecat/pkg/domain"
)

// ErrEngineStopped is returned by operations issued after Stop
var ErrEngineStopped = errors.New("correlation engine stopped")

// Engine groups events into incident candidates. Candidates are partitioned
// by correlation key across shards; each shard is a single goroutine that
// owns its candidates exclusively, so no candidate is ever touched by two
// goroutines while open.
type Engine struct {
	logger *zap.Logger
	config config.EngineConfig
	clock  func() time.Time

	shards []*shard
	closed chan *domain.IncidentCandidate

	mu       sync.RWMutex
	stopped  bool
	stopping chan struct{}
	abort    chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once

	metrics *engineMetrics
	stats   engineStats
}

type engineStats struct {
	events     atomic.Int64
	duplicates atomic.Int64
	opened     atomic.Int64
	closed     atomic.Int64
	open       atomic.Int64
	lost       atomic.Int64
}

// Stats is a point-in-time view of engine activity
type Stats struct {
	Events     int64
	Duplicates int64
	Opened     int64
	Closed     int64
	Open       int64
	Lost       int64
}

// Option customizes an Engine
type Option func(*Engine)

// WithClock replaces the wall clock used for activity tracking and sweeps
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// NewEngine creates an engine. Call Start before feeding events.
func NewEngine(logger *zap.Logger, cfg config.EngineConfig, opts ...Option) *Engine {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.ShardBuffer <= 0 {
		cfg.ShardBuffer = 1
	}
	if cfg.MaxMembers <= 0 {
		cfg.MaxMembers = 1
	}

	e := &Engine{
		logger:   logger,
		config:   cfg,
		clock:    time.Now,
		closed:   make(chan *domain.IncidentCandidate, cfg.ClosedBuffer),
		stopping: make(chan struct{}),
		abort:    make(chan struct{}),
		metrics:  newEngineMetrics(logger),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.shards = make([]*shard, cfg.Shards)
	for i := range e.shards {
		e.shards[i] = newShard(i, e)
	}
	return e
}

// Start launches the shard goroutines. It is safe to call more than once.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	for _, s := range e.shards {
		e.wg.Add(1)
		go s.run()
	}
	e.logger.Info("Correlation engine started",
		zap.Int("shards", len(e.shards)),
		zap.Duration("window", e.config.Window),
		zap.Int("max_members", e.config.MaxMembers))
}

// Closed delivers candidates as they leave the OPEN state. It is closed
// once Stop has flushed every shard.
func (e *Engine) Closed() <-chan *domain.IncidentCandidate {
	return e.closed
}

// Ingest routes one event to the shard that owns its correlation key. It
// blocks while the shard is busy, which pushes back on the bus.
func (e *Engine) Ingest(ctx context.Context, event *domain.Event) error {
	if event == nil {
		return nil
	}
	key := Key(event)
	return e.send(ctx, key, shardMsg{kind: msgEvent, key: key, event: event})
}

// Consume feeds events into the engine until the channel closes. When ctx
// ends, whatever is already buffered is drained before returning so that a
// closed bus loses nothing.
func (e *Engine) Consume(ctx context.Context, events <-chan *domain.Event) error {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := e.Ingest(ctx, event); err != nil {
				return err
			}
		case <-ctx.Done():
			return e.drain(events)
		}
	}
}

func (e *Engine) drain(events <-chan *domain.Event) error {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := e.Ingest(context.Background(), event); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// Trigger closes the open candidate for key immediately. It reports whether
// a candidate was open.
func (e *Engine) Trigger(ctx context.Context, key string) (bool, error) {
	reply := make(chan bool, 1)
	if err := e.send(ctx, key, shardMsg{kind: msgTrigger, key: key, reply: reply}); err != nil {
		return false, err
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Sweep asks every shard to close candidates idle for a full window and
// waits until they have done so.
func (e *Engine) Sweep(ctx context.Context) error {
	now := e.clock()
	replies := make([]chan bool, 0, len(e.shards))
	for _, s := range e.shards {
		reply := make(chan bool, 1)
		if err := e.sendTo(ctx, s, shardMsg{kind: msgSweep, at: now, reply: reply}); err != nil {
			return err
		}
		replies = append(replies, reply)
	}
	for _, reply := range replies {
		select {
		case <-reply:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RunSweeper sweeps on the configured interval until ctx ends
func (e *Engine) RunSweeper(ctx context.Context) error {
	interval := e.config.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil {
				if errors.Is(err, ErrEngineStopped) || ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (e *Engine) send(ctx context.Context, key string, msg shardMsg) error {
	return e.sendTo(ctx, e.shards[shardFor(key, len(e.shards))], msg)
}

func (e *Engine) sendTo(ctx context.Context, s *shard, msg shardMsg) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.stopped {
		return ErrEngineStopped
	}
	select {
	case s.in <- msg:
		return nil
	case <-e.stopping:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes every open candidate with reason shutdown, waits for the
// shards to hand them off and then closes the Closed channel. If ctx ends
// before the hand-off completes the remaining candidates are logged and
// discarded.
func (e *Engine) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		close(e.stopping)

		e.mu.Lock()
		e.stopped = true
		for _, s := range e.shards {
			close(s.in)
		}
		e.mu.Unlock()

		if !e.started.Load() {
			e.Start()
		}

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			close(e.abort)
			<-done
			err = ctx.Err()
		}
		close(e.closed)

		s := e.Stats()
		e.logger.Info("Correlation engine stopped",
			zap.Int64("events", s.Events),
			zap.Int64("candidates_opened", s.Opened),
			zap.Int64("candidates_closed", s.Closed),
			zap.Int64("lost", s.Lost))
	})
	return err
}

// Stats returns current counters
func (e *Engine) Stats() Stats {
	return Stats{
		Events:     e.stats.events.Load(),
		Duplicates: e.stats.duplicates.Load(),
		Opened:     e.stats.opened.Load(),
		Closed:     e.stats.closed.Load(),
		Open:       e.stats.open.Load(),
		Lost:       e.stats.lost.Load(),
	}
}

// emit hands a closed candidate downstream
func (e *Engine) emit(c *domain.IncidentCandidate) {
	e.stats.closed.Add(1)
	e.stats.open.Add(-1)
	e.metrics.candidateClosed(c)

	select {
	case e.closed <- c:
	case <-e.abort:
		e.stats.lost.Add(1)
		e.logger.Error("Candidate discarded during aborted shutdown",
			zap.String("candidate_id", c.ID),
			zap.String("correlation_key", c.CorrelationKey),
			zap.Int("members", c.Size()))
	}
}

func (e *Engine) newCandidate(key string, first *domain.Event, now time.Time) *domain.IncidentCandidate {
	e.stats.opened.Add(1)
	e.stats.open.Add(1)
	e.metrics.candidateOpened()

	return &domain.IncidentCandidate{
		ID:             uuid.NewString(),
		CorrelationKey: key,
		OpenedAt:       first.Timestamp,
		WindowEnd:      first.Timestamp.Add(e.config.Window),
		LastActivity:   now,
		State:          domain.StateOpen,
	}
}
