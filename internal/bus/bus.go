package bus

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/pkg/config"
	"github.com/yairfalse/whitecat/pkg/domain"
)

// Bus is a bounded multi-producer, multi-subscriber event channel. A single
// dispatcher drains the queue in FIFO order, so events from one producer
// reach every subscriber in publish order. Full queues push back on
// producers; nothing is dropped without the producer being told.
type Bus struct {
	logger *zap.Logger
	config config.BusConfig

	queue chan *domain.Event

	// mu guards queue sends against Close, as in the observer event channel
	mu      sync.RWMutex
	closed  bool
	closing chan struct{}
	abort   chan struct{}
	done    chan struct{}
	started atomic.Bool
	once    sync.Once

	subsMu sync.RWMutex
	subs   []*Subscription

	published atomic.Int64
	saturated atomic.Int64
	rejected  atomic.Int64

	publishedCounter metric.Int64Counter
	saturatedCounter metric.Int64Counter
}

// Stats is a point-in-time view of bus activity
type Stats struct {
	Published   int64
	Saturated   int64
	Rejected    int64
	Depth       int
	Capacity    int
	Subscribers map[string]int64
}

// New creates a bus. Call Start before publishing.
func New(logger *zap.Logger, cfg config.BusConfig) *Bus {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 1
	}

	b := &Bus{
		logger:  logger,
		config:  cfg,
		queue:   make(chan *domain.Event, cfg.Capacity),
		closing: make(chan struct{}),
		abort:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	meter := otel.Meter("whitecat.bus")
	var err error
	b.publishedCounter, err = meter.Int64Counter(
		"whitecat_bus_published_total",
		metric.WithDescription("Events accepted by the bus"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create published counter", zap.Error(err))
		b.publishedCounter = nil
	}
	b.saturatedCounter, err = meter.Int64Counter(
		"whitecat_bus_saturated_total",
		metric.WithDescription("Publishes rejected because the bus was full"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create saturated counter", zap.Error(err))
		b.saturatedCounter = nil
	}

	return b
}

// Start launches the dispatcher. It is safe to call more than once.
func (b *Bus) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	go b.dispatch()
}

// Publish enqueues an event. When the queue is full it waits up to the
// configured publish timeout and then returns domain.ErrBusSaturated. After
// Close has begun it returns domain.ErrBusClosed.
func (b *Bus) Publish(ctx context.Context, event *domain.Event) error {
	if event == nil {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.rejected.Add(1)
		return domain.ErrBusClosed
	}

	select {
	case b.queue <- event:
		b.accepted(ctx, event)
		return nil
	default:
	}

	if b.config.PublishTimeout <= 0 {
		return b.saturate(ctx, event)
	}

	timer := time.NewTimer(b.config.PublishTimeout)
	defer timer.Stop()

	select {
	case b.queue <- event:
		b.accepted(ctx, event)
		return nil
	case <-timer.C:
		return b.saturate(ctx, event)
	case <-b.closing:
		b.rejected.Add(1)
		return domain.ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) accepted(ctx context.Context, event *domain.Event) {
	b.published.Add(1)
	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.String("tier", string(event.SourceTier))))
	}
}

func (b *Bus) saturate(ctx context.Context, event *domain.Event) error {
	b.saturated.Add(1)
	if b.saturatedCounter != nil {
		b.saturatedCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.String("tier", string(event.SourceTier))))
	}
	return domain.ErrBusSaturated
}

// Subscribe registers a new subscriber. It sees every event published after
// this call exactly once.
func (b *Bus) Subscribe(name string) *Subscription {
	sub := &Subscription{
		name: name,
		ch:   make(chan *domain.Event, b.config.SubscriberBuffer),
		done: make(chan struct{}),
		bus:  b,
	}

	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		close(sub.ch)
		return sub
	}

	b.subs = append(b.subs, sub)
	b.logger.Debug("Bus subscriber added", zap.String("subscriber", name))
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) snapshot() []*Subscription {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	return append([]*Subscription(nil), b.subs...)
}

// dispatch delivers each queued event to every subscriber. A slow
// subscriber stalls the dispatcher, which in turn fills the queue and pushes
// back on producers.
func (b *Bus) dispatch() {
	defer close(b.done)

	for event := range b.queue {
		for _, sub := range b.snapshot() {
			select {
			case sub.ch <- event:
				sub.delivered.Add(1)
			case <-sub.done:
			case <-b.abort:
				b.logger.Warn("Bus aborted with undelivered events",
					zap.Int("queued", len(b.queue)))
				b.closeSubscribers()
				return
			}
		}
	}

	b.closeSubscribers()
}

func (b *Bus) closeSubscribers() {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

// Close stops accepting events, delivers what is already queued and closes
// every subscription. If ctx ends first, delivery is abandoned and ctx.Err()
// is returned.
func (b *Bus) Close(ctx context.Context) error {
	var err error
	b.once.Do(func() {
		close(b.closing)

		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()

		if !b.started.Load() {
			b.Start()
		}

		select {
		case <-b.done:
		case <-ctx.Done():
			close(b.abort)
			<-b.done
			err = ctx.Err()
		}

		b.logger.Info("Event bus closed",
			zap.Int64("published", b.published.Load()),
			zap.Int64("saturated", b.saturated.Load()),
			zap.Int64("rejected", b.rejected.Load()))
	})
	return err
}

// Closed reports whether Close has begun
func (b *Bus) Closed() bool {
	select {
	case <-b.closing:
		return true
	default:
		return false
	}
}

// Stats returns current counters
func (b *Bus) Stats() Stats {
	s := Stats{
		Published:   b.published.Load(),
		Saturated:   b.saturated.Load(),
		Rejected:    b.rejected.Load(),
		Depth:       len(b.queue),
		Capacity:    cap(b.queue),
		Subscribers: make(map[string]int64),
	}
	for _, sub := range b.snapshot() {
		s.Subscribers[sub.name] = sub.delivered.Load()
	}
	return s
}

// Subscription is one subscriber's view of the bus
type Subscription struct {
	name      string
	ch        chan *domain.Event
	done      chan struct{}
	once      sync.Once
	bus       *Bus
	delivered atomic.Int64
}

// Name returns the subscriber name
func (s *Subscription) Name() string {
	return s.name
}

// C returns the delivery channel. It is closed when the bus closes.
func (s *Subscription) C() <-chan *domain.Event {
	return s.ch
}

// Events returns a lazy sequence over this subscription. Stopping early and
// calling Events again resumes where the previous iteration stopped.
func (s *Subscription) Events(ctx context.Context) iter.Seq[*domain.Event] {
	return func(yield func(*domain.Event) bool) {
		for {
			select {
			case event, ok := <-s.ch:
				if !ok {
					return
				}
				if !yield(event) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// Delivered returns how many events were handed to this subscriber
func (s *Subscription) Delivered() int64 {
	return s.delivered.Load()
}

// Unsubscribe detaches the subscription; pending deliveries are skipped
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.bus.remove(s)
	})
}
