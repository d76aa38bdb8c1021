package bus

import (
	"context"
	"sync/atomic"

	"github.com/yairfalse/whitecat/pkg/domain"
)

// Producer stamps events with a per-producer sequence before publishing.
// A producer is meant to be driven by a single goroutine; the sequence then
// mirrors the order subscribers observe.
type Producer struct {
	name string
	bus  *Bus
	seq  atomic.Uint64
}

// Producer returns a named publishing handle
func (b *Bus) Producer(name string) *Producer {
	return &Producer{name: name, bus: b}
}

// Name returns the producer name
func (p *Producer) Name() string {
	return p.name
}

// Publish stamps the event and publishes it. The sequence number is only
// consumed when the bus accepts the event.
func (p *Producer) Publish(ctx context.Context, event *domain.Event) error {
	next := p.seq.Load() + 1
	if err := p.bus.Publish(ctx, event.WithProducer(p.name, next)); err != nil {
		return err
	}
	p.seq.Store(next)
	return nil
}
