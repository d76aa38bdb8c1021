package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/whitecat/pkg/config"
	"github.com/yairfalse/whitecat/pkg/domain"
)

func testEvent(id string) *domain.Event {
	return &domain.Event{ID: id, SourceTier: domain.TierAudit, Actor: "u1", Timestamp: time.Now()}
}

func drain(t *testing.T, sub *Subscription, n int) []*domain.Event {
	t.Helper()
	var got []*domain.Event
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case e, ok := <-sub.C():
			if !ok {
				return got
			}
			got = append(got, e)
		case <-timeout:
			t.Fatalf("timed out after %d/%d events", len(got), n)
		}
	}
	return got
}

func TestEverySubscriberSeesEveryEventOnce(t *testing.T) {
	b := New(zaptest.NewLogger(t), config.BusConfig{Capacity: 16, PublishTimeout: time.Second, SubscriberBuffer: 16})
	engine := b.Subscribe("engine")
	audit := b.Subscribe("audit")
	b.Start()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(ctx, testEvent(fmt.Sprintf("e%d", i))))
	}

	for _, sub := range []*Subscription{engine, audit} {
		got := drain(t, sub, 10)
		require.Len(t, got, 10)
		for i, e := range got {
			assert.Equal(t, fmt.Sprintf("e%d", i), e.ID)
		}
	}

	require.NoError(t, b.Close(ctx))
	_, ok := <-engine.C()
	assert.False(t, ok, "subscription should be closed after bus close")

	stats := b.Stats()
	assert.Equal(t, int64(10), stats.Published)
}

func TestPublishSaturatedAfterTimeout(t *testing.T) {
	b := New(zap.NewNop(), config.BusConfig{Capacity: 2, PublishTimeout: 30 * time.Millisecond, SubscriberBuffer: 1})
	// dispatcher not started: the queue cannot drain
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, testEvent("a")))
	require.NoError(t, b.Publish(ctx, testEvent("b")))

	start := time.Now()
	err := b.Publish(ctx, testEvent("c"))
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, domain.ErrBusSaturated)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, int64(1), b.Stats().Saturated)
	assert.Equal(t, 2, b.Stats().Depth)
}

func TestPublishFailFastWithoutTimeout(t *testing.T) {
	b := New(zap.NewNop(), config.BusConfig{Capacity: 1, SubscriberBuffer: 1})
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, testEvent("a")))

	start := time.Now()
	assert.ErrorIs(t, b.Publish(ctx, testEvent("b")), domain.ErrBusSaturated)
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestPublishBlocksUntilSpaceFrees(t *testing.T) {
	b := New(zap.NewNop(), config.BusConfig{Capacity: 1, PublishTimeout: time.Second, SubscriberBuffer: 4})
	sub := b.Subscribe("engine")
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, testEvent("a")))

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Start()
	}()

	require.NoError(t, b.Publish(ctx, testEvent("b")))
	got := drain(t, sub, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	require.NoError(t, b.Close(ctx))
}

func TestPublishAfterCloseIsRejected(t *testing.T) {
	b := New(zap.NewNop(), config.BusConfig{Capacity: 4, PublishTimeout: time.Second, SubscriberBuffer: 4})
	sub := b.Subscribe("engine")
	b.Start()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, testEvent("a")))
	require.NoError(t, b.Close(ctx))
	assert.True(t, b.Closed())

	assert.ErrorIs(t, b.Publish(ctx, testEvent("b")), domain.ErrBusClosed)
	assert.Equal(t, int64(1), b.Stats().Rejected)

	// queued event still delivered before the channel closes
	got := drain(t, sub, 2)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	late := b.Subscribe("late")
	_, ok := <-late.C()
	assert.False(t, ok)
}

func TestCloseUnblocksWaitingPublisher(t *testing.T) {
	b := New(zap.NewNop(), config.BusConfig{Capacity: 1, PublishTimeout: 5 * time.Second, SubscriberBuffer: 1})
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, testEvent("a")))

	errCh := make(chan error, 1)
	go func() { errCh <- b.Publish(ctx, testEvent("b")) }()
	time.Sleep(20 * time.Millisecond)

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, b.Close(closeCtx))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, domain.ErrBusClosed)
	case <-time.After(time.Second):
		t.Fatal("publisher was not released by Close")
	}
}

func TestCloseAbortsOnStuckSubscriber(t *testing.T) {
	b := New(zap.NewNop(), config.BusConfig{Capacity: 8, PublishTimeout: time.Second, SubscriberBuffer: 1})
	b.Subscribe("stuck")
	b.Start()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, testEvent(fmt.Sprintf("e%d", i))))
	}

	closeCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Close(closeCtx), context.DeadlineExceeded)
}

func TestEventsSequenceIsRestartable(t *testing.T) {
	b := New(zap.NewNop(), config.BusConfig{Capacity: 8, PublishTimeout: time.Second, SubscriberBuffer: 8})
	sub := b.Subscribe("engine")
	b.Start()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, testEvent(fmt.Sprintf("e%d", i))))
	}

	var firstPass []string
	for e := range sub.Events(ctx) {
		firstPass = append(firstPass, e.ID)
		if len(firstPass) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"e0", "e1"}, firstPass)

	require.NoError(t, b.Close(ctx))

	var secondPass []string
	for e := range sub.Events(ctx) {
		secondPass = append(secondPass, e.ID)
	}
	assert.Equal(t, []string{"e2", "e3"}, secondPass)
}

func TestUnsubscribeDoesNotStallOthers(t *testing.T) {
	b := New(zap.NewNop(), config.BusConfig{Capacity: 8, PublishTimeout: time.Second, SubscriberBuffer: 1})
	gone := b.Subscribe("gone")
	kept := b.Subscribe("kept")
	b.Start()
	gone.Unsubscribe()
	gone.Unsubscribe()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, testEvent(fmt.Sprintf("e%d", i))))
	}
	got := drain(t, kept, 5)
	assert.Len(t, got, 5)
	assert.Equal(t, int64(0), gone.Delivered())
	require.NoError(t, b.Close(ctx))
}

func TestPerProducerOrderPreserved(t *testing.T) {
	b := New(zap.NewNop(), config.BusConfig{Capacity: 8, PublishTimeout: 5 * time.Second, SubscriberBuffer: 8})
	sub := b.Subscribe("engine")
	b.Start()
	ctx := context.Background()

	const producers, perProducer = 3, 200
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			prod := b.Producer(fmt.Sprintf("p%d", p))
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, prod.Publish(ctx, testEvent(fmt.Sprintf("p%d-%d", p, i))))
			}
		}(p)
	}

	got := drain(t, sub, producers*perProducer)
	wg.Wait()

	last := make(map[string]uint64)
	for _, e := range got {
		assert.Greater(t, e.Sequence, last[e.Producer], "producer %s out of order", e.Producer)
		last[e.Producer] = e.Sequence
	}
	for p := 0; p < producers; p++ {
		assert.Equal(t, uint64(perProducer), last[fmt.Sprintf("p%d", p)])
	}
	require.NoError(t, b.Close(ctx))
}
