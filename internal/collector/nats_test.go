package collector

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/whitecat/internal/normalize"
	"github.com/yairfalse/whitecat/pkg/config"
	"github.com/yairfalse/whitecat/pkg/domain"
)

func startTestNATSServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Port: -1})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server failed to start")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATSCollectorRunAgainstServer(t *testing.T) {
	ns := startTestNATSServer(t)

	ncfg := config.DefaultNATSConfig()
	ncfg.Enabled = true
	ncfg.URL = ns.ClientURL()

	logger := zaptest.NewLogger(t)
	pub := &recorder{}
	c := NewNATSCollector(logger, domain.TierAudit, normalize.New(logger), pub, ncfg, testCollectorsConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return ns.NumSubscriptions() > 0
	}, 5*time.Second, 10*time.Millisecond)

	producer, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer producer.Close()

	for _, id := range []string{"a1", "a2"} {
		require.NoError(t, producer.Publish(ncfg.Tier1Subject, []byte(auditLine(id))))
	}
	require.NoError(t, producer.Publish(ncfg.Tier1Subject, []byte("not json")))
	require.NoError(t, producer.Flush())

	require.Eventually(t, func() bool {
		return c.Stats().Read == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a1", "a2"}, pub.ids())
	assert.Equal(t, int64(1), c.Stats().Malformed)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestNATSCollectorQueueGroupSplitsSubject(t *testing.T) {
	ns := startTestNATSServer(t)

	ncfg := config.DefaultNATSConfig()
	ncfg.URL = ns.ClientURL()
	logger := zaptest.NewLogger(t)
	n := normalize.New(logger)

	first, second := &recorder{}, &recorder{}
	c1 := NewNATSCollector(logger, domain.TierAudit, n, first, ncfg, testCollectorsConfig())
	c2 := NewNATSCollector(logger, domain.TierAudit, n, second, ncfg, testCollectorsConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c1.Run(ctx) }()
	go func() { _ = c2.Run(ctx) }()

	require.Eventually(t, func() bool {
		return ns.NumSubscriptions() >= 2
	}, 5*time.Second, 10*time.Millisecond)

	producer, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer producer.Close()

	const total = 20
	for i := range total {
		require.NoError(t, producer.Publish(ncfg.Tier1Subject, []byte(auditLine(string(rune('a'+i))))))
	}
	require.NoError(t, producer.Flush())

	require.Eventually(t, func() bool {
		return len(first.ids())+len(second.ids()) == total
	}, 5*time.Second, 10*time.Millisecond)
}
