package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func TestHandlerExposesOTelMetrics(t *testing.T) {
	ctx := context.Background()
	p, err := NewProvider(ctx, zap.NewNop(), "test")
	require.NoError(t, err)
	defer func() { assert.NoError(t, p.Shutdown(ctx)) }()

	counter, err := otel.Meter("whitecat.test").Int64Counter("whitecat_test_events_total")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "whitecat_test_events_total")
	assert.Contains(t, string(body), "go_goroutines")
}
