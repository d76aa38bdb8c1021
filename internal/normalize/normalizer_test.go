package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/pkg/domain"
)

func TestNormalizeAuditEvent(t *testing.T) {
	n := New(zap.NewNop())

	raw := domain.RawPayload{
		"id":         "evt-1",
		"actor":      "alice",
		"host":       "web-01",
		"syscall":    "execve",
		"timestamp":  "2026-03-01T10:00:00Z",
		"pid":        json.Number("4242"),
		"ppid":       json.Number("1"),
		"exe":        "/usr/bin/curl",
		"ancestry":   []interface{}{"1", "812", json.Number("4242")},
		"session_id": "sess-9",
	}

	event, err := n.Normalize(raw, domain.TierAudit)
	require.NoError(t, err)

	assert.Equal(t, "evt-1", event.ID)
	assert.Equal(t, domain.TierAudit, event.SourceTier)
	assert.Equal(t, "alice", event.Actor)
	assert.Equal(t, "web-01", event.Host)
	assert.Equal(t, "execve", event.EventType)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), event.Timestamp)
	assert.Equal(t, "1>812>4242", event.Attr(domain.AttrAncestry))
	assert.Equal(t, "4242", event.Attr(domain.AttrPID))
	assert.Equal(t, "/usr/bin/curl", event.Attr(domain.AttrExe))
	assert.Equal(t, "sess-9", event.CausalID())
	assert.Equal(t, int64(1), n.Accepted())
	assert.Equal(t, int64(0), n.Dropped())
}

func TestNormalizeAuditBuildsAncestryFromParent(t *testing.T) {
	n := New(zap.NewNop())

	event, err := n.Normalize(domain.RawPayload{
		"uid":        json.Number("1000"),
		"event_type": "open",
		"timestamp":  json.Number("1767225600"),
		"pid":        json.Number("20"),
		"ppid":       json.Number("10"),
	}, domain.TierAudit)
	require.NoError(t, err)

	assert.Equal(t, "1000", event.Actor)
	assert.Equal(t, "10>20", event.Attr(domain.AttrAncestry))
	assert.Equal(t, DefaultHost, event.Host)
	assert.NotEmpty(t, event.ID)
}

func TestNormalizeNetworkEvent(t *testing.T) {
	n := New(zap.NewNop())

	event, err := n.NormalizeJSON([]byte(`{
		"src_ip": "10.0.0.5",
		"dst_ip": "203.0.113.7",
		"src_port": 51000,
		"dst_port": 443,
		"protocol": "TCP",
		"timestamp": 1767225600123,
		"host": "gw-1"
	}`), domain.TierNetwork)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", event.Actor)
	assert.Equal(t, "flow", event.EventType)
	assert.Equal(t, "tcp 10.0.0.5:51000->203.0.113.7:443", event.Attr(domain.AttrFiveTuple))
	assert.Equal(t, time.UnixMilli(1767225600123).UTC(), event.Timestamp)
	assert.Equal(t, "gw-1", event.Host)
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  domain.RawPayload
		tier domain.SourceTier
	}{
		{"nil payload", nil, domain.TierAudit},
		{"missing timestamp", domain.RawPayload{"actor": "a", "event_type": "x"}, domain.TierAudit},
		{"bad timestamp", domain.RawPayload{"actor": "a", "event_type": "x", "timestamp": "yesterday"}, domain.TierAudit},
		{"missing actor", domain.RawPayload{"event_type": "x", "timestamp": "2026-01-01T00:00:00Z"}, domain.TierAudit},
		{"missing event type", domain.RawPayload{"actor": "a", "timestamp": "2026-01-01T00:00:00Z"}, domain.TierAudit},
		{"bad pid", domain.RawPayload{"actor": "a", "event_type": "x", "timestamp": "2026-01-01T00:00:00Z", "pid": "abc"}, domain.TierAudit},
		{"bad ancestry", domain.RawPayload{"actor": "a", "event_type": "x", "timestamp": "2026-01-01T00:00:00Z", "ancestry": 7}, domain.TierAudit},
		{"missing dst", domain.RawPayload{"src_ip": "10.0.0.1", "protocol": "udp", "timestamp": "2026-01-01T00:00:00Z"}, domain.TierNetwork},
		{"bad ip", domain.RawPayload{"src_ip": "10.0.0.300", "dst_ip": "10.0.0.1", "protocol": "udp", "timestamp": "2026-01-01T00:00:00Z"}, domain.TierNetwork},
		{"bad port", domain.RawPayload{"src_ip": "10.0.0.1", "dst_ip": "10.0.0.2", "protocol": "udp", "dst_port": 70000, "timestamp": "2026-01-01T00:00:00Z"}, domain.TierNetwork},
		{"missing protocol", domain.RawPayload{"src_ip": "10.0.0.1", "dst_ip": "10.0.0.2", "timestamp": "2026-01-01T00:00:00Z"}, domain.TierNetwork},
		{"unknown tier", domain.RawPayload{"actor": "a", "timestamp": "2026-01-01T00:00:00Z"}, domain.SourceTier("tier9")},
	}

	n := New(zap.NewNop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := n.Normalize(tt.raw, tt.tier)
			require.Error(t, err)
			assert.Nil(t, event)
			assert.ErrorIs(t, err, domain.ErrMalformedPayload)
		})
	}
	assert.Equal(t, int64(len(tests)), n.Dropped())
}

func TestNormalizeJSONGarbage(t *testing.T) {
	n := New(zap.NewNop())

	_, err := n.NormalizeJSON([]byte("{not json"), domain.TierAudit)
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
	assert.Equal(t, int64(1), n.Dropped())
}

func TestNormalizeDoesNotAliasPayload(t *testing.T) {
	n := New(zap.NewNop())
	raw := domain.RawPayload{"actor": "a", "event_type": "x", "timestamp": "2026-01-01T00:00:00Z"}

	event, err := n.Normalize(raw, domain.TierAudit)
	require.NoError(t, err)

	raw["actor"] = "mallory"
	assert.Equal(t, "a", event.RawPayload["actor"])
}

func TestCoerceTime(t *testing.T) {
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   interface{}
	}{
		{"rfc3339", "2026-01-01T00:00:00Z"},
		{"offset", "2026-01-01T02:00:00+02:00"},
		{"space layout", "2026-01-01 00:00:00"},
		{"seconds", float64(want.Unix())},
		{"seconds string", "1767225600"},
		{"millis", json.Number("1767225600000")},
		{"micros", int64(1767225600000000)},
		{"nanos", int64(1767225600000000000)},
		{"time value", want.In(time.FixedZone("X", 3600))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CoerceTime(tt.in)
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "got %v", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}

	for _, bad := range []interface{}{nil, "", "soon", -5, []string{"x"}} {
		_, err := CoerceTime(bad)
		assert.Error(t, err, "%v", bad)
	}
}

func TestCoerceTimeStripsMonotonic(t *testing.T) {
	got, err := CoerceTime(time.Now())
	require.NoError(t, err)
	// a value without a monotonic reading formats without "m=" suffix
	assert.NotContains(t, got.String(), "m=")
}
