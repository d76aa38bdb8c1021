package report

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/whitecat/internal/store"
	"github.com/yairfalse/whitecat/pkg/domain"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *Generator {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Persist(ctx, &domain.Incident{
		ID: "i1", Actor: "alice", Host: "web-1", CorrelationKey: "actor:alice@web-1",
		OpenedAt: base, WindowEnd: base.Add(5 * time.Minute), ClosedAt: base.Add(6 * time.Minute),
		MemberEvents: []string{"e1", "e2"}, Severity: 80, Label: "critical", Scored: true,
		CloseReason: domain.CloseWindowExpired,
	}))
	require.NoError(t, s.Persist(ctx, &domain.Incident{
		ID: "i2", Actor: "bob", Host: "db-1", CorrelationKey: "actor:bob@db-1",
		OpenedAt: base, WindowEnd: base.Add(5 * time.Minute), ClosedAt: base.Add(7 * time.Minute),
		MemberEvents: []string{"e3"}, Severity: domain.UnscoredSeverity, Label: domain.LabelUnscored,
		Deferred: true, CloseReason: domain.CloseShutdown,
	}))

	g := NewGenerator(s)
	g.now = func() time.Time { return base.Add(time.Hour) }
	return g
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatText, "TEXT": FormatText, "json": FormatJSON, "yml": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("csv")
	assert.Error(t, err)
}

func TestGenerateJSON(t *testing.T) {
	g := seeded(t)
	var buf bytes.Buffer
	filter := domain.IncidentFilter{IncludeUnscored: true}
	require.NoError(t, g.Generate(context.Background(), &buf, filter, FormatJSON))

	var r Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &r))
	assert.Equal(t, 2, r.Total)
	assert.Equal(t, 1, r.Unscored)
	assert.Equal(t, map[string]int{"critical": 1, "unscored": 1}, r.ByLabel)
	require.Len(t, r.Incidents, 2)
	assert.Equal(t, "i1", r.Incidents[0].ID)
	assert.Equal(t, []string{"e1", "e2"}, r.Incidents[0].MemberEvents)
}

func TestGenerateYAMLHonoursFilter(t *testing.T) {
	g := seeded(t)
	var buf bytes.Buffer
	require.NoError(t, g.Generate(context.Background(), &buf, domain.IncidentFilter{MinSeverity: 50}, FormatYAML))

	var r Report
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &r))
	assert.Equal(t, 1, r.Total)
	assert.Equal(t, "alice", r.Incidents[0].Actor)
}

func TestGenerateText(t *testing.T) {
	g := seeded(t)
	var buf bytes.Buffer
	require.NoError(t, g.Generate(context.Background(), &buf, domain.IncidentFilter{IncludeUnscored: true}, FormatText))

	out := buf.String()
	assert.Contains(t, out, "Incidents: 2 (unscored 1)")
	assert.Contains(t, out, "alice@web-1")
	assert.Contains(t, out, "80.0")
	assert.Contains(t, out, "scoring deferred")
}

func TestGenerateMarksRescoredIncidents(t *testing.T) {
	g := seeded(t)
	ctx := context.Background()
	require.NoError(t, g.store.Persist(ctx, &domain.Incident{
		ID: "i3", Supersedes: "i2", Actor: "bob", Host: "db-1", CorrelationKey: "actor:bob@db-1",
		OpenedAt: base, WindowEnd: base.Add(5 * time.Minute), ClosedAt: base.Add(7 * time.Minute),
		MemberEvents: []string{"e3"}, Severity: 55, Label: "medium", Scored: true,
		CloseReason: domain.CloseShutdown,
	}))

	r, err := g.Build(ctx, domain.IncidentFilter{IncludeUnscored: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"i2"}, r.Rescored)

	var buf bytes.Buffer
	require.NoError(t, g.Generate(ctx, &buf, domain.IncidentFilter{IncludeUnscored: true}, FormatText))
	out := buf.String()
	assert.NotContains(t, out, "will be rescored")
	assert.Contains(t, out, "superseded by a later incident")
	assert.Contains(t, out, "replaces: i2")
}

func TestGenerateEmpty(t *testing.T) {
	g := NewGenerator(store.NewMemoryStore())
	var buf bytes.Buffer
	require.NoError(t, g.Generate(context.Background(), &buf, domain.IncidentFilter{}, FormatText))
	assert.Contains(t, buf.String(), "No incidents matched.")

	buf.Reset()
	require.NoError(t, g.Generate(context.Background(), &buf, domain.IncidentFilter{}, FormatJSON))
	assert.Contains(t, buf.String(), `"incidents": []`)
}

func TestParseSince(t *testing.T) {
	now := base

	got, err := ParseSince("24h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), got)

	got, err = ParseSince("2024-04-30", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC), got)

	got, err = ParseSince("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = ParseSince("yesterday", now)
	assert.Error(t, err)
}
