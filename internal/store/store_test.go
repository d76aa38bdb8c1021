package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/pkg/config"
	"github.com/yairfalse/whitecat/pkg/domain"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func incident(id, actor string, closedOffset time.Duration, severity float64) *domain.Incident {
	inc := &domain.Incident{
		ID:             id,
		CandidateID:    "cand-" + id,
		CorrelationKey: "actor:" + actor + "@h1",
		Actor:          actor,
		Host:           "h1",
		OpenedAt:       t0.Add(closedOffset - time.Minute),
		WindowEnd:      t0.Add(closedOffset + time.Minute),
		ClosedAt:       t0.Add(closedOffset),
		ScoredAt:       t0.Add(closedOffset + time.Second),
		MemberEvents:   []string{id + "-e3", id + "-e1", id + "-e2"},
		Severity:       severity,
		Label:          "suspicious",
		Scored:         true,
		CloseReason:    domain.CloseWindowExpired,
	}
	if severity == domain.UnscoredSeverity {
		inc.Scored = false
		inc.Deferred = true
		inc.Label = domain.LabelUnscored
		inc.ScoredAt = time.Time{}
	}
	return inc
}

func implementations(t *testing.T) map[string]Store {
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "incidents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func TestPersistQueryRoundTrip(t *testing.T) {
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := incident("i1", "alice", 0, 72.5)
			require.NoError(t, s.Persist(ctx, want))

			got, err := Collect(s.Query(ctx, domain.IncidentFilter{
				Since: want.OpenedAt,
				Until: want.ClosedAt,
			}))
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, want.MemberEvents, got[0].MemberEvents, "member order preserved")
			assert.Equal(t, want.Severity, got[0].Severity)
			assert.True(t, want.ClosedAt.Equal(got[0].ClosedAt))
			assert.Equal(t, want.CloseReason, got[0].CloseReason)

			one, err := s.Get(ctx, "i1")
			require.NoError(t, err)
			assert.Equal(t, want.CandidateID, one.CandidateID)
			assert.Equal(t, want.MemberEvents, one.MemberEvents)
		})
	}
}

func TestPersistRejectsDuplicateID(t *testing.T) {
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Persist(ctx, incident("dup", "bob", 0, 10)))

			changed := incident("dup", "bob", time.Hour, 99)
			assert.ErrorIs(t, s.Persist(ctx, changed), domain.ErrDuplicateIncident)

			got, err := s.Get(ctx, "dup")
			require.NoError(t, err)
			assert.Equal(t, 10.0, got.Severity, "original record unchanged")
		})
	}
}

func TestPersistRejectsInvalid(t *testing.T) {
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			bad := incident("bad", "x", 0, 50)
			bad.MemberEvents = nil
			assert.ErrorIs(t, s.Persist(context.Background(), bad), domain.ErrInvalidIncident)
		})
	}
}

func TestGetMissing(t *testing.T) {
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "nope")
			assert.ErrorIs(t, err, domain.ErrIncidentNotFound)
		})
	}
}

func TestQueryFilters(t *testing.T) {
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Persist(ctx, incident("late", "alice", 3*time.Hour, 90)))
			require.NoError(t, s.Persist(ctx, incident("early", "alice", time.Hour, 20)))
			require.NoError(t, s.Persist(ctx, incident("bob", "bob", 2*time.Hour, 55)))
			require.NoError(t, s.Persist(ctx, incident("pending", "carol", 2*time.Hour+time.Minute, domain.UnscoredSeverity)))

			ids := func(f domain.IncidentFilter) []string {
				got, err := Collect(s.Query(ctx, f))
				require.NoError(t, err)
				var out []string
				for _, inc := range got {
					out = append(out, inc.ID)
				}
				return out
			}

			assert.Equal(t, []string{"early", "bob", "late"}, ids(domain.IncidentFilter{}), "ordered by close time, unscored hidden")
			assert.Equal(t, []string{"early", "bob", "pending", "late"}, ids(domain.IncidentFilter{IncludeUnscored: true}))
			assert.Equal(t, []string{"early", "late"}, ids(domain.IncidentFilter{Actor: "alice"}))
			assert.Equal(t, []string{"bob", "late"}, ids(domain.IncidentFilter{MinSeverity: 50}))
			assert.Equal(t, []string{"bob"}, ids(domain.IncidentFilter{Since: t0.Add(90 * time.Minute), Until: t0.Add(2 * time.Hour)}))
			assert.Equal(t, []string{"early", "bob"}, ids(domain.IncidentFilter{Limit: 2}))
			assert.Equal(t, []string{"pending"}, ids(domain.IncidentFilter{DeferredOnly: true}))

			rescored := incident("pending-v2", "carol", 4*time.Hour, 40)
			rescored.Supersedes = "pending"
			require.NoError(t, s.Persist(ctx, rescored))
			assert.Empty(t, ids(domain.IncidentFilter{DeferredOnly: true}), "superseded incidents are no longer pending")

			prior, err := s.Get(ctx, "pending")
			require.NoError(t, err)
			assert.False(t, prior.Scored, "prior record stays immutable")
		})
	}
}

func TestQueryStopsEarly(t *testing.T) {
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				require.NoError(t, s.Persist(ctx, incident(fmt.Sprintf("q%d", i), "a", time.Duration(i)*time.Minute, 30)))
			}
			n := 0
			for _, err := range s.Query(ctx, domain.IncidentFilter{}) {
				require.NoError(t, err)
				n++
				if n == 2 {
					break
				}
			}
			assert.Equal(t, 2, n)
		})
	}
}

func TestConcurrentPersistIsAtomic(t *testing.T) {
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, s.Persist(ctx, incident(fmt.Sprintf("c%02d", i), "conc", time.Duration(i)*time.Second, 10)))
				}(i)
			}
			wg.Wait()

			got, err := Collect(s.Query(ctx, domain.IncidentFilter{Actor: "conc"}))
			require.NoError(t, err)
			require.Len(t, got, 20)
			for _, inc := range got {
				assert.Len(t, inc.MemberEvents, 3)
			}
		})
	}
}

func TestMemoryStoreCopiesRecords(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	inc := incident("m1", "a", 0, 5)
	require.NoError(t, s.Persist(ctx, inc))

	inc.MemberEvents[0] = "tampered"
	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1-e3", got.MemberEvents[0])

	got.MemberEvents[0] = "tampered again"
	again, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1-e3", again.MemberEvents[0])
}

func TestOpenSelectsDriver(t *testing.T) {
	s, err := Open(zap.NewNop(), config.StoreConfig{Driver: DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s.(interface{ Unwrap() Store }).Unwrap())

	s, err = Open(zap.NewNop(), config.StoreConfig{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "x", "w.db")})
	require.NoError(t, err)
	require.NoError(t, s.Persist(context.Background(), incident("o1", "a", 0, 1)))
	require.NoError(t, s.Close())

	_, err = Open(zap.NewNop(), config.StoreConfig{Driver: "cassandra"})
	assert.Error(t, err)
}
