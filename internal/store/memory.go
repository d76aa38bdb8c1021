package store

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/yairfalse/whitecat/pkg/domain"
)

// MemoryStore keeps incidents in process memory, ordered by ClosedAt.
// Records are deep-copied on the way in and out.
type MemoryStore struct {
	mu         sync.RWMutex
	incidents  map[string]*domain.Incident
	order      []entry
	superseded map[string]bool
	closed     bool
}

type entry struct {
	id  string
	inc *domain.Incident
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents:  make(map[string]*domain.Incident),
		superseded: make(map[string]bool),
	}
}

// Persist implements Store
func (m *MemoryStore) Persist(ctx context.Context, incident *domain.Incident) error {
	if err := validate("persist", incident); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return domain.StoreIO("persist", err)
	}

	cp := incident.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return domain.StoreIO("persist", errStoreClosed)
	}
	if _, exists := m.incidents[cp.ID]; exists {
		return duplicate(cp.ID)
	}

	e := entry{id: cp.ID, inc: cp}
	// equal ClosedAt keeps insertion order
	i := sort.Search(len(m.order), func(i int) bool {
		return m.order[i].inc.ClosedAt.After(cp.ClosedAt)
	})
	m.order = append(m.order, entry{})
	copy(m.order[i+1:], m.order[i:])
	m.order[i] = e

	m.incidents[cp.ID] = cp
	if cp.Supersedes != "" {
		m.superseded[cp.Supersedes] = true
	}
	return nil
}

// Query implements Store. The result set is fixed when iteration starts.
func (m *MemoryStore) Query(ctx context.Context, filter domain.IncidentFilter) iter.Seq2[*domain.Incident, error] {
	return func(yield func(*domain.Incident, error) bool) {
		m.mu.RLock()
		var matched []*domain.Incident
		for _, e := range m.order {
			if !filter.Match(e.inc) {
				continue
			}
			if filter.DeferredOnly && m.superseded[e.id] {
				continue
			}
			matched = append(matched, e.inc.Clone())
			if filter.Limit > 0 && len(matched) == filter.Limit {
				break
			}
		}
		m.mu.RUnlock()

		for _, inc := range matched {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(inc, nil) {
				return
			}
		}
	}
}

// Get implements Store
func (m *MemoryStore) Get(ctx context.Context, id string) (*domain.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inc, ok := m.incidents[id]
	if !ok {
		return nil, notFound(id)
	}
	return inc.Clone(), nil
}

// Len returns the number of stored incidents
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.incidents)
}

// Close implements Store
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
