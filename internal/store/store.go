// Package store persists scored incidents. Incidents are append-only: a
// record never changes once written, and re-analysis writes a new incident
// that names the old one in Supersedes.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/pkg/config"
	"github.com/yairfalse/whitecat/pkg/domain"
)

// Store drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

var errStoreClosed = errors.New("store closed")

// Store is the incident persistence boundary
type Store interface {
	// Persist writes one incident atomically. A second write of the same ID
	// returns domain.ErrDuplicateIncident; I/O failures wrap domain.ErrStoreIO.
	Persist(ctx context.Context, incident *domain.Incident) error
	// Query lazily yields incidents matching filter, ordered by ClosedAt
	Query(ctx context.Context, filter domain.IncidentFilter) iter.Seq2[*domain.Incident, error]
	// Get returns one incident or domain.ErrIncidentNotFound
	Get(ctx context.Context, id string) (*domain.Incident, error)
	Close() error
}

// Open builds the store selected by cfg.Driver, wrapped with tracing and
// metrics
func Open(logger *zap.Logger, cfg config.StoreConfig) (Store, error) {
	var s Store
	switch cfg.Driver {
	case DriverMemory:
		s = NewMemoryStore()
	case DriverSQLite, "":
		sq, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		s = sq
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	logger.Info("Incident store opened",
		zap.String("driver", cfg.Driver),
		zap.String("path", cfg.Path))
	return Instrument(logger, s), nil
}

// Collect drains a query into a slice, stopping at the first error
func Collect(seq iter.Seq2[*domain.Incident, error]) ([]*domain.Incident, error) {
	var out []*domain.Incident
	for inc, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, inc)
	}
	return out, nil
}

func validate(op string, incident *domain.Incident) error {
	if err := incident.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func duplicate(id string) error {
	return &domain.Error{Kind: domain.ErrDuplicateIncident, Op: "persist", Message: id}
}

func notFound(id string) error {
	return &domain.Error{Kind: domain.ErrIncidentNotFound, Op: "get", Message: id}
}
