package scoring

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/internal/resilience"
	"github.com/yairfalse/whitecat/internal/store"
	"github.com/yairfalse/whitecat/pkg/domain"
)

// Rescorer retries the backend for incidents persisted unscored. A success
// writes a new incident that supersedes the unscored one; the original row
// is never touched.
type Rescorer struct {
	logger   *zap.Logger
	gateway  *Gateway
	store    store.Store
	stage    *Stage
	interval time.Duration
	clock    func() time.Time

	writeTimeout time.Duration
}

// NewRescorer creates a rescorer. stage may be nil; when set, member events
// it still holds are sent to the backend along with the IDs and its write
// timeout applies.
func NewRescorer(logger *zap.Logger, gateway *Gateway, st store.Store, stage *Stage, interval time.Duration) *Rescorer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	r := &Rescorer{
		logger:   logger,
		gateway:  gateway,
		store:    st,
		stage:    stage,
		interval: interval,
		clock:    time.Now,
	}
	if stage != nil {
		r.writeTimeout = stage.writeTimeout
	}
	return r
}

// Run rescores on the configured interval until ctx ends
func (r *Rescorer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.RescoreOnce(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.Warn("Rescoring pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Info("Rescored deferred incidents", zap.Int("count", n))
			}
		}
	}
}

// RescoreOnce makes one pass over pending unscored incidents and returns
// how many were superseded
func (r *Rescorer) RescoreOnce(ctx context.Context) (int, error) {
	// collect first: writing while a query iterates is not allowed
	pending, err := store.Collect(r.store.Query(ctx, domain.IncidentFilter{DeferredOnly: true}))
	if err != nil {
		return 0, err
	}

	done := 0
	for _, prior := range pending {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}

		var events []*domain.Event
		if r.stage != nil {
			events = r.stage.DeferredEvents(prior.ID)
		}

		res, err := r.gateway.Score(ctx, RequestFromIncident(prior, events))
		if err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				// backend still down; wait for the next pass
				return done, nil
			}
			r.logger.Debug("Rescoring failed",
				zap.String("incident_id", prior.ID),
				zap.Error(err))
			continue
		}

		next := prior.Clone()
		next.ID = uuid.NewString()
		next.Supersedes = prior.ID
		next.Severity = res.Severity
		next.Label = res.Label
		next.Scored = true
		next.Deferred = false
		next.ScoredAt = r.clock()

		if err := persistWithin(ctx, r.store, next, r.writeTimeout); err != nil {
			r.logger.Warn("Failed to persist rescored incident",
				zap.String("incident_id", next.ID),
				zap.String("supersedes", prior.ID),
				zap.Error(err))
			continue
		}
		if r.stage != nil {
			r.stage.Forget(prior.ID)
		}
		done++
		r.logger.Info("Incident rescored",
			zap.String("incident_id", next.ID),
			zap.String("supersedes", prior.ID),
			zap.Float64("severity", next.Severity),
			zap.String("label", next.Label))
	}
	return done, nil
}
