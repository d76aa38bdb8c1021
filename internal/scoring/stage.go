package scoring

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/yairfalse/whitecat/internal/resilience"
	"github.com/yairfalse/whitecat/internal/store"
	"github.com/yairfalse/whitecat/pkg/config"
	"github.com/yairfalse/whitecat/pkg/domain"
)

// deferredEventsLimit bounds how many unscored incidents keep their member
// events in memory for the rescorer
const deferredEventsLimit = 1024

// Stage turns closed candidates into persisted incidents. Every candidate
// ends in exactly one of PERSISTED or DROPPED.
type Stage struct {
	logger  *zap.Logger
	gateway *Gateway
	store   store.Store
	config  config.ScoringConfig
	clock   func() time.Time
	onDone  func(*domain.IncidentCandidate, *domain.Incident)

	writeTimeout time.Duration

	sem        *semaphore.Weighted
	wg         sync.WaitGroup
	storeRetry *resilience.Retryer

	// work outlives Run's ctx so in-flight candidates finish after shutdown
	// is requested
	work       context.Context
	cancelWork context.CancelFunc

	queueMu sync.Mutex
	queue   []pendingWrite

	events *lru.Cache[string, []*domain.Event]

	stats    stageStats
	outcomes metric.Int64Counter
}

type pendingWrite struct {
	candidate *domain.IncidentCandidate
	incident  *domain.Incident
}

type stageStats struct {
	received  atomic.Int64
	scored    atomic.Int64
	unscored  atomic.Int64
	persisted atomic.Int64
	dropped   atomic.Int64
	queued    atomic.Int64
}

// StageStats is a point-in-time view of stage outcomes
type StageStats struct {
	Received  int64
	Scored    int64
	Unscored  int64
	Persisted int64
	Dropped   int64
	Queued    int64
}

// StageOption customizes a Stage
type StageOption func(*Stage)

// WithStageClock replaces the clock used for staleness and timestamps
func WithStageClock(clock func() time.Time) StageOption {
	return func(s *Stage) {
		s.clock = clock
	}
}

// WithWriteTimeout bounds each store write
func WithWriteTimeout(d time.Duration) StageOption {
	return func(s *Stage) {
		s.writeTimeout = d
	}
}

// WithOutcomeHook is called once per candidate when it reaches a terminal
// state. incident is nil for DROPPED.
func WithOutcomeHook(fn func(*domain.IncidentCandidate, *domain.Incident)) StageOption {
	return func(s *Stage) {
		s.onDone = fn
	}
}

// NewStage creates the scoring stage
func NewStage(logger *zap.Logger, gateway *Gateway, st store.Store, cfg config.ScoringConfig, opts ...StageOption) *Stage {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	work, cancel := context.WithCancel(context.Background())

	s := &Stage{
		logger:     logger,
		gateway:    gateway,
		store:      st,
		config:     cfg,
		clock:      time.Now,
		sem:        semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		work:       work,
		cancelWork: cancel,
		storeRetry: resilience.NewRetryer(resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
			Jitter:       0.1,
			Retryable: func(err error) bool {
				return errors.Is(err, domain.ErrStoreIO)
			},
		}),
	}
	for _, opt := range opts {
		opt(s)
	}

	// New only fails for a non-positive size
	s.events, _ = lru.New[string, []*domain.Event](deferredEventsLimit)

	meter := otel.Meter("whitecat.scoring")
	var err error
	if s.outcomes, err = meter.Int64Counter(
		"whitecat_scoring_outcomes_total",
		metric.WithDescription("Candidate outcomes by terminal state"),
	); err != nil {
		logger.Debug("Failed to create outcomes counter", zap.Error(err))
		s.outcomes = nil
	}
	return s
}

// Run consumes candidates until the channel closes. When ctx ends it takes
// whatever is already buffered, waits for in-flight work and flushes the
// deferred-persist queue once.
func (s *Stage) Run(ctx context.Context, candidates <-chan *domain.IncidentCandidate) error {
	interval := s.config.RetryInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	defer s.finish()

	for {
		select {
		case c, ok := <-candidates:
			if !ok {
				return nil
			}
			s.dispatch(c)
		case <-ticker.C:
			s.FlushQueue(ctx)
		case <-ctx.Done():
			for {
				select {
				case c, ok := <-candidates:
					if !ok {
						return nil
					}
					s.dispatch(c)
				default:
					return nil
				}
			}
		}
	}
}

func (s *Stage) finish() {
	s.wg.Wait()
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if left := s.FlushQueue(flushCtx); left > 0 {
		s.logger.Error("Incidents still awaiting persistence at shutdown",
			zap.Int("queued", left))
	}
}

// dispatch waits for a free slot before starting the goroutine, so at most
// max_in_flight candidates are being handled and the rest stay buffered
// upstream in the engine
func (s *Stage) dispatch(c *domain.IncidentCandidate) {
	s.stats.received.Add(1)
	if !s.acquire(c) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		s.process(c)
	}()
}

// Process scores and persists one candidate synchronously
func (s *Stage) Process(c *domain.IncidentCandidate) {
	s.stats.received.Add(1)
	if !s.acquire(c) {
		return
	}
	defer s.sem.Release(1)
	s.process(c)
}

func (s *Stage) acquire(c *domain.IncidentCandidate) bool {
	if err := s.sem.Acquire(s.work, 1); err != nil {
		s.logger.Error("Scoring slot unavailable", zap.String("candidate_id", c.ID), zap.Error(err))
		s.drop(c, "no scoring slot")
		return false
	}
	return true
}

func (s *Stage) process(c *domain.IncidentCandidate) {
	res, err := s.gateway.Score(s.work, RequestFromCandidate(c))

	now := s.clock()
	inc := incidentFrom(c, now)

	if err != nil {
		if s.config.MaxStaleness > 0 && now.Sub(c.OpenedAt) > s.config.MaxStaleness {
			s.logger.Warn("Dropping stale candidate after scoring failure",
				zap.String("candidate_id", c.ID),
				zap.String("correlation_key", c.CorrelationKey),
				zap.Time("opened_at", c.OpenedAt),
				zap.Error(err))
			s.drop(c, "stale")
			return
		}
		s.logger.Warn("Persisting candidate unscored",
			zap.String("candidate_id", c.ID),
			zap.String("incident_id", inc.ID),
			zap.Error(err))
		inc.Severity = domain.UnscoredSeverity
		inc.Label = domain.LabelUnscored
		inc.Deferred = true
		s.stats.unscored.Add(1)
		s.events.Add(inc.ID, c.Members)
	} else {
		inc.Severity = res.Severity
		inc.Label = res.Label
		inc.Scored = true
		inc.ScoredAt = now
		s.stats.scored.Add(1)
	}

	if err := c.Transition(domain.StateScored); err != nil {
		s.logger.Error("Unexpected candidate state", zap.String("candidate_id", c.ID), zap.Error(err))
		return
	}
	s.persist(c, inc)
}

func (s *Stage) persist(c *domain.IncidentCandidate, inc *domain.Incident) {
	err := s.storeRetry.Execute(s.work, func(ctx context.Context, _ int) error {
		return persistWithin(ctx, s.store, inc, s.writeTimeout)
	})
	switch {
	case err == nil:
		s.persisted(c, inc)
	case errors.Is(err, domain.ErrDuplicateIncident):
		// an earlier attempt committed before reporting failure
		s.persisted(c, inc)
	default:
		s.logger.Error("Store unavailable, queueing incident",
			zap.String("incident_id", inc.ID),
			zap.Error(err))
		s.queueMu.Lock()
		s.queue = append(s.queue, pendingWrite{candidate: c, incident: inc})
		s.queueMu.Unlock()
		s.stats.queued.Add(1)
	}
}

// FlushQueue retries every queued write once and returns how many remain
func (s *Stage) FlushQueue(ctx context.Context) int {
	s.queueMu.Lock()
	pending := s.queue
	s.queue = nil
	s.queueMu.Unlock()

	var remaining []pendingWrite
	for i, p := range pending {
		if ctx.Err() != nil {
			remaining = append(remaining, pending[i:]...)
			break
		}
		err := persistWithin(ctx, s.store, p.incident, s.writeTimeout)
		if err == nil || errors.Is(err, domain.ErrDuplicateIncident) {
			s.stats.queued.Add(-1)
			s.persisted(p.candidate, p.incident)
			continue
		}
		remaining = append(remaining, p)
	}

	s.queueMu.Lock()
	s.queue = append(remaining, s.queue...)
	n := len(s.queue)
	s.queueMu.Unlock()
	return n
}

// persistWithin writes inc, giving up after timeout when it is positive
func persistWithin(ctx context.Context, st store.Store, inc *domain.Incident, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return st.Persist(ctx, inc)
}

func (s *Stage) persisted(c *domain.IncidentCandidate, inc *domain.Incident) {
	if err := c.Transition(domain.StatePersisted); err != nil {
		s.logger.Error("Unexpected candidate state", zap.String("candidate_id", c.ID), zap.Error(err))
		return
	}
	s.stats.persisted.Add(1)
	s.outcome(domain.StatePersisted, inc.Scored)
	s.logger.Info("Incident persisted",
		zap.String("incident_id", inc.ID),
		zap.String("correlation_key", inc.CorrelationKey),
		zap.Int("members", len(inc.MemberEvents)),
		zap.Float64("severity", inc.Severity),
		zap.String("label", inc.Label))
	if s.onDone != nil {
		s.onDone(c, inc)
	}
}

func (s *Stage) drop(c *domain.IncidentCandidate, why string) {
	if err := c.Transition(domain.StateDropped); err != nil {
		s.logger.Error("Unexpected candidate state", zap.String("candidate_id", c.ID), zap.Error(err))
		return
	}
	s.stats.dropped.Add(1)
	s.outcome(domain.StateDropped, false)
	s.logger.Debug("Candidate dropped", zap.String("candidate_id", c.ID), zap.String("why", why))
	if s.onDone != nil {
		s.onDone(c, nil)
	}
}

func (s *Stage) outcome(state domain.CandidateState, scored bool) {
	if s.outcomes != nil {
		s.outcomes.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("state", string(state)),
			attribute.Bool("scored", scored)))
	}
}

// Close abandons in-flight scoring. Run must have returned or be about to.
func (s *Stage) Close() {
	s.cancelWork()
}

// DeferredEvents returns the member events kept for an unscored incident
func (s *Stage) DeferredEvents(incidentID string) []*domain.Event {
	events, _ := s.events.Get(incidentID)
	return events
}

// Forget releases the events kept for an incident
func (s *Stage) Forget(incidentID string) {
	s.events.Remove(incidentID)
}

// Stats returns outcome counters
func (s *Stage) Stats() StageStats {
	return StageStats{
		Received:  s.stats.received.Load(),
		Scored:    s.stats.scored.Load(),
		Unscored:  s.stats.unscored.Load(),
		Persisted: s.stats.persisted.Load(),
		Dropped:   s.stats.dropped.Load(),
		Queued:    s.stats.queued.Load(),
	}
}

func incidentFrom(c *domain.IncidentCandidate, now time.Time) *domain.Incident {
	return &domain.Incident{
		ID:             uuid.NewString(),
		CandidateID:    c.ID,
		CorrelationKey: c.CorrelationKey,
		Actor:          c.Actor(),
		Host:           c.Host(),
		OpenedAt:       c.OpenedAt,
		WindowEnd:      c.WindowEnd,
		MemberEvents:   append([]string(nil), c.MemberEvents...),
		CloseReason:    c.CloseReason,
		ClosedAt:       c.ClosedAt,
	}
}
