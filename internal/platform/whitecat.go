// Package platform assembles the tiers into one supervised process
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/internal/api"
	"github.com/yairfalse/whitecat/internal/bus"
	"github.com/yairfalse/whitecat/internal/collector"
	"github.com/yairfalse/whitecat/internal/correlation"
	"github.com/yairfalse/whitecat/internal/normalize"
	"github.com/yairfalse/whitecat/internal/report"
	"github.com/yairfalse/whitecat/internal/scoring"
	"github.com/yairfalse/whitecat/internal/sink"
	"github.com/yairfalse/whitecat/internal/store"
	"github.com/yairfalse/whitecat/internal/supervisor"
	"github.com/yairfalse/whitecat/internal/telemetry"
	"github.com/yairfalse/whitecat/pkg/config"
	"github.com/yairfalse/whitecat/pkg/domain"
)

// Stop phases. Each phase is cancelled only after the previous one has
// exited and its hook has run, so data flows out of the pipeline in order.
const (
	phaseIngest      = 0 // collectors; then the bus is closed
	phaseCorrelation = 1 // router, sweeper, audit sink; then the engine flushes
	phaseScoring     = 2 // scoring stage, rescorer, api; then the store closes
)

// WhiteCat owns every component of a running instance
type WhiteCat struct {
	logger  *zap.Logger
	config  config.Config
	version string

	telemetry  *telemetry.Provider
	store      store.Store
	bus        *bus.Bus
	normalizer *normalize.Normalizer
	engine     *correlation.Engine
	gateway    *scoring.Gateway
	stage      *scoring.Stage
	rescorer   *scoring.Rescorer
	supervisor *supervisor.Supervisor

	collectors []supervisor.Unit
	closeStore sync.Once
	storeErr   error
}

// Option customizes construction
type Option func(*options)

type options struct {
	backend scoring.Backend
	store   store.Store
	version string
}

// WithBackend replaces the configured scoring backend
func WithBackend(b scoring.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithStore uses s instead of opening the configured store
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithVersion sets the version reported to telemetry
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New builds every component from cfg. Nothing runs until Run.
func New(logger *zap.Logger, cfg config.Config, opts ...Option) (*WhiteCat, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	w := &WhiteCat{
		logger:  logger,
		config:  cfg,
		version: o.version,
	}

	// metrics are only exposed through the api
	if cfg.API.Enabled {
		tp, err := telemetry.NewProvider(context.Background(), logger, o.version)
		if err != nil {
			return nil, err
		}
		w.telemetry = tp
	}

	w.store = o.store
	if w.store == nil {
		s, err := store.Open(logger, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("failed to open incident store: %w", err)
		}
		w.store = s
	}

	backend := o.backend
	if backend == nil {
		backend = newBackend(cfg.Scoring)
	}

	w.bus = bus.New(logger.Named("bus"), cfg.Bus)
	w.normalizer = normalize.New(logger.Named("normalize"))
	w.engine = correlation.NewEngine(logger.Named("correlation"), cfg.Engine)
	w.gateway = scoring.NewGateway(logger.Named("scoring"), backend, cfg.Scoring)
	w.stage = scoring.NewStage(logger.Named("scoring"), w.gateway, w.store, cfg.Scoring,
		scoring.WithWriteTimeout(cfg.Store.WriteTimeout))
	w.rescorer = scoring.NewRescorer(logger.Named("rescorer"), w.gateway, w.store, w.stage, cfg.Scoring.RescoreInterval)
	w.supervisor = supervisor.New(logger.Named("supervisor"), cfg.Supervisor)

	w.buildCollectors()
	return w, nil
}

func newBackend(cfg config.ScoringConfig) scoring.Backend {
	if cfg.Backend == "http" {
		return scoring.NewHTTPBackend(cfg.Endpoint, nil)
	}
	return scoring.NewHeuristicBackend()
}

func (w *WhiteCat) buildCollectors() {
	cc := w.config.Collectors
	for _, path := range cc.Tier1Files {
		c := collector.NewFileCollector(w.logger, path, domain.TierAudit, w.normalizer, w.bus.Producer("tier1:"+path), cc)
		w.collectors = append(w.collectors, c)
	}
	for _, path := range cc.Tier2Files {
		c := collector.NewFileCollector(w.logger, path, domain.TierNetwork, w.normalizer, w.bus.Producer("tier2:"+path), cc)
		w.collectors = append(w.collectors, c)
	}
	if w.config.NATS.Enabled {
		for _, tier := range []domain.SourceTier{domain.TierAudit, domain.TierNetwork} {
			c := collector.NewNATSCollector(w.logger, tier, w.normalizer, w.bus.Producer(string(tier)+":nats"), w.config.NATS, cc)
			w.collectors = append(w.collectors, c)
		}
	}
}

// AddCollector registers an extra ingest unit; it must be called before
// Run. The unit normally publishes through Producer.
func (w *WhiteCat) AddCollector(u supervisor.Unit) {
	w.collectors = append(w.collectors, u)
}

// Producer returns a named publishing handle on the event bus
func (w *WhiteCat) Producer(name string) *bus.Producer {
	return w.bus.Producer(name)
}

// Normalizer returns the shared normalizer
func (w *WhiteCat) Normalizer() *normalize.Normalizer {
	return w.normalizer
}

// Store returns the incident store
func (w *WhiteCat) Store() store.Store {
	return w.store
}

// Supervisor returns the unit supervisor
func (w *WhiteCat) Supervisor() *supervisor.Supervisor {
	return w.supervisor
}

// Engine returns the correlation engine
func (w *WhiteCat) Engine() *correlation.Engine {
	return w.engine
}

func (w *WhiteCat) register() error {
	sv := w.supervisor
	add := func(u supervisor.Unit, opts ...supervisor.UnitOption) error {
		if err := sv.Add(u, opts...); err != nil {
			return fmt.Errorf("failed to register %s: %w", u.Name(), err)
		}
		return nil
	}

	for _, c := range w.collectors {
		if err := add(c, supervisor.WithStopOrder(phaseIngest)); err != nil {
			return err
		}
	}
	sv.OnStop(phaseIngest, w.bus.Close)

	// subscriptions exist before any collector publishes
	events := w.bus.Subscribe("correlation")
	if err := add(supervisor.UnitFunc("correlation-router", func(ctx context.Context) error {
		return w.engine.Consume(ctx, events.C())
	}), supervisor.WithStopOrder(phaseCorrelation)); err != nil {
		return err
	}
	if err := add(supervisor.UnitFunc("correlation-sweeper", w.engine.RunSweeper),
		supervisor.WithStopOrder(phaseCorrelation)); err != nil {
		return err
	}
	if w.config.NATS.AuditEnabled {
		audit := sink.NewAuditSink(w.logger, w.config.NATS, w.bus)
		if err := add(audit, supervisor.WithStopOrder(phaseCorrelation)); err != nil {
			return err
		}
	}
	if err := add(supervisor.UnitFunc("health-monitor", w.monitorHealth),
		supervisor.WithStopOrder(phaseCorrelation)); err != nil {
		return err
	}
	sv.OnStop(phaseCorrelation, w.engine.Stop)

	if err := add(supervisor.UnitFunc("scoring", func(ctx context.Context) error {
		return w.stage.Run(ctx, w.engine.Closed())
	}), supervisor.WithStopOrder(phaseScoring)); err != nil {
		return err
	}
	if err := add(supervisor.UnitFunc("rescorer", w.rescorer.Run),
		supervisor.WithStopOrder(phaseScoring)); err != nil {
		return err
	}
	if w.config.API.Enabled {
		srv := api.NewServer(w.logger.Named("api"), w.config.API.Address, w.store, sv, w.metricsHandler())
		if err := add(srv, supervisor.WithStopOrder(phaseScoring), supervisor.WithPolicy(supervisor.PolicyHalt)); err != nil {
			return err
		}
	}
	sv.OnStop(phaseScoring, func(context.Context) error {
		w.stage.Close()
		return w.shutdownStore()
	})
	return nil
}

// Run starts every unit and blocks until ctx ends, then shuts down in
// phases. A unit failing never ends Run.
func (w *WhiteCat) Run(ctx context.Context) error {
	if len(w.collectors) == 0 {
		w.logger.Warn("No collectors configured; only already-running units will produce incidents")
	}
	if err := w.register(); err != nil {
		return err
	}

	w.bus.Start()
	w.engine.Start()
	if err := w.supervisor.Start(context.Background()); err != nil {
		return err
	}
	w.logger.Info("WHITE_CAT started",
		zap.String("version", w.version),
		zap.Int("collectors", len(w.collectors)),
		zap.String("store", w.config.Store.Driver),
		zap.String("backend", w.gateway.Backend().Name()))

	<-ctx.Done()
	w.logger.Info("Shutting down")

	stopErr := w.supervisor.Stop(context.Background())

	var errs []error
	if stopErr != nil {
		errs = append(errs, stopErr)
	}
	// the hooks of a timed-out phase never ran
	if err := w.shutdownStore(); err != nil && !errors.Is(stopErr, err) {
		errs = append(errs, err)
	}
	if w.telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.telemetry.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}

	st := w.stage.Stats()
	w.logger.Info("WHITE_CAT stopped",
		zap.Int64("incidents_persisted", st.Persisted),
		zap.Int64("candidates_dropped", st.Dropped),
		zap.Int64("persist_queue", st.Queued))
	return errors.Join(errs...)
}

func (w *WhiteCat) shutdownStore() error {
	w.closeStore.Do(func() {
		w.storeErr = w.store.Close()
	})
	return w.storeErr
}

func (w *WhiteCat) metricsHandler() http.Handler {
	if w.telemetry == nil {
		return nil
	}
	return w.telemetry.Handler()
}

// monitorHealth logs a unit summary periodically and warns on halted units
func (w *WhiteCat) monitorHealth(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			running, halted := 0, 0
			for _, st := range w.supervisor.Status() {
				switch st.State {
				case supervisor.UnitRunning:
					running++
				case supervisor.UnitHalted:
					halted++
					w.logger.Warn("Unit halted",
						zap.String("unit", st.Name),
						zap.Int("restarts", st.Restarts),
						zap.String("error", st.LastError))
				}
			}
			bs := w.bus.Stats()
			es := w.engine.Stats()
			w.logger.Info("Health check",
				zap.Int("running", running),
				zap.Int("halted", halted),
				zap.Int("bus_depth", bs.Depth),
				zap.Int64("bus_saturated", bs.Saturated),
				zap.Int64("candidates_open", es.Open))
		}
	}
}

// Report renders incidents from the configured store without starting any
// tier
func Report(ctx context.Context, logger *zap.Logger, cfg config.StoreConfig, out io.Writer, filter domain.IncidentFilter, format report.Format) error {
	s, err := store.Open(logger, cfg)
	if err != nil {
		return fmt.Errorf("failed to open incident store: %w", err)
	}
	defer s.Close()
	return report.NewGenerator(s).Generate(ctx, out, filter, format)
}
