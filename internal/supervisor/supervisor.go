package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/pkg/config"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown times out
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
	// ErrInvalidState is returned when an operation does not fit the lifecycle state
	ErrInvalidState = errors.New("invalid supervisor state")
	// ErrUnitPanic wraps a recovered unit panic
	ErrUnitPanic = errors.New("unit panicked")
)

// State is the supervisor lifecycle state
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

var transitions = map[State]State{
	StateIdle:     StateStarting,
	StateStarting: StateRunning,
	StateRunning:  StateStopping,
	StateStopping: StateStopped,
}

type unitSpec struct {
	unit   Unit
	policy Policy
	order  int

	mu     sync.Mutex
	status UnitStatus
}

type phase struct {
	order  int
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	units  []*unitSpec
	hooks  []func(ctx context.Context) error
}

// Supervisor runs units concurrently, isolates their failures and shuts
// them down in phases
type Supervisor struct {
	logger *zap.Logger
	config config.SupervisorConfig

	mu     sync.Mutex
	state  State
	units  []*unitSpec
	phases map[int]*phase

	restarts metric.Int64Counter
	panics   metric.Int64Counter
}

// New creates an idle supervisor
func New(logger *zap.Logger, cfg config.SupervisorConfig) *Supervisor {
	s := &Supervisor{
		logger: logger,
		config: cfg,
		state:  StateIdle,
		phases: make(map[int]*phase),
	}

	meter := otel.Meter("whitecat.supervisor")
	var err error
	if s.restarts, err = meter.Int64Counter(
		"whitecat_supervisor_restarts_total",
		metric.WithDescription("Unit restarts after failure"),
	); err != nil {
		logger.Debug("Failed to create restarts counter", zap.Error(err))
		s.restarts = nil
	}
	if s.panics, err = meter.Int64Counter(
		"whitecat_supervisor_panics_total",
		metric.WithDescription("Recovered unit panics"),
	); err != nil {
		logger.Debug("Failed to create panics counter", zap.Error(err))
		s.panics = nil
	}
	return s
}

// Add registers a unit. Units can only be added before Start.
func (s *Supervisor) Add(u Unit, opts ...UnitOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("%w: add %s while %s", ErrInvalidState, u.Name(), s.state)
	}
	spec := &unitSpec{unit: u, policy: PolicyRestart}
	for _, opt := range opts {
		opt(spec)
	}
	spec.status = UnitStatus{Name: u.Name(), Policy: spec.policy.String(), State: UnitPending}
	s.units = append(s.units, spec)
	s.phaseFor(spec.order).units = append(s.phaseFor(spec.order).units, spec)
	return nil
}

// OnStop registers a hook that runs after every unit of the given stop
// order has exited and before the next phase is cancelled
func (s *Supervisor) OnStop(order int, hook func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.phaseFor(order)
	p.hooks = append(p.hooks, hook)
}

func (p *phase) stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// phaseFor must be called with mu held
func (s *Supervisor) phaseFor(order int) *phase {
	p, ok := s.phases[order]
	if !ok {
		p = &phase{order: order}
		s.phases[order] = p
	}
	return p
}

func (s *Supervisor) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if transitions[s.state] != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, s.state, to)
	}
	s.logger.Debug("Supervisor state change",
		zap.String("from", string(s.state)),
		zap.String("to", string(to)))
	s.state = to
	return nil
}

// State returns the lifecycle state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches every unit in its own goroutine
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.transition(StateStarting); err != nil {
		return err
	}

	s.mu.Lock()
	for _, p := range s.phases {
		p.ctx, p.cancel = context.WithCancel(ctx)
		for _, spec := range p.units {
			p.wg.Add(1)
			go s.supervise(p, spec)
		}
	}
	n := len(s.units)
	s.mu.Unlock()

	if err := s.transition(StateRunning); err != nil {
		return err
	}
	s.logger.Info("Supervisor started", zap.Int("units", n))
	return nil
}

func (s *Supervisor) supervise(p *phase, spec *unitSpec) {
	defer p.wg.Done()

	name := spec.unit.Name()
	logger := s.logger.With(zap.String("unit", name))
	restarts := 0

	for {
		spec.setState(UnitRunning, nil)
		err := s.runOnce(p.ctx, spec, logger)

		if p.ctx.Err() != nil {
			spec.setState(UnitStopped, err)
			return
		}
		if err == nil {
			logger.Info("Unit completed")
			spec.setState(UnitCompleted, nil)
			return
		}

		if spec.policy == PolicyHalt {
			logger.Error("Unit failed, halting", zap.Error(err))
			spec.setState(UnitHalted, err)
			return
		}
		if restarts >= s.config.MaxRestarts {
			logger.Error("Unit failed, restart budget exhausted",
				zap.Int("restarts", restarts),
				zap.Error(err))
			spec.setState(UnitHalted, err)
			return
		}

		restarts++
		delay := s.backoff(restarts)
		logger.Warn("Unit failed, restarting",
			zap.Int("restart", restarts),
			zap.Duration("backoff", delay),
			zap.Error(err))
		spec.setState(UnitBackoff, err)
		spec.mu.Lock()
		spec.status.Restarts = restarts
		spec.mu.Unlock()
		if s.restarts != nil {
			s.restarts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("unit", name)))
		}

		timer := time.NewTimer(delay)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			spec.setState(UnitStopped, err)
			return
		case <-timer.C:
		}
	}
}

// runOnce calls Run, turning a panic into ErrUnitPanic
func (s *Supervisor) runOnce(ctx context.Context, spec *unitSpec, logger *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Unit panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			spec.mu.Lock()
			spec.status.Panics++
			spec.mu.Unlock()
			if s.panics != nil {
				s.panics.Add(context.Background(), 1, metric.WithAttributes(attribute.String("unit", spec.unit.Name())))
			}
			err = fmt.Errorf("%w: %v", ErrUnitPanic, r)
		}
	}()
	return spec.unit.Run(ctx)
}

func (s *Supervisor) backoff(restart int) time.Duration {
	base := s.config.RestartBackoff
	if base <= 0 {
		base = time.Second
	}
	limit := s.config.MaxRestartBackoff
	if limit < base {
		limit = base
	}
	d := base
	for i := 1; i < restart && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}

func (spec *unitSpec) setState(state UnitState, err error) {
	spec.mu.Lock()
	defer spec.mu.Unlock()
	spec.status.State = state
	if state == UnitRunning {
		spec.status.StartedAt = time.Now()
	}
	if err != nil {
		spec.status.LastError = err.Error()
	}
}

// Stop cancels the units phase by phase and waits for them, bounded by the
// configured shutdown timeout and ctx
func (s *Supervisor) Stop(ctx context.Context) error {
	if err := s.transition(StateStopping); err != nil {
		return err
	}
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	s.mu.Lock()
	phases := make([]*phase, 0, len(s.phases))
	for _, p := range s.phases {
		phases = append(phases, p)
	}
	s.mu.Unlock()
	sort.Slice(phases, func(i, j int) bool { return phases[i].order < phases[j].order })

	s.logger.Info("Initiating graceful shutdown",
		zap.Int("phases", len(phases)),
		zap.Duration("timeout", s.config.ShutdownTimeout))

	var errs []error
	for _, p := range phases {
		p.stop()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			for _, spec := range p.units {
				spec.mu.Lock()
				running := spec.status.State == UnitRunning
				spec.mu.Unlock()
				if running {
					s.logger.Warn("Unit did not stop in time", zap.String("unit", spec.unit.Name()))
				}
			}
			// later phases are cancelled so nothing keeps running unsupervised
			for _, rest := range phases {
				rest.stop()
			}
			_ = s.transition(StateStopped)
			return ErrShutdownTimeout
		}

		for _, hook := range p.hooks {
			if err := hook(ctx); err != nil {
				s.logger.Warn("Stop hook failed", zap.Int("phase", p.order), zap.Error(err))
				errs = append(errs, err)
			}
		}
	}

	if err := s.transition(StateStopped); err != nil {
		return err
	}
	s.logger.Info("Graceful shutdown completed")

	if ctx.Err() != nil {
		return ErrShutdownTimeout
	}
	return errors.Join(errs...)
}

// Status reports every unit in registration order
func (s *Supervisor) Status() []UnitStatus {
	s.mu.Lock()
	units := append([]*unitSpec(nil), s.units...)
	s.mu.Unlock()

	out := make([]UnitStatus, 0, len(units))
	for _, spec := range units {
		spec.mu.Lock()
		out = append(out, spec.status)
		spec.mu.Unlock()
	}
	return out
}

// Healthy reports whether the supervisor is running with no halted units
func (s *Supervisor) Healthy() bool {
	if s.State() != StateRunning {
		return false
	}
	for _, st := range s.Status() {
		if st.State == UnitHalted {
			return false
		}
	}
	return true
}
