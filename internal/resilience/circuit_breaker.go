package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned without calling the guarded function while
// the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for circuit breaker
type CircuitBreakerConfig struct {
	Name             string
	MaxFailures      uint32
	ResetTimeout     time.Duration
	HalfOpenMaxCalls uint32
	// IsFailure decides which errors count against the breaker. Nil counts all.
	IsFailure     func(error) bool
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker stops calling a failing dependency for ResetTimeout after
// MaxFailures consecutive failures, then lets HalfOpenMaxCalls probes through.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    uint32
	probes      uint32
	successes   uint32
	lastFailure time.Time
	now         func() time.Time

	totalCalls    atomic.Uint64
	totalFailures atomic.Uint64
	totalRejected atomic.Uint64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls == 0 {
		config.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs fn unless the breaker is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.acquire() {
		cb.totalRejected.Add(1)
		return fmt.Errorf("%s: %w", cb.config.Name, ErrCircuitOpen)
	}
	cb.totalCalls.Add(1)

	err := fn(ctx)
	if err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err)) {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return err
}

func (cb *CircuitBreaker) acquire() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.config.ResetTimeout {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.probes = 1
		return true
	case StateHalfOpen:
		if cb.probes >= cb.config.HalfOpenMaxCalls {
			return false
		}
		cb.probes++
		return true
	}
	return false
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenMaxCalls {
			cb.failures = 0
			cb.transition(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures.Add(1)
	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.probes = 0
	cb.successes = 0
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.transition(StateClosed)
}

// BreakerMetrics represents circuit breaker counters
type BreakerMetrics struct {
	Name            string
	State           string
	TotalCalls      uint64
	TotalFailures   uint64
	TotalRejected   uint64
	CurrentFailures uint32
}

// Metrics returns circuit breaker counters
func (cb *CircuitBreaker) Metrics() BreakerMetrics {
	cb.mu.Lock()
	state, failures := cb.state, cb.failures
	cb.mu.Unlock()

	return BreakerMetrics{
		Name:            cb.config.Name,
		State:           state.String(),
		TotalCalls:      cb.totalCalls.Load(),
		TotalFailures:   cb.totalFailures.Load(),
		TotalRejected:   cb.totalRejected.Load(),
		CurrentFailures: failures,
	}
}
