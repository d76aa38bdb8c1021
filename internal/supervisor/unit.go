package supervisor

import (
	"context"
	"time"
)

// Unit is a long-running piece of the pipeline. Run must return when ctx is
// cancelled; returning earlier counts as a failure (non-nil error) or as
// completion (nil).
type Unit interface {
	Name() string
	Run(ctx context.Context) error
}

type unitFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (u unitFunc) Name() string                  { return u.name }
func (u unitFunc) Run(ctx context.Context) error { return u.fn(ctx) }

// UnitFunc adapts a function into a Unit
func UnitFunc(name string, fn func(ctx context.Context) error) Unit {
	return unitFunc{name: name, fn: fn}
}

// Policy decides what happens when a unit fails
type Policy int

const (
	// PolicyRestart runs the unit again after a backoff, up to the restart budget
	PolicyRestart Policy = iota
	// PolicyHalt leaves the unit stopped; siblings keep running
	PolicyHalt
)

func (p Policy) String() string {
	if p == PolicyHalt {
		return "halt"
	}
	return "restart"
}

// UnitState is the runtime state of one unit
type UnitState string

const (
	UnitPending   UnitState = "pending"
	UnitRunning   UnitState = "running"
	UnitBackoff   UnitState = "backoff"
	UnitHalted    UnitState = "halted"
	UnitCompleted UnitState = "completed"
	UnitStopped   UnitState = "stopped"
)

// UnitStatus describes one unit for health reporting
type UnitStatus struct {
	Name      string    `json:"name"`
	Policy    string    `json:"policy"`
	State     UnitState `json:"state"`
	Restarts  int       `json:"restarts"`
	Panics    int       `json:"panics"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// UnitOption configures how a unit is supervised
type UnitOption func(*unitSpec)

// WithPolicy sets the failure policy (default PolicyRestart)
func WithPolicy(p Policy) UnitOption {
	return func(s *unitSpec) {
		s.policy = p
	}
}

// WithStopOrder places the unit in a shutdown phase. Phases stop in
// ascending order; a phase is cancelled only after every earlier phase has
// exited and its stop hooks have run.
func WithStopOrder(order int) UnitOption {
	return func(s *unitSpec) {
		s.order = order
	}
}
