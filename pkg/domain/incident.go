package domain

import (
	"fmt"
	"math"
	"time"
)

// CandidateState is a position in the candidate lifecycle
type CandidateState string

const (
	StateOpen      CandidateState = "open"
	StateClosing   CandidateState = "closing"
	StateScored    CandidateState = "scored"
	StatePersisted CandidateState = "persisted"
	StateDropped   CandidateState = "dropped"
)

var candidateTransitions = map[CandidateState][]CandidateState{
	StateOpen:    {StateClosing},
	StateClosing: {StateScored, StateDropped},
	StateScored:  {StatePersisted},
}

// CanTransition reports whether moving from s to next is allowed
func (s CandidateState) CanTransition(next CandidateState) bool {
	for _, allowed := range candidateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s CandidateState) Terminal() bool {
	return s == StatePersisted || s == StateDropped
}

// CloseReason records why a candidate left the OPEN state
type CloseReason string

const (
	CloseWindowExpired CloseReason = "window_expired"
	CloseCapReached    CloseReason = "cap_reached"
	CloseTrigger       CloseReason = "trigger"
	CloseSuperseded    CloseReason = "superseded"
	CloseShutdown      CloseReason = "shutdown"
)

// IncidentCandidate is an open cluster of correlated events. Only the shard
// that owns its correlation key mutates it while it is open.
type IncidentCandidate struct {
	ID             string         `json:"id"`
	CorrelationKey string         `json:"correlation_key"`
	OpenedAt       time.Time      `json:"opened_at"`
	WindowEnd      time.Time      `json:"window_end"`
	LastActivity   time.Time      `json:"last_activity"`
	MemberEvents   []string       `json:"member_events"`
	Members        []*Event       `json:"-"`
	State          CandidateState `json:"state"`
	CloseReason    CloseReason    `json:"close_reason,omitempty"`
	ClosedAt       time.Time      `json:"closed_at,omitempty"`
}

// Transition moves the candidate to next or returns ErrInvalidTransition
func (c *IncidentCandidate) Transition(next CandidateState) error {
	if !c.State.CanTransition(next) {
		return &Error{
			Kind:    ErrInvalidTransition,
			Op:      "candidate " + c.ID,
			Message: fmt.Sprintf("%s -> %s", c.State, next),
		}
	}
	c.State = next
	return nil
}

// Append adds an event as the newest member
func (c *IncidentCandidate) Append(e *Event) {
	c.MemberEvents = append(c.MemberEvents, e.ID)
	c.Members = append(c.Members, e)
}

// Size returns the member count
func (c *IncidentCandidate) Size() int {
	return len(c.MemberEvents)
}

// Actor returns the actor of the first member
func (c *IncidentCandidate) Actor() string {
	if len(c.Members) == 0 {
		return ""
	}
	return c.Members[0].Actor
}

// Host returns the host of the first member
func (c *IncidentCandidate) Host() string {
	if len(c.Members) == 0 {
		return ""
	}
	return c.Members[0].Host
}

// UnscoredSeverity marks an incident persisted without a backend score
const UnscoredSeverity = -1.0

// Severity bounds
const (
	MinSeverity = 0.0
	MaxSeverity = 100.0
)

// ClampSeverity forces a backend score into [MinSeverity, MaxSeverity]
func ClampSeverity(s float64) float64 {
	if math.IsNaN(s) {
		return MinSeverity
	}
	return math.Max(MinSeverity, math.Min(MaxSeverity, s))
}

// LabelUnscored is the classification given to incidents the backend never scored
const LabelUnscored = "unscored"

// Incident is a closed, scored candidate. Never mutated once persisted;
// later analysis creates a new Incident whose Supersedes names this one.
type Incident struct {
	ID             string      `json:"id" yaml:"id"`
	CandidateID    string      `json:"candidate_id" yaml:"candidate_id"`
	CorrelationKey string      `json:"correlation_key" yaml:"correlation_key"`
	Actor          string      `json:"actor" yaml:"actor"`
	Host           string      `json:"host" yaml:"host"`
	OpenedAt       time.Time   `json:"opened_at" yaml:"opened_at"`
	WindowEnd      time.Time   `json:"window_end" yaml:"window_end"`
	MemberEvents   []string    `json:"member_events" yaml:"member_events"`
	Severity       float64     `json:"severity" yaml:"severity"`
	Label          string      `json:"label" yaml:"label"`
	Scored         bool        `json:"scored" yaml:"scored"`
	Deferred       bool        `json:"deferred" yaml:"deferred"`
	Supersedes     string      `json:"supersedes,omitempty" yaml:"supersedes,omitempty"`
	CloseReason    CloseReason `json:"close_reason" yaml:"close_reason"`
	ScoredAt       time.Time   `json:"scored_at" yaml:"scored_at"`
	ClosedAt       time.Time   `json:"closed_at" yaml:"closed_at"`
}

// Validate checks the invariants every persisted incident must hold
func (i *Incident) Validate() error {
	switch {
	case i == nil:
		return &Error{Kind: ErrInvalidIncident, Message: "nil incident"}
	case i.ID == "":
		return &Error{Kind: ErrInvalidIncident, Message: "missing id"}
	case len(i.MemberEvents) == 0:
		return &Error{Kind: ErrInvalidIncident, Op: i.ID, Message: "no member events"}
	case !i.Scored && i.Severity != UnscoredSeverity:
		return &Error{Kind: ErrInvalidIncident, Op: i.ID, Message: "unscored incident without sentinel severity"}
	case i.Scored && (i.Severity < MinSeverity || i.Severity > MaxSeverity || math.IsNaN(i.Severity)):
		return &Error{Kind: ErrInvalidIncident, Op: i.ID, Message: fmt.Sprintf("severity %v out of range", i.Severity)}
	}
	return nil
}

// Clone returns a deep copy
func (i *Incident) Clone() *Incident {
	cp := *i
	cp.MemberEvents = append([]string(nil), i.MemberEvents...)
	return &cp
}

// IncidentFilter selects incidents from the store. Zero values do not filter.
type IncidentFilter struct {
	Since           time.Time
	Until           time.Time
	Actor           string
	MinSeverity     float64
	IncludeUnscored bool
	DeferredOnly    bool
	Limit           int
}

// Match reports whether the incident satisfies the filter. Superseded
// handling needs store-wide knowledge and is left to the store.
func (f IncidentFilter) Match(i *Incident) bool {
	if !f.Since.IsZero() && i.ClosedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && i.OpenedAt.After(f.Until) {
		return false
	}
	if f.Actor != "" && i.Actor != f.Actor {
		return false
	}
	if f.DeferredOnly && !i.Deferred {
		return false
	}
	if !i.Scored {
		return f.IncludeUnscored || f.DeferredOnly
	}
	return i.Severity >= f.MinSeverity
}
