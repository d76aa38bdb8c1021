package scoring

import (
	"context"

	"github.com/yairfalse/whitecat/pkg/domain"
)

// Request is what a backend sees of an incident
type Request struct {
	IncidentID     string          `json:"incident_id,omitempty"`
	CorrelationKey string          `json:"correlation_key"`
	Actor          string          `json:"actor"`
	Host           string          `json:"host"`
	MemberEvents   []string        `json:"member_events"`
	Events         []*domain.Event `json:"events,omitempty"`
}

// Result is a backend verdict. Severity is clamped to [0,100] by the Gateway.
type Result struct {
	Severity float64 `json:"severity"`
	Label    string  `json:"label"`
}

// Backend scores a request. Implementations must honour ctx and report
// failures wrapping domain.ErrBackendUnavailable or domain.ErrBackendTimeout
// when a retry might succeed.
type Backend interface {
	Name() string
	Score(ctx context.Context, req Request) (Result, error)
}

// RequestFromCandidate builds a request carrying every member event
func RequestFromCandidate(c *domain.IncidentCandidate) Request {
	return Request{
		CorrelationKey: c.CorrelationKey,
		Actor:          c.Actor(),
		Host:           c.Host(),
		MemberEvents:   append([]string(nil), c.MemberEvents...),
		Events:         append([]*domain.Event(nil), c.Members...),
	}
}

// RequestFromIncident builds a request for re-analysis. events may be nil
// when the member events are no longer held in memory.
func RequestFromIncident(inc *domain.Incident, events []*domain.Event) Request {
	return Request{
		IncidentID:     inc.ID,
		CorrelationKey: inc.CorrelationKey,
		Actor:          inc.Actor,
		Host:           inc.Host,
		MemberEvents:   append([]string(nil), inc.MemberEvents...),
		Events:         events,
	}
}
