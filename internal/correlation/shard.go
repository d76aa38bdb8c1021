package correlation

import (
	"time"

	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/pkg/domain"
)

type msgKind int

const (
	msgEvent msgKind = iota
	msgSweep
	msgTrigger
)

type shardMsg struct {
	kind  msgKind
	key   string
	event *domain.Event
	at    time.Time
	reply chan bool
}

// shard owns the open candidates of the keys that hash to it
type shard struct {
	id     int
	engine *Engine
	in     chan shardMsg

	open map[string]*domain.IncidentCandidate
	// claimed remembers recently admitted event ids so a re-delivered event
	// never joins a second candidate
	claimed map[string]time.Time
}

func newShard(id int, e *Engine) *shard {
	return &shard{
		id:      id,
		engine:  e,
		in:      make(chan shardMsg, e.config.ShardBuffer),
		open:    make(map[string]*domain.IncidentCandidate),
		claimed: make(map[string]time.Time),
	}
}

func (s *shard) run() {
	defer s.engine.wg.Done()

	for msg := range s.in {
		switch msg.kind {
		case msgEvent:
			s.admit(msg.key, msg.event)
		case msgSweep:
			s.sweep(msg.at)
			msg.reply <- true
		case msgTrigger:
			c, ok := s.open[msg.key]
			if ok {
				s.close(c, domain.CloseTrigger)
			}
			msg.reply <- ok
		}
	}

	// input closed: shutdown flush
	for _, c := range s.open {
		s.close(c, domain.CloseShutdown)
	}
}

func (s *shard) admit(key string, event *domain.Event) {
	e := s.engine
	now := e.clock()

	if _, dup := s.claimed[event.ID]; dup {
		e.stats.duplicates.Add(1)
		e.metrics.duplicate()
		e.logger.Debug("Ignoring duplicate event",
			zap.String("event_id", event.ID),
			zap.String("correlation_key", key))
		return
	}
	e.stats.events.Add(1)
	e.metrics.eventRouted(event.SourceTier)

	c := s.open[key]
	if c != nil && s.tooLate(c, event) {
		// the open candidate stays; the straggler is reported on its own
		late := e.newCandidate(key, event, now)
		late.Append(event)
		s.claimed[event.ID] = now
		s.close(late, domain.CloseWindowExpired)
		return
	}
	if c != nil && event.Timestamp.After(c.WindowEnd) {
		s.close(c, domain.CloseSuperseded)
		c = nil
	}
	if c == nil {
		c = e.newCandidate(key, event, now)
		s.open[key] = c
	}

	c.Append(event)
	s.claimed[event.ID] = now
	c.LastActivity = now
	if event.Timestamp.Before(c.OpenedAt) {
		c.OpenedAt = event.Timestamp
	}
	if end := event.Timestamp.Add(e.config.Window); end.After(c.WindowEnd) {
		c.WindowEnd = end
	}

	if c.Size() >= e.config.MaxMembers {
		s.close(c, domain.CloseCapReached)
	}
}

// tooLate reports whether event predates the candidate by more than one
// window. Events up to a window older than the first member still join, so
// mild reordering between tiers does not split an incident.
func (s *shard) tooLate(c *domain.IncidentCandidate, event *domain.Event) bool {
	return event.Timestamp.Before(c.OpenedAt.Add(-s.engine.config.Window))
}

func (s *shard) sweep(now time.Time) {
	window := s.engine.config.Window
	for _, c := range s.open {
		if now.Sub(c.LastActivity) >= window {
			s.close(c, domain.CloseWindowExpired)
		}
	}
	for id, at := range s.claimed {
		if now.Sub(at) >= 2*window {
			delete(s.claimed, id)
		}
	}
}

func (s *shard) close(c *domain.IncidentCandidate, reason domain.CloseReason) {
	if s.open[c.CorrelationKey] == c {
		delete(s.open, c.CorrelationKey)
	}

	if err := c.Transition(domain.StateClosing); err != nil {
		s.engine.logger.Error("Candidate close rejected",
			zap.String("candidate_id", c.ID),
			zap.Error(err))
		return
	}
	c.CloseReason = reason
	c.ClosedAt = s.engine.clock()

	s.engine.logger.Debug("Candidate closed",
		zap.Int("shard", s.id),
		zap.String("candidate_id", c.ID),
		zap.String("correlation_key", c.CorrelationKey),
		zap.String("reason", string(reason)),
		zap.Int("members", c.Size()))

	s.engine.emit(c)
}
