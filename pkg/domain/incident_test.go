package domain

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidateStateTransitions(t *testing.T) {
	tests := []struct {
		from, to CandidateState
		allowed  bool
	}{
		{StateOpen, StateClosing, true},
		{StateOpen, StateScored, false},
		{StateClosing, StateScored, true},
		{StateClosing, StateDropped, true},
		{StateScored, StatePersisted, true},
		{StateScored, StateDropped, false},
		{StatePersisted, StateDropped, false},
		{StateDropped, StatePersisted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestCandidateTransitionRejectsIllegalMove(t *testing.T) {
	c := &IncidentCandidate{ID: "c1", State: StateOpen}

	require.NoError(t, c.Transition(StateClosing))
	require.NoError(t, c.Transition(StateDropped))

	err := c.Transition(StatePersisted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StateDropped, c.State)
	assert.True(t, c.State.Terminal())
}

func TestCandidateAppendKeepsOrder(t *testing.T) {
	c := &IncidentCandidate{ID: "c1", State: StateOpen}
	c.Append(&Event{ID: "a", Actor: "u1", Host: "h1"})
	c.Append(&Event{ID: "b", Actor: "u1", Host: "h1"})

	assert.Equal(t, []string{"a", "b"}, c.MemberEvents)
	assert.Equal(t, 2, c.Size())
	assert.Equal(t, "u1", c.Actor())
	assert.Equal(t, "h1", c.Host())
}

func TestClampSeverity(t *testing.T) {
	assert.Equal(t, 0.0, ClampSeverity(-5))
	assert.Equal(t, 100.0, ClampSeverity(250))
	assert.Equal(t, 42.5, ClampSeverity(42.5))
	assert.Equal(t, 0.0, ClampSeverity(math.NaN()))
}

func TestIncidentValidate(t *testing.T) {
	valid := &Incident{ID: "i1", MemberEvents: []string{"a"}, Severity: 50, Scored: true}
	require.NoError(t, valid.Validate())

	unscored := &Incident{ID: "i2", MemberEvents: []string{"a"}, Severity: UnscoredSeverity, Deferred: true}
	require.NoError(t, unscored.Validate())

	cases := map[string]*Incident{
		"no members":      {ID: "i3", Severity: 10, Scored: true},
		"no id":           {MemberEvents: []string{"a"}, Severity: 10, Scored: true},
		"out of range":    {ID: "i4", MemberEvents: []string{"a"}, Severity: 101, Scored: true},
		"unscored not -1": {ID: "i5", MemberEvents: []string{"a"}, Severity: 0},
		"nan scored":      {ID: "i6", MemberEvents: []string{"a"}, Severity: math.NaN(), Scored: true},
	}
	for name, inc := range cases {
		t.Run(name, func(t *testing.T) {
			err := inc.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidIncident)
		})
	}
}

func TestIncidentCloneIsDeep(t *testing.T) {
	orig := &Incident{ID: "i1", MemberEvents: []string{"a", "b"}}
	cp := orig.Clone()
	cp.MemberEvents[0] = "z"

	assert.Equal(t, "a", orig.MemberEvents[0])
}

func TestIncidentFilterMatch(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	inc := &Incident{
		ID:       "i1",
		Actor:    "u1",
		OpenedAt: base,
		ClosedAt: base.Add(time.Minute),
		Severity: 70,
		Scored:   true,
	}

	assert.True(t, IncidentFilter{}.Match(inc))
	assert.True(t, IncidentFilter{Since: base, Until: base.Add(time.Minute), Actor: "u1"}.Match(inc))
	assert.False(t, IncidentFilter{Actor: "u2"}.Match(inc))
	assert.False(t, IncidentFilter{Since: base.Add(2 * time.Minute)}.Match(inc))
	assert.False(t, IncidentFilter{Until: base.Add(-time.Second)}.Match(inc))
	assert.False(t, IncidentFilter{MinSeverity: 80}.Match(inc))
	assert.False(t, IncidentFilter{DeferredOnly: true}.Match(inc))

	unscored := &Incident{ID: "i2", Actor: "u1", OpenedAt: base, ClosedAt: base, Severity: UnscoredSeverity, Deferred: true}
	assert.False(t, IncidentFilter{}.Match(unscored))
	assert.True(t, IncidentFilter{IncludeUnscored: true}.Match(unscored))
	assert.True(t, IncidentFilter{DeferredOnly: true}.Match(unscored))
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("disk full")
	err := StoreIO("persist", cause)

	assert.ErrorIs(t, err, ErrStoreIO)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "persist: incident store i/o error: disk full", err.Error())

	assert.True(t, IsTransient(BackendTimeout("http", nil)))
	assert.True(t, IsTransient(BackendUnavailable("http", cause)))
	assert.False(t, IsTransient(cause))

	m := Malformed("timestamp", "missing")
	assert.ErrorIs(t, m, ErrMalformedPayload)
}

func TestParseSourceTier(t *testing.T) {
	tier, err := ParseSourceTier("tier1")
	require.NoError(t, err)
	assert.Equal(t, TierAudit, tier)

	_, err = ParseSourceTier("tier3")
	assert.Error(t, err)
}
