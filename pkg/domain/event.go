package domain

import (
	"fmt"
	"time"
)

// SourceTier identifies which collection tier produced an event
type SourceTier string

const (
	// TierAudit is local audit-log ingestion (process and syscall activity)
	TierAudit SourceTier = "tier1"
	// TierNetwork is network telemetry (flows and connections)
	TierNetwork SourceTier = "tier2"
)

// Valid reports whether the tier is one the engine accepts
func (t SourceTier) Valid() bool {
	return t == TierAudit || t == TierNetwork
}

// ParseSourceTier converts a tier name into a SourceTier
func ParseSourceTier(s string) (SourceTier, error) {
	t := SourceTier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown source tier %q", s)
	}
	return t, nil
}

// Derived attribute keys set by the normalizer
const (
	AttrCausalID  = "causal_id"
	AttrAncestry  = "ancestry"
	AttrPID       = "pid"
	AttrPPID      = "ppid"
	AttrExe       = "exe"
	AttrFiveTuple = "five_tuple"
	AttrSrcIP     = "src_ip"
	AttrDstIP     = "dst_ip"
	AttrSrcPort   = "src_port"
	AttrDstPort   = "dst_port"
	AttrProtocol  = "protocol"
	AttrUID       = "uid"
)

// RawPayload is the opaque structured record a collector hands to the normalizer
type RawPayload map[string]interface{}

// Event is a normalized security event. It is never mutated after the
// normalizer returns it.
type Event struct {
	ID         string     `json:"id" yaml:"id"`
	SourceTier SourceTier `json:"source_tier" yaml:"source_tier"`
	Actor      string     `json:"actor" yaml:"actor"`
	Host       string     `json:"host" yaml:"host"`
	EventType  string     `json:"event_type" yaml:"event_type"`
	Timestamp  time.Time  `json:"timestamp" yaml:"timestamp"`

	RawPayload        RawPayload        `json:"raw_payload,omitempty" yaml:"raw_payload,omitempty"`
	DerivedAttributes map[string]string `json:"derived_attributes,omitempty" yaml:"derived_attributes,omitempty"`

	// Producer and Sequence record per-producer publish order
	Producer string `json:"producer,omitempty" yaml:"producer,omitempty"`
	Sequence uint64 `json:"sequence,omitempty" yaml:"sequence,omitempty"`
}

// Attr returns a derived attribute or "" if missing
func (e *Event) Attr(key string) string {
	if e == nil || e.DerivedAttributes == nil {
		return ""
	}
	return e.DerivedAttributes[key]
}

// CausalID returns the explicit causal link carried by the event, if any
func (e *Event) CausalID() string {
	return e.Attr(AttrCausalID)
}

// WithProducer returns a copy of the event stamped with producer ordering.
// The original is left untouched.
func (e *Event) WithProducer(producer string, seq uint64) *Event {
	cp := *e
	cp.Producer = producer
	cp.Sequence = seq
	return &cp
}
