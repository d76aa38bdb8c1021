package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/pkg/domain"
)

// DefaultHost is used when a collector does not say which host it watches
const DefaultHost = "local"

// Normalizer turns raw collector payloads into domain events. It is safe for
// concurrent use; its only state is counters.
type Normalizer struct {
	logger *zap.Logger

	accepted atomic.Int64
	dropped  atomic.Int64

	acceptedCounter  metric.Int64Counter
	malformedCounter metric.Int64Counter
}

// New creates a normalizer
func New(logger *zap.Logger) *Normalizer {
	n := &Normalizer{logger: logger}

	meter := otel.Meter("whitecat.normalizer")
	var err error
	n.acceptedCounter, err = meter.Int64Counter(
		"whitecat_normalizer_events_total",
		metric.WithDescription("Events normalized successfully"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create accepted counter", zap.Error(err))
		n.acceptedCounter = nil
	}
	n.malformedCounter, err = meter.Int64Counter(
		"whitecat_normalizer_malformed_total",
		metric.WithDescription("Payloads dropped as malformed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create malformed counter", zap.Error(err))
		n.malformedCounter = nil
	}

	return n
}

// Normalize validates raw against the schema of its tier and builds an
// Event. Any failure wraps domain.ErrMalformedPayload and is counted.
func (n *Normalizer) Normalize(raw domain.RawPayload, tier domain.SourceTier) (*domain.Event, error) {
	event, err := n.normalize(raw, tier)
	if err != nil {
		n.dropped.Add(1)
		if n.malformedCounter != nil {
			n.malformedCounter.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("tier", string(tier))))
		}
		n.logger.Debug("Dropping malformed payload",
			zap.String("tier", string(tier)),
			zap.Error(err))
		return nil, err
	}

	n.accepted.Add(1)
	if n.acceptedCounter != nil {
		n.acceptedCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("tier", string(tier))))
	}
	return event, nil
}

// NormalizeJSON decodes one JSON object and normalizes it
func (n *Normalizer) NormalizeJSON(data []byte, tier domain.SourceTier) (*domain.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw domain.RawPayload
	if err := dec.Decode(&raw); err != nil {
		return n.Normalize(nil, tier)
	}
	return n.Normalize(raw, tier)
}

// Accepted returns how many payloads became events
func (n *Normalizer) Accepted() int64 {
	return n.accepted.Load()
}

// Dropped returns how many payloads were rejected as malformed
func (n *Normalizer) Dropped() int64 {
	return n.dropped.Load()
}

func (n *Normalizer) normalize(raw domain.RawPayload, tier domain.SourceTier) (*domain.Event, error) {
	if raw == nil {
		return nil, domain.Malformed("payload", "empty or undecodable record")
	}

	ts, err := CoerceTime(first(raw, "timestamp", "time", "ts", "@timestamp"))
	if err != nil {
		return nil, domain.Malformed("timestamp", "%v", err)
	}

	event := &domain.Event{
		ID:                str(first(raw, "id", "event_id")),
		SourceTier:        tier,
		Host:              str(first(raw, "host", "hostname")),
		Timestamp:         ts,
		RawPayload:        copyPayload(raw),
		DerivedAttributes: make(map[string]string),
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Host == "" {
		event.Host = DefaultHost
	}

	switch tier {
	case domain.TierAudit:
		err = normalizeAudit(raw, event)
	case domain.TierNetwork:
		err = normalizeNetwork(raw, event)
	default:
		err = domain.Malformed("source_tier", "unknown tier %q", tier)
	}
	if err != nil {
		return nil, err
	}

	if causal := str(first(raw, "causal_id", "session_id", "trace_id")); causal != "" {
		event.DerivedAttributes[domain.AttrCausalID] = causal
	}

	return event, nil
}

// normalizeAudit handles tier1 process/audit records
func normalizeAudit(raw domain.RawPayload, event *domain.Event) error {
	event.Actor = str(first(raw, "actor", "user", "auid", "uid"))
	if event.Actor == "" {
		return domain.Malformed("actor", "required for audit events")
	}
	event.EventType = str(first(raw, "event_type", "syscall", "type"))
	if event.EventType == "" {
		return domain.Malformed("event_type", "required for audit events")
	}

	attrs := event.DerivedAttributes
	if uid := str(raw["uid"]); uid != "" {
		attrs[domain.AttrUID] = uid
	}

	pid, err := optionalInt(raw, "pid")
	if err != nil {
		return err
	}
	ppid, err := optionalInt(raw, "ppid")
	if err != nil {
		return err
	}
	if pid != "" {
		attrs[domain.AttrPID] = pid
	}
	if ppid != "" {
		attrs[domain.AttrPPID] = ppid
	}
	if exe := str(first(raw, "exe", "comm")); exe != "" {
		attrs[domain.AttrExe] = exe
	}

	ancestry, err := ancestryChain(raw["ancestry"], ppid, pid)
	if err != nil {
		return err
	}
	if ancestry != "" {
		attrs[domain.AttrAncestry] = ancestry
	}
	return nil
}

// normalizeNetwork handles tier2 flow records
func normalizeNetwork(raw domain.RawPayload, event *domain.Event) error {
	src, err := requireIP(raw, "src_ip")
	if err != nil {
		return err
	}
	dst, err := requireIP(raw, "dst_ip")
	if err != nil {
		return err
	}
	proto := strings.ToLower(str(first(raw, "protocol", "proto")))
	if proto == "" {
		return domain.Malformed("protocol", "required for network events")
	}

	sport, err := optionalPort(raw, "src_port")
	if err != nil {
		return err
	}
	dport, err := optionalPort(raw, "dst_port")
	if err != nil {
		return err
	}

	event.Actor = str(first(raw, "actor", "user"))
	if event.Actor == "" {
		event.Actor = src.String()
	}
	event.EventType = str(first(raw, "event_type", "type"))
	if event.EventType == "" {
		event.EventType = "flow"
	}

	attrs := event.DerivedAttributes
	attrs[domain.AttrSrcIP] = src.String()
	attrs[domain.AttrDstIP] = dst.String()
	attrs[domain.AttrProtocol] = proto
	if sport != "" {
		attrs[domain.AttrSrcPort] = sport
	}
	if dport != "" {
		attrs[domain.AttrDstPort] = dport
	}
	attrs[domain.AttrFiveTuple] = fmt.Sprintf("%s %s:%s->%s:%s",
		proto, src, orZero(sport), dst, orZero(dport))
	return nil
}

func ancestryChain(v interface{}, ppid, pid string) (string, error) {
	switch chain := v.(type) {
	case nil:
	case []interface{}:
		parts := make([]string, 0, len(chain))
		for i, p := range chain {
			s := str(p)
			if s == "" {
				return "", domain.Malformed("ancestry", "empty element at %d", i)
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ">"), nil
	case []string:
		return strings.Join(chain, ">"), nil
	case string:
		return chain, nil
	default:
		return "", domain.Malformed("ancestry", "unsupported type %T", v)
	}

	switch {
	case ppid != "" && pid != "":
		return ppid + ">" + pid, nil
	case pid != "":
		return pid, nil
	}
	return "", nil
}

func requireIP(raw domain.RawPayload, field string) (netip.Addr, error) {
	s := str(raw[field])
	if s == "" {
		return netip.Addr{}, domain.Malformed(field, "required for network events")
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, domain.Malformed(field, "invalid address %q", s)
	}
	return addr, nil
}

func optionalInt(raw domain.RawPayload, field string) (string, error) {
	s := str(raw[field])
	if s == "" {
		return "", nil
	}
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return "", domain.Malformed(field, "not an integer: %q", s)
	}
	return s, nil
}

func optionalPort(raw domain.RawPayload, field string) (string, error) {
	s := str(raw[field])
	if s == "" {
		return "", nil
	}
	p, err := strconv.Atoi(s)
	if err != nil || p < 0 || p > 65535 {
		return "", domain.Malformed(field, "invalid port %q", s)
	}
	return s, nil
}

func first(raw domain.RawPayload, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// str renders scalar payload values; composite values yield ""
func str(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func copyPayload(raw domain.RawPayload) domain.RawPayload {
	cp := make(domain.RawPayload, len(raw))
	for k, v := range raw {
		cp[k] = v
	}
	return cp
}
