package scoring

import (
	"context"
	"strings"

	"github.com/yairfalse/whitecat/pkg/domain"
)

// Severity labels
const (
	LabelCritical = "critical"
	LabelHigh     = "high"
	LabelMedium   = "medium"
	LabelLow      = "low"
)

var eventTypeWeights = map[string]float64{
	"ptrace":      12,
	"init_module": 12,
	"setuid":      10,
	"setgid":      10,
	"execve":      4,
	"connect":     3,
	"chmod":       3,
	"chown":       3,
	"unlink":      2,
	"open":        1,
	"flow":        1,
}

var suspiciousPaths = []string{"/tmp/", "/dev/shm/", "/var/tmp/"}

var suspiciousPorts = map[string]bool{
	"4444":  true,
	"1337":  true,
	"6667":  true,
	"31337": true,
}

// HeuristicBackend is a local rule-based scorer. It needs no network and is
// the default backend.
type HeuristicBackend struct{}

// NewHeuristicBackend creates the local scorer
func NewHeuristicBackend() *HeuristicBackend {
	return &HeuristicBackend{}
}

// Name implements Backend
func (h *HeuristicBackend) Name() string {
	return "heuristic"
}

// Score implements Backend
func (h *HeuristicBackend) Score(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, domain.BackendTimeout(h.Name(), err)
	}

	score := 0.0
	tiers := make(map[domain.SourceTier]bool)

	for _, e := range req.Events {
		tiers[e.SourceTier] = true

		w, ok := eventTypeWeights[strings.ToLower(e.EventType)]
		if !ok {
			w = 1
		}
		score += w

		if exe := e.Attr(domain.AttrExe); exe != "" {
			for _, p := range suspiciousPaths {
				if strings.HasPrefix(exe, p) {
					score += 15
					break
				}
			}
		}
		if suspiciousPorts[e.Attr(domain.AttrDstPort)] {
			score += 10
		}
	}

	// activity seen from both the host and the network is worth more than
	// the same volume from one side
	if len(tiers) > 1 {
		score += 20
	}

	n := len(req.MemberEvents)
	if n == 0 {
		n = len(req.Events)
	}
	score += min(30, 2*float64(n))

	if privileged(req.Actor) {
		score += 15
	}

	severity := domain.ClampSeverity(score)
	return Result{Severity: severity, Label: labelFor(severity)}, nil
}

func privileged(actor string) bool {
	return actor == "root" || actor == "0" || actor == "SYSTEM"
}

func labelFor(severity float64) string {
	switch {
	case severity >= 75:
		return LabelCritical
	case severity >= 50:
		return LabelHigh
	case severity >= 25:
		return LabelMedium
	default:
		return LabelLow
	}
}
