// Package report renders finalized incidents for humans and tools. It only
// reads from the store.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/whitecat/internal/scoring"
	"github.com/yairfalse/whitecat/internal/store"
	"github.com/yairfalse/whitecat/pkg/domain"
)

// Format selects the rendering
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts text, json or yaml
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown report format %q (want text, json or yaml)", s)
	}
}

// Report is the structured form written for json and yaml
type Report struct {
	GeneratedAt time.Time          `json:"generated_at" yaml:"generated_at"`
	Total       int                `json:"total" yaml:"total"`
	Unscored    int                `json:"unscored" yaml:"unscored"`
	ByLabel     map[string]int     `json:"by_label" yaml:"by_label"`
	Incidents   []*domain.Incident `json:"incidents" yaml:"incidents"`
	// Rescored lists deferred incidents that a later incident supersedes
	Rescored []string `json:"rescored,omitempty" yaml:"rescored,omitempty"`
}

// Generator builds reports from an incident store
type Generator struct {
	store store.Store
	now   func() time.Time
}

// NewGenerator creates a generator over s
func NewGenerator(s store.Store) *Generator {
	return &Generator{store: s, now: time.Now}
}

// Build queries the store and summarizes the result
func (g *Generator) Build(ctx context.Context, filter domain.IncidentFilter) (*Report, error) {
	incidents, err := store.Collect(g.store.Query(ctx, filter))
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}

	r := &Report{
		GeneratedAt: g.now().UTC(),
		Total:       len(incidents),
		ByLabel:     make(map[string]int),
		Incidents:   incidents,
	}
	if r.Incidents == nil {
		r.Incidents = []*domain.Incident{}
	}
	deferred := 0
	for _, inc := range incidents {
		r.ByLabel[inc.Label]++
		if !inc.Scored {
			r.Unscored++
		}
		if inc.Deferred {
			deferred++
		}
	}
	if deferred > 0 {
		if r.Rescored, err = g.rescored(ctx, incidents); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// rescored returns the deferred incidents the store no longer reports as
// awaiting a rescore
func (g *Generator) rescored(ctx context.Context, incidents []*domain.Incident) ([]string, error) {
	pending := make(map[string]bool)
	for inc, err := range g.store.Query(ctx, domain.IncidentFilter{DeferredOnly: true, IncludeUnscored: true}) {
		if err != nil {
			return nil, fmt.Errorf("failed to query deferred incidents: %w", err)
		}
		pending[inc.ID] = true
	}
	var out []string
	for _, inc := range incidents {
		if inc.Deferred && !pending[inc.ID] {
			out = append(out, inc.ID)
		}
	}
	return out, nil
}

// Generate writes the report for filter to w
func (g *Generator) Generate(ctx context.Context, w io.Writer, filter domain.IncidentFilter, format Format) error {
	r, err := g.Build(ctx, filter)
	if err != nil {
		return err
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case FormatText, "":
		return writeText(w, r)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

func labelColor(label string) *color.Color {
	switch label {
	case scoring.LabelCritical:
		return color.New(color.FgRed, color.Bold)
	case scoring.LabelHigh:
		return color.New(color.FgRed)
	case scoring.LabelMedium:
		return color.New(color.FgYellow)
	case scoring.LabelLow:
		return color.New(color.FgGreen)
	default:
		return color.New(color.FgWhite)
	}
}

func writeText(w io.Writer, r *Report) error {
	bold := color.New(color.Bold)
	var b strings.Builder

	bold.Fprintln(&b, "WHITE_CAT Incident Report")
	b.WriteString(strings.Repeat("═", 50) + "\n")
	fmt.Fprintf(&b, "Generated: %s\n", r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Incidents: %d (unscored %d)\n", r.Total, r.Unscored)

	labels := make([]string, 0, len(r.ByLabel))
	for l := range r.ByLabel {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	for _, l := range labels {
		fmt.Fprintf(&b, "  %-10s %d\n", labelColor(l).Sprint(l), r.ByLabel[l])
	}
	b.WriteString(strings.Repeat("═", 50) + "\n")

	if r.Total == 0 {
		b.WriteString("No incidents matched.\n")
	}

	rescored := make(map[string]bool, len(r.Rescored))
	for _, id := range r.Rescored {
		rescored[id] = true
	}

	for _, inc := range r.Incidents {
		sev := "  -  "
		if inc.Scored {
			sev = fmt.Sprintf("%5.1f", inc.Severity)
		}
		fmt.Fprintf(&b, "\n%s %s  %s\n", labelColor(inc.Label).Sprintf("[%s]", inc.Label), sev, inc.ID)
		fmt.Fprintf(&b, "  actor:   %s@%s\n", inc.Actor, inc.Host)
		fmt.Fprintf(&b, "  key:     %s\n", inc.CorrelationKey)
		fmt.Fprintf(&b, "  window:  %s → %s (%s)\n",
			inc.OpenedAt.Format(time.RFC3339), inc.WindowEnd.Format(time.RFC3339), inc.CloseReason)
		fmt.Fprintf(&b, "  events:  %d\n", len(inc.MemberEvents))
		switch {
		case inc.Deferred && rescored[inc.ID]:
			b.WriteString("  note:    rescored, superseded by a later incident\n")
		case inc.Deferred:
			b.WriteString("  note:    scoring deferred, will be rescored\n")
		}
		if inc.Supersedes != "" {
			fmt.Fprintf(&b, "  replaces: %s\n", inc.Supersedes)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
