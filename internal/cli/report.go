package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/internal/platform"
	"github.com/yairfalse/whitecat/internal/report"
	"github.com/yairfalse/whitecat/pkg/config"
	"github.com/yairfalse/whitecat/pkg/domain"
)

type reportOptions struct {
	output          string
	format          string
	since           string
	actor           string
	minSeverity     float64
	includeUnscored bool
	limit           int
}

func (o *reportOptions) addFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&o.output, "output", "o", "", "write the report to a file instead of stdout")
	fs.StringVar(&o.format, "format", "text", "report format: text, json or yaml")
	fs.StringVar(&o.since, "since", "", "only incidents closed after this time (RFC 3339, YYYY-MM-DD or a duration such as 24h)")
	fs.StringVar(&o.actor, "actor", "", "only incidents for this actor")
	fs.Float64Var(&o.minSeverity, "min-severity", 0, "only scored incidents at or above this severity")
	fs.BoolVar(&o.includeUnscored, "include-unscored", true, "include incidents the backend could not score")
	fs.IntVar(&o.limit, "limit", 0, "maximum incidents to include, 0 for all")
}

func (o *reportOptions) filter(now time.Time) (domain.IncidentFilter, error) {
	since, err := report.ParseSince(o.since, now)
	if err != nil {
		return domain.IncidentFilter{}, err
	}
	if o.limit < 0 {
		return domain.IncidentFilter{}, fmt.Errorf("--limit must not be negative")
	}
	return domain.IncidentFilter{
		Since:           since,
		Actor:           o.actor,
		MinSeverity:     o.minSeverity,
		IncludeUnscored: o.includeUnscored,
		Limit:           o.limit,
	}, nil
}

func (o *reportOptions) run(cmd *cobra.Command, logger *zap.Logger, cfg config.Config) error {
	format, err := report.ParseFormat(o.format)
	if err != nil {
		return err
	}
	filter, err := o.filter(time.Now())
	if err != nil {
		return err
	}

	if o.output == "" {
		return platform.Report(cmd.Context(), logger, cfg.Store, cmd.OutOrStdout(), filter, format)
	}

	f, err := createReportFile(o.output)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	if err := platform.Report(cmd.Context(), logger, cfg.Store, f, filter, format); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	logger.Info("Report written", zap.String("path", o.output), zap.String("format", string(format)))
	return nil
}

// createReportFile is replaced in tests
var createReportFile = func(path string) (io.WriteCloser, error) {
	return os.Create(path)
}

func newReportCommand(root *rootOptions) *cobra.Command {
	opts := &reportOptions{}
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print stored incidents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return opts.run(cmd, logger, cfg)
		},
	}
	opts.addFlags(cmd)
	return cmd
}
