// Package cli implements the whitecat command line
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/internal/logging"
	"github.com/yairfalse/whitecat/internal/platform"
	"github.com/yairfalse/whitecat/pkg/config"
)

type rootOptions struct {
	cfgFile string
	verbose bool
	report  bool
	reportOptions
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "whitecat",
		Short: "Host and network event correlation with threat scoring",
		Long: `WHITE_CAT ingests local audit events (tier1) and network telemetry
(tier2), correlates related events into incidents, scores them (tier3) and
keeps them in a queryable store.

Without flags it runs every tier until interrupted. With --report it prints
the stored incidents and exits.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if opts.report {
				return opts.reportOptions.run(cmd, logger, cfg)
			}
			return runService(cmd.Context(), logger, cfg)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file (default is "+config.DefaultConfigPath+" when present)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	cmd.Flags().BoolVarP(&opts.report, "report", "r", false, "print a report of stored incidents and exit")
	opts.reportOptions.addFlags(cmd)

	cmd.AddCommand(newReportCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func (o *rootOptions) load() (config.Config, *zap.Logger, error) {
	var (
		cfg config.Config
		err error
	)
	if o.cfgFile != "" {
		cfg, err = config.Load(o.cfgFile)
	} else {
		cfg, err = config.LoadOptional(config.DefaultConfigPath)
	}
	if err != nil {
		return cfg, nil, err
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

func runService(ctx context.Context, logger *zap.Logger, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := platform.New(logger, cfg, platform.WithVersion(version))
	if err != nil {
		return fmt.Errorf("failed to build whitecat: %w", err)
	}
	return w.Run(ctx)
}
