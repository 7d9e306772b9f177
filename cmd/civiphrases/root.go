package main

import (
	"fmt"

	"github.com/WessleyAI/civiphrases/engine/pipeline"
	"github.com/WessleyAI/civiphrases/pkg/config"
	"github.com/WessleyAI/civiphrases/pkg/logx"
	"github.com/WessleyAI/civiphrases/pkg/metrics"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "civiphrases",
		Short: "Turn Civitai prompts into Dynamic Prompts wildcard files",
		Long: `civiphrases fetches prompts from a Civitai user or collection, splits them
into phrases with a language model, and writes one wildcard file per
category plus a prompt bank.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "civiphrases.yaml", "config file (missing file uses defaults)")
	pf.StringVar(&a.outDir, "out-dir", "", "output directory (overrides OUT_DIR)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	pf.StringVar(&a.metricsAddr, "metrics-addr", "", "serve /metrics on this address while running")

	root.AddCommand(
		newFetchCmd(a),
		newBuildCmd(a),
		newRefreshCmd(a),
		newStatsCmd(a),
		newWatchCmd(a),
		newVersionCmd(),
	)
	return root
}

// setup loads configuration, prepares the output tree, and builds the logger.
func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.outDir != "" {
		cfg.OutDir = a.outDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	opts := logx.Options{Level: cfg.Logging.Level, Verbose: a.verbose, Console: cfg.Logging.Console}
	if cfg.Logging.File {
		opts.File = cfg.Paths().LogFile
	}
	logger, err := logx.New(opts)
	if err != nil {
		return err
	}

	a.cfg, a.logger = cfg, logger
	a.metrics = metrics.NewPipeline(metrics.New())
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "civiphrases version %s\n", pipeline.Version)
		},
	}
}
