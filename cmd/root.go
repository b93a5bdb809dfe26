// Package cmd wires the archivum subcommands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mreis/archivum/internal/config"
	"github.com/mreis/archivum/internal/logging"
	"github.com/mreis/archivum/internal/metrics"
)

var (
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "archivum",
	Short: "Document crawl, enrichment, and semantic search pipeline",
	Long: `archivum crawls seeded document URLs, extracts and enriches their
text, and serves semantic search over the processed corpus.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Development)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		metrics.Init()
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"path to config file (optional; env vars with ARCHIVUM_ prefix also apply)")
	rootCmd.AddCommand(crawlCmd)
	rootCmd.AddCommand(apiCmd)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
