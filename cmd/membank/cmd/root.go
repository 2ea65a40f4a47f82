// Package cmd provides the CLI commands for MemBank.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/membank-ai/membank/internal/config"
	"github.com/membank-ai/membank/internal/logging"
)

var (
	configPath string
	debugMode  bool
)

// NewRootCmd creates the root command for the membank CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "membank",
		Short: "Personal memory service with hybrid retrieval",
		Long: `MemBank stores personal records (voice notes, diary entries), indexes
them into a vector index with keyword fallback, and answers questions
about them through a retrieval-grounded agent.

Run 'membank serve' to start the HTTP service.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatusCmd())
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// loadConfig reads the config file (if any) plus environment overrides.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// setupLogging configures the default slog logger per the config.
// The returned cleanup flushes and closes the log file.
func setupLogging(cfg *config.Config, toStderr bool) (func(), error) {
	filePath := cfg.Logging.FilePath
	if filePath == "" {
		filePath = logging.DefaultLogPath()
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	if debugMode {
		logCfg = logging.DebugConfig()
	}
	logCfg.FilePath = filePath
	logCfg.WriteToStderr = toStderr
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return cleanup, nil
}
