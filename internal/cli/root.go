package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thruflo/foreman/internal/config"
	"github.com/thruflo/foreman/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Drive a code-generation agent from feature request to approved pull request",
	Long: `Foreman runs feature requests through discovery, planning, implementation,
delivery, review and final approval, invoking an external coding agent at
each stage and pausing for a human whenever the agent raises a decision.

Each project runs one session at a time; further sessions wait in a queue.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("foreman version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFileName, "path to the config file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section and installs it
// as the package default.
func newLogger(cfg config.LogConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var logger *logging.Logger
	if cfg.Format == "json" {
		logger = logging.NewJSON(level)
	} else {
		logger = logging.NewWithWriter(os.Stderr, level)
	}
	logging.SetDefault(logger)
	return logger, nil
}
