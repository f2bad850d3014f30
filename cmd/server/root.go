package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-approvals/internal/platform/config"
	"github.com/pesio-ai/be-approvals/internal/platform/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Multi-level approval workflow service",
	Long: `Approvals routes financial documents through role-based, multi-level
approval workflows and keeps a tamper-evident audit ledger of every decision.
Running without a subcommand starts the HTTP and gRPC servers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file path")
}

// loadConfig reads the config file and builds the service logger.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
		Output:      os.Stderr,
	})
	return cfg, log, nil
}
