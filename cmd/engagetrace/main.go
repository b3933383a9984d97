package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vincentbai/engagetrace/internal/config"
	"github.com/vincentbai/engagetrace/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "engagetrace",
	Short: "engagetrace - on-page engagement telemetry agent",
	Long: `engagetrace observes a page load (scroll depth, skimming, rage clicks,
form dwell, web vitals, outbound links) and ships batched events to an
ingestion endpoint.

Use "collect" to run a local ingestion endpoint and "replay" to drive the
agent from a scripted page session.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "engagetrace.yaml", "Config file")

	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(sessionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// defaultStoragePath is the platform data directory used when no storage
// path is configured.
func defaultStoragePath() (string, error) {
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	var applicationDirectory string
	switch runtime.GOOS {
	case "darwin":
		applicationDirectory = filepath.Join(homeDirectory, "Library", "Application Support", "EngageTrace")
	case "windows":
		applicationDirectory = filepath.Join(homeDirectory, "AppData", "Roaming", "EngageTrace")
	default: // linux and others
		applicationDirectory = filepath.Join(homeDirectory, ".local", "share", "EngageTrace")
	}
	if err := os.MkdirAll(applicationDirectory, 0o755); err != nil {
		return "", fmt.Errorf("failed to create application directory: %w", err)
	}
	return filepath.Join(applicationDirectory, "storage.db"), nil
}
