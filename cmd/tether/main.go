package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tether/internal/config"
	"tether/internal/logging"
)

var (
	// Global flags
	verbose bool
	dataDir string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "tether - context, safety, and behavioral-escalation engine",
	Long: `tether is the decision core of a personal cognitive prosthesis.

It maintains a tiered interaction memory (hot/warm/cold), assembles bounded
context frames, screens every inbound event through a deterministic-first
safety gate, and escalates behavioral nudges under a per-user circuit
breaker. Transport, UI, and model backends live outside this binary.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if dataDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("cannot resolve home directory: %w", err)
			}
			dataDir = filepath.Join(home, ".tether")
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("cannot create data directory: %w", err)
		}
		return logging.Initialize(dataDir)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// loadConfig reads the engine configuration from the data directory.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(filepath.Join(dataDir, "config.yaml"))
	if err != nil {
		return nil, err
	}
	cfg.DataDir = dataDir
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.tether)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(consolidateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
