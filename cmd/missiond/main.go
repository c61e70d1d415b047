package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/mission-engine/internal/config"
)

const defaultConfigPath = "configs/missiond.json"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "missiond",
	Short: "Condition-driven mission engine",
	Long: `missiond evaluates named conditions on their own intervals, launches
missions from templates when they hold, and runs each mission step by step
with retries, an append-only audit trail and acknowledgeable alerts.`,
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $CONFIG_PATH or "+defaultConfigPath+")")
	rootCmd.AddCommand(serveCmd(), migrateCmd(), catalogCmd(), eventsCmd())
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configured file. Without an explicit path a
// missing default file falls back to the built-in in-memory config.
func loadConfig() (*config.Config, error) {
	path := configPath
	explicit := path != ""
	if !explicit {
		path = os.Getenv("CONFIG_PATH")
		explicit = path != ""
	}
	if !explicit {
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
