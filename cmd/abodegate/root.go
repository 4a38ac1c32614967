package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/trymwestin/abodegate/internal/config"
	"github.com/trymwestin/abodegate/internal/logging"
)

var (
	configPath string
	envFile    string
)

// rootCmd runs the daemon when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "abodegate",
	Short: "Abode garage door bridge",
	Long: `abodegate signs into an Abode account, follows garage door changes over
the Abode push channel and exposes the doors to Home Assistant via MQTT
discovery and to scripts via a JSON HTTP API.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCmd.RunE(cmd, args)
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the config")
}

// loadConfig reads the optional dotenv file, the YAML config and the
// environment, then validates the result.
func loadConfig() (config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	return logging.New(cfg.Log, os.Stderr)
}
