package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goodtune/dutywatch/internal/config"
	"github.com/goodtune/dutywatch/internal/storage"
	"github.com/goodtune/dutywatch/internal/storage/file"
	"github.com/goodtune/dutywatch/internal/storage/redis"
	"github.com/goodtune/dutywatch/internal/zone"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dutywatch",
	Short: "dutywatch - duty session and zone visit accounting for Discord",
	Long: `dutywatch tracks on-duty sessions and visits to a named in-game zone from
Discord presence updates, buckets the time into local calendar days and
survives restarts without losing or double counting time.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to server command when no subcommand is provided
		return runServer(cmd, args)
	},
	SilenceUsage: true,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStorage opens the configured backend. Writers take an exclusive lock
// (flock on the data directory, a lock key in Redis) so the server and the
// adjust tool never overwrite each other's tables. readOnly skips the lock
// so tooling can inspect a live store.
func openStorage(cfg config.StorageConfig, readOnly bool) (storage.Store, error) {
	switch cfg.Type {
	case "", "file":
		return file.Open(cfg.Path, file.Options{ReadOnly: readOnly})
	case "redis":
		return redis.Open(cfg.Redis, redis.Options{ReadOnly: readOnly})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// buildClassifier creates the zone classifier selected by cfg.
func buildClassifier(ctx context.Context, cfg config.ZoneConfig, g zone.Grammar, logger zerolog.Logger) (zone.Classifier, error) {
	switch cfg.Classifier {
	case "rego":
		return zone.LoadRegoClassifier(ctx, cfg.PolicyFile, g, logger)
	default:
		return zone.NewPhraseClassifier(g), nil
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
