package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/warp/allowance-engine/config"
	"github.com/warp/allowance-engine/store/sqlite"
)

var (
	cfgFile string
	dbPath  string
)

var rootCmd = &cobra.Command{
	Use:   "allowance-engine",
	Short: "Screen-time allowance and spending budget engine",
	Long: `Tracks per-member screen-time balances, grace (borrowed time) requests
with guardian approval, and spending budgets for families.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (optional)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "override database path")
}

// loadConfig loads configuration and applies the global flag overrides.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (*sqlite.Store, error) {
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("database opened", "path", cfg.Database.Path)
	return store, nil
}
