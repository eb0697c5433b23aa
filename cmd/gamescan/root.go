package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BadgerOps/gamescan/internal/catalog"
	"github.com/BadgerOps/gamescan/internal/config"
	"github.com/BadgerOps/gamescan/internal/download"
	"github.com/BadgerOps/gamescan/internal/engine"
	"github.com/BadgerOps/gamescan/internal/store"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgPath   string
	dbPath    string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore  *store.Store
	globalLoader *catalog.Loader
	globalEngine *engine.Engine
)

// initializeComponents initializes the global store, catalog loader, download
// client and engine
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	// Initialize store
	path := globalCfg.Server.DBPath
	if path == "" {
		path = config.DefaultDBPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	st, err := store.New(path, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	loader := catalog.NewLoader(nil, logger)
	if globalCfg.Game.BaseURL != "" {
		loader.SetBaseURL(globalCfg.Game.BaseURL)
	}
	globalLoader = loader

	client := download.NewClient(logger)
	client.SetProgressInterval(globalCfg.Scan.ProgressInterval)

	globalEngine = engine.New(loader, client, globalStore, engine.Options{
		CatalogSource:    globalCfg.Game.Catalog,
		RetryAttempts:    globalCfg.Scan.RetryAttempts,
		StopOnFirstError: globalCfg.Scan.StopOnFirstError,
	}, logger)

	logger.Debug("components initialized successfully", "db_path", path)
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"config":  true,
		"show":    true,
		"init":    true,
		"locate":  true,
		"mirrors": true,
	}
	return skipInitCmds[cmdName]
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gamescan",
		Short: "Verify and repair game installation files",
		Long: `gamescan checks every file of a game installation against an authoritative
catalog of sizes and content digests, and repairs missing or corrupted files by
downloading the correct bytes. Scans can run from the command line or be driven
through an HTTP API with a live progress stream.`,
		Example: `  gamescan scan --path "/games/Age of Empires Online"
  gamescan scan --catalog https://cdn.example.com/catalog.json.zst
  gamescan locate
  gamescan history --limit 5
  gamescan serve --listen 127.0.0.1:8080`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging()

			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			// Load config
			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			// Override with command-line flags if provided
			if dbPath != "" {
				globalCfg.Server.DBPath = dbPath
			}
			applyScanFlags(globalCfg)

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "catalog", globalCfg.Game.Catalog)
			}

			// Initialize components after config is loaded
			if !shouldSkipComponentInit(cmd.Name()) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "override scan history database path")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	// Add subcommands
	cmd.AddCommand(
		newScanCmd(),
		newLocateCmd(),
		newHistoryCmd(),
		newServeCmd(),
		newConfigCmd(),
		newMirrorsCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
		"init":    true,
	}
	return skipConfigCmds[cmdName]
}
