package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/dsmanager/internal/archive"
	"github.com/BadgerOps/dsmanager/internal/catalog"
	"github.com/BadgerOps/dsmanager/internal/config"
	"github.com/BadgerOps/dsmanager/internal/download"
	"github.com/BadgerOps/dsmanager/internal/engine"
	"github.com/BadgerOps/dsmanager/internal/integrity"
	"github.com/BadgerOps/dsmanager/internal/mirror"
	"github.com/BadgerOps/dsmanager/internal/safety"
	"github.com/BadgerOps/dsmanager/internal/store"
)

var version = "0.1.0"

var (
	// Global flags
	cfgPath   string
	dataDir   string
	logLevel  string
	logFormat string
	offline   bool
	quiet     bool
	globalCfg *config.Config
	logger    = slog.Default()

	// Global components
	globalStore    *store.Store
	globalRegistry *catalog.Registry
	globalOrch     *engine.Orchestrator
	globalRanker   *mirror.Ranker
)

// initializeComponents opens the history store, loads the catalog, detects
// local state and builds the orchestrator.
func initializeComponents(ctx context.Context) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	st, err := store.New(globalCfg.DatabasePath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	globalRanker = newRanker()
	mirrorBase, err := resolveMirror(ctx)
	if err != nil {
		return err
	}

	source := engine.ResolveURL(globalCfg.CatalogPath(), mirrorBase)
	if offline && (strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")) {
		return fmt.Errorf("catalog %s: %w", source, download.ErrOffline)
	}
	datasets, err := catalog.Load(ctx, source, safety.NewHTTPClient(60*time.Second))
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	datasets = catalog.Detect(globalCfg.Data.Location, datasets, logger)

	reg, err := catalog.NewRegistry(datasets)
	if err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}
	globalRegistry = reg
	restoreEnabled(reg, st)

	client := download.NewClient(logger, download.Options{
		UserAgent:        globalCfg.Download.UserAgent,
		ProgressInterval: globalCfg.Download.ProgressInterval,
		Offline:          offline,
	})
	installer := archive.NewInstaller(logger, archive.Options{
		StagingRoot:      globalCfg.StagingDir(),
		ProgressInterval: globalCfg.Download.ProgressInterval,
	})
	globalOrch = engine.New(reg, client, integrity.NewVerifier(logger), installer, engine.Options{
		DataRoot:   globalCfg.Data.Location,
		Mirror:     mirrorBase,
		AppVersion: globalCfg.App.Version,
		History:    st,
	}, logger)

	logger.Debug("components initialized", "datasets", reg.Len(), "mirror", mirrorBase, "catalog", source)
	return nil
}

func newRanker() *mirror.Ranker {
	return mirror.NewRanker(logger, globalCfg.Download.UserAgent, "")
}

// resolveMirror returns the configured mirror base, ranking data.mirrors
// when it is set to auto.
func resolveMirror(ctx context.Context) (string, error) {
	if globalCfg.Data.Mirror != config.MirrorAuto {
		return globalCfg.Data.Mirror, nil
	}
	if offline {
		return globalCfg.Data.Mirrors[0], nil
	}
	best, err := globalRanker.Fastest(ctx, globalCfg.Data.Mirrors)
	if err != nil {
		return "", fmt.Errorf("selecting mirror: %w", err)
	}
	return best, nil
}

// restoreEnabled applies persisted enabled flags. Base data is always enabled
// when present.
func restoreEnabled(reg *catalog.Registry, st *store.Store) {
	recs, err := st.ListInstalled()
	if err != nil {
		logger.Warn("failed to read installed datasets", "error", err)
		return
	}
	for _, rec := range recs {
		if !rec.Enabled {
			continue
		}
		if err := reg.Enable(rec.Key, true); err != nil {
			logger.Debug("stale enabled flag", "key", rec.Key, "error", err)
		}
	}
	if ds, ok := reg.Get(catalog.BaseDataKey); ok && ds.Exists {
		_ = reg.Enable(catalog.BaseDataKey, true)
	}
}

// needsComponents reports whether cmd or any of its parents requires the
// catalog and store.
func needsComponents(cmd *cobra.Command) bool {
	skip := map[string]bool{
		"help":       true,
		"version":    true,
		"config":     true,
		"mirrors":    true,
		"completion": true,
	}
	for c := cmd; c != nil; c = c.Parent() {
		if skip[c.Name()] {
			return false
		}
	}
	return true
}

// closeComponents stops in-flight jobs and closes the store
func closeComponents() {
	if globalOrch != nil {
		globalOrch.Close()
		globalOrch = nil
	}
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
		Use:   "dsmanager",
		Short: "Download, verify and install datasets into a local data root",
		Long: `dsmanager manages the datasets of a local data directory. It reads a dataset
catalog, detects what is already installed, and downloads, verifies and
installs archives from a mirror. Transfers resume after interruption and
every job is recorded in a local history database.`,
		Example: `  dsmanager list
  dsmanager install hip gaia-dr3-default
  dsmanager update
  dsmanager remove hip
  dsmanager serve --listen 127.0.0.1:8090`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

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

			if dataDir != "" {
				globalCfg.Data.Location = dataDir
			}
			if offline {
				globalCfg.Data.Offline = true
			}
			offline = globalCfg.Data.Offline

			logger.Debug("config loaded", "path", cfgPath, "data_dir", globalCfg.Data.Location)

			if needsComponents(cmd) {
				if err := initializeComponents(cmd.Context()); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&offline, "offline", false, "only install from file:// sources")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress progress output")

	cmd.AddCommand(
		newListCmd(),
		newInstallCmd(),
		newUpdateCmd(),
		newRemoveCmd(),
		newEnableCmd(),
		newDisableCmd(),
		newCleanupCmd(),
		newHistoryCmd(),
		newMirrorsCmd(),
		newServeCmd(),
		newConfigCmd(),
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
	}
	return skipConfigCmds[cmdName]
}
