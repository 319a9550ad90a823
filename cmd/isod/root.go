package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/airone01/isod/internal/archive"
	"github.com/airone01/isod/internal/catalog"
	"github.com/airone01/isod/internal/config"
	"github.com/airone01/isod/internal/fetch"
	"github.com/airone01/isod/internal/orchestrator"
	"github.com/airone01/isod/internal/resolver"
	"github.com/airone01/isod/internal/retry"
	"github.com/airone01/isod/internal/safety"
)

var (
	// Global flags
	cfgPath     string
	archiveRoot string
	logLevel    string
	logFormat   string
	quiet       bool
	globalCfg   *config.Config
	logger      *slog.Logger

	// Global components
	globalCatalog *catalog.Catalog
	globalArchive *archive.Archive
	globalOrch    *orchestrator.Orchestrator
)

// initializeComponents builds the catalog, opens the archive, and wires
// the orchestrator. The archive takes an exclusive lock, so only one
// isod process can operate on it at a time.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	entries := catalog.BuiltinEntries()
	if globalCfg.Catalog.OverlayFile != "" {
		overlay, err := catalog.LoadOverlay(globalCfg.Catalog.OverlayFile)
		if err != nil {
			return fmt.Errorf("failed to load catalog overlay: %w", err)
		}
		entries = append(entries, overlay...)
	}
	cat, err := catalog.New(entries...)
	if err != nil {
		return fmt.Errorf("failed to build catalog: %w", err)
	}
	globalCatalog = cat

	arc, err := archive.Open(globalCfg.Archive.Root, cat.Scheme(), orchestrator.Orderings(cat), logger)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	globalArchive = arc

	policy := retryPolicy(globalCfg)
	res := resolver.New(safety.NewHTTPClient(30*time.Second), policy, logger)
	client := fetch.NewClient(globalCfg.Archive.StagingDir, policy, logger)
	pool := fetch.NewPool(client, globalCfg.Fetch.Workers, logger)

	globalOrch = orchestrator.New(globalCfg, cat, res, pool, arc, logger)

	logger.Debug("components initialized", "archive", globalCfg.Archive.Root)
	return nil
}

func retryPolicy(cfg *config.Config) retry.Policy {
	policy := retry.DefaultPolicy()
	if cfg.Fetch.RetryAttempts > 0 {
		policy.MaxAttempts = cfg.Fetch.RetryAttempts
	}
	if d, err := time.ParseDuration(cfg.Fetch.BaseDelay); err == nil && d > 0 {
		policy.BaseDelay = d
	}
	if d, err := time.ParseDuration(cfg.Fetch.MaxDelay); err == nil && d > 0 {
		policy.MaxDelay = d
	}
	return policy
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipInitCmds[cmdName]
}

// closeArchive releases the archive lock
func closeArchive() {
	if globalArchive != nil {
		if err := globalArchive.Close(); err != nil {
			logger.Error("failed to close archive", "error", err)
		}
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "isod",
		Short: "Semi-automatic archiver for bootable OS installer images",
		Long: `isod tracks a set of operating system installer images, watches their
upstream release channels, and keeps a verified local archive of the
latest releases. The archive can be mirrored onto a removable drive or
exported as split volumes for transfer into offline environments.`,
		Example: `  isod update
  isod update --yes
  isod list --distro ubuntu
  isod sync --dry-run
  isod export --to /mnt/transfer-disk --split-size 4GB
  isod verify`,
		Version: "0.1.0",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Warn("config file not found, using defaults", "error", err)
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

			if archiveRoot != "" {
				globalCfg.Archive.Root = archiveRoot
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "archive", globalCfg.Archive.Root)
			}

			if !shouldSkipComponentInit(cmd.Name()) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeArchive()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&archiveRoot, "archive-dir", "", "override archive root directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	cmd.AddCommand(
		newUpdateCmd(),
		newListCmd(),
		newStatusCmd(),
		newSyncCmd(),
		newExportCmd(),
		newVerifyCmd(),
		newGCCmd(),
		newRebuildCmd(),
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
	if quiet {
		level = slog.LevelError
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
