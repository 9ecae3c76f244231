package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/maxiofs/nativekv/internal/config"
	"github.com/maxiofs/nativekv/internal/logging"
	"github.com/maxiofs/nativekv/internal/metrics"
	"github.com/maxiofs/nativekv/pkg/nativekv"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// recentWarnings is how many warnings a session keeps for the stats command.
const recentWarnings = 10

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var rootCmd = &cobra.Command{
		Use:   "nativekv",
		Short: "nativekv - boundary-safe access to an embedded key-value store",
		Long: `nativekv reads and writes an embedded Pebble or Badger database through
the same handle and buffer protocol used by native callers.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add configuration flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "", "Database directory path")
	rootCmd.PersistentFlags().StringP("log-level", "", "warn", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("log-format", "", "text", "Log format (json, text)")
	rootCmd.PersistentFlags().StringP("engine", "e", "pebble", "Storage engine (pebble, badger)")
	rootCmd.PersistentFlags().StringP("compression", "", "snappy", "Block compression (none, snappy, zstd)")
	rootCmd.PersistentFlags().StringP("cache-size", "", "8MiB", "Block cache size")
	rootCmd.PersistentFlags().Bool("paranoid-checks", false, "Check database integrity at open and verify checksums on read")

	rootCmd.AddCommand(
		newPutCmd(),
		newGetCmd(),
		newDeleteCmd(),
		newBatchCmd(),
		newCompactCmd(),
		newStatsCmd(),
	)
	return rootCmd
}

// session is an open runtime and database for the duration of one command.
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	metrics metrics.Manager
	rt      *nativekv.Runtime
	db      nativekv.DBHandle
	// recent holds the warnings and errors logged during the session.
	recent *logging.CaptureHook
}

// withDatabase loads configuration, opens the configured database and runs
// fn against it. The database and runtime are always shut down afterwards.
func withDatabase(cmd *cobra.Command, fn func(s *session) error) (err error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	recent := logging.NewCaptureHook(logrus.WarnLevel, recentWarnings)
	logger.AddHook(recent)
	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"engine":  cfg.Engine,
	}).Debug("Starting nativekv")

	opts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}

	mgr := metrics.NewManager(cfg.Metrics)
	rt := nativekv.NewRuntime(nativekv.Config{
		Logger:         logger,
		Metrics:        mgr,
		Engine:         cfg.EngineKind(),
		MaxPins:        cfg.Runtime.MaxPins,
		MaxNativeBytes: cfg.MaxNativeBytes(),
	})
	defer func() {
		if serr := rt.Shutdown(); serr != nil && err == nil {
			err = fmt.Errorf("failed to shut down runtime: %w", serr)
		}
	}()

	db, err := rt.Open(cfg.DataDir, opts)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	return fn(&session{cfg: cfg, logger: logger, metrics: mgr, rt: rt, db: db, recent: recent})
}
