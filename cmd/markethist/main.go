package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rentradar/markethist/internal/config"
	"github.com/rentradar/markethist/internal/ingest"
	"github.com/rentradar/markethist/internal/metric"
	"github.com/rentradar/markethist/internal/report"
	"github.com/rentradar/markethist/internal/server"
	"github.com/rentradar/markethist/internal/snapshot"
	"github.com/rentradar/markethist/internal/store"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "markethist",
	Short:   "Historical real-estate market metrics",
	Long:    "Markethist reconciles periodic market metric snapshots into a durable historical store and serves the accumulated history.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger, err = buildLogger(cfg.Logging.Level, verbose)
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(serveCmd)
}

func buildLogger(level string, verbose bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	if verbose {
		lvl = zapcore.DebugLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("markethist", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/markethist/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to point at your database and snapshot directory.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-family table status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		fmt.Println("Metric families:")
		for _, fam := range metric.Families() {
			stats, err := st.FamilyStats(ctx, fam)
			if err != nil {
				return fmt.Errorf("reading %s stats: %w", fam.Name, err)
			}
			latest := stats.LatestPeriod
			if latest == "" {
				latest = "-"
			}
			fmt.Printf("  %-28s %7d rows  %5d locations  latest %s\n",
				fam.Name, stats.Rows, stats.Locations, latest)
		}

		runs, err := st.RecentRuns(ctx, 5)
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}
		if len(runs) > 0 {
			fmt.Println("\nRecent runs:")
			for _, r := range runs {
				fmt.Printf("  %s  %-28s %-9s +%d ~%d !%d\n",
					r.StartedAt.Format("2006-01-02 15:04"),
					r.Family, r.Status,
					r.Inserted+r.Backfilled+r.Advanced, r.Corrected, r.FailedRows)
			}
		}
		return nil
	},
}

// --- ingest command ---

var ingestCmd = &cobra.Command{
	Use:   "ingest [family] [file]",
	Short: "Reconcile one snapshot file into the historical store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fam, err := metric.FamilyByName(args[0])
		if err != nil {
			return err
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		snap, err := snapshot.ReadFile(args[1], fam)
		if err != nil {
			return fmt.Errorf("reading snapshot: %w", err)
		}

		return runFamily(cmd.Context(), st, fam, snap)
	},
}

// --- run command ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Reconcile the newest snapshot of every family from the snapshot directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		var firstErr error
		for _, fam := range metric.Families() {
			path, err := snapshot.FindLatest(cfg.Snapshots.Dir, fam)
			if err != nil {
				fmt.Printf("%s: no snapshot found, skipping\n", fam.Name)
				continue
			}

			snap, err := snapshot.ReadFile(path, fam)
			if err != nil {
				fmt.Printf("%s: reading %s failed: %v\n", fam.Name, path, err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}

			if err := runFamily(cmd.Context(), st, fam, snap); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	},
}

// --- refresh command ---

var refreshCmd = &cobra.Command{
	Use:   "refresh [family...]",
	Short: "Rebuild the read-optimized projections",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		fams := metric.Families()
		if len(args) > 0 {
			fams = fams[:0]
			for _, name := range args {
				fam, err := metric.FamilyByName(name)
				if err != nil {
					return err
				}
				fams = append(fams, fam)
			}
		}

		ctx := cmd.Context()
		for _, fam := range fams {
			if err := st.RefreshProjection(ctx, fam); err != nil {
				return fmt.Errorf("refreshing %s: %w", fam.Name, err)
			}
			fmt.Printf("Refreshed %s\n", fam.View)
		}
		return nil
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		port := cfg.Server.Port
		if servePort != 0 {
			port = servePort
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(st, port, logger)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (overrides config)")
}

// runFamily merges one snapshot, persists the run record with its
// report, and prints the outcome.
func runFamily(ctx context.Context, st store.Store, fam metric.Family, snap *snapshot.Snapshot) error {
	coord := ingest.New(st, ingest.Options{
		BatchSize:   cfg.Ingest.BatchSize,
		Workers:     cfg.Ingest.Workers,
		MaxAttempts: cfg.Ingest.MaxAttempts,
		RetryDelay:  cfg.Ingest.RetryDelay.Std(),
		RunTimeout:  cfg.Ingest.RunTimeout.Std(),
	}, logger)

	sum, runErr := coord.Run(ctx, fam, snap)

	rec := sum.Record()
	rec.ReportMarkdown = report.Compose(sum)
	if err := st.InsertRun(ctx, rec); err != nil {
		logger.Warn("persisting run record failed", zap.String("run_id", sum.RunID), zap.Error(err))
	}

	fmt.Printf("%s: %s (insert %d, backfill %d, advance %d, correct %d, noop %d, failed rows %d)\n",
		fam.Name, sum.Status,
		sum.Inserted, sum.Backfilled, sum.Advanced, sum.Corrected, sum.NoOps, len(sum.FailedRows))
	return runErr
}

func openStore() (store.Store, error) {
	return store.Open(store.Config{
		Driver: cfg.Database.Driver,
		Path:   cfg.DatabasePath(),
		DSN:    cfg.Database.DSN,
	}, logger)
}
