// ============================================================================
// gridsweep CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra front end of the scheduler, retry coordinator and catalog
//
// Command Structure:
//   gridsweep                      # Root command
//   ├── run                        # Solve the whole grid, save the archive
//   ├── retry                      # Re-solve failed cells of the archive
//   │   └── --watch               # Repeat on retry.schedule until clean
//   ├── resume                     # Rebuild an archive from a crash backup
//   │   └── --backup, -b          # Backup file of the interrupted run
//   ├── status                     # Summarize the archive
//   ├── history                    # List catalog entries
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --log-level                # Overrides log.level
//
// Configuration Management:
//   YAML file decoded over config.Default(). A missing default file falls
//   back to the built-in defaults; an explicit --config must exist.
//
// run Command:
//   1. Load config, build logger, metrics and catalog
//   2. Cancel the context on SIGINT / SIGTERM
//   3. Scheduler.Run with live progress on stderr
//   4. Save the archive, record the run in the catalog
//
//   Failed cells are not an error: they are reported and left for retry.
//   Cancellation exits with an error and keeps the crash backup.
//
// Examples:
//   ./gridsweep run -c configs/default.yaml --workers 8
//   ./gridsweep retry --watch
//   ./gridsweep resume -b ._BCKP_eit_1_<uuid>.tsv
//   ./gridsweep status
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/gridsweep/internal/archive"
	"github.com/ChuLiYu/gridsweep/internal/catalog"
	"github.com/ChuLiYu/gridsweep/internal/config"
	"github.com/ChuLiYu/gridsweep/internal/metrics"
	"github.com/ChuLiYu/gridsweep/internal/progress"
	"github.com/ChuLiYu/gridsweep/internal/retry"
	"github.com/ChuLiYu/gridsweep/internal/scheduler"
	"github.com/ChuLiYu/gridsweep/internal/solver/synthetic"
	"github.com/ChuLiYu/gridsweep/internal/storage/backup"
)

// DefaultConfigPath is the --config default.
const DefaultConfigPath = "configs/default.yaml"

// options are the persistent flags shared by every command.
type options struct {
	configFile string
	logLevel   string
}

// BuildCLI creates the root command.
func BuildCLI() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "gridsweep",
		Short: "gridsweep: crash-tolerant step-grid solver scheduler",
		Long: `gridsweep solves a (pattern x frequency x time) grid with a pool of
stateful step solvers:
- per-step failure isolation and zero-fill
- append-only crash backup and resume
- retry of failed cells only
- Prometheus metrics and a run history catalog`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildRetryCommand(opts))
	rootCmd.AddCommand(buildResumeCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildHistoryCommand(opts))

	return rootCmd
}

// ============================================================================
// Shared setup
// ============================================================================

// env is everything a command needs, built from the configuration.
type env struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector
	catalog  *catalog.Catalog
	out      io.Writer
	errOut   io.Writer // progress display
}

// loadConfig reads the config file. The default path may be absent.
func loadConfig(opts *options, explicit bool) (*config.Config, error) {
	if !explicit {
		if _, err := os.Stat(opts.configFile); errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
	}
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newEnv(cmd *cobra.Command, opts *options) (*env, error) {
	cfg, err := loadConfig(opts, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	return &env{
		cfg:    cfg,
		log:    slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})),
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
	}, nil
}

// instrument opens the metrics registry and the catalog when enabled.
func (e *env) instrument(ctx context.Context) {
	if e.cfg.Metrics.Enabled {
		e.registry = prometheus.NewRegistry()
		e.metrics = metrics.NewCollector(e.registry)
		go func() {
			e.log.Info("metrics server listening", "port", e.cfg.Metrics.Port)
			if err := metrics.StartServer(ctx, e.cfg.Metrics.Port, e.registry); err != nil {
				e.log.Error("metrics server failed", "error", err)
			}
		}()
	}
	if e.cfg.Catalog.Enabled {
		c, err := catalog.Open(e.cfg.Catalog.Path)
		if err != nil {
			e.log.Warn("catalog unavailable", "path", e.cfg.Catalog.Path, "error", err)
			return
		}
		e.catalog = c
	}
}

func (e *env) close() {
	if e.catalog != nil {
		if err := e.catalog.Close(); err != nil {
			e.log.Warn("catalog close failed", "error", err)
		}
	}
}

// begin records a run start; catalog errors are logged only.
func (e *env) begin(ctx context.Context, kind catalog.Kind, units int) *catalog.Run {
	if e.catalog == nil {
		return nil
	}
	run, err := e.catalog.Begin(ctx, kind, e.cfg.Label, e.cfg.Archive.Path, units)
	if err != nil {
		e.log.Warn("catalog begin failed", "error", err)
		return nil
	}
	return run
}

func (e *env) finish(run *catalog.Run, failed int, runErr error) {
	if e.catalog == nil || run == nil {
		return
	}
	// the run context may already be canceled
	if err := e.catalog.Finish(context.Background(), run, failed, runErr); err != nil {
		e.log.Warn("catalog finish failed", "error", err)
	}
}

func (e *env) scheduler() (*scheduler.Scheduler, error) {
	sc, err := e.cfg.SchedulerConfig(e.log, e.metrics, progress.NewTextSink(e.errOut))
	if err != nil {
		return nil, err
	}
	return scheduler.New(sc), nil
}

func (e *env) generator() (*synthetic.Generator, error) {
	return e.cfg.Generator()
}

// signalContext is canceled by SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *options) *cobra.Command {
	var workers int
	var label string
	var archivePath string
	var noBackup bool
	var withMetrics bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a full run over the grid",
		Long:  "Solve every cell of the configured grid and save the result archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, opts)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				e.cfg.Scheduler.Workers = workers
			}
			if label != "" {
				e.cfg.Label = label
			}
			if archivePath != "" {
				e.cfg.Archive.Path = archivePath
			}
			if noBackup {
				e.cfg.Backup.Enabled = false
			}
			if withMetrics {
				e.cfg.Metrics.Enabled = true
			}
			if err := e.cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runGrid(ctx, e)
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "worker count (overrides scheduler.workers)")
	cmd.Flags().StringVar(&label, "label", "", "run label (overrides label)")
	cmd.Flags().StringVar(&archivePath, "archive", "", "archive path (overrides archive.path)")
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "disable the crash backup")
	cmd.Flags().BoolVar(&withMetrics, "metrics", false, "serve Prometheus metrics")
	return cmd
}

func runGrid(ctx context.Context, e *env) error {
	e.instrument(ctx)
	defer e.close()

	gen, err := e.generator()
	if err != nil {
		return err
	}
	sched, err := e.scheduler()
	if err != nil {
		return err
	}
	grid := e.cfg.GridDescriptor()

	rec := e.begin(ctx, catalog.KindRun, grid.Units())
	a, err := sched.Run(ctx, grid, scheduler.Workload{}, gen.Factory())
	if err != nil {
		e.finish(rec, 0, err)
		return err
	}
	if err := archive.NewStore(e.cfg.Archive.Path).Write(a); err != nil {
		e.log.Error("archive save failed", "path", e.cfg.Archive.Path, "error", err)
		e.finish(rec, len(a.FailedSteps()), err)
		return err
	}
	e.finish(rec, len(a.FailedSteps()), nil)

	fmt.Fprintf(e.out, "saved %s\n%s", e.cfg.Archive.Path, a.Summary())
	if a.HasFailures() {
		fmt.Fprintf(e.out, "%d failed cells, run 'gridsweep retry' to repair them\n", len(a.FailedSteps()))
	}
	return nil
}

// ============================================================================
// retry
// ============================================================================

func buildRetryCommand(opts *options) *cobra.Command {
	var watch bool
	var workers int

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-solve the failed cells of the archive",
		Long:  "Load the archive, solve only its failed cells again and merge the repair back",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, opts)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				e.cfg.Scheduler.Workers = workers
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return retryArchive(ctx, e, watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "repeat on retry.schedule until clean or retry.max_rounds")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "worker count (overrides scheduler.workers)")
	return cmd
}

func retryArchive(ctx context.Context, e *env, watch bool) error {
	e.instrument(ctx)
	defer e.close()

	gen, err := e.generator()
	if err != nil {
		return err
	}
	sched, err := e.scheduler()
	if err != nil {
		return err
	}
	coord := retry.NewCoordinator(sched, e.log)
	store := archive.NewStore(e.cfg.Archive.Path)
	grid := e.cfg.GridDescriptor()

	if watch {
		spec := e.cfg.Retry.Schedule
		if spec == "" {
			return errors.New("retry --watch needs retry.schedule in the config")
		}
		sch, err := retry.ParseSchedule(spec)
		if err != nil {
			return err
		}
		rec := e.begin(ctx, catalog.KindRetry, 0)
		reports, err := retry.NewWatcher(coord, store, sch, grid, gen.Factory(), e.cfg.Retry.MaxRounds).Run(ctx)
		failed := 0
		if n := len(reports); n > 0 {
			failed = len(reports[n-1].StillFailed)
		}
		e.finish(rec, failed, err)
		for i, r := range reports {
			fmt.Fprintf(e.out, "round %d: %s\n", i+1, r)
		}
		return err
	}

	a, err := store.Load()
	if err != nil {
		return err
	}
	rec := e.begin(ctx, catalog.KindRetry, len(a.FailedSteps())*grid.P())
	out, report, err := coord.Retry(ctx, a, grid, gen.Factory())
	if err != nil {
		e.finish(rec, len(a.FailedSteps()), err)
		return err
	}
	if !report.NothingToRetry {
		if err := store.Write(out); err != nil {
			e.finish(rec, len(report.StillFailed), err)
			return err
		}
	}
	e.finish(rec, len(report.StillFailed), nil)
	fmt.Fprintln(e.out, report)
	return nil
}

// ============================================================================
// resume
// ============================================================================

func buildResumeCommand(opts *options) *cobra.Command {
	var backupPath string

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume an interrupted run from its crash backup",
		Long:  "Rebuild the archive from a backup file, solve what is missing and save it",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return resumeRun(ctx, e, backupPath)
		},
	}

	cmd.Flags().StringVarP(&backupPath, "backup", "b", "", "backup file of the interrupted run")
	cmd.MarkFlagRequired("backup")
	return cmd
}

func resumeRun(ctx context.Context, e *env, backupPath string) error {
	e.instrument(ctx)
	defer e.close()

	grid := e.cfg.GridDescriptor()
	a, err := backup.Recover(backupPath, grid, e.cfg.Label)
	if err != nil {
		return fmt.Errorf("failed to recover %s: %w", backupPath, err)
	}
	e.log.Info("backup recovered", "path", backupPath, "missing", len(a.FailedSteps()))

	gen, err := e.generator()
	if err != nil {
		return err
	}
	sched, err := e.scheduler()
	if err != nil {
		return err
	}

	rec := e.begin(ctx, catalog.KindResume, len(a.FailedSteps())*grid.P())
	out, report, err := retry.NewCoordinator(sched, e.log).Retry(ctx, a, grid, gen.Factory())
	if err != nil {
		e.finish(rec, len(a.FailedSteps()), err)
		return err
	}
	if err := archive.NewStore(e.cfg.Archive.Path).Write(out); err != nil {
		e.finish(rec, len(report.StillFailed), err)
		return err
	}
	e.finish(rec, len(report.StillFailed), nil)

	if err := backup.Delete(backupPath); err != nil {
		e.log.Warn("backup delete failed", "path", backupPath, "error", err)
	}
	fmt.Fprintf(e.out, "resumed into %s: %s\n", e.cfg.Archive.Path, report)
	return nil
}

// ============================================================================
// status / history
// ============================================================================

func buildStatusCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show archive status",
		Long:  "Display shape, failed cells and timers of the saved archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, opts)
			if err != nil {
				return err
			}
			return showStatus(e)
		},
	}
	return cmd
}

func showStatus(e *env) error {
	store := archive.NewStore(e.cfg.Archive.Path)
	if !store.Exists() {
		fmt.Fprintf(e.out, "no archive at %s (run 'gridsweep run' first)\n", store.Path())
		return nil
	}
	a, err := store.Load()
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "archive:  %s\n%s", store.Path(), a.Summary())
	return nil
}

func buildHistoryCommand(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Long:  "Display the most recent runs from the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, opts)
			if err != nil {
				return err
			}
			return showHistory(cmd.Context(), e, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show, 0 for all")
	return cmd
}

func showHistory(ctx context.Context, e *env, limit int) error {
	if !e.cfg.Catalog.Enabled {
		fmt.Fprintln(e.out, "catalog disabled")
		return nil
	}
	c, err := catalog.Open(e.cfg.Catalog.Path)
	if err != nil {
		return err
	}
	defer c.Close()

	runs, err := c.List(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%-36s  %-7s  %-10s  %-9s  %6s  %6s  %s\n", "ID", "KIND", "LABEL", "STATUS", "UNITS", "FAILED", "STARTED")
	for _, r := range runs {
		fmt.Fprintf(e.out, "%-36s  %-7s  %-10s  %-9s  %6d  %6d  %s\n",
			r.ID, r.Kind, r.Label, r.Status, r.Units, r.Failed, r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}
