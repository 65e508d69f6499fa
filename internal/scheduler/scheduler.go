// ============================================================================
// gridsweep Scheduler - partition, run, aggregate
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Function: turn a workload into a full-shaped result archive
//
// Run flow:
//
//   Workload ──partition──> Assignments ──worker.Pool──> Partials
//                                 │                         │
//                          backup log (shared)         aggregate
//                                                           │
//                                                           v
//                                              archive.Archive (full shape)
//
//   1. validate the grid and the workload, resolve nil axes to the full axis
//   2. partition the time indices (worker count clamped to the workload)
//   3. open the crash backup (best effort)
//   4. run one worker loop per partition, progress fanned in by a Reporter
//   5. scatter (or sum) every outcome at its (pattern, frequency, time)
//   6. record timers, policy, failed cells and provenance
//   7. delete the backup; it is kept whenever Run returns an error
//
// Error boundary:
//   step and partition failures come back as data in the archive. Only
//   cancellation (ErrCanceled) and invalid input cross the boundary.
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ChuLiYu/gridsweep/internal/archive"
	"github.com/ChuLiYu/gridsweep/internal/classifier"
	"github.com/ChuLiYu/gridsweep/internal/metrics"
	"github.com/ChuLiYu/gridsweep/internal/partition"
	"github.com/ChuLiYu/gridsweep/internal/progress"
	"github.com/ChuLiYu/gridsweep/internal/solver"
	"github.com/ChuLiYu/gridsweep/internal/storage/backup"
	"github.com/ChuLiYu/gridsweep/internal/worker"
	"github.com/ChuLiYu/gridsweep/pkg/types"
)

var (
	// ErrCanceled wraps the cancellation that aborted a run.
	ErrCanceled = errors.New("scheduler: run canceled")
	// ErrInvalidWorkload is returned for a bad grid, index set or worker count.
	ErrInvalidWorkload = errors.New("scheduler: invalid workload")
	// ErrOverlap is returned when scatter aggregation places two outcomes on
	// the same cell.
	ErrOverlap = errors.New("scheduler: overlapping outcomes")
	// ErrUnknownAggregation is returned by ParseAggregation.
	ErrUnknownAggregation = errors.New("scheduler: unknown aggregation")
)

// ============================================================================
// Configuration
// ============================================================================

// Aggregation selects how partials are combined into the archive.
type Aggregation string

const (
	AggregateScatter Aggregation = "scatter" // place each outcome at its own cell
	AggregateSum     Aggregation = "sum"     // superpose contributions elementwise
)

// ParseAggregation converts a configuration string. The empty string maps
// to AggregateScatter.
func ParseAggregation(s string) (Aggregation, error) {
	switch Aggregation(strings.ToLower(strings.TrimSpace(s))) {
	case "", AggregateScatter:
		return AggregateScatter, nil
	case AggregateSum:
		return AggregateSum, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAggregation, s)
}

// BackupConfig controls the crash backup log.
type BackupConfig struct {
	Enabled bool
	Dir     string // directory of the backup file, "" is the working directory
	Sync    bool   // fsync after every line
}

// Config Scheduler configuration
type Config struct {
	Workers          int                // worker count, clamped to the workload
	Strategy         partition.Strategy // partitioning strategy
	Aggregation      Aggregation        // scatter or sum
	Policy           classifier.Policy  // failure rule
	Backup           BackupConfig       // crash backup
	Label            string             // run label, names the backup file
	Logger           *slog.Logger       // nil uses slog.Default()
	Metrics          *metrics.Collector // nil disables metrics
	Progress         progress.Sink      // nil disables progress rendering
	ProgressInterval time.Duration      // render period, 0 uses the reporter default
}

// Workload restricts a run to a subset of the grid. A nil axis means the
// full axis.
type Workload struct {
	Times []int // time indices
	Freqs []int // frequency indices
}

// Scheduler runs workloads. It holds no per-run state and may be reused.
type Scheduler struct {
	cfg Config
	log *slog.Logger
}

// New creates a scheduler. A zero policy is replaced by
// classifier.DefaultPolicy and empty strategy/aggregation by their defaults.
func New(cfg Config) *Scheduler {
	if cfg.Policy == (classifier.Policy{}) {
		cfg.Policy = classifier.DefaultPolicy()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = partition.StrategyDefault
	}
	if cfg.Aggregation == "" {
		cfg.Aggregation = AggregateScatter
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{cfg: cfg, log: log}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// ============================================================================
// Run
// ============================================================================

// Run solves work on grid with one solver per worker built by factory and
// returns the full-shaped archive.
func (s *Scheduler) Run(ctx context.Context, grid types.GridDescriptor, work Workload, factory solver.Factory) (*archive.Archive, error) {
	runStart := time.Now()
	defer func() { s.cfg.Metrics.SetRunDuration(time.Since(runStart)) }()

	work, err := resolve(grid, work)
	if err != nil {
		return nil, err
	}
	if s.cfg.Workers < 1 {
		return nil, fmt.Errorf("%w: workers must be >= 1, got %d", ErrInvalidWorkload, s.cfg.Workers)
	}
	if s.cfg.Aggregation != AggregateScatter && s.cfg.Aggregation != AggregateSum {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAggregation, s.cfg.Aggregation)
	}

	policy := s.cfg.Policy
	if policy.CheckBlowUp && !grid.Static {
		// oscillating phasor series jump by design
		s.log.Debug("blow-up rule disabled on a frequency-domain grid", "label", s.cfg.Label)
		policy.CheckBlowUp = false
	}

	// ---- 1. Partition ----
	partStart := time.Now()
	parts, err := partition.Partition(work.Times, s.cfg.Workers, s.cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWorkload, err)
	}
	assignments := make([]worker.Assignment, len(parts))
	for i, p := range parts {
		assignments[i] = worker.Assignment{Worker: i, Times: p, Freqs: work.Freqs}
	}
	partElapsed := time.Since(partStart)

	// ---- 2. Backup ----
	var sink worker.BackupSink
	var blog *backup.Log
	if s.cfg.Backup.Enabled {
		path := backup.FileName(s.cfg.Backup.Dir, s.cfg.Label)
		blog, err = backup.Open(path, s.cfg.Backup.Sync)
		if err != nil {
			s.cfg.Metrics.RecordBackupError()
			s.log.Warn("backup log unavailable, continuing without it", "path", path, "error", err)
			blog = nil
		} else {
			sink = blog
		}
	}

	s.log.Info("run started",
		"label", s.cfg.Label,
		"shape", fmt.Sprintf("%dx%dx%dx%d", grid.P(), grid.F(), grid.T(), grid.E()),
		"steps", len(work.Times),
		"freqs", len(work.Freqs),
		"workers", len(assignments),
		"strategy", s.cfg.Strategy,
		"backup", blog.Path())

	// ---- 3. Solve ----
	pool := worker.NewPool(worker.Config{
		Grid:    grid,
		Policy:  policy,
		Logger:  s.log,
		Backup:  sink,
		Metrics: s.cfg.Metrics,
	}, factory, assignments)

	var reporter *progress.Reporter
	if s.cfg.Progress != nil {
		reporter = progress.NewReporter(pool.Channels(), s.cfg.Progress, s.cfg.ProgressInterval)
		reporter.Start()
	}

	solveStart := time.Now()
	partials, err := pool.Run(ctx)
	solveElapsed := time.Since(solveStart)
	if err != nil {
		if reporter != nil {
			reporter.Stop()
		}
		s.closeBackup(blog)
		s.log.Warn("run canceled, backup kept", "label", s.cfg.Label, "backup", blog.Path(), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	if reporter != nil {
		reporter.Wait()
	}

	// ---- 4. Aggregate ----
	aggStart := time.Now()
	a := archive.New(grid, s.cfg.Label)
	if s.cfg.Aggregation == AggregateSum {
		sum(a, partials)
	} else if err := scatter(a, partials); err != nil {
		s.closeBackup(blog)
		return nil, err
	}
	var failed []types.StepKey
	for _, p := range partials {
		failed = append(failed, p.Failed...)
	}
	a.SetFailedSteps(failed)
	a.Policy = policy

	a.AddTimer(archive.TimerPartition, partElapsed.Seconds())
	a.AddTimer(archive.TimerSolve, solveElapsed.Seconds())
	a.AddTimer(archive.TimerAggregate, time.Since(aggStart).Seconds())

	a.Metadata["workers"] = len(assignments)
	a.Metadata["strategy"] = string(s.cfg.Strategy)
	a.Metadata["aggregation"] = string(s.cfg.Aggregation)
	a.Metadata["backup_file"] = blog.Path()

	// ---- 5. Backup cleanup ----
	if blog != nil {
		s.closeBackup(blog)
		if err := backup.Delete(blog.Path()); err != nil {
			s.cfg.Metrics.RecordBackupError()
			s.log.Warn("backup delete failed", "path", blog.Path(), "error", err)
		}
	}

	s.log.Info("run finished",
		"label", s.cfg.Label,
		"solve_s", solveElapsed.Seconds(),
		"failed", len(a.FailedSteps()))
	return a, nil
}

func (s *Scheduler) closeBackup(l *backup.Log) {
	if l == nil {
		return
	}
	if err := l.Close(); err != nil {
		s.cfg.Metrics.RecordBackupError()
		s.log.Warn("backup close failed", "path", l.Path(), "error", err)
	}
}

// resolve validates grid and work and fills nil axes.
func resolve(grid types.GridDescriptor, work Workload) (Workload, error) {
	if err := grid.Validate(); err != nil {
		return work, fmt.Errorf("%w: %w", ErrInvalidWorkload, err)
	}
	if work.Times == nil {
		work.Times = partition.Range(grid.T())
	}
	if work.Freqs == nil {
		work.Freqs = partition.Range(grid.F())
	}
	if err := checkIndices("time", work.Times, grid.T()); err != nil {
		return work, err
	}
	if err := checkIndices("frequency", work.Freqs, grid.F()); err != nil {
		return work, err
	}
	return work, nil
}

func checkIndices(axis string, idx []int, n int) error {
	seen := make(map[int]bool, len(idx))
	for _, i := range idx {
		if i < 0 || i >= n {
			return fmt.Errorf("%w: %s index %d outside [0,%d)", ErrInvalidWorkload, axis, i, n)
		}
		if seen[i] {
			return fmt.Errorf("%w: duplicate %s index %d", ErrInvalidWorkload, axis, i)
		}
		seen[i] = true
	}
	return nil
}
