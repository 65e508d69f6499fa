// Package retry re-runs the failed cells of an archive and merges the repair
// back without touching any other cell.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/gridsweep/internal/archive"
	"github.com/ChuLiYu/gridsweep/internal/scheduler"
	"github.com/ChuLiYu/gridsweep/internal/solver"
	"github.com/ChuLiYu/gridsweep/pkg/types"
)

var (
	// ErrGridMismatch is returned when the grid does not describe the archive.
	ErrGridMismatch = errors.New("retry: grid does not match archive")
	// ErrLabelMismatch is returned when the archive belongs to another run.
	ErrLabelMismatch = errors.New("retry: archive label does not match run label")
)

// Report describes one retry pass.
type Report struct {
	Attempted      []types.StepKey // failed cells before the pass
	Repaired       []types.StepKey // cells that came back valid
	StillFailed    []types.StepKey // failed cells after the merge
	Elapsed        time.Duration
	NothingToRetry bool
}

// Clean reports whether the archive has no failure left.
func (r Report) Clean() bool { return len(r.StillFailed) == 0 }

func (r Report) String() string {
	if r.NothingToRetry {
		return "nothing to retry"
	}
	return fmt.Sprintf("retried %d cells: %d repaired, %d still failed (%s)",
		len(r.Attempted), len(r.Repaired), len(r.StillFailed), r.Elapsed.Round(time.Millisecond))
}

// Coordinator runs retry passes through a scheduler.
type Coordinator struct {
	sched *scheduler.Scheduler
	log   *slog.Logger
}

// NewCoordinator creates a coordinator. A nil logger uses slog.Default().
func NewCoordinator(s *scheduler.Scheduler, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{sched: s, log: logger}
}

// Retry solves the failed cells of a again and returns the merged archive.
// a itself is never modified: without failures it is returned as is,
// otherwise a merged copy is returned. Cells that fail again are a normal
// outcome reported in Report.StillFailed.
func (c *Coordinator) Retry(ctx context.Context, a *archive.Archive, grid types.GridDescriptor, factory solver.Factory) (*archive.Archive, Report, error) {
	if !grid.SameShape(a.Grid()) || grid.Static != a.Grid().Static {
		return nil, Report{}, fmt.Errorf("%w: archive %dx%dx%dx%d, grid %dx%dx%dx%d", ErrGridMismatch,
			a.Grid().P(), a.Grid().F(), a.Grid().T(), a.Grid().E(), grid.P(), grid.F(), grid.T(), grid.E())
	}
	if label := c.sched.Config().Label; label != "" && a.Label != "" && label != a.Label {
		return nil, Report{}, fmt.Errorf("%w: archive %q, run %q", ErrLabelMismatch, a.Label, label)
	}

	failed := a.FailedSteps()
	if len(failed) == 0 {
		c.log.Info("nothing to retry", "label", a.Label)
		return a, Report{NothingToRetry: true}, nil
	}

	start := time.Now()
	c.sched.Config().Metrics.RecordRetryRound()
	times, freqs := types.SplitKeys(failed)
	c.log.Info("retry started", "label", a.Label, "cells", len(failed), "steps", len(times), "freqs", len(freqs))

	patch, err := c.sched.Run(ctx, grid, scheduler.Workload{Times: times, Freqs: freqs}, factory)
	if err != nil {
		return nil, Report{Attempted: failed, Elapsed: time.Since(start)}, fmt.Errorf("retry: %w", err)
	}

	out := a.Clone()
	if err := out.Merge(failed, patch); err != nil {
		return nil, Report{Attempted: failed, Elapsed: time.Since(start)}, fmt.Errorf("retry: %w", err)
	}
	out.AddTimer(archive.TimerSolve, patch.Timers[archive.TimerSolve])

	still := out.FailedSteps()
	report := Report{
		Attempted:   failed,
		Repaired:    difference(failed, still),
		StillFailed: still,
		Elapsed:     time.Since(start),
	}
	c.log.Info("retry finished",
		"label", a.Label,
		"attempted", len(report.Attempted),
		"repaired", len(report.Repaired),
		"still_failed", len(report.StillFailed),
		"elapsed", report.Elapsed)
	return out, report, nil
}

// difference returns the keys of a that are not in b, in a's order.
func difference(a, b []types.StepKey) []types.StepKey {
	in := make(map[types.StepKey]bool, len(b))
	for _, k := range b {
		in[k] = true
	}
	var out []types.StepKey
	for _, k := range a {
		if !in[k] {
			out = append(out, k)
		}
	}
	return out
}
