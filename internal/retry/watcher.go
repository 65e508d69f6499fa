package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/gridsweep/internal/archive"
	"github.com/ChuLiYu/gridsweep/internal/solver"
	"github.com/ChuLiYu/gridsweep/pkg/types"
)

// ErrInvalidSchedule is returned by ParseSchedule.
var ErrInvalidSchedule = errors.New("retry: invalid schedule")

// ParseSchedule parses a five-field cron expression or a descriptor such as
// "@hourly" or "@every 10m".
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}
	return s, nil
}

// Watcher runs retry rounds against an archive file on a schedule: load,
// retry, save. It stops when the archive is clean or after MaxRounds rounds.
type Watcher struct {
	coord     *Coordinator
	store     *archive.Store
	schedule  cron.Schedule
	grid      types.GridDescriptor
	factory   solver.Factory
	maxRounds int
}

// NewWatcher creates a watcher. maxRounds < 1 means a single round.
func NewWatcher(c *Coordinator, store *archive.Store, schedule cron.Schedule, grid types.GridDescriptor, factory solver.Factory, maxRounds int) *Watcher {
	if maxRounds < 1 {
		maxRounds = 1
	}
	return &Watcher{
		coord:     c,
		store:     store,
		schedule:  schedule,
		grid:      grid,
		factory:   factory,
		maxRounds: maxRounds,
	}
}

// Round runs one load, retry, save cycle. The file is only rewritten when
// something was retried.
func (w *Watcher) Round(ctx context.Context) (Report, error) {
	a, err := w.store.Load()
	if err != nil {
		return Report{}, err
	}
	out, report, err := w.coord.Retry(ctx, a, w.grid, w.factory)
	if err != nil {
		return report, err
	}
	if report.NothingToRetry {
		return report, nil
	}
	if err := w.store.Write(out); err != nil {
		return report, fmt.Errorf("retry: save %s: %w", w.store.Path(), err)
	}
	return report, nil
}

// Run waits for each scheduled activation and runs a round, until the
// archive is clean, MaxRounds rounds ran, or ctx is done. It returns the
// reports of the rounds that ran.
func (w *Watcher) Run(ctx context.Context) ([]Report, error) {
	var reports []Report
	for len(reports) < w.maxRounds {
		next := w.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return reports, ctx.Err()
		case <-timer.C:
		}

		report, err := w.Round(ctx)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
		w.coord.log.Info("retry round", "round", len(reports), "of", w.maxRounds, "result", report.String())
		if report.Clean() {
			return reports, nil
		}
	}
	w.coord.log.Warn("retry rounds exhausted", "rounds", w.maxRounds, "still_failed", len(reports[len(reports)-1].StillFailed))
	return reports, nil
}
