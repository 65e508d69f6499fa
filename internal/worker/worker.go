// ============================================================================
// gridsweep Worker Loop - per-partition step loop
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: drive one solver instance through one partition of the grid
//
// State machine:
//
//   Idle ──> Initializing ──> Stepping ──> Draining ──> Done
//               │                 │
//               └─ prepare fails ─┴──────> Draining      (all cells failed)
//
//   any state ──ctx cancelled / solver interrupted──> Aborted
//
// Stepping order:
//   for each frequency index:
//     SetFrequency, previous = -1
//     for each time index (partition order):
//       UpdateState(t, previous)
//       for each pattern:
//         SetInjection ─> Solve (inside recover) ─> Classify
//           failed: zero-fill, Reset + Prepare before the next solve
//         append backup record ─> buffer outcome ─> send progress
//       previous = t
//
// Error handling:
//   - a failing or panicking Solve costs one step, never the partition
//   - Prepare is retried once after a Reset; a second failure marks every
//     cell of the partition failed
//   - only cancellation leaves Run with an error
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/gridsweep/internal/classifier"
	"github.com/ChuLiYu/gridsweep/internal/progress"
	"github.com/ChuLiYu/gridsweep/internal/solver"
	"github.com/ChuLiYu/gridsweep/internal/storage/backup"
	"github.com/ChuLiYu/gridsweep/pkg/types"
)

// Loop runs one partition on one solver. A Loop is used once.
type Loop struct {
	cfg     Config
	asg     Assignment
	solver  solver.StepSolver
	variant solver.Variant
	state   atomic.Int32

	done   int // solves completed
	failed int // solves zero-filled
}

// NewLoop builds the loop of one worker. The real or phasor solve is picked
// here, once.
func NewLoop(cfg Config, asg Assignment, s solver.StepSolver) *Loop {
	return &Loop{
		cfg:     cfg,
		asg:     asg,
		solver:  s,
		variant: solver.Resolve(s, cfg.Grid.Static),
	}
}

// State returns the current state.
func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) { l.state.Store(int32(s)) }

// Run executes the partition. The returned Partial is complete unless an
// error is returned, which only happens on cancellation.
func (l *Loop) Run(ctx context.Context) (*Partial, error) {
	log := l.cfg.logger().With("worker", l.asg.Worker)
	part := &Partial{
		Worker: l.asg.Worker,
		Times:  l.asg.Times,
		Freqs:  l.asg.Freqs,
		Phasor: l.variant.Phasor(),
	}
	total := l.asg.Units(l.cfg.Grid.P())
	if total == 0 {
		l.setState(StateDone)
		return part, nil
	}

	if err := ctx.Err(); err != nil {
		return l.abort(part, err)
	}

	// ---- Initializing ----
	l.setState(StateInitializing)
	if err := l.prepare(); err != nil {
		if solver.IsInterrupt(err) {
			return l.abort(part, err)
		}
		log.Warn("solver preparation failed twice, partition marked failed",
			"steps", len(l.asg.Times), "error", err)
		l.failAll(part, total)
		l.drain()
		return part, nil
	}

	// ---- Stepping ----
	l.setState(StateStepping)
	log.Debug("partition started", "steps", len(l.asg.Times), "freqs", len(l.asg.Freqs), "phasor", part.Phasor)
	for _, fi := range l.asg.Freqs {
		freq := l.cfg.Grid.Frequency(fi)
		l.solver.SetFrequency(freq)

		// last admissible output per pattern, for the blow-up rule
		last := make([][]float64, l.cfg.Grid.P())
		prev := -1
		for _, t := range l.asg.Times {
			if err := ctx.Err(); err != nil {
				return l.abort(part, err)
			}
			l.solver.UpdateState(t, prev)

			cellFailed := false
			for p, pat := range l.cfg.Grid.Patterns {
				if err := ctx.Err(); err != nil {
					return l.abort(part, err)
				}
				outcome, verdict, err := l.step(p, pat, fi, freq, t, last)
				if err != nil {
					return l.abort(part, err)
				}
				if verdict.Failed {
					cellFailed = true
				}
				if verdict.ResetSolver {
					l.restore(freq, t, prev)
				}
				l.record(part, outcome, total)
			}
			if cellFailed {
				part.Failed = append(part.Failed, types.StepKey{Time: t, Freq: fi})
			}
			prev = t
		}
	}

	l.drain()
	log.Debug("partition finished", "solves", l.done, "failed", l.failed)
	return part, nil
}

// step solves one (pattern, frequency, time) and classifies the output. The
// verdict tells the caller whether the solver must be rebuilt.
func (l *Loop) step(p int, pat types.Pattern, fi int, freq float64, t int, last [][]float64) (types.StepOutcome, classifier.Verdict, error) {
	log := l.cfg.logger()
	l.solver.SetInjection(pat)

	start := time.Now()
	vals, err := l.solve(t)
	elapsed := time.Since(start)

	var verdict classifier.Verdict
	switch {
	case err != nil && solver.IsInterrupt(err):
		return types.StepOutcome{}, classifier.Verdict{}, err
	case err != nil:
		verdict = classifier.Failure(classifier.ReasonException)
		stepErr := &StepError{Worker: l.asg.Worker, Step: t, Freq: fi, Pattern: p, Cause: err}
		var panicked *StepError
		if errors.As(err, &panicked) {
			stepErr = panicked
			stepErr.Freq, stepErr.Pattern = fi, p
		}
		log.Warn("solver step raised", "worker", l.asg.Worker, "step", t, "freq", freq, "pattern", p, "error", stepErr)
	case len(vals) != l.cfg.Grid.E():
		verdict = classifier.Failure(classifier.ReasonException)
		log.Warn("solver returned wrong channel count", "worker", l.asg.Worker, "step", t, "freq", freq,
			"pattern", p, "got", len(vals), "want", l.cfg.Grid.E())
	default:
		amps := solver.Amplitude(vals, l.variant.Phasor())
		verdict = l.cfg.Policy.Classify(amps, last[p])
		if !verdict.Failed {
			last[p] = amps
		}
	}

	outcome := types.StepOutcome{
		WorkerID:  l.asg.Worker,
		Pattern:   p,
		FreqIndex: fi,
		Frequency: freq,
		Step:      t,
		Values:    vals,
	}
	if verdict.Failed {
		outcome.Values = make([]complex128, l.cfg.Grid.E())
		outcome.Recovered = true
		outcome.Reason = string(verdict.Reason)
		l.cfg.Metrics.RecordFailed(outcome.Reason, elapsed)
		log.Debug("step failed", "worker", l.asg.Worker, "step", t, "freq", freq, "pattern", p, "reason", outcome.Reason)
	} else {
		l.cfg.Metrics.RecordSolved(elapsed)
	}
	return outcome, verdict, nil
}

// solve calls the solver inside a recover boundary.
func (l *Loop) solve(step int) (vals []complex128, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &StepError{Worker: l.asg.Worker, Step: step, Panic: true, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()
	return l.variant.Solve(step)
}

// prepare runs Prepare, with one Reset and retry on failure.
func (l *Loop) prepare() error {
	err := l.solver.Prepare()
	if err == nil || solver.IsInterrupt(err) {
		return err
	}
	l.cfg.Metrics.RecordPrepareFailure()
	l.cfg.logger().Warn("solver preparation failed, rebuilding", "worker", l.asg.Worker, "error", err)

	l.solver.Reset()
	if err := l.solver.Prepare(); err != nil {
		l.cfg.Metrics.RecordPrepareFailure()
		return err
	}
	return nil
}

// restore resets a solver whose state may be corrupted and brings it back
// to frequency freq at step t.
func (l *Loop) restore(freq float64, t, prev int) {
	l.solver.Reset()
	if err := l.solver.Prepare(); err != nil {
		// the next solve will fail and retry the rebuild
		l.cfg.Metrics.RecordPrepareFailure()
		l.cfg.logger().Warn("solver re-preparation failed", "worker", l.asg.Worker, "step", t, "error", err)
		return
	}
	l.solver.SetFrequency(freq)
	l.solver.UpdateState(t, prev)
}

// record appends the outcome to the backup and the buffer and reports
// progress.
func (l *Loop) record(part *Partial, o types.StepOutcome, total int) {
	if l.cfg.Backup != nil {
		if err := l.cfg.Backup.Append(backup.FromOutcome(o, part.Phasor)); err != nil {
			l.cfg.Metrics.RecordBackupError()
			l.cfg.logger().Warn("backup append failed", "worker", l.asg.Worker, "step", o.Step, "error", err)
		}
	}
	part.Outcomes = append(part.Outcomes, o)

	l.done++
	if o.Recovered {
		l.failed++
	}
	p := types.Progress{Worker: l.asg.Worker, Current: l.done, Total: total, Failed: l.failed}
	progress.Send(l.cfg.Progress, p)
	l.cfg.Metrics.SetWorkerProgress(l.asg.Worker, p.Ratio())
}

// failAll zero-fills every solve of the partition after a preparation
// failure.
func (l *Loop) failAll(part *Partial, total int) {
	for _, fi := range l.asg.Freqs {
		freq := l.cfg.Grid.Frequency(fi)
		for _, t := range l.asg.Times {
			for p := range l.cfg.Grid.Patterns {
				l.cfg.Metrics.RecordFailed(string(classifier.ReasonPrepare), 0)
				l.record(part, types.StepOutcome{
					WorkerID:  l.asg.Worker,
					Pattern:   p,
					FreqIndex: fi,
					Frequency: freq,
					Step:      t,
					Values:    make([]complex128, l.cfg.Grid.E()),
					Recovered: true,
					Reason:    string(classifier.ReasonPrepare),
				}, total)
			}
			part.Failed = append(part.Failed, types.StepKey{Time: t, Freq: fi})
		}
	}
}

func (l *Loop) drain() {
	l.setState(StateDraining)
	l.solver.Reset()
	l.setState(StateDone)
}

func (l *Loop) abort(part *Partial, err error) (*Partial, error) {
	l.setState(StateAborted)
	l.cfg.logger().Info("worker aborted", "worker", l.asg.Worker, "solves", l.done, "error", err)
	return part, fmt.Errorf("worker %d: %w", l.asg.Worker, err)
}
