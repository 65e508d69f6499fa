// ============================================================================
// gridsweep Worker Pool - runs one Loop per partition
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: build one solver per worker and run every partition to completion
//
// Execution model:
//   - one worker: the loop runs synchronously in the caller's goroutine
//   - N workers: one goroutine per loop on an errgroup; Run blocks until all
//     loops return, or returns at once when ctx is cancelled, abandoning
//     loops that are still inside a Solve call
//
// Solver ownership:
//   every worker gets its own instance from the factory, used for its whole
//   partition and never shared. A factory error is handled like a preparation
//   failure: the partition's cells are marked failed, siblings continue.
//
// Progress:
//   each loop owns one channel of Channels() and closes it when it returns.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/gridsweep/internal/progress"
	"github.com/ChuLiYu/gridsweep/internal/solver"
	"github.com/ChuLiYu/gridsweep/pkg/types"
)

// ErrNoAssignments is returned by Run when called without partitions.
var ErrNoAssignments = errors.New("worker: no assignments")

// Pool runs a fixed set of assignments, one worker each.
type Pool struct {
	cfg         Config
	factory     solver.Factory
	assignments []Assignment
	channels    []chan types.Progress
}

// NewPool prepares a pool for assignments. cfg.Progress is ignored: every
// worker gets its own channel from Channels.
func NewPool(cfg Config, factory solver.Factory, assignments []Assignment) *Pool {
	return &Pool{
		cfg:         cfg,
		factory:     factory,
		assignments: assignments,
		channels:    progress.NewChannels(len(assignments)),
	}
}

// Channels returns the progress channel of every worker, by index.
func (p *Pool) Channels() []chan types.Progress { return p.channels }

// GetWorkerCount returns the number of workers.
func (p *Pool) GetWorkerCount() int { return len(p.assignments) }

// Run executes every assignment and returns the partials in assignment
// order. The only error is cancellation, from ctx or from a solver.
func (p *Pool) Run(ctx context.Context) ([]*Partial, error) {
	n := len(p.assignments)
	if n == 0 {
		return nil, ErrNoAssignments
	}
	if n == 1 {
		part, err := p.runOne(ctx, 0)
		if err != nil {
			return nil, err
		}
		return []*Partial{part}, nil
	}

	results := make([]*Partial, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range p.assignments {
		i := i
		g.Go(func() error {
			part, err := p.runOne(gctx, i)
			results[i] = part
			return err
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runOne builds the solver of worker i and runs its loop.
func (p *Pool) runOne(ctx context.Context, i int) (*Partial, error) {
	asg := p.assignments[i]
	cfg := p.cfg
	cfg.Progress = p.channels[i]
	defer close(p.channels[i])

	s, err := p.factory(asg.Worker)
	if err != nil {
		if solver.IsInterrupt(err) {
			return nil, fmt.Errorf("worker %d: %w", asg.Worker, err)
		}
		cfg.Metrics.RecordPrepareFailure()
		cfg.logger().Warn("solver construction failed, partition marked failed", "worker", asg.Worker, "error", err)
		return failedPartial(cfg, asg), nil
	}
	return NewLoop(cfg, asg, s).Run(ctx)
}

// failedPartial marks every cell of asg failed without a solver.
func failedPartial(cfg Config, asg Assignment) *Partial {
	l := &Loop{cfg: cfg, asg: asg}
	part := &Partial{
		Worker: asg.Worker,
		Times:  asg.Times,
		Freqs:  asg.Freqs,
		Phasor: !cfg.Grid.Static,
	}
	l.failAll(part, asg.Units(cfg.Grid.P()))
	l.setState(StateDone)
	return part
}
