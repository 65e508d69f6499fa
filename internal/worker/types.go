package worker

import (
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/gridsweep/internal/classifier"
	"github.com/ChuLiYu/gridsweep/internal/metrics"
	"github.com/ChuLiYu/gridsweep/internal/storage/backup"
	"github.com/ChuLiYu/gridsweep/pkg/types"
)

// State is the lifecycle state of a Loop.
type State int32

const (
	StateIdle         State = iota // built, not running
	StateInitializing              // preparing the solver
	StateStepping                  // solving the partition
	StateDraining                  // releasing solver resources
	StateDone                      // partition exhausted
	StateAborted                   // cancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateStepping:
		return "stepping"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Assignment is the partition handed to one worker: time indices in
// execution order, solved at each frequency index.
type Assignment struct {
	Worker int   // worker index
	Times  []int // time indices, in order
	Freqs  []int // frequency indices
}

// Units returns the number of solves of the assignment for P patterns.
func (a Assignment) Units(patterns int) int {
	return len(a.Times) * len(a.Freqs) * patterns
}

// Partial is the worker-local result buffer returned to the scheduler.
type Partial struct {
	Worker   int
	Times    []int
	Freqs    []int
	Phasor   bool                // outcomes hold phasors
	Outcomes []types.StepOutcome // one per (frequency, time, pattern) solved
	Failed   []types.StepKey     // cells with at least one failed pattern
}

// BackupSink receives one record per solve. *backup.Log implements it.
type BackupSink interface {
	Append(rec backup.Record) error
}

// Config is the explicit configuration of a loop. Nothing is read from
// globals.
type Config struct {
	Grid     types.GridDescriptor
	Policy   classifier.Policy
	Logger   *slog.Logger       // nil uses slog.Default()
	Backup   BackupSink         // nil disables the backup
	Metrics  *metrics.Collector // nil disables metrics
	Progress chan types.Progress
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// StepError describes a solve that returned an error or panicked.
type StepError struct {
	Worker  int
	Step    int
	Freq    int
	Pattern int
	Panic   bool
	Cause   error
}

func (e *StepError) Error() string {
	kind := "error"
	if e.Panic {
		kind = "panic"
	}
	return fmt.Sprintf("worker %d: step %d freq %d pattern %d: %s: %v", e.Worker, e.Step, e.Freq, e.Pattern, kind, e.Cause)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}
