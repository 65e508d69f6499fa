// Package solver defines the contract between the scheduling engine and the
// external step solver that owns the expensive numerical state.
package solver

import (
	"context"
	"errors"
	"math/cmplx"

	"github.com/ChuLiYu/gridsweep/pkg/types"
)

// ErrInterrupted is returned (possibly wrapped) by a solver that observed an
// explicit interrupt. It aborts the whole run rather than a single step.
var ErrInterrupted = errors.New("solver: interrupted")

// StepSolver is one stateful solver instance. An instance is owned by a
// single worker for the worker's whole lifetime and is never shared.
type StepSolver interface {
	// Prepare builds the solver state. It is called lazily before the first
	// step and again after every Reset.
	Prepare() error
	// SetInjection selects the injection pattern for following solves.
	SetInjection(p types.Pattern)
	// SetFrequency selects the drive frequency (kHz) for following solves.
	SetFrequency(f float64)
	// UpdateState advances time-dependent auxiliary state. previous is -1 on
	// the first step of a frequency sweep.
	UpdateState(step, previous int)
	// Solve returns one value per observation channel.
	Solve(step int) ([]float64, error)
	// Reset releases solver-owned resources.
	Reset()
}

// PhasorSolver is implemented by solvers producing complex (amplitude and
// phase) outputs.
type PhasorSolver interface {
	SolvePhasor(step int) ([]complex128, error)
}

// Factory builds the solver of one worker.
type Factory func(workerID int) (StepSolver, error)

// IsInterrupt reports whether err signals cancellation rather than a step
// failure.
func IsInterrupt(err error) bool {
	return errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled)
}

// Variant is the solve strategy of one worker, fixed when the worker is
// built: real-valued solvers yield phasors with a zero imaginary part.
type Variant interface {
	Solve(step int) ([]complex128, error)
	Phasor() bool
}

// Resolve picks the variant of s once. Static grids always use the real
// solve even if s also implements PhasorSolver.
func Resolve(s StepSolver, static bool) Variant {
	if ps, ok := s.(PhasorSolver); ok && !static {
		return phasorVariant{ps}
	}
	return realVariant{s}
}

type realVariant struct{ s StepSolver }

func (v realVariant) Phasor() bool { return false }

func (v realVariant) Solve(step int) ([]complex128, error) {
	vals, err := v.s.Solve(step)
	if err != nil {
		return nil, err
	}
	out := make([]complex128, len(vals))
	for i, x := range vals {
		out[i] = complex(x, 0)
	}
	return out, nil
}

type phasorVariant struct{ s PhasorSolver }

func (v phasorVariant) Phasor() bool { return true }

func (v phasorVariant) Solve(step int) ([]complex128, error) {
	return v.s.SolvePhasor(step)
}

// Amplitude returns |v| per channel. Real values keep their sign so that the
// sentinel and blow-up rules see the raw solver output.
func Amplitude(vals []complex128, phasor bool) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		if phasor {
			out[i] = cmplx.Abs(v)
		} else {
			out[i] = real(v)
		}
	}
	return out
}
