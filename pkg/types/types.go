// Package types defines the core domain model shared by the gridsweep engine:
// the shape of a workload, the key of one grid cell and the outcome of one solve.
package types

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidGrid is returned by GridDescriptor.Validate.
var ErrInvalidGrid = errors.New("types: invalid grid descriptor")

// Pattern is one injection pattern: the electrode pair driving the current.
type Pattern struct {
	Inject int `json:"inject" yaml:"inject"` // electrode sourcing the current
	Return int `json:"return" yaml:"return"` // electrode sinking the current
}

// GridDescriptor describes the shape of a workload. It is immutable once built.
type GridDescriptor struct {
	Times       []float64 `json:"t"`      // time axis (ms), len T
	Frequencies []float64 `json:"f"`      // frequency axis (kHz), len F
	Patterns    []Pattern `json:"p"`      // injection protocol, len P
	Channels    int       `json:"n_e"`    // observation channels per solve (E)
	Static      bool      `json:"static"` // real-valued solver, frequency axis collapses
}

// NewGrid builds a descriptor with default axes: T time points spaced by dt
// (ms), F frequencies 1..F kHz and P patterns injecting on electrode i and
// returning on the opposite electrode.
func NewGrid(p, f, t, e int, dt float64, static bool) GridDescriptor {
	g := GridDescriptor{
		Times:       make([]float64, t),
		Frequencies: make([]float64, f),
		Patterns:    make([]Pattern, p),
		Channels:    e,
		Static:      static,
	}
	for i := range g.Times {
		g.Times[i] = float64(i) * dt
	}
	for i := range g.Frequencies {
		g.Frequencies[i] = float64(i + 1)
	}
	for i := range g.Patterns {
		if e < 1 {
			continue
		}
		g.Patterns[i] = Pattern{Inject: i % e, Return: (i + e/2) % e}
	}
	return g
}

// P returns the number of injection patterns.
func (g GridDescriptor) P() int { return len(g.Patterns) }

// F returns the number of frequencies; 1 for static grids.
func (g GridDescriptor) F() int {
	if g.Static {
		return 1
	}
	return len(g.Frequencies)
}

// T returns the number of time steps.
func (g GridDescriptor) T() int { return len(g.Times) }

// E returns the number of observation channels.
func (g GridDescriptor) E() int { return g.Channels }

// Units returns the total number of solves, P*F*T.
func (g GridDescriptor) Units() int { return g.P() * g.F() * g.T() }

// Frequency returns the value of frequency index i. Static grids always
// solve at frequency 0.
func (g GridDescriptor) Frequency(i int) float64 {
	if g.Static || i < 0 || i >= len(g.Frequencies) {
		return 0
	}
	return g.Frequencies[i]
}

// Validate checks that every dimension is at least one.
func (g GridDescriptor) Validate() error {
	switch {
	case g.P() < 1:
		return fmt.Errorf("%w: no injection pattern", ErrInvalidGrid)
	case len(g.Frequencies) < 1 && !g.Static:
		return fmt.Errorf("%w: no frequency", ErrInvalidGrid)
	case g.T() < 1:
		return fmt.Errorf("%w: no time step", ErrInvalidGrid)
	case g.E() < 1:
		return fmt.Errorf("%w: channels must be >= 1, got %d", ErrInvalidGrid, g.E())
	}
	for i, p := range g.Patterns {
		if p.Inject < 0 || p.Inject >= g.E() || p.Return < 0 || p.Return >= g.E() {
			return fmt.Errorf("%w: pattern %d references electrode outside [0,%d)", ErrInvalidGrid, i, g.E())
		}
	}
	return nil
}

// SameShape reports whether two descriptors produce tensors of the same shape.
func (g GridDescriptor) SameShape(o GridDescriptor) bool {
	return g.P() == o.P() && g.F() == o.F() && g.T() == o.T() && g.E() == o.E()
}

// StepKey identifies one (time index, frequency index) cell of the grid.
// Failures are tracked per cell: a cell is failed when any pattern solved
// at that cell failed.
type StepKey struct {
	Time int `json:"t"`
	Freq int `json:"f"`
}

func (k StepKey) String() string { return fmt.Sprintf("t=%d/f=%d", k.Time, k.Freq) }

// Less orders keys by frequency then time.
func (k StepKey) Less(o StepKey) bool {
	if k.Freq != o.Freq {
		return k.Freq < o.Freq
	}
	return k.Time < o.Time
}

// SortKeys returns a sorted, deduplicated copy of keys.
func SortKeys(keys []StepKey) []StepKey {
	out := make([]StepKey, len(keys))
	copy(out, keys)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}

// SplitKeys returns the sorted distinct time indices and frequency indices
// covered by keys.
func SplitKeys(keys []StepKey) (times, freqs []int) {
	ts := make(map[int]struct{})
	fs := make(map[int]struct{})
	for _, k := range keys {
		ts[k.Time] = struct{}{}
		fs[k.Freq] = struct{}{}
	}
	for t := range ts {
		times = append(times, t)
	}
	for f := range fs {
		freqs = append(freqs, f)
	}
	sort.Ints(times)
	sort.Ints(freqs)
	return times, freqs
}

// StepOutcome is the record of one solve. It is produced exactly once per
// (worker, pattern, frequency, step) and never mutated afterwards.
type StepOutcome struct {
	WorkerID  int          // worker that produced the outcome
	Pattern   int          // injection pattern index
	FreqIndex int          // frequency index
	Frequency float64      // frequency value (0 for static grids)
	Step      int          // time index
	Values    []complex128 // one value per channel; zero-filled on failure
	Recovered bool         // step failed and the loop substituted zeros
	Reason    string       // failure reason, empty when the step is valid
}

// Key returns the grid cell of the outcome.
func (o StepOutcome) Key() StepKey { return StepKey{Time: o.Step, Freq: o.FreqIndex} }

// Progress is one progress event emitted by a worker.
type Progress struct {
	Worker  int // worker index
	Current int // solves completed so far
	Total   int // solves assigned to the worker
	Failed  int // solves that had to be recovered
}

// Ratio returns Current/Total, or 1 when nothing was assigned.
func (p Progress) Ratio() float64 {
	if p.Total == 0 {
		return 1
	}
	return float64(p.Current) / float64(p.Total)
}
