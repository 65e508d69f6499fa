// Package archive holds the grid-shaped result of a run: amplitude and phase
// per (pattern, frequency, time, channel), the sparse list of failed cells,
// timers and provenance.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sort"
	"strings"

	"github.com/ChuLiYu/gridsweep/internal/classifier"
	"github.com/ChuLiYu/gridsweep/pkg/types"
)

var (
	ErrShapeMismatch = errors.New("archive: shape mismatch")
	ErrKeyOutOfRange = errors.New("archive: step key out of range")
)

// Timer names.
const (
	TimerSolve     = "solve"
	TimerPartition = "partition"
	TimerAggregate = "aggregate"
)

// Tensor is a dense [P][F][T][E] array stored flat in row-major order.
type Tensor struct {
	P, F, T, E int
	Data       []float64
}

// NewTensor allocates a zeroed tensor.
func NewTensor(p, f, t, e int) Tensor {
	return Tensor{P: p, F: f, T: t, E: e, Data: make([]float64, p*f*t*e)}
}

func (x Tensor) offset(p, f, t int) int {
	return ((p*x.F+f)*x.T + t) * x.E
}

// At returns element (p, f, t, e).
func (x Tensor) At(p, f, t, e int) float64 {
	return x.Data[x.offset(p, f, t)+e]
}

// Set stores element (p, f, t, e).
func (x Tensor) Set(p, f, t, e int, v float64) {
	x.Data[x.offset(p, f, t)+e] = v
}

// Cell returns a copy of the E channel values at (p, f, t).
func (x Tensor) Cell(p, f, t int) []float64 {
	o := x.offset(p, f, t)
	out := make([]float64, x.E)
	copy(out, x.Data[o:o+x.E])
	return out
}

func (x Tensor) cellSlice(p, f, t int) []float64 {
	o := x.offset(p, f, t)
	return x.Data[o : o+x.E]
}

// Archive is the result of a run or of a retry merged into a previous run.
// It is owned by one logical operation at a time and is not safe for
// concurrent mutation.
type Archive struct {
	Label     string
	Amplitude Tensor
	Phase     Tensor
	Timers    map[string]float64 // cumulative wall time in seconds
	Policy    classifier.Policy  // rule used to classify failures
	Metadata  map[string]any
	Mesh      json.RawMessage // opaque geometry blob, never interpreted

	grid        types.GridDescriptor
	failed      []types.StepKey
	failedKnown bool
}

// New creates a zero-filled archive shaped after grid with no failures.
func New(grid types.GridDescriptor, label string) *Archive {
	p, f, t, e := grid.P(), grid.F(), grid.T(), grid.E()
	return &Archive{
		Label:       label,
		Amplitude:   NewTensor(p, f, t, e),
		Phase:       NewTensor(p, f, t, e),
		Timers:      make(map[string]float64),
		Policy:      classifier.DefaultPolicy(),
		Metadata:    make(map[string]any),
		grid:        grid,
		failedKnown: true,
	}
}

// Grid returns the descriptor the archive was built for.
func (a *Archive) Grid() types.GridDescriptor { return a.grid }

// Put stores one solve as |v| and arg(v). Real values (phasor false) drop
// their imaginary part first, so a negative sample is stored with phase pi.
func (a *Archive) Put(p, f, t int, vals []complex128, phasor bool) {
	amp := a.Amplitude.cellSlice(p, f, t)
	ph := a.Phase.cellSlice(p, f, t)
	for e := range amp {
		var v complex128
		if e < len(vals) {
			v = vals[e]
		}
		if !phasor {
			v = complex(real(v), 0)
		}
		amp[e] = cmplx.Abs(v)
		ph[e] = cmplx.Phase(v)
	}
}

// primary returns the channel-0 sample the live classifier saw at
// (p, f, t): the signed value on static grids, |v| on phasor grids.
func (a *Archive) primary(p, f, t int) float64 {
	v := a.Amplitude.At(p, f, t, 0)
	if a.grid.Static && math.Abs(a.Phase.At(p, f, t, 0)) > math.Pi/2 {
		return -v
	}
	return v
}

// Phasor returns the value at (p, f, t) as complex numbers.
func (a *Archive) Phasor(p, f, t int) []complex128 {
	amp := a.Amplitude.cellSlice(p, f, t)
	ph := a.Phase.cellSlice(p, f, t)
	out := make([]complex128, len(amp))
	for e := range amp {
		out[e] = cmplx.Rect(amp[e], ph[e])
	}
	return out
}

// AddTimer accumulates seconds on a named timer.
func (a *Archive) AddTimer(name string, seconds float64) {
	if a.Timers == nil {
		a.Timers = make(map[string]float64)
	}
	a.Timers[name] += seconds
}

// FailedSteps returns the sorted failed cells. When no list was recorded
// (an archive loaded from a file without one) the list is recomputed by
// scanning channel 0 of every (pattern, frequency) series with the
// archive's policy, and cached.
func (a *Archive) FailedSteps() []types.StepKey {
	if !a.failedKnown {
		a.failed = a.scan()
		a.failedKnown = true
	}
	out := make([]types.StepKey, len(a.failed))
	copy(out, a.failed)
	return out
}

// SetFailedSteps replaces the failed list.
func (a *Archive) SetFailedSteps(keys []types.StepKey) {
	a.failed = types.SortKeys(keys)
	a.failedKnown = true
}

// HasFailures reports whether any cell is failed.
func (a *Archive) HasFailures() bool {
	return len(a.FailedSteps()) > 0
}

func (a *Archive) scan() []types.StepKey {
	var keys []types.StepKey
	series := make([]float64, a.Amplitude.T)
	for f := 0; f < a.Amplitude.F; f++ {
		for p := 0; p < a.Amplitude.P; p++ {
			for t := range series {
				series[t] = a.primary(p, f, t)
			}
			for _, t := range a.Policy.Scan(series) {
				keys = append(keys, types.StepKey{Time: t, Freq: f})
			}
		}
	}
	return types.SortKeys(keys)
}

// Merge overwrites every pattern and channel at keys with the values of
// patch, leaving all other cells untouched. Afterwards the failed list is
// (old failures not in keys) plus (patch failures in keys).
func (a *Archive) Merge(keys []types.StepKey, patch *Archive) error {
	if !a.grid.SameShape(patch.grid) {
		return fmt.Errorf("%w: archive %s, patch %s", ErrShapeMismatch, shape(a.grid), shape(patch.grid))
	}
	keys = types.SortKeys(keys)
	for _, k := range keys {
		if k.Time < 0 || k.Time >= a.Amplitude.T || k.Freq < 0 || k.Freq >= a.Amplitude.F {
			return fmt.Errorf("%w: %s", ErrKeyOutOfRange, k)
		}
	}

	// scanned before the copy when no list is recorded
	old := a.FailedSteps()

	in := make(map[types.StepKey]bool, len(keys))
	for _, k := range keys {
		in[k] = true
		for p := 0; p < a.Amplitude.P; p++ {
			copy(a.Amplitude.cellSlice(p, k.Freq, k.Time), patch.Amplitude.cellSlice(p, k.Freq, k.Time))
			copy(a.Phase.cellSlice(p, k.Freq, k.Time), patch.Phase.cellSlice(p, k.Freq, k.Time))
		}
	}

	var failed []types.StepKey
	for _, k := range old {
		if !in[k] {
			failed = append(failed, k)
		}
	}
	for _, k := range patch.FailedSteps() {
		if in[k] {
			failed = append(failed, k)
		}
	}
	a.SetFailedSteps(failed)
	return nil
}

// Clone returns a deep copy.
func (a *Archive) Clone() *Archive {
	c := *a
	c.Amplitude.Data = append([]float64(nil), a.Amplitude.Data...)
	c.Phase.Data = append([]float64(nil), a.Phase.Data...)
	c.Timers = make(map[string]float64, len(a.Timers))
	for k, v := range a.Timers {
		c.Timers[k] = v
	}
	c.Metadata = make(map[string]any, len(a.Metadata))
	for k, v := range a.Metadata {
		c.Metadata[k] = v
	}
	c.Mesh = append(json.RawMessage(nil), a.Mesh...)
	c.failed = append([]types.StepKey(nil), a.failed...)
	return &c
}

// Equal compares every numeric and index field: axes, tensors and failed
// cells. Timers, metadata and the mesh blob are ignored.
func (a *Archive) Equal(o *Archive) bool {
	if a.Label != o.Label || !a.grid.SameShape(o.grid) || a.grid.Static != o.grid.Static {
		return false
	}
	if !floatsEqual(a.grid.Times, o.grid.Times) {
		return false
	}
	for f := 0; f < a.grid.F(); f++ {
		if a.grid.Frequency(f) != o.grid.Frequency(f) {
			return false
		}
	}
	for i := range a.grid.Patterns {
		if a.grid.Patterns[i] != o.grid.Patterns[i] {
			return false
		}
	}
	if !floatsEqual(a.Amplitude.Data, o.Amplitude.Data) || !floatsEqual(a.Phase.Data, o.Phase.Data) {
		return false
	}
	af, of := a.FailedSteps(), o.FailedSteps()
	if len(af) != len(of) {
		return false
	}
	for i := range af {
		if af[i] != of[i] {
			return false
		}
	}
	return true
}

func floatsEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] && !(math.IsNaN(a[i]) && math.IsNaN(b[i])) {
			return false
		}
	}
	return true
}

func shape(g types.GridDescriptor) string {
	return fmt.Sprintf("[p=%d f=%d t=%d e=%d]", g.P(), g.F(), g.T(), g.E())
}

// Summary renders a short human-readable description.
func (a *Archive) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "label:    %s\n", a.Label)
	fmt.Fprintf(&b, "shape:    %s static=%t units=%d\n", shape(a.grid), a.grid.Static, a.grid.Units())

	failed := a.FailedSteps()
	fmt.Fprintf(&b, "failed:   %d cells", len(failed))
	if len(failed) > 0 {
		const maxShown = 10
		shown := failed
		if len(shown) > maxShown {
			shown = shown[:maxShown]
		}
		parts := make([]string, len(shown))
		for i, k := range shown {
			parts[i] = k.String()
		}
		fmt.Fprintf(&b, " [%s", strings.Join(parts, " "))
		if len(failed) > maxShown {
			fmt.Fprintf(&b, " ... +%d", len(failed)-maxShown)
		}
		b.WriteString("]")
	}
	b.WriteString("\n")

	names := make([]string, 0, len(a.Timers))
	for name := range a.Timers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "timer:    %-10s %.3fs\n", name, a.Timers[name])
	}
	return b.String()
}
