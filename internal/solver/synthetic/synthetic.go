// Package synthetic provides a deterministic analytic step solver with a
// scriptable fault plan. The CLI, the demo and the tests drive the engine
// with it in place of a finite-element model.
//
// Channel e of pattern p at time t and frequency f reads
//
//	base_e(p) * (1 + depth * exp(-((t-t0)/width)^2)) * exp(i*atan(f/fc))
//
// where the phase term only exists for phasor (non-static) grids.
package synthetic

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"github.com/ChuLiYu/gridsweep/internal/solver"
	"github.com/ChuLiYu/gridsweep/pkg/types"
)

var (
	// ErrInjected is the error returned by scripted error steps.
	ErrInjected = errors.New("synthetic: injected solver error")
	// ErrPrepare is returned by scripted prepare failures.
	ErrPrepare = errors.New("synthetic: injected prepare failure")
	// ErrNotPrepared is returned by Solve on a solver that was reset and not
	// prepared again.
	ErrNotPrepared = errors.New("synthetic: solver not prepared")
)

// Model holds the analytic parameters.
type Model struct {
	Depth    float64 `yaml:"depth"`     // relative amplitude of the pulse
	CenterMs float64 `yaml:"center_ms"` // t0
	WidthMs  float64 `yaml:"width_ms"`  // pulse width
	CutoffHz float64 `yaml:"cutoff"`    // fc, same unit as the frequency axis
}

// DefaultModel returns a pulse centred at 0.4 ms.
func DefaultModel() Model {
	return Model{Depth: 0.2, CenterMs: 0.4, WidthMs: 0.1, CutoffHz: 2}
}

// Faults scripts misbehaviour by time index. A listed step misbehaves for
// every pattern and frequency unless Transient is set, in which case each
// (kind, step, frequency) fires once across all solvers of a Generator so a
// retry converges.
type Faults struct {
	Sentinel    []int `yaml:"sentinel,omitempty"`     // return the sentinel on channel 0
	NaN         []int `yaml:"nan,omitempty"`          // return NaN on channel 0
	Error       []int `yaml:"error,omitempty"`        // return ErrInjected
	Panic       []int `yaml:"panic,omitempty"`        // panic inside Solve
	Block       []int `yaml:"block,omitempty"`        // block until unblocked
	PrepareFail []int `yaml:"prepare_fail,omitempty"` // worker IDs whose Prepare fails
	Transient   bool  `yaml:"transient,omitempty"`
}

// Empty reports whether no fault is scripted.
func (f Faults) Empty() bool {
	return len(f.Sentinel)+len(f.NaN)+len(f.Error)+len(f.Panic)+len(f.Block)+len(f.PrepareFail) == 0
}

type kind string

const (
	kindSentinel kind = "sentinel"
	kindNaN      kind = "nan"
	kindError    kind = "error"
	kindPanic    kind = "panic"
	kindBlock    kind = "block"
	kindPrepare  kind = "prepare"
)

type fireKey struct {
	kind kind
	n    int
	freq float64
}

// book counts fault firings shared by every solver of a Generator.
type book struct {
	mu    sync.Mutex
	fired map[fireKey]int
}

func (b *book) fire(k fireKey, limit int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fired[k] >= limit {
		return false
	}
	b.fired[k]++
	return true
}

// Generator builds solvers sharing one model, fault plan and fault book.
type Generator struct {
	grid    types.GridDescriptor
	model   Model
	faults  Faults
	unblock <-chan struct{}
	book    *book

	mu      sync.Mutex
	solvers []*Solver
}

// Option configures a Generator.
type Option func(*Generator)

// WithModel overrides DefaultModel.
func WithModel(m Model) Option { return func(g *Generator) { g.model = m } }

// WithFaults sets the fault plan.
func WithFaults(f Faults) Option { return func(g *Generator) { g.faults = f } }

// WithUnblock sets the channel whose close releases blocked solves. Without
// it a blocking step never returns.
func WithUnblock(ch <-chan struct{}) Option { return func(g *Generator) { g.unblock = ch } }

// New creates a Generator for grid.
func New(grid types.GridDescriptor, opts ...Option) *Generator {
	g := &Generator{
		grid:  grid,
		model: DefaultModel(),
		book:  &book{fired: make(map[fireKey]int)},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Factory returns a solver.Factory building one Solver per worker.
func (g *Generator) Factory() solver.Factory {
	return func(workerID int) (solver.StepSolver, error) {
		s := &Solver{gen: g, worker: workerID, step: -1}
		g.mu.Lock()
		g.solvers = append(g.solvers, s)
		g.mu.Unlock()
		return s, nil
	}
}

// Solvers returns every solver built so far, in creation order.
func (g *Generator) Solvers() []*Solver {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Solver, len(g.solvers))
	copy(out, g.solvers)
	return out
}

// Value returns the fault-free output of one channel.
func (g *Generator) Value(p types.Pattern, freq float64, step, channel int) complex128 {
	e := g.grid.E()
	base := 1 + 0.5*math.Cos(2*math.Pi*float64(channel-p.Inject)/float64(e)) + 0.05*float64(p.Return)/float64(e)

	amp := base
	if g.model.WidthMs > 0 && step >= 0 && step < g.grid.T() {
		x := (g.grid.Times[step] - g.model.CenterMs) / g.model.WidthMs
		amp = base * (1 + g.model.Depth*math.Exp(-x*x))
	}
	if g.grid.Static || g.model.CutoffHz == 0 {
		return complex(amp, 0)
	}
	return cmplx.Rect(amp, math.Atan(freq/g.model.CutoffHz))
}

// Expected returns the fault-free output vector of one solve.
func (g *Generator) Expected(p types.Pattern, freq float64, step int) []complex128 {
	out := make([]complex128, g.grid.E())
	for e := range out {
		out[e] = g.Value(p, freq, step, e)
	}
	return out
}

func (g *Generator) triggered(k kind, steps []int, step int, freq float64) bool {
	for _, s := range steps {
		if s != step {
			continue
		}
		if !g.faults.Transient {
			return true
		}
		return g.book.fire(fireKey{kind: k, n: step, freq: freq}, 1)
	}
	return false
}

// Solver is one synthetic solver instance. It records every call so tests
// can assert on the reset protocol.
type Solver struct {
	gen    *Generator
	worker int

	mu       sync.Mutex
	prepared bool
	pattern  types.Pattern
	freq     float64
	step     int
	calls    []string
	prepares int
	resets   int
	solves   int
}

var (
	_ solver.StepSolver   = (*Solver)(nil)
	_ solver.PhasorSolver = (*Solver)(nil)
)

// Worker returns the worker ID the solver was built for.
func (s *Solver) Worker() int { return s.worker }

func (s *Solver) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepares++
	s.calls = append(s.calls, "prepare")
	for _, w := range s.gen.faults.PrepareFail {
		if w != s.worker {
			continue
		}
		// a transient prepare fault has to outlast the one rebuild retry
		if !s.gen.faults.Transient || s.gen.book.fire(fireKey{kind: kindPrepare, n: w}, 2) {
			return fmt.Errorf("%w: worker %d", ErrPrepare, w)
		}
	}
	s.prepared = true
	return nil
}

func (s *Solver) SetInjection(p types.Pattern) {
	s.mu.Lock()
	s.pattern = p
	s.mu.Unlock()
}

func (s *Solver) SetFrequency(f float64) {
	s.mu.Lock()
	s.freq = f
	s.calls = append(s.calls, fmt.Sprintf("freq:%g", f))
	s.mu.Unlock()
}

func (s *Solver) UpdateState(step, previous int) {
	s.mu.Lock()
	s.step = step
	s.calls = append(s.calls, fmt.Sprintf("update:%d:%d", step, previous))
	s.mu.Unlock()
}

func (s *Solver) Reset() {
	s.mu.Lock()
	s.prepared = false
	s.resets++
	s.calls = append(s.calls, "reset")
	s.mu.Unlock()
}

// Solve returns the real part of each channel.
func (s *Solver) Solve(step int) ([]float64, error) {
	vals, err := s.SolvePhasor(step)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = real(v)
	}
	return out, nil
}

func (s *Solver) SolvePhasor(step int) ([]complex128, error) {
	s.mu.Lock()
	s.solves++
	s.calls = append(s.calls, fmt.Sprintf("solve:%d", step))
	prepared, p, freq := s.prepared, s.pattern, s.freq
	s.mu.Unlock()

	if !prepared {
		return nil, ErrNotPrepared
	}

	g := s.gen
	f := g.faults
	switch {
	case g.triggered(kindBlock, f.Block, step, freq):
		if g.unblock == nil {
			select {}
		}
		<-g.unblock
	case g.triggered(kindPanic, f.Panic, step, freq):
		panic(fmt.Sprintf("synthetic: scripted panic at step %d", step))
	case g.triggered(kindError, f.Error, step, freq):
		return nil, fmt.Errorf("%w: step %d", ErrInjected, step)
	}

	out := g.Expected(p, freq, step)
	switch {
	case g.triggered(kindSentinel, f.Sentinel, step, freq):
		out[0] = complex(solverSentinel, 0)
	case g.triggered(kindNaN, f.NaN, step, freq):
		out[0] = complex(math.NaN(), 0)
	}
	return out, nil
}

// solverSentinel is the reserved "no valid result" value.
const solverSentinel = 1e10

// Calls returns the recorded call sequence.
func (s *Solver) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// Counts returns the number of Prepare, Reset and Solve calls.
func (s *Solver) Counts() (prepares, resets, solves int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepares, s.resets, s.solves
}
