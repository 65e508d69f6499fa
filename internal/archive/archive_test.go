package archive

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/gridsweep/pkg/types"
)

// filled builds an archive whose amplitude encodes its own coordinates.
func filled(grid types.GridDescriptor) *Archive {
	a := New(grid, "eit_1")
	for p := 0; p < grid.P(); p++ {
		for f := 0; f < grid.F(); f++ {
			for t := 0; t < grid.T(); t++ {
				vals := make([]complex128, grid.E())
				for e := range vals {
					vals[e] = complex(float64(1000*p+100*f+10*t+e)+0.5, 0.25)
				}
				a.Put(p, f, t, vals, !grid.Static)
			}
		}
	}
	return a
}

var archiveCmp = []cmp.Option{
	cmp.AllowUnexported(Archive{}),
	cmpopts.IgnoreFields(Archive{}, "Metadata", "Mesh"),
	cmpopts.EquateEmpty(),
}

func TestTensorLayout(t *testing.T) {
	x := NewTensor(2, 3, 4, 5)
	x.Set(1, 2, 3, 4, 7)
	assert.Equal(t, 7.0, x.Data[len(x.Data)-1])
	assert.Equal(t, 7.0, x.At(1, 2, 3, 4))

	x.Set(0, 1, 0, 2, 3)
	assert.Equal(t, []float64{0, 0, 3, 0, 0}, x.Cell(0, 1, 0))
}

func TestPutRealAndPhasor(t *testing.T) {
	a := New(types.NewGrid(1, 2, 2, 2, 1, false), "x")
	a.Put(0, 1, 1, []complex128{complex(3, 4), complex(-1, 0)}, true)
	assert.InDelta(t, 5, a.Amplitude.At(0, 1, 1, 0), 1e-12)
	assert.InDelta(t, math.Atan2(4, 3), a.Phase.At(0, 1, 1, 0), 1e-12)
	assert.InDelta(t, math.Pi, a.Phase.At(0, 1, 1, 1), 1e-12)

	back := a.Phasor(0, 1, 1)
	assert.InDelta(t, 3, real(back[0]), 1e-12)
	assert.InDelta(t, 4, imag(back[0]), 1e-12)

	s := New(types.NewGrid(1, 1, 2, 1, 1, true), "x")
	s.Put(0, 0, 0, []complex128{-2}, false)
	s.Put(0, 0, 1, []complex128{complex(3, 9)}, false)
	assert.Equal(t, 2.0, s.Amplitude.At(0, 0, 0, 0))
	assert.Equal(t, math.Pi, s.Phase.At(0, 0, 0, 0))
	assert.Equal(t, 3.0, s.Amplitude.At(0, 0, 1, 0), "imaginary part of a real sample is dropped")
	assert.Equal(t, 0.0, s.Phase.At(0, 0, 1, 0))
	assert.InDelta(t, -2, real(s.Phasor(0, 0, 0)[0]), 1e-12)
}

// TestRescanSeesSignedStaticSamples tests that the retrospective scan of a
// static archive classifies the signed values the worker classified live
func TestRescanSeesSignedStaticSamples(t *testing.T) {
	grid := types.NewGrid(1, 1, 5, 1, 0.02, true)
	a := New(grid, "x")
	a.Policy.Sentinel = -1e10
	a.Policy.CheckBlowUp = true
	a.Policy.BlowUpThreshold = 1
	for step, v := range []complex128{-0.5, -0.6, 0.5, -1e10, 1e10} {
		a.Put(0, 0, step, []complex128{v}, false)
	}
	a.failedKnown = false

	// 0.5 jumps by 1.1 from -0.6; +1e10 is not the sentinel but blows up
	assert.Equal(t, []types.StepKey{{Time: 2}, {Time: 3}, {Time: 4}}, a.FailedSteps())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	grids := map[string]types.GridDescriptor{
		"static":          types.NewGrid(2, 1, 6, 3, 0.02, true),
		"single-pattern":  types.NewGrid(1, 3, 4, 2, 0.5, false),
		"single-freq":     types.NewGrid(3, 1, 4, 2, 0.5, false),
		"full":            types.NewGrid(2, 2, 3, 4, 1, false),
		"singleton-cells": types.NewGrid(1, 1, 1, 1, 1, true),
	}
	for name, grid := range grids {
		t.Run(name, func(t *testing.T) {
			a := filled(grid)
			a.SetFailedSteps([]types.StepKey{{Time: grid.T() - 1, Freq: grid.F() - 1}, {Time: 0}})
			a.AddTimer(TimerSolve, 1.25)
			a.Metadata["workers"] = 4
			a.Mesh = json.RawMessage(`{"elements":12}`)

			path := filepath.Join(t.TempDir(), "results.json")
			require.NoError(t, a.Save(path))

			b, err := Load(path)
			require.NoError(t, err)
			assert.True(t, a.Equal(b))
			assert.Equal(t, a.FailedSteps(), b.FailedSteps())
			assert.Equal(t, a.Timers, b.Timers)
			assert.Equal(t, a.Policy, b.Policy)
			assert.JSONEq(t, `{"elements":12}`, string(b.Mesh))
			assert.Equal(t, float64(4), b.Metadata["workers"])

			if diff := cmp.Diff(a.Amplitude, b.Amplitude); diff != "" {
				t.Errorf("amplitude mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPersistedLayout(t *testing.T) {
	grid := types.NewGrid(1, 1, 2, 2, 0.5, true)
	a := filled(grid)
	a.SetFailedSteps([]types.StepKey{{Time: 1}})
	data, err := a.Marshal()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, float64(1), doc["schema_ver"])
	assert.Equal(t, float64(0), doc["f"], "static problems store a scalar 0 frequency")
	assert.Equal(t, []any{float64(1)}, doc["failed_time_step"])
	// singleton pattern and frequency axes dropped: [t][e]
	assert.Equal(t, []any{[]any{0.5, 1.5}, []any{10.5, 11.5}}, doc["amplitude"])

	grid = types.NewGrid(1, 2, 2, 1, 0.5, false)
	a = filled(grid)
	a.SetFailedSteps([]types.StepKey{{Time: 1, Freq: 1}})
	data, err = a.Marshal()
	require.NoError(t, err)
	doc = nil
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, []any{float64(1), float64(2)}, doc["f"])
	assert.Equal(t, []any{[]any{float64(1), float64(1)}}, doc["failed_time_step"])
}

func TestFailedStepsIdempotentAcrossSaveLoad(t *testing.T) {
	grid := types.NewGrid(2, 1, 8, 2, 0.02, true)
	a := filled(grid)
	// zero-filled failures cannot be rediscovered from the values alone
	a.Put(0, 0, 3, []complex128{0, 0}, false)
	a.Put(1, 0, 3, []complex128{0, 0}, false)
	a.SetFailedSteps([]types.StepKey{{Time: 3}})

	path := filepath.Join(t.TempDir(), "results.json")
	require.NoError(t, a.Save(path))
	b, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, a.FailedSteps(), b.FailedSteps())
}

func TestFailedStepsRescanWhenNotRecorded(t *testing.T) {
	grid := types.NewGrid(2, 2, 6, 2, 0.02, false)
	a := filled(grid)
	a.Amplitude.Set(1, 1, 4, 0, 1e10)
	a.Amplitude.Set(0, 0, 2, 0, math.NaN())
	data, err := a.Marshal()
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	delete(doc, "failed_time_step")
	data, err = json.Marshal(doc)
	require.NoError(t, err)

	b, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, []types.StepKey{{Time: 2, Freq: 0}, {Time: 4, Freq: 1}}, b.FailedSteps())
	assert.True(t, math.IsNaN(b.Amplitude.At(0, 0, 2, 0)), "NaN survives as null")
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, ErrArchiveNotFound)

	corrupted := filepath.Join(dir, "corrupted.json")
	require.NoError(t, os.WriteFile(corrupted, []byte("{not json"), 0644))
	_, err = Load(corrupted)
	assert.ErrorIs(t, err, ErrCorruptedArchive)

	future := filepath.Join(dir, "future.json")
	require.NoError(t, os.WriteFile(future, []byte(`{"schema_ver": 2}`), 0644))
	_, err = Load(future)
	assert.ErrorIs(t, err, ErrIncompatibleVersion)

	a := filled(types.NewGrid(2, 1, 3, 2, 1, true))
	data, err := a.Marshal()
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	doc["amplitude"] = json.RawMessage(`[[1,2]]`)
	data, err = json.Marshal(doc)
	require.NoError(t, err)
	_, err = Unmarshal(data)
	assert.ErrorIs(t, err, ErrCorruptedArchive)
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "results.json")
	a := filled(types.NewGrid(1, 1, 2, 1, 1, true))
	require.NoError(t, a.Save(path))
	require.NoError(t, a.Save(path))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "results.json", entries[0].Name())
}

func TestMerge(t *testing.T) {
	grid := types.NewGrid(2, 2, 10, 3, 0.02, false)
	a := filled(grid)
	failed := []types.StepKey{{Time: 3, Freq: 0}, {Time: 7, Freq: 1}, {Time: 9, Freq: 1}}
	a.SetFailedSteps(failed)
	before := a.Clone()

	patch := New(grid, "eit_1")
	for _, k := range failed {
		for p := 0; p < grid.P(); p++ {
			patch.Put(p, k.Freq, k.Time, []complex128{42, 43, 44}, true)
		}
	}
	// the retry still fails at (9,1) and reports a failure outside its keys
	patch.SetFailedSteps([]types.StepKey{{Time: 9, Freq: 1}, {Time: 0, Freq: 0}})

	keys := []types.StepKey{{Time: 3, Freq: 0}, {Time: 7, Freq: 1}, {Time: 9, Freq: 1}}
	require.NoError(t, a.Merge(keys, patch))

	assert.Equal(t, []types.StepKey{{Time: 9, Freq: 1}}, a.FailedSteps())
	for p := 0; p < grid.P(); p++ {
		for f := 0; f < grid.F(); f++ {
			for tt := 0; tt < grid.T(); tt++ {
				k := types.StepKey{Time: tt, Freq: f}
				touched := k == keys[0] || k == keys[1] || k == keys[2]
				if touched {
					assert.Equal(t, []float64{42, 43, 44}, a.Amplitude.Cell(p, f, tt))
				} else {
					assert.Equal(t, before.Amplitude.Cell(p, f, tt), a.Amplitude.Cell(p, f, tt))
					assert.Equal(t, before.Phase.Cell(p, f, tt), a.Phase.Cell(p, f, tt))
				}
			}
		}
	}
}

// TestMergeScansOldFailuresBeforeCopy tests that an archive without a
// recorded failed list takes its old failures from its own data, not from
// the patched cells
func TestMergeScansOldFailuresBeforeCopy(t *testing.T) {
	grid := types.NewGrid(1, 1, 5, 1, 0.02, true)
	a := New(grid, "x")
	a.Policy.CheckBlowUp = true
	a.Policy.BlowUpThreshold = 1
	for step, v := range []complex128{1, 1.8, 1e10, 1, 1} {
		a.Put(0, 0, step, []complex128{v}, false)
	}
	a.failedKnown = false

	patch := New(grid, "x")
	patch.Put(0, 0, 2, []complex128{2.6}, false)
	patch.SetFailedSteps(nil)

	// against the patched 2.6, steps 3 and 4 would look like blow-ups
	require.NoError(t, a.Merge([]types.StepKey{{Time: 2}}, patch))
	assert.Empty(t, a.FailedSteps())
	assert.Equal(t, 2.6, a.Amplitude.At(0, 0, 2, 0))
}

func TestMergeErrors(t *testing.T) {
	a := New(types.NewGrid(1, 1, 4, 2, 1, true), "x")
	other := New(types.NewGrid(1, 1, 5, 2, 1, true), "x")
	assert.ErrorIs(t, a.Merge([]types.StepKey{{Time: 1}}, other), ErrShapeMismatch)

	patch := New(types.NewGrid(1, 1, 4, 2, 1, true), "x")
	assert.ErrorIs(t, a.Merge([]types.StepKey{{Time: 4}}, patch), ErrKeyOutOfRange)
}

func TestCloneIsDeep(t *testing.T) {
	a := filled(types.NewGrid(1, 1, 3, 2, 1, true))
	a.SetFailedSteps([]types.StepKey{{Time: 1}})
	a.AddTimer(TimerSolve, 2)
	c := a.Clone()

	if diff := cmp.Diff(a, c, archiveCmp...); diff != "" {
		t.Fatalf("clone differs (-a +c):\n%s", diff)
	}
	c.Amplitude.Set(0, 0, 0, 0, -1)
	c.AddTimer(TimerSolve, 1)
	c.SetFailedSteps(nil)
	assert.NotEqual(t, -1.0, a.Amplitude.At(0, 0, 0, 0))
	assert.Equal(t, 2.0, a.Timers[TimerSolve])
	assert.True(t, a.HasFailures())
	assert.False(t, c.HasFailures())
}

func TestSummary(t *testing.T) {
	a := filled(types.NewGrid(2, 1, 40, 2, 1, true))
	var keys []types.StepKey
	for i := 0; i < 12; i++ {
		keys = append(keys, types.StepKey{Time: i})
	}
	a.SetFailedSteps(keys)
	a.AddTimer(TimerSolve, 3.5)

	s := a.Summary()
	assert.Contains(t, s, "label:    eit_1")
	assert.Contains(t, s, "failed:   12 cells")
	assert.Contains(t, s, "+2]")
	assert.Contains(t, s, "solve")
}

func TestStore(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "results.json"))
	assert.False(t, store.Exists())

	a := filled(types.NewGrid(1, 1, 3, 2, 1, true))
	require.NoError(t, store.Write(a))
	assert.True(t, store.Exists())

	b, err := store.Load()
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
}
