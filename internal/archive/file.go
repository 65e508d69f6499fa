package archive

// ============================================================================
// Archive Persistence
// 1. Serialize to JSON, singleton pattern/frequency axes dropped
// 2. Atomic write (temp file + rename)
// 3. Validate schema version on load
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/ChuLiYu/gridsweep/internal/classifier"
	"github.com/ChuLiYu/gridsweep/pkg/types"
)

// SchemaVersion is the version written by Save and accepted by Load.
const SchemaVersion = 1

var (
	ErrCorruptedArchive    = errors.New("archive: file is corrupted")
	ErrIncompatibleVersion = errors.New("archive: schema version is incompatible")
	ErrArchiveNotFound     = errors.New("archive: file not found")
)

// fileRecord is the on-disk layout.
type fileRecord struct {
	SchemaVer       int                `json:"schema_ver"`
	Label           string             `json:"label"`
	T               []float64          `json:"t"`
	F               json.RawMessage    `json:"f"` // scalar when F == 1, 0 when static
	Static          bool               `json:"static"`
	P               []types.Pattern    `json:"p"`
	NE              int                `json:"n_e"`
	Amplitude       json.RawMessage    `json:"amplitude"` // [p?][f?][t][e]
	Phase           json.RawMessage    `json:"phase"`
	FailedTimeStep  json.RawMessage    `json:"failed_time_step,omitempty"` // [t...] or [[t,f]...]
	ComputationTime map[string]float64 `json:"computation_time"`
	FailurePolicy   *classifier.Policy `json:"failure_policy,omitempty"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
	Mesh            json.RawMessage    `json:"mesh,omitempty"`
}

// number encodes non-finite values as null; null decodes back to NaN.
type number float64

func (n number) MarshalJSON() ([]byte, error) {
	f := float64(n)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

// Marshal encodes the archive.
func (a *Archive) Marshal() ([]byte, error) {
	g := a.grid
	rec := fileRecord{
		SchemaVer:       SchemaVersion,
		Label:           a.Label,
		T:               g.Times,
		Static:          g.Static,
		P:               g.Patterns,
		NE:              g.E(),
		ComputationTime: a.Timers,
		Metadata:        a.Metadata,
		Mesh:            a.Mesh,
	}
	policy := a.Policy
	rec.FailurePolicy = &policy

	var err error
	if rec.F, err = json.Marshal(frequencyAxis(g)); err != nil {
		return nil, err
	}
	if rec.Amplitude, err = json.Marshal(nest(a.Amplitude)); err != nil {
		return nil, fmt.Errorf("archive: encode amplitude: %w", err)
	}
	if rec.Phase, err = json.Marshal(nest(a.Phase)); err != nil {
		return nil, fmt.Errorf("archive: encode phase: %w", err)
	}
	if rec.FailedTimeStep, err = json.Marshal(failedField(a.FailedSteps(), g.F())); err != nil {
		return nil, err
	}
	return json.MarshalIndent(rec, "", "  ")
}

func frequencyAxis(g types.GridDescriptor) any {
	if g.Static {
		return 0
	}
	if g.F() == 1 {
		return g.Frequencies[0]
	}
	return g.Frequencies
}

func failedField(keys []types.StepKey, nf int) any {
	if nf == 1 {
		out := make([]int, len(keys))
		for i, k := range keys {
			out[i] = k.Time
		}
		return out
	}
	out := make([][2]int, len(keys))
	for i, k := range keys {
		out[i] = [2]int{k.Time, k.Freq}
	}
	return out
}

// nest turns a flat tensor into nested slices with singleton P and F axes
// dropped.
func nest(x Tensor) any {
	cells := func(p, f int) [][]number {
		out := make([][]number, x.T)
		for t := range out {
			row := make([]number, x.E)
			for e := range row {
				row[e] = number(x.At(p, f, t, e))
			}
			out[t] = row
		}
		return out
	}
	freqs := func(p int) any {
		if x.F == 1 {
			return cells(p, 0)
		}
		out := make([][][]number, x.F)
		for f := range out {
			out[f] = cells(p, f)
		}
		return out
	}
	if x.P == 1 {
		return freqs(0)
	}
	out := make([]any, x.P)
	for p := range out {
		out[p] = freqs(p)
	}
	return out
}

// unnest reads nested arrays of the given dims into a flat slice.
func unnest(raw json.RawMessage, dims []int) ([]float64, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	size := 1
	for _, d := range dims {
		size *= d
	}
	out := make([]float64, 0, size)
	var walk func(v any, depth int) error
	walk = func(v any, depth int) error {
		if depth == len(dims) {
			switch x := v.(type) {
			case nil:
				out = append(out, math.NaN())
			case json.Number:
				f, err := x.Float64()
				if err != nil {
					return err
				}
				out = append(out, f)
			default:
				return fmt.Errorf("unexpected %T at depth %d", v, depth)
			}
			return nil
		}
		arr, ok := v.([]any)
		if !ok || len(arr) != dims[depth] {
			return fmt.Errorf("axis %d: want %d entries", depth, dims[depth])
		}
		for _, item := range arr {
			if err := walk(item, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(v, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// Unmarshal decodes an archive written by Marshal.
func Unmarshal(data []byte) (*Archive, error) {
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedArchive, err)
	}
	if rec.SchemaVer != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, rec.SchemaVer, SchemaVersion)
	}

	grid := types.GridDescriptor{
		Times:    rec.T,
		Patterns: rec.P,
		Channels: rec.NE,
		Static:   rec.Static,
	}
	var scalar float64
	if err := json.Unmarshal(rec.F, &scalar); err == nil {
		grid.Frequencies = []float64{scalar}
	} else if err := json.Unmarshal(rec.F, &grid.Frequencies); err != nil {
		return nil, fmt.Errorf("%w: f: %v", ErrCorruptedArchive, err)
	}
	if err := grid.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedArchive, err)
	}

	a := New(grid, rec.Label)
	dims := []int{grid.T(), grid.E()}
	if grid.F() > 1 {
		dims = append([]int{grid.F()}, dims...)
	}
	if grid.P() > 1 {
		dims = append([]int{grid.P()}, dims...)
	}
	var err error
	if a.Amplitude.Data, err = unnest(rec.Amplitude, dims); err != nil {
		return nil, fmt.Errorf("%w: amplitude: %v", ErrCorruptedArchive, err)
	}
	if a.Phase.Data, err = unnest(rec.Phase, dims); err != nil {
		return nil, fmt.Errorf("%w: phase: %v", ErrCorruptedArchive, err)
	}

	if rec.ComputationTime != nil {
		a.Timers = rec.ComputationTime
	}
	if rec.FailurePolicy != nil {
		a.Policy = *rec.FailurePolicy
	}
	if rec.Metadata != nil {
		a.Metadata = rec.Metadata
	}
	a.Mesh = rec.Mesh

	if len(rec.FailedTimeStep) == 0 || string(rec.FailedTimeStep) == "null" {
		// no recorded list: FailedSteps rescans on first use
		a.failed, a.failedKnown = nil, false
		return a, nil
	}
	keys, err := parseFailed(rec.FailedTimeStep, grid)
	if err != nil {
		return nil, fmt.Errorf("%w: failed_time_step: %v", ErrCorruptedArchive, err)
	}
	a.SetFailedSteps(keys)
	return a, nil
}

func parseFailed(raw json.RawMessage, grid types.GridDescriptor) ([]types.StepKey, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	keys := make([]types.StepKey, 0, len(items))
	for _, item := range items {
		var k types.StepKey
		var pair [2]int
		if err := json.Unmarshal(item, &k.Time); err != nil {
			if err := json.Unmarshal(item, &pair); err != nil {
				return nil, err
			}
			k = types.StepKey{Time: pair[0], Freq: pair[1]}
		}
		if k.Time < 0 || k.Time >= grid.T() || k.Freq < 0 || k.Freq >= grid.F() {
			return nil, fmt.Errorf("%w: %s", ErrKeyOutOfRange, k)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Save writes the archive atomically: a temp file in the same directory is
// renamed over path.
func (a *Archive) Save(path string) error {
	data, err := a.Marshal()
	if err != nil {
		return fmt.Errorf("archive: marshal: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("archive: create dir: %w", err)
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("archive: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("archive: rename: %w", err)
	}
	return nil
}

// Load reads an archive written by Save.
func Load(path string) (*Archive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, path)
		}
		return nil, fmt.Errorf("archive: read %s: %w", path, err)
	}
	return Unmarshal(data)
}

// Store serializes access to one archive file between concurrent users,
// such as the CLI and a scheduled retry watcher in the same process.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a Store for path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the archive file path.
func (s *Store) Path() string { return s.path }

// Exists reports whether the archive file exists.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Write saves a atomically.
func (s *Store) Write(a *Archive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return a.Save(s.path)
}

// Load reads the archive.
func (s *Store) Load() (*Archive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Load(s.path)
}
