package backup

import (
	"fmt"

	"github.com/ChuLiYu/gridsweep/internal/archive"
	"github.com/ChuLiYu/gridsweep/pkg/types"
)

type solveKey struct {
	worker int
	freq   int
	step   int
}

// Recover rebuilds a full-shaped archive from the backup of an interrupted
// run on grid. Within one worker the P lines of a (frequency, step) are
// written consecutively in pattern order, which gives each line its pattern.
//
// Every cell that was not logged for all patterns, or was logged as
// recovered, is reported failed, so a retry of the result completes exactly
// the missing work.
func Recover(path string, grid types.GridDescriptor, label string) (*archive.Archive, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}

	a := archive.New(grid, label)
	a.Metadata["recovered_from"] = path

	seen := make(map[solveKey]int)
	logged := make(map[types.StepKey]int)
	failed := make(map[types.StepKey]bool)

	err := Replay(path, func(rec Record) error {
		fi, err := frequencyIndex(grid, rec.Frequency)
		if err != nil {
			return err
		}
		if rec.Step < 0 || rec.Step >= grid.T() {
			return fmt.Errorf("%w: step %d outside [0,%d)", ErrCorruptedLine, rec.Step, grid.T())
		}
		if len(rec.Values) != grid.E() {
			return fmt.Errorf("%w: %d values, grid has %d channels", ErrCorruptedLine, len(rec.Values), grid.E())
		}

		sk := solveKey{worker: rec.Worker, freq: fi, step: rec.Step}
		p := seen[sk]
		if p >= grid.P() {
			return fmt.Errorf("%w: more than %d patterns for %s on worker %d", ErrCorruptedLine, grid.P(), types.StepKey{Time: rec.Step, Freq: fi}, rec.Worker)
		}
		seen[sk] = p + 1

		key := types.StepKey{Time: rec.Step, Freq: fi}
		logged[key]++
		if rec.Recovered {
			failed[key] = true
		}
		a.Put(p, fi, rec.Step, rec.Values, rec.Phasor)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var keys []types.StepKey
	for f := 0; f < grid.F(); f++ {
		for t := 0; t < grid.T(); t++ {
			k := types.StepKey{Time: t, Freq: f}
			if failed[k] || logged[k] < grid.P() {
				keys = append(keys, k)
			}
		}
	}
	a.SetFailedSteps(keys)
	return a, nil
}

func frequencyIndex(grid types.GridDescriptor, freq float64) (int, error) {
	if grid.Static {
		if freq != 0 {
			return 0, fmt.Errorf("%w: %g on static grid", ErrUnknownFrequency, freq)
		}
		return 0, nil
	}
	for i, f := range grid.Frequencies {
		if f == freq {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %g", ErrUnknownFrequency, freq)
}
