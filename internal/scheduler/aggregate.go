package scheduler

import (
	"fmt"

	"github.com/ChuLiYu/gridsweep/internal/archive"
	"github.com/ChuLiYu/gridsweep/internal/worker"
)

type cell struct{ p, f, t int }

// scatter places every outcome at its own cell. Partitions are disjoint by
// construction, so a second outcome for a cell means a broken partitioner.
func scatter(a *archive.Archive, partials []*worker.Partial) error {
	placed := make(map[cell]int)
	for _, part := range partials {
		for _, o := range part.Outcomes {
			c := cell{o.Pattern, o.FreqIndex, o.Step}
			if w, ok := placed[c]; ok {
				return fmt.Errorf("%w: pattern %d %s solved by workers %d and %d",
					ErrOverlap, o.Pattern, o.Key(), w, part.Worker)
			}
			placed[c] = part.Worker
			a.Put(o.Pattern, o.FreqIndex, o.Step, o.Values, part.Phasor)
		}
	}
	return nil
}

// sum superposes the outcomes of every partial cell by cell and stores the
// amplitude and phase of the total.
func sum(a *archive.Archive, partials []*worker.Partial) {
	totals := make(map[cell][]complex128)
	phasor := false
	var order []cell
	for _, part := range partials {
		phasor = phasor || part.Phasor
		for _, o := range part.Outcomes {
			c := cell{o.Pattern, o.FreqIndex, o.Step}
			acc, ok := totals[c]
			if !ok {
				acc = make([]complex128, len(o.Values))
				order = append(order, c)
			}
			for e, v := range o.Values {
				if e < len(acc) {
					acc[e] += v
				}
			}
			totals[c] = acc
		}
	}
	for _, c := range order {
		a.Put(c.p, c.f, c.t, totals[c], phasor)
	}
}
