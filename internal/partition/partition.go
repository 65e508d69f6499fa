// Package partition splits an ordered index set into per-worker partitions.
//
// Two strategies are provided:
//
//	default  contiguous, order-preserving runs whose sizes differ by at most
//	         one (the first len%n runs carry the extra element)
//	comb     interleaved: position i goes to worker i mod n, so every worker
//	         sees a mixture of early and late indices when cost grows with
//	         the index
//
// Partitioning is a pure function: identical inputs always give identical
// partitions, which keeps retries reproducible.
package partition

import (
	"errors"
	"fmt"
	"strings"
)

// Strategy selects how indices are distributed between workers.
type Strategy string

const (
	StrategyDefault Strategy = "default" // contiguous near-equal runs
	StrategyComb    Strategy = "comb"    // i mod n interleaving
)

var (
	// ErrInvalidWorkers is returned when the requested worker count is < 1.
	ErrInvalidWorkers = errors.New("partition: worker count must be >= 1")
	// ErrUnknownStrategy is returned for a strategy other than default or comb.
	ErrUnknownStrategy = errors.New("partition: unknown strategy")
)

// ParseStrategy converts a configuration string into a Strategy.
// The empty string maps to StrategyDefault.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyDefault:
		return StrategyDefault, nil
	case StrategyComb:
		return StrategyComb, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Range returns the index set 0..n-1.
func Range(n int) []int {
	if n < 0 {
		n = 0
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Workers returns the number of partitions Partition will produce for a set
// of size n: nWorkers clamped to n when there is work to share.
func Workers(n, nWorkers int) int {
	if n > 0 && nWorkers > n {
		return n
	}
	return nWorkers
}

// Partition splits indices into partitions according to strategy.
//
// When nWorkers exceeds len(indices) it is clamped so that no partition is
// empty while work exists. An empty index set yields nWorkers empty
// partitions. The input slice is never modified.
func Partition(indices []int, nWorkers int, strategy Strategy) ([][]int, error) {
	if nWorkers < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWorkers, nWorkers)
	}
	if strategy == "" {
		strategy = StrategyDefault
	}
	if strategy != StrategyDefault && strategy != StrategyComb {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	n := len(indices)
	if n == 0 {
		return make([][]int, nWorkers), nil
	}
	workers := Workers(n, nWorkers)

	if strategy == StrategyComb {
		return comb(indices, workers), nil
	}
	return contiguous(indices, workers), nil
}

// contiguous follows numpy's array_split: the first n%workers chunks hold
// one extra element.
func contiguous(indices []int, workers int) [][]int {
	n := len(indices)
	base, extra := n/workers, n%workers

	out := make([][]int, workers)
	start := 0
	for w := 0; w < workers; w++ {
		size := base
		if w < extra {
			size++
		}
		part := make([]int, size)
		copy(part, indices[start:start+size])
		out[w] = part
		start += size
	}
	return out
}

func comb(indices []int, workers int) [][]int {
	out := make([][]int, workers)
	for w := range out {
		out[w] = make([]int, 0, (len(indices)+workers-1)/workers)
	}
	for i, idx := range indices {
		out[i%workers] = append(out[i%workers], idx)
	}
	return out
}
