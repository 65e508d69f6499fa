package partition

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombStrategy(t *testing.T) {
	parts, err := Partition(Range(10), 4, StrategyComb)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 4, 8}, {1, 5, 9}, {2, 6}, {3, 7}}, parts)
}

func TestDefaultStrategy(t *testing.T) {
	parts, err := Partition(Range(6), 2, StrategyDefault)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}}, parts)

	parts, err = Partition(Range(10), 4, StrategyDefault)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}, {6, 7}, {8, 9}}, parts)
}

func TestPartitionCoverage(t *testing.T) {
	for _, strategy := range []Strategy{StrategyDefault, StrategyComb} {
		for n := 0; n <= 25; n++ {
			for workers := 1; workers <= 8; workers++ {
				indices := Range(n)
				parts, err := Partition(indices, workers, strategy)
				require.NoError(t, err)

				seen := make(map[int]int)
				var union []int
				minSize, maxSize := n+1, -1
				for _, p := range parts {
					for _, idx := range p {
						seen[idx]++
						union = append(union, idx)
					}
					if len(p) < minSize {
						minSize = len(p)
					}
					if len(p) > maxSize {
						maxSize = len(p)
					}
				}
				sort.Ints(union)
				assert.Equal(t, indices, append([]int{}, union...), "strategy=%s n=%d workers=%d", strategy, n, workers)
				for idx, count := range seen {
					assert.Equal(t, 1, count, "index %d assigned twice", idx)
				}
				if n > 0 {
					assert.LessOrEqual(t, maxSize-minSize, 1)
					assert.Greater(t, minSize, 0, "no empty partition while work exists")
				}
			}
		}
	}
}

func TestPartitionPreservesOrder(t *testing.T) {
	indices := []int{3, 7, 11, 12, 19}
	parts, err := Partition(indices, 2, StrategyDefault)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{3, 7, 11}, {12, 19}}, parts)

	parts, err = Partition(indices, 2, StrategyComb)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{3, 11, 19}, {7, 12}}, parts)
}

func TestPartitionClampsWorkers(t *testing.T) {
	parts, err := Partition([]int{3, 7}, 8, StrategyDefault)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{3}, {7}}, parts)
	assert.Equal(t, 2, Workers(2, 8))
	assert.Equal(t, 8, Workers(0, 8))
}

func TestPartitionEmpty(t *testing.T) {
	parts, err := Partition(nil, 3, StrategyComb)
	require.NoError(t, err)
	assert.Len(t, parts, 3)
	for _, p := range parts {
		assert.Empty(t, p)
	}
}

func TestPartitionErrors(t *testing.T) {
	_, err := Partition(Range(4), 0, StrategyDefault)
	assert.ErrorIs(t, err, ErrInvalidWorkers)

	_, err = Partition(Range(4), 2, Strategy("spiral"))
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestPartitionDoesNotAlias(t *testing.T) {
	indices := Range(4)
	parts, err := Partition(indices, 2, StrategyDefault)
	require.NoError(t, err)
	parts[0][0] = 99
	assert.Equal(t, 0, indices[0])
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyDefault, s)

	s, err = ParseStrategy(" Comb ")
	require.NoError(t, err)
	assert.Equal(t, StrategyComb, s)

	_, err = ParseStrategy("random")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}
