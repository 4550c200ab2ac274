package partitions

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/octforest/octant"
)

func key(m uint64) octant.Key { return octant.Key{Morton: m, Level: 20} }

func TestPartitionLayoutLookup(t *testing.T) {
	// rank 1 is empty
	pl, err := NewPartitionLayout(
		[]uint64{3, 0, 5},
		[]octant.Key{key(0), {}, key(64)},
		[]octant.Key{key(63), {}, key(255)},
	)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), pl.TotalOctants)
	assert.Equal(t, []uint64{0, 3, 3}, pl.FirstGlobalIdx)

	tests := []struct {
		global uint64
		want   int
	}{{0, 0}, {2, 0}, {3, 2}, {7, 2}, {8, -1}}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pl.GetPartition(tt.global), "global %d", tt.global)
	}

	assert.Equal(t, 0, pl.OwnerOfMorton(0))
	assert.Equal(t, 0, pl.OwnerOfMorton(63))
	assert.Equal(t, 2, pl.OwnerOfMorton(64))
	assert.Equal(t, 2, pl.OwnerOfMorton(255))
	assert.Equal(t, -1, pl.OwnerOfMorton(256))

	assert.Equal(t, []int{0, 2}, pl.RanksOverlapping(60, 70))
	assert.Equal(t, []int{2}, pl.RanksOverlapping(100, 1000))
	assert.NoError(t, pl.CheckCoverage(255))
	assert.Error(t, pl.CheckCoverage(511))
}

func TestPartitionLayoutInvalid(t *testing.T) {
	_, err := NewPartitionLayout([]uint64{2, 2},
		[]octant.Key{key(0), key(10)},
		[]octant.Key{key(20), key(30)})
	assert.Error(t, err, "overlapping ranges")

	_, err = NewPartitionLayout([]uint64{1}, nil, nil)
	assert.Error(t, err)
}

func TestPartitionStatistics(t *testing.T) {
	pl, err := NewPartitionLayout([]uint64{2, 4},
		[]octant.Key{key(0), key(8)},
		[]octant.Key{key(7), key(15)})
	require.NoError(t, err)
	stats := pl.PartitionStatistics()
	assert.Equal(t, uint64(2), stats.MinOctants)
	assert.Equal(t, uint64(4), stats.MaxOctants)
	assert.InDelta(t, 3.0, stats.AvgOctants, 1e-12)
	assert.InDelta(t, 4.0/3.0, stats.Imbalance, 1e-12)
}

func TestBlockCounts(t *testing.T) {
	assert.Equal(t, []uint64{4, 3, 3}, BlockCounts(10, 3))
	assert.Equal(t, []uint64{0, 0, 0, 0}, BlockCounts(0, 4))
	assert.Equal(t, []uint64{18, 18}, BlockCounts(36, 2))
}

func TestBlockRuns(t *testing.T) {
	target := BlockCounts(36, 2)

	// rank 0 holds 32 octants starting at 0, rank 1 holds 4 starting at 32
	runs0 := BlockRuns(0, 32, target)
	want0 := []Run{{Rank: 0, Start: 0, End: 18}, {Rank: 1, Start: 18, End: 32}}
	if diff := cmp.Diff(want0, runs0); diff != "" {
		t.Errorf("rank 0 runs mismatch (-want +got):\n%s", diff)
	}
	runs1 := BlockRuns(32, 4, target)
	assert.Equal(t, []Run{{Rank: 1, Start: 0, End: 4}}, runs1)

	plan, err := NewPlan(BlockPartition, [][]uint64{SendCounts(runs0, 2), SendCounts(runs1, 2)})
	require.NoError(t, err)
	assert.Equal(t, []uint64{18, 18}, plan.NewCounts)
	assert.Equal(t, []uint64{32, 4}, plan.OldCounts)
	assert.Equal(t, []int{0}, plan.Sources(1))
	assert.Equal(t, []int{1}, plan.Destinations(0))
	assert.Nil(t, plan.Sources(0))
	assert.Equal(t, uint64(14), plan.Moved())
}

func TestBlockRunsSpanningSeveralRanks(t *testing.T) {
	runs := BlockRuns(2, 10, []uint64{3, 3, 3, 3})
	assert.Equal(t, []Run{
		{Rank: 0, Start: 0, End: 1},
		{Rank: 1, Start: 1, End: 4},
		{Rank: 2, Start: 4, End: 7},
		{Rank: 3, Start: 7, End: 10},
	}, runs)
}

func TestWeightedRuns(t *testing.T) {
	// total weight 8 over two ranks: the first heavy octant fills rank 0
	runs, err := WeightedRuns(0, 8, []float64{4, 1, 1, 1, 1}, 8, 2)
	require.NoError(t, err)
	assert.Equal(t, []Run{{Rank: 0, Start: 0, End: 1}, {Rank: 1, Start: 1, End: 5}}, runs)

	// second rank of a split sequence continues monotonically
	runs, err = WeightedRuns(4, 8, []float64{1, 1, 1, 1}, 8, 2)
	require.NoError(t, err)
	assert.Equal(t, []Run{{Rank: 1, Start: 0, End: 4}}, runs)

	_, err = WeightedRuns(0, 0, []float64{1, -1}, 0, 2)
	assert.Error(t, err)

	runs, err = WeightedRuns(0, 0, nil, 0, 2)
	assert.NoError(t, err)
	assert.Empty(t, runs)
}

func TestWeightedRunsSharedBound(t *testing.T) {
	// rank 0 sums its weights locally to one ulp above the prefix bound it
	// shares with rank 1; zero weights on both sides of the bound must not
	// cross over
	bound := math.Nextafter(0.6, 0)
	first, err := WeightedRuns(0, bound, []float64{0.1, 0.2, 0.3, 0}, 1.2, 2)
	require.NoError(t, err)
	assert.Equal(t, []Run{{Rank: 0, Start: 0, End: 4}}, first)

	second, err := WeightedRuns(bound, 1.2, []float64{0, 0.6}, 1.2, 2)
	require.NoError(t, err)
	assert.Equal(t, []Run{{Rank: 0, Start: 0, End: 1}, {Rank: 1, Start: 1, End: 2}}, second)

	plan, err := NewPlan(WeightedPartition, [][]uint64{SendCounts(first, 2), SendCounts(second, 2)})
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 1}, plan.NewCounts)
}

func TestPlanRejectsNonMonotone(t *testing.T) {
	_, err := NewPlan(BlockPartition, [][]uint64{{0, 2}, {1, 0}})
	assert.Error(t, err)
	_, err = NewPlan(WeightedPartition, [][]uint64{{1, 1}, {0}})
	assert.Error(t, err)
	assert.Equal(t, "weighted", WeightedPartition.String())
}

func TestHalo(t *testing.T) {
	h := NewHalo(3, 1)
	h.Add(0, 4)
	h.Add(0, 2)
	h.Add(0, 4)
	h.Add(2, 7)
	h.Add(1, 3) // self, ignored
	h.Finalize()

	assert.Equal(t, []int{2, 4}, h.GetPickIndices(0))
	assert.Equal(t, []int{7}, h.GetPickIndices(2))
	assert.Equal(t, []int{0, 2}, h.Targets())
	assert.Equal(t, 3, h.NumSent())
	assert.Nil(t, h.GetPickIndices(5))

	require.NoError(t, h.Place([]int{2, 0, 1}))
	assert.Equal(t, []int{0, 1}, h.GetPlaceIndices(0))
	assert.Equal(t, []int{2}, h.GetPlaceIndices(2))
	assert.NoError(t, h.Verify(8, 3))
	assert.Error(t, h.Verify(5, 3), "pick index 7 out of range")
	assert.Error(t, h.Verify(8, 4), "ghost count mismatch")
	assert.Error(t, h.Place([]int{0, 1, 0}))
}
