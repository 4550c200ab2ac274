package partitions

import (
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/notargets/octforest/octant"
)

// PartitionLayout is the global partition table: which contiguous range of the
// sorted octant sequence each rank owns. It is rebuilt after every collective
// that changes the topology and is read-only in between.
type PartitionLayout struct {
	NumPartitions int
	TotalOctants  uint64

	Counts         []uint64 // Octants owned by each rank
	FirstGlobalIdx []uint64 // Global index of each rank's first octant
	RangeGlobalIdx []uint64 // One past the global index of each rank's last octant

	// Curve range of each rank as max level descendant keys. Empty ranks
	// carry zero keys and are skipped by every lookup.
	FirstDesc []octant.Key
	LastDesc  []octant.Key

	nonEmpty []int
}

// NewPartitionLayout builds the table from per-rank counts and descendant ranges.
func NewPartitionLayout(counts []uint64, first, last []octant.Key) (*PartitionLayout, error) {
	n := len(counts)
	if n == 0 || len(first) != n || len(last) != n {
		return nil, fmt.Errorf("partition layout needs matching per-rank slices, got %d/%d/%d",
			len(counts), len(first), len(last))
	}
	pl := &PartitionLayout{
		NumPartitions:  n,
		Counts:         append([]uint64(nil), counts...),
		FirstGlobalIdx: make([]uint64, n),
		RangeGlobalIdx: make([]uint64, n),
		FirstDesc:      append([]octant.Key(nil), first...),
		LastDesc:       append([]octant.Key(nil), last...),
	}
	var offset uint64
	for r, c := range counts {
		pl.FirstGlobalIdx[r] = offset
		offset += c
		pl.RangeGlobalIdx[r] = offset
		if c > 0 {
			pl.nonEmpty = append(pl.nonEmpty, r)
		}
	}
	pl.TotalOctants = offset
	if err := pl.ValidateLayout(); err != nil {
		return nil, fmt.Errorf("invalid partition layout: %w", err)
	}
	return pl, nil
}

// GetPartition returns the rank owning global index g, or -1.
func (pl *PartitionLayout) GetPartition(g uint64) int {
	if g >= pl.TotalOctants {
		return -1
	}
	r := sort.Search(pl.NumPartitions, func(i int) bool { return pl.RangeGlobalIdx[i] > g })
	if r == pl.NumPartitions {
		return -1
	}
	return r
}

// OwnerOfMorton returns the rank whose curve range holds the max level cell
// with Morton code m, or -1.
func (pl *PartitionLayout) OwnerOfMorton(m uint64) int {
	i := sort.Search(len(pl.nonEmpty), func(i int) bool {
		return pl.LastDesc[pl.nonEmpty[i]].Morton >= m
	})
	if i == len(pl.nonEmpty) {
		return -1
	}
	r := pl.nonEmpty[i]
	if pl.FirstDesc[r].Morton > m {
		return -1
	}
	return r
}

// RanksOverlapping returns the non-empty ranks whose curve range intersects [lo, hi].
func (pl *PartitionLayout) RanksOverlapping(lo, hi uint64) []int {
	var ranks []int
	for _, r := range pl.nonEmpty {
		if pl.FirstDesc[r].Morton <= hi && pl.LastDesc[r].Morton >= lo {
			ranks = append(ranks, r)
		}
	}
	return ranks
}

// ValidateLayout checks partition consistency: monotone global offsets and
// non-overlapping ordered curve ranges.
func (pl *PartitionLayout) ValidateLayout() (err error) {
	var sum uint64
	prev := -1
	for r := 0; r < pl.NumPartitions; r++ {
		if pl.FirstGlobalIdx[r] != sum {
			err = multierr.Append(err, fmt.Errorf("partition %d: first global index %d != %d",
				r, pl.FirstGlobalIdx[r], sum))
		}
		sum += pl.Counts[r]
		if r > 0 && pl.FirstGlobalIdx[r] < pl.FirstGlobalIdx[r-1] {
			err = multierr.Append(err, fmt.Errorf("partition %d: first global index decreases", r))
		}
		if pl.Counts[r] == 0 {
			continue
		}
		if pl.LastDesc[r].Morton < pl.FirstDesc[r].Morton {
			err = multierr.Append(err, fmt.Errorf("partition %d: inverted range %v..%v",
				r, pl.FirstDesc[r], pl.LastDesc[r]))
		}
		if prev >= 0 && pl.FirstDesc[r].Morton <= pl.LastDesc[prev].Morton {
			err = multierr.Append(err, fmt.Errorf("partitions %d and %d overlap", prev, r))
		}
		prev = r
	}
	if sum != pl.TotalOctants {
		err = multierr.Append(err, fmt.Errorf("counts sum %d != total %d", sum, pl.TotalOctants))
	}
	return err
}

// CheckCoverage verifies that the non-empty ranges tile [0, maxMorton] without gaps.
func (pl *PartitionLayout) CheckCoverage(maxMorton uint64) error {
	next := uint64(0)
	done := false
	for r := 0; r < pl.NumPartitions; r++ {
		if pl.Counts[r] == 0 {
			continue
		}
		if done || pl.FirstDesc[r].Morton != next {
			return fmt.Errorf("partition %d starts at %#x, expected %#x", r, pl.FirstDesc[r].Morton, next)
		}
		if pl.LastDesc[r].Morton == maxMorton {
			done = true
			continue
		}
		next = pl.LastDesc[r].Morton + 1
	}
	if !done {
		return fmt.Errorf("partitions end at %#x before %#x", next, maxMorton)
	}
	return nil
}

// PartitionStatistics computes load balance metrics
func (pl *PartitionLayout) PartitionStatistics() PartitionStats {
	counts := make([]float64, pl.NumPartitions)
	for i, c := range pl.Counts {
		counts[i] = float64(c)
	}
	stats := PartitionStats{
		NumPartitions: pl.NumPartitions,
		MinOctants:    uint64(floats.Min(counts)),
		MaxOctants:    uint64(floats.Max(counts)),
		AvgOctants:    stat.Mean(counts, nil),
	}
	if stats.AvgOctants > 0 {
		stats.Imbalance = float64(stats.MaxOctants) / stats.AvgOctants
	}
	return stats
}

type PartitionStats struct {
	NumPartitions int
	MinOctants    uint64
	MaxOctants    uint64
	AvgOctants    float64
	Imbalance     float64 // MaxOctants / AvgOctants
}
