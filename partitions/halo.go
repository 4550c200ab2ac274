package partitions

import (
	"fmt"
	"sort"
)

// Halo holds the pick and place indices of one rank's ghost exchange: which
// local octants are sent to every other rank, and where the octants received
// from every other rank land in the ghost array.
type Halo struct {
	NumPartitions int
	Rank          int

	PickIndices  []PickBuffer  // [targetPartition]
	PlaceIndices []PlaceBuffer // [sourcePartition]
}

// PickBuffer contains the local octant indices to send to one partition
type PickBuffer struct {
	Indices         []int
	TargetPartition int
}

// PlaceBuffer contains the ghost positions filled by one partition
type PlaceBuffer struct {
	Indices         []int
	SourcePartition int
}

// NewHalo creates empty pick and place buffers for rank in a group of numPartitions.
func NewHalo(numPartitions, rank int) *Halo {
	h := &Halo{
		NumPartitions: numPartitions,
		Rank:          rank,
		PickIndices:   make([]PickBuffer, numPartitions),
		PlaceIndices:  make([]PlaceBuffer, numPartitions),
	}
	for q := 0; q < numPartitions; q++ {
		h.PickIndices[q] = PickBuffer{TargetPartition: q}
		h.PlaceIndices[q] = PlaceBuffer{SourcePartition: q}
	}
	return h
}

// Add schedules local octant idx to be sent to target. Duplicates are removed by Finalize.
func (h *Halo) Add(target, idx int) {
	if target == h.Rank || target < 0 || target >= h.NumPartitions {
		return
	}
	h.PickIndices[target].Indices = append(h.PickIndices[target].Indices, idx)
}

// Finalize sorts and deduplicates every pick list, keeping octants in curve order.
func (h *Halo) Finalize() {
	for q := range h.PickIndices {
		idx := h.PickIndices[q].Indices
		if len(idx) == 0 {
			continue
		}
		sort.Ints(idx)
		n := 1
		for i := 1; i < len(idx); i++ {
			if idx[i] != idx[n-1] {
				idx[n] = idx[i]
				n++
			}
		}
		h.PickIndices[q].Indices = idx[:n]
	}
}

// Targets returns the ranks that receive at least one octant, in rank order.
func (h *Halo) Targets() []int {
	var t []int
	for q, pb := range h.PickIndices {
		if len(pb.Indices) > 0 {
			t = append(t, q)
		}
	}
	return t
}

// Place records that counts[q] ghosts arrive from each partition q. Ghost
// positions are assigned in rank order, which keeps the ghost array sorted.
func (h *Halo) Place(counts []int) error {
	if len(counts) != h.NumPartitions {
		return fmt.Errorf("halo place: %d counts for %d partitions", len(counts), h.NumPartitions)
	}
	pos := 0
	for q, c := range counts {
		if q == h.Rank && c != 0 {
			return fmt.Errorf("halo place: rank %d cannot ghost its own octants", q)
		}
		idx := make([]int, c)
		for i := range idx {
			idx[i] = pos
			pos++
		}
		h.PlaceIndices[q].Indices = idx
	}
	return nil
}

// GetPickIndices returns pick indices for sending to targetPartition
func (h *Halo) GetPickIndices(targetPartition int) []int {
	if targetPartition < 0 || targetPartition >= h.NumPartitions {
		return nil
	}
	return h.PickIndices[targetPartition].Indices
}

// GetPlaceIndices returns ghost positions filled by sourcePartition
func (h *Halo) GetPlaceIndices(sourcePartition int) []int {
	if sourcePartition < 0 || sourcePartition >= h.NumPartitions {
		return nil
	}
	return h.PlaceIndices[sourcePartition].Indices
}

// NumSent is the total number of octant copies this rank sends.
func (h *Halo) NumSent() (n int) {
	for _, pb := range h.PickIndices {
		n += len(pb.Indices)
	}
	return n
}

// Verify checks index validity: picks address local octants, nothing is sent
// to self, and the place indices tile [0, numGhosts) exactly once.
func (h *Halo) Verify(numLocal, numGhosts int) error {
	for q, pb := range h.PickIndices {
		if q == h.Rank && len(pb.Indices) > 0 {
			return fmt.Errorf("partition %d picks %d octants for itself", q, len(pb.Indices))
		}
		for _, idx := range pb.Indices {
			if idx < 0 || idx >= numLocal {
				return fmt.Errorf("invalid pick index %d for partition %d (max %d)", idx, q, numLocal-1)
			}
		}
	}

	next := 0
	for q, pl := range h.PlaceIndices {
		for _, idx := range pl.Indices {
			if idx != next {
				return fmt.Errorf("place index %d from partition %d, expected %d", idx, q, next)
			}
			next++
		}
	}
	if next != numGhosts {
		return fmt.Errorf("conservation error: %d placed ghosts != %d ghosts", next, numGhosts)
	}
	return nil
}
