package partitions

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// PartitionStrategy defines how the sorted octant sequence is split
type PartitionStrategy int

const (
	BlockPartition    PartitionStrategy = iota // Equal octant counts
	WeightedPartition                          // Equal sums of per-octant weights
)

func (s PartitionStrategy) String() string {
	switch s {
	case BlockPartition:
		return "block"
	case WeightedPartition:
		return "weighted"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Run is a contiguous slice [Start, End) of local octants bound for Rank.
type Run struct {
	Rank  int
	Start int
	End   int
}

// Len is the number of octants in the run.
func (r Run) Len() int { return r.End - r.Start }

// BlockCounts splits total octants into n near-equal contiguous ranges; the
// first total%n ranks receive one extra octant.
func BlockCounts(total uint64, n int) []uint64 {
	counts := make([]uint64, n)
	base, extra := total/uint64(n), total%uint64(n)
	for r := range counts {
		counts[r] = base
		if uint64(r) < extra {
			counts[r]++
		}
	}
	return counts
}

// BlockRuns assigns count local octants starting at global index first to the
// ranks owning them under the target counts.
func BlockRuns(first uint64, count int, target []uint64) []Run {
	var runs []Run
	var lo uint64
	local := 0
	for r, c := range target {
		hi := lo + c
		// intersect [first+local, first+count) with [lo, hi)
		for local < count && first+uint64(local) >= lo && first+uint64(local) < hi {
			start := local
			end := count
			if first+uint64(count) > hi {
				end = int(hi - first)
			}
			runs = append(runs, Run{Rank: r, Start: start, End: end})
			local = end
		}
		lo = hi
	}
	return runs
}

// WeightedRuns assigns local octants to ranks so that each of the n ranks
// receives an equal share of the global weight. [lo, hi] is this rank's
// interval of the global weight prefix and total the global weight sum. Every
// octant midpoint is clamped into [lo, hi], so neighbouring ranks sharing a
// bound never disagree on the order of their destinations and every
// destination receives a contiguous range.
func WeightedRuns(lo, hi float64, weights []float64, total float64, n int) ([]Run, error) {
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("weight %d is invalid: %v", i, w)
		}
	}
	if len(weights) == 0 {
		return nil, nil
	}
	cum := make([]float64, len(weights))
	floats.CumSum(cum, weights)

	share := total / float64(n)
	var runs []Run
	for i, w := range weights {
		dest := n - 1
		if share > 0 {
			mid := math.Min(math.Max(lo+cum[i]-w/2, lo), hi)
			dest = int(mid / share)
			if dest >= n {
				dest = n - 1
			}
		}
		if len(runs) > 0 && runs[len(runs)-1].Rank == dest {
			runs[len(runs)-1].End = i + 1
			continue
		}
		runs = append(runs, Run{Rank: dest, Start: i, End: i + 1})
	}
	return runs, nil
}

// SendCounts folds runs into a per-destination count vector of length n.
func SendCounts(runs []Run, n int) []uint64 {
	counts := make([]uint64, n)
	for _, r := range runs {
		counts[r.Rank] += uint64(r.Len())
	}
	return counts
}

// Plan is the agreed migration matrix of one load balance: Send[s][d] octants
// move from rank s to rank d (the diagonal is what each rank keeps).
type Plan struct {
	Strategy  PartitionStrategy
	Send      [][]uint64
	OldCounts []uint64
	NewCounts []uint64
}

// NewPlan builds a plan from every rank's send vector.
func NewPlan(strategy PartitionStrategy, send [][]uint64) (*Plan, error) {
	n := len(send)
	p := &Plan{
		Strategy:  strategy,
		Send:      send,
		OldCounts: make([]uint64, n),
		NewCounts: make([]uint64, n),
	}
	for s := range send {
		if len(send[s]) != n {
			return nil, fmt.Errorf("rank %d send vector has %d entries, want %d", s, len(send[s]), n)
		}
		for d, c := range send[s] {
			p.OldCounts[s] += c
			p.NewCounts[d] += c
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks that destinations never decrease along the curve, so every
// rank receives one contiguous range.
func (p *Plan) Validate() error {
	lastDest := 0
	for s := range p.Send {
		for d, c := range p.Send[s] {
			if c == 0 {
				continue
			}
			if d < lastDest {
				return fmt.Errorf("rank %d sends to %d after an earlier octant went to %d", s, d, lastDest)
			}
			lastDest = d
		}
	}
	return nil
}

// Sources returns the ranks other than rank that send octants to rank.
func (p *Plan) Sources(rank int) []int {
	var src []int
	for s := range p.Send {
		if s != rank && p.Send[s][rank] > 0 {
			src = append(src, s)
		}
	}
	return src
}

// Destinations returns the ranks other than rank that receive octants from rank.
func (p *Plan) Destinations(rank int) []int {
	var dst []int
	for d, c := range p.Send[rank] {
		if d != rank && c > 0 {
			dst = append(dst, d)
		}
	}
	return dst
}

// Moved is the number of octants changing owner.
func (p *Plan) Moved() (moved uint64) {
	for s := range p.Send {
		for d, c := range p.Send[s] {
			if s != d {
				moved += c
			}
		}
	}
	return moved
}
