package paratree

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/notargets/octforest/comm"
	"github.com/notargets/octforest/localtree"
	"github.com/notargets/octforest/partitions"
)

// Origin addresses an octant before an Adapt by owning rank and local index.
type Origin struct {
	Rank  int
	Index int
}

// Mapping relates the local octants after an Adapt to the octants they came
// from. Refined octants have one origin; a coarsened parent lists its whole
// family, possibly including siblings owned by other workers.
type Mapping struct {
	Rank      int
	Origins   [][]Origin
	Refined   []bool
	Coarsened []bool
	Clipped   int // Refine markers dropped at max level

	forward map[int][]int
}

// Forward returns the new local indices that old local index old turned into.
// It is empty when old moved into a parent owned by another worker.
func (m *Mapping) Forward(old int) []int {
	if m.forward == nil {
		m.forward = make(map[int][]int)
		for i, origins := range m.Origins {
			for _, o := range origins {
				if o.Rank == m.Rank {
					m.forward[o.Index] = append(m.forward[o.Index], i)
				}
			}
		}
	}
	return m.forward[old]
}

// buildMapping converts a local mapping into rank addressed origins. Ghost
// origins are resolved against the partition table before the mutation.
func (pt *ParaTree) buildMapping(local [][]localtree.Origin, owner []int, global []uint64,
	layout *partitions.PartitionLayout, clipped int) *Mapping {
	me := pt.Rank()
	m := &Mapping{
		Rank:      me,
		Origins:   make([][]Origin, len(local)),
		Refined:   make([]bool, len(local)),
		Coarsened: make([]bool, len(local)),
		Clipped:   clipped,
	}
	for i, origins := range local {
		out := make([]Origin, 0, len(origins))
		for _, o := range origins {
			if !o.Ghost {
				out = append(out, Origin{Rank: me, Index: o.Index})
				continue
			}
			r := owner[o.Index]
			out = append(out, Origin{Rank: r, Index: int(global[o.Index] - layout.FirstGlobalIdx[r])})
		}
		sort.Slice(out, func(a, b int) bool {
			if out[a].Rank != out[b].Rank {
				return out[a].Rank < out[b].Rank
			}
			return out[a].Index < out[b].Index
		})
		m.Origins[i] = out
		m.Refined[i] = pt.tree.Octants[i].NewR
		m.Coarsened[i] = pt.tree.Octants[i].NewC
	}
	return m
}

// reduce sums a per-worker counter over the group.
func (pt *ParaTree) reduce(ctx context.Context, v uint64) (uint64, error) {
	pt.round++
	return comm.AllReduceSum(ctx, pt.group, pt.round, v)
}

// balanceLoop runs local balance passes separated by halo rebuilds until a
// round changes nothing on any worker. The partition table and the halo
// must be current on entry and are current on return. changed reports
// whether any worker refined.
func (pt *ParaTree) balanceLoop(ctx context.Context) (total localtree.Result, changed bool, err error) {
	total.Mapping = localtree.Identity(pt.tree.Len())
	for rounds := 1; ; rounds++ {
		res := pt.tree.BalancePass()
		total.Created += res.Created
		total.Removed += res.Removed
		total.Mapping = localtree.Compose(total.Mapping, res.Mapping)

		n, err := pt.reduce(ctx, uint64(res.Created+res.Removed))
		if err != nil {
			return total, changed, errors.Wrapf(err, "balance round %d", rounds)
		}
		if n == 0 {
			pt.logger.Debugw("balance converged", "rounds", rounds, "refined", total.Removed)
			return total, changed, nil
		}
		changed = true
		if err := pt.rebuild(ctx); err != nil {
			return total, changed, errors.Wrapf(err, "balance round %d", rounds)
		}
	}
}

// clearMarkers consumes the markers after an Adapt. A coarsened parent keeps
// its residual negative marker so a deeper request continues next time.
func (pt *ParaTree) clearMarkers() {
	for i := range pt.tree.Octants {
		if o := &pt.tree.Octants[i]; !o.NewC || o.Marker > 0 {
			o.Marker = 0
		}
	}
}

// Adapt applies the pending markers on every worker: refinement, family
// coarsening (including families split between workers) and 2:1 balance,
// then rebuilds the partition table and ghosts. Markers are consumed. It is
// a collective call.
func (pt *ParaTree) Adapt(ctx context.Context) (*Mapping, error) {
	if pt.dirty {
		if err := pt.rebuild(ctx); err != nil {
			return nil, errors.Wrap(err, "adapt")
		}
	}
	for i := range pt.tree.Octants {
		pt.tree.Octants[i].NewR = false
		pt.tree.Octants[i].NewC = false
	}
	oldLayout := pt.layout

	if err := pt.syncMarkers(ctx); err != nil {
		return nil, errors.Wrap(err, "adapt: marker exchange")
	}
	vetoed := pt.tree.VetoCoarsening()
	if err := pt.syncMarkers(ctx); err != nil {
		return nil, errors.Wrap(err, "adapt: marker exchange")
	}

	refined := pt.tree.Refine()
	coarsened := pt.tree.Coarsen()
	local := localtree.Compose(refined.Mapping, coarsened.Mapping)
	owner := append([]int(nil), pt.tree.GhostOwner...)
	global := append([]uint64(nil), pt.tree.GhostGlobal...)

	changed, err := pt.reduce(ctx, uint64(refined.Created+refined.Removed+coarsened.Created+coarsened.Removed))
	if err != nil {
		return nil, errors.Wrap(err, "adapt")
	}
	if changed == 0 {
		pt.clearMarkers()
		return pt.buildMapping(local, owner, global, oldLayout, refined.Clipped), nil
	}

	if err := pt.rebuild(ctx); err != nil {
		return nil, errors.Wrap(err, "adapt")
	}
	balanced, _, err := pt.balanceLoop(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "adapt")
	}
	local = localtree.Compose(local, balanced.Mapping)
	pt.clearMarkers()
	pt.status++

	pt.logger.Infow("adapted",
		"octants", pt.tree.Len(),
		"global", pt.layout.TotalOctants,
		"refined", refined.Removed,
		"coarsened", coarsened.Created,
		"balanced", balanced.Removed,
		"vetoed", vetoed,
		"clipped", refined.Clipped)
	return pt.buildMapping(local, owner, global, oldLayout, refined.Clipped), nil
}

// AdaptGlobalRefine refines every octant once.
func (pt *ParaTree) AdaptGlobalRefine(ctx context.Context) (*Mapping, error) {
	for i := range pt.tree.Octants {
		pt.tree.Octants[i].Marker = 1
	}
	return pt.Adapt(ctx)
}

// AdaptGlobalCoarse coarsens every complete family once.
func (pt *ParaTree) AdaptGlobalCoarse(ctx context.Context) (*Mapping, error) {
	for i := range pt.tree.Octants {
		pt.tree.Octants[i].Marker = -1
	}
	return pt.Adapt(ctx)
}

// Balance21 enforces 2:1 balance without applying markers. It is a
// collective call.
func (pt *ParaTree) Balance21(ctx context.Context) error {
	if err := pt.rebuild(ctx); err != nil {
		return errors.Wrap(err, "balance")
	}
	_, changed, err := pt.balanceLoop(ctx)
	if err != nil {
		return errors.Wrap(err, "balance")
	}
	if changed {
		pt.status++
	}
	return nil
}
