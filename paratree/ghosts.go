package paratree

import (
	"context"

	"github.com/pkg/errors"

	"github.com/notargets/octforest/comm"
	"github.com/notargets/octforest/localtree"
	"github.com/notargets/octforest/octant"
	"github.com/notargets/octforest/partitions"
)

// updatePartition gathers every worker's count and curve range and rebuilds
// the partition table.
func (pt *ParaTree) updatePartition(ctx context.Context) error {
	layout, err := pt.gatherLayout(ctx, pt.tree)
	if err != nil {
		return err
	}
	pt.layout = layout
	pt.tree.UpdateBounds()
	return nil
}

// gatherLayout builds the partition table every worker would have if each
// held the octants of lt.
func (pt *ParaTree) gatherLayout(ctx context.Context, lt *localtree.LocalTree) (*partitions.PartitionLayout, error) {
	info := comm.PartitionInfo{
		Count: uint64(lt.Len()),
		First: lt.FirstDesc(),
		Last:  lt.LastDesc(),
	}
	b, err := info.MarshalMsg(nil)
	if err != nil {
		return nil, err
	}
	all, err := comm.AllGather(ctx, pt.group, comm.KindPartitionInfo, b)
	if err != nil {
		return nil, err
	}
	n := pt.group.Size()
	counts := make([]uint64, n)
	first := make([]octant.Key, n)
	last := make([]octant.Key, n)
	for r, p := range all {
		var pi comm.PartitionInfo
		if _, err := pi.UnmarshalMsg(p); err != nil {
			return nil, errors.Wrapf(err, "decoding partition info of rank %d", r)
		}
		counts[r], first[r], last[r] = pi.Count, pi.First, pi.Last
	}
	return partitions.NewPartitionLayout(counts, first, last)
}

// buildHalo lists, per other worker, the local octants one of whose same
// size neighbour candidates (through any face, edge or node, periodic images
// included) overlaps that worker's curve range.
func (pt *ParaTree) buildHalo() *partitions.Halo {
	halo := partitions.NewHalo(pt.group.Size(), pt.Rank())
	for i, o := range pt.tree.Octants {
		for codim := uint8(1); codim <= pt.table.Dim; codim++ {
			for e := uint8(0); e < pt.table.NumEntities(codim); e++ {
				nb := pt.codec.Neighbor(o, codim, e, pt.tree.Periodic)
				if nb.Outside {
					continue
				}
				lo := pt.codec.Morton(nb.Octant.Coords)
				hi := pt.codec.Morton(pt.codec.LastDesc(nb.Octant).Coords)
				if pt.tree.Contains(lo) && pt.tree.Contains(hi) {
					continue
				}
				for _, r := range pt.layout.RanksOverlapping(lo, hi) {
					halo.Add(r, i)
				}
			}
		}
	}
	halo.Finalize()
	return halo
}

// exchangeGhosts rebuilds the ghost halo from the current partition table.
// Only workers sharing a halo exchange octant records.
func (pt *ParaTree) exchangeGhosts(ctx context.Context) error {
	n, me := pt.group.Size(), pt.Rank()
	pt.halo = pt.buildHalo()
	pt.dirty = false
	if n == 1 {
		pt.tree.ClearGhosts()
		return pt.halo.Place(make([]int, n))
	}

	// who sends to whom
	sendCounts := make(comm.Uint64s, n)
	for _, r := range pt.halo.Targets() {
		sendCounts[r] = uint64(len(pt.halo.GetPickIndices(r)))
	}
	b, err := sendCounts.MarshalMsg(nil)
	if err != nil {
		return err
	}
	all, err := comm.AllGather(ctx, pt.group, comm.KindGather, b)
	if err != nil {
		return err
	}
	var from []int
	for r, p := range all {
		var c comm.Uint64s
		if _, err := c.UnmarshalMsg(p); err != nil {
			return errors.Wrapf(err, "decoding halo counts of rank %d", r)
		}
		if r != me && c[me] > 0 {
			from = append(from, r)
		}
	}

	first := pt.layout.FirstGlobalIdx[me]
	out := make(map[int][]byte)
	for _, r := range pt.halo.Targets() {
		picks := pt.halo.GetPickIndices(r)
		rec := comm.OctantRecords{
			Octants:   make(octant.Octants, len(picks)),
			GlobalIdx: make([]uint64, len(picks)),
		}
		for k, i := range picks {
			rec.Octants[k] = pt.tree.Octants[i]
			rec.GlobalIdx[k] = first + uint64(i)
		}
		if out[r], err = rec.MarshalMsg(nil); err != nil {
			return err
		}
	}
	in, err := comm.Exchange(ctx, pt.group, comm.KindOctantRecords, out, from)
	if err != nil {
		return err
	}

	var (
		ghosts []octant.Octant
		owner  []int
		global []uint64
	)
	counts := make([]int, n)
	for _, r := range from {
		var rec comm.OctantRecords
		if _, err := rec.UnmarshalMsg(in[r]); err != nil {
			return errors.Wrapf(err, "decoding ghosts from rank %d", r)
		}
		counts[r] = len(rec.Octants)
		for k := range rec.Octants {
			ghosts = append(ghosts, rec.Octants[k])
			owner = append(owner, r)
			global = append(global, rec.GlobalIdx[k])
		}
	}
	if err := pt.tree.SetGhosts(ghosts, owner, global); err != nil {
		return err
	}
	if err := pt.halo.Place(counts); err != nil {
		return err
	}
	return pt.halo.Verify(pt.tree.Len(), pt.tree.NumGhosts())
}

// rebuild refreshes the partition table and the ghost halo after a topology change.
func (pt *ParaTree) rebuild(ctx context.Context) error {
	if err := pt.updatePartition(ctx); err != nil {
		return err
	}
	return pt.exchangeGhosts(ctx)
}

// ComputeGhosts rebuilds the partition table and the ghost halo. It is a
// collective call.
func (pt *ParaTree) ComputeGhosts(ctx context.Context) error {
	if err := pt.rebuild(ctx); err != nil {
		return errors.Wrap(err, "computing ghosts")
	}
	pt.logger.Debugw("ghosts computed", "octants", pt.tree.Len(), "ghosts", pt.tree.NumGhosts(),
		"sent", pt.halo.NumSent())
	return nil
}

// syncMarkers pushes the current markers of every halo octant to the
// workers ghosting it, so ghost markers match their owners.
func (pt *ParaTree) syncMarkers(ctx context.Context) error {
	if pt.group.Size() == 1 {
		return nil
	}
	me := pt.Rank()
	first := pt.layout.FirstGlobalIdx[me]
	out := make(map[int][]byte)
	for _, r := range pt.halo.Targets() {
		picks := pt.halo.GetPickIndices(r)
		md := comm.MarkerDelta{
			GlobalIdx: make([]uint64, len(picks)),
			Markers:   make([]int8, len(picks)),
		}
		for k, i := range picks {
			md.GlobalIdx[k] = first + uint64(i)
			md.Markers[k] = pt.tree.Octants[i].Marker
		}
		b, err := md.MarshalMsg(nil)
		if err != nil {
			return err
		}
		out[r] = b
	}
	var from []int
	for q := 0; q < pt.group.Size(); q++ {
		if len(pt.halo.GetPlaceIndices(q)) > 0 {
			from = append(from, q)
		}
	}
	in, err := comm.Exchange(ctx, pt.group, comm.KindMarkerDelta, out, from)
	if err != nil {
		return err
	}
	for _, q := range from {
		var md comm.MarkerDelta
		if _, err := md.UnmarshalMsg(in[q]); err != nil {
			return errors.Wrapf(err, "decoding markers from rank %d", q)
		}
		place := pt.halo.GetPlaceIndices(q)
		if len(md.Markers) != len(place) {
			return errors.Wrapf(comm.ErrProtocol, "rank %d sent %d markers for %d ghosts", q, len(md.Markers), len(place))
		}
		for k, g := range place {
			if pt.tree.GhostGlobal[g] != md.GlobalIdx[k] {
				return errors.Wrapf(comm.ErrProtocol, "rank %d marker for octant %d landed on ghost of %d",
					q, md.GlobalIdx[k], pt.tree.GhostGlobal[g])
			}
			pt.tree.Ghosts[g].Marker = md.Markers[k]
		}
	}
	return nil
}
