package localtree

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/notargets/octforest/octant"
)

// ErrOutOfRange is returned for an index outside the local or ghost sequence.
var ErrOutOfRange = errors.New("index out of range")

// neighbours returns the local and ghost leaves adjacent to o through entity e
// of codim. A coarser or equal leaf containing the same size candidate is the
// only neighbour; otherwise every finer leaf inside the candidate touching o
// is returned.
func (lt *LocalTree) neighbours(o octant.Octant, codim, e uint8) (locals, ghosts []int) {
	nb := lt.codec.Neighbor(o, codim, e, lt.Periodic)
	if nb.Outside {
		return nil, nil
	}
	n := nb.Octant
	if p := lt.findLeaf(lt.Octants, n.Coords); p >= 0 && lt.Octants[p].Level <= n.Level {
		return []int{p}, nil
	}
	if g := lt.findLeaf(lt.Ghosts, n.Coords); g >= 0 && lt.Ghosts[g].Level <= n.Level {
		return nil, []int{g}
	}

	lo, hi := lt.morton(n), lt.lastMorton(n)
	start, end := lt.span(lt.Octants, lo, hi)
	for i := start; i < end; i++ {
		if lt.codec.Touches(o, lt.Octants[i], nb.Shift) {
			locals = append(locals, i)
		}
	}
	start, end = lt.span(lt.Ghosts, lo, hi)
	for i := start; i < end; i++ {
		if lt.codec.Touches(o, lt.Ghosts[i], nb.Shift) {
			ghosts = append(ghosts, i)
		}
	}
	return locals, ghosts
}

// FindNeighbours returns the neighbours of octant idx through entity e of
// codim. idx addresses the ghost sequence when fromGhost is set. The result
// lists indices in curve order with local neighbours first; isGhost tells the
// two sequences apart.
func (lt *LocalTree) FindNeighbours(idx int, e, codim uint8, fromGhost bool) (neighbours []int, isGhost []bool, err error) {
	seq := lt.Octants
	if fromGhost {
		seq = lt.Ghosts
	}
	if idx < 0 || idx >= len(seq) {
		return nil, nil, errors.Wrapf(ErrOutOfRange, "octant %d of %d", idx, len(seq))
	}
	if !lt.t.ValidEntity(codim, e) {
		return nil, nil, errors.Errorf("no entity %d of codimension %d in %dD", e, codim, lt.t.Dim)
	}
	locals, ghosts := lt.neighbours(seq[idx], codim, e)
	for _, i := range locals {
		neighbours = append(neighbours, i)
		isGhost = append(isGhost, false)
	}
	for _, i := range ghosts {
		neighbours = append(neighbours, i)
		isGhost = append(isGhost, true)
	}
	return neighbours, isGhost, nil
}

// forEachEntity calls fn for every entity 2:1 balance is enforced through.
func (lt *LocalTree) forEachEntity(fn func(codim, e uint8)) {
	for codim := uint8(1); codim <= lt.BalanceCodim; codim++ {
		for e := uint8(0); e < lt.t.NumEntities(codim); e++ {
			fn(codim, e)
		}
	}
}

// CheckBalance reports every local octant whose local or ghost neighbour
// differs from it by more than one level, unless the coarser side opted out
// of balancing.
func (lt *LocalTree) CheckBalance() (err error) {
	violates := func(a, b octant.Octant) bool {
		if a.Level > b.Level {
			a, b = b, a
		}
		return a.Balance && b.Level > a.Level+1
	}
	for i, o := range lt.Octants {
		lt.forEachEntity(func(codim, e uint8) {
			locals, ghosts := lt.neighbours(o, codim, e)
			for _, j := range locals {
				if violates(o, lt.Octants[j]) {
					err = multierr.Append(err, fmt.Errorf("octant %d %v and local %d %v violate 2:1 (codim %d entity %d)",
						i, o, j, lt.Octants[j], codim, e))
				}
			}
			for _, j := range ghosts {
				if violates(o, lt.Ghosts[j]) {
					err = multierr.Append(err, fmt.Errorf("octant %d %v and ghost %d %v violate 2:1 (codim %d entity %d)",
						i, o, j, lt.Ghosts[j], codim, e))
				}
			}
		})
	}
	return err
}
