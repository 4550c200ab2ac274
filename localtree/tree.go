package localtree

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/notargets/octforest/octant"
	"github.com/notargets/octforest/topology"
)

// LocalTree is the ordered store of one worker: the local octants, which tile
// a contiguous range of the Morton curve, and a read-only halo of ghost
// octants owned by other workers. Both sequences are sorted by key.
type LocalTree struct {
	codec *octant.Codec
	t     *topology.Table

	Octants []octant.Octant

	Ghosts      []octant.Octant
	GhostOwner  []int    // Owning rank per ghost
	GhostGlobal []uint64 // Global index on the owner per ghost

	// Periodic is indexed by face; both faces of an axis are set together.
	Periodic [6]bool

	// BalanceCodim is the highest entity codimension 2:1 is enforced through:
	// 1 faces, 2 faces and edges (3D) or nodes (2D), 3 everything in 3D.
	BalanceCodim uint8
}

// New creates an empty store enforcing balance through every entity.
func New(codec *octant.Codec) *LocalTree {
	return &LocalTree{
		codec:        codec,
		t:            codec.Table(),
		BalanceCodim: codec.Table().Dim,
	}
}

// Codec returns the codec the tree was built with.
func (lt *LocalTree) Codec() *octant.Codec { return lt.codec }

// SetRoot replaces the local octants by the single root octant.
func (lt *LocalTree) SetRoot() {
	lt.Octants = []octant.Octant{lt.codec.Root()}
}

// Len is the number of local octants.
func (lt *LocalTree) Len() int { return len(lt.Octants) }

// NumGhosts is the number of ghost octants.
func (lt *LocalTree) NumGhosts() int { return len(lt.Ghosts) }

// SetGhosts installs a new halo. Ghosts must be sorted by key.
func (lt *LocalTree) SetGhosts(ghosts []octant.Octant, owner []int, global []uint64) error {
	if len(owner) != len(ghosts) || len(global) != len(ghosts) {
		return errors.Errorf("ghost halo: %d octants, %d owners, %d global indices",
			len(ghosts), len(owner), len(global))
	}
	for i := range ghosts {
		ghosts[i].Ghost = true
		if i > 0 && !lt.codec.Key(ghosts[i-1]).Less(lt.codec.Key(ghosts[i])) {
			return errors.Errorf("ghost halo not sorted at %d", i)
		}
	}
	lt.Ghosts, lt.GhostOwner, lt.GhostGlobal = ghosts, owner, global
	return nil
}

// ClearGhosts drops the halo.
func (lt *LocalTree) ClearGhosts() {
	lt.Ghosts, lt.GhostOwner, lt.GhostGlobal = nil, nil, nil
}

func (lt *LocalTree) morton(o octant.Octant) uint64 {
	return lt.codec.Morton(o.Coords)
}

func (lt *LocalTree) lastMorton(o octant.Octant) uint64 {
	return lt.codec.Morton(lt.codec.LastDesc(o).Coords)
}

// FirstDesc is the key of the first max level cell covered by the local octants.
func (lt *LocalTree) FirstDesc() octant.Key {
	if len(lt.Octants) == 0 {
		return octant.Key{}
	}
	return lt.codec.Key(lt.codec.FirstDesc(lt.Octants[0]))
}

// LastDesc is the key of the last max level cell covered by the local octants.
func (lt *LocalTree) LastDesc() octant.Key {
	if len(lt.Octants) == 0 {
		return octant.Key{}
	}
	return lt.codec.Key(lt.codec.LastDesc(lt.Octants[len(lt.Octants)-1]))
}

// MaxDepth is the finest level among the local octants.
func (lt *LocalTree) MaxDepth() (depth uint8) {
	for _, o := range lt.Octants {
		if o.Level > depth {
			depth = o.Level
		}
	}
	return depth
}

// findLeaf returns the index of the leaf of seq containing the max level cell
// at coords, or -1. seq must hold disjoint octants sorted by key.
func (lt *LocalTree) findLeaf(seq []octant.Octant, coords [3]uint32) int {
	m := lt.codec.Morton(coords)
	i := sort.Search(len(seq), func(i int) bool { return lt.morton(seq[i]) > m }) - 1
	if i < 0 || !lt.codec.ContainsCoords(seq[i], coords) {
		return -1
	}
	return i
}

// span returns the index range [start, end) of the octants of seq whose
// anchors lie in the Morton interval [lo, hi].
func (lt *LocalTree) span(seq []octant.Octant, lo, hi uint64) (start, end int) {
	start = sort.Search(len(seq), func(i int) bool { return lt.morton(seq[i]) >= lo })
	end = start + sort.Search(len(seq)-start, func(i int) bool { return lt.morton(seq[start+i]) > hi })
	return start, end
}

// FindKey returns the local index of the octant with key k, or -1.
func (lt *LocalTree) FindKey(k octant.Key) int {
	i := sort.Search(len(lt.Octants), func(i int) bool {
		return lt.codec.Key(lt.Octants[i]).Compare(k) >= 0
	})
	if i < len(lt.Octants) && lt.codec.Key(lt.Octants[i]) == k {
		return i
	}
	return -1
}

// PointOwner returns the local index of the octant containing the logical
// point coords, or -1 when the point lies outside the local range.
func (lt *LocalTree) PointOwner(coords [3]uint32) int {
	return lt.findLeaf(lt.Octants, coords)
}

// Contains reports whether the Morton code m falls in the local range.
func (lt *LocalTree) Contains(m uint64) bool {
	if len(lt.Octants) == 0 {
		return false
	}
	return m >= lt.FirstDesc().Morton && m <= lt.LastDesc().Morton
}

// UpdateBounds recomputes the domain boundary mask of every local octant and
// marks the faces whose neighbour lies outside the local range.
func (lt *LocalTree) UpdateBounds() {
	if len(lt.Octants) == 0 {
		return
	}
	first, last := lt.FirstDesc().Morton, lt.LastDesc().Morton
	for i := range lt.Octants {
		o := &lt.Octants[i]
		o.Bound = lt.codec.Boundary(*o)
		o.PBound = 0
		for f := uint8(0); f < lt.t.NFaces; f++ {
			nb := lt.codec.Neighbor(*o, 1, f, lt.Periodic)
			if nb.Outside {
				continue
			}
			if lt.morton(nb.Octant) < first || lt.lastMorton(nb.Octant) > last {
				o.PBound |= 1 << f
			}
		}
	}
}

// CheckSorted verifies that local and ghost sequences are strictly increasing.
func (lt *LocalTree) CheckSorted() error {
	check := func(name string, seq []octant.Octant) error {
		for i := 1; i < len(seq); i++ {
			if !lt.codec.Key(seq[i-1]).Less(lt.codec.Key(seq[i])) {
				return fmt.Errorf("%s octants %d and %d out of order: %v, %v", name, i-1, i, seq[i-1], seq[i])
			}
		}
		return nil
	}
	return multierr.Append(check("local", lt.Octants), check("ghost", lt.Ghosts))
}

// CheckTiling verifies that consecutive local octants are adjacent along the
// curve, so the local range is covered without gap or overlap.
func (lt *LocalTree) CheckTiling() error {
	for i := 1; i < len(lt.Octants); i++ {
		prev, next := lt.lastMorton(lt.Octants[i-1]), lt.morton(lt.Octants[i])
		if next != prev+1 {
			return fmt.Errorf("octants %d and %d leave a gap or overlap: %v ends at %#x, %v starts at %#x",
				i-1, i, lt.Octants[i-1], prev, lt.Octants[i], next)
		}
	}
	return nil
}
