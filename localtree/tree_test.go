package localtree

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/octforest/octant"
	"github.com/notargets/octforest/topology"
)

func newTree(t *testing.T, dim, maxLevel int) *LocalTree {
	t.Helper()
	tab, err := topology.New(dim, maxLevel)
	require.NoError(t, err)
	lt := New(octant.NewCodec(tab))
	lt.SetRoot()
	return lt
}

// uniform refines the tree to a uniform level.
func uniform(t *testing.T, lt *LocalTree, level int) {
	t.Helper()
	for l := 0; l < level; l++ {
		for i := range lt.Octants {
			lt.Octants[i].Marker = 1
		}
		lt.Refine()
	}
	require.NoError(t, lt.CheckTiling())
}

func coordsOf(lt *LocalTree) [][3]uint32 {
	out := make([][3]uint32, len(lt.Octants))
	for i, o := range lt.Octants {
		out[i] = o.Coords
	}
	return out
}

func TestRefineRootScenario(t *testing.T) {
	lt := newTree(t, 2, 5)
	c := lt.Codec()

	lt.Octants[0].Marker = 1
	res := lt.Refine()
	require.Len(t, lt.Octants, 4)
	assert.Equal(t, 4, res.Created)
	assert.Equal(t, 1, res.Removed)
	var volume float64
	for _, o := range lt.Octants {
		assert.Equal(t, uint8(1), o.Level)
		assert.Equal(t, 0.5, c.Size(o.Level))
		assert.Equal(t, 0.5, c.Area(o))
		assert.True(t, o.NewR)
		volume += c.Volume(o)
	}
	assert.InDelta(t, 1.0, volume, 1e-15)
	assert.Equal(t, [][3]uint32{{0, 0}, {16, 0}, {0, 16}, {16, 16}}, coordsOf(lt))

	// (0,0) refined twice forces its three siblings to level 2
	lt.Octants[0].Marker = 2
	res = lt.Refine()
	assert.Equal(t, 20, res.Created)
	require.Len(t, lt.Octants, 19)
	for i := 0; i < 16; i++ {
		assert.Equal(t, uint8(3), lt.Octants[i].Level)
	}
	assert.Error(t, lt.CheckBalance())

	bal := lt.Balance21()
	assert.True(t, bal.Changed())
	require.Len(t, lt.Octants, 28)
	for _, o := range lt.Octants {
		assert.GreaterOrEqual(t, o.Level, uint8(2), "%v", o)
	}
	assert.NoError(t, lt.CheckBalance())
	assert.NoError(t, lt.CheckSorted())
	assert.NoError(t, lt.CheckTiling())
	assert.Len(t, bal.Mapping, 28)
	assert.Equal(t, []Origin{{Index: 16}}, bal.Mapping[16])
	assert.Equal(t, []Origin{{Index: 18}}, bal.Mapping[27])

	// a second balance is a no-op
	assert.False(t, lt.Balance21().Changed())
}

func TestRefineClipsAtMaxLevel(t *testing.T) {
	lt := newTree(t, 2, 1)
	lt.Octants[0].Marker = 2
	res := lt.Refine()
	assert.Len(t, lt.Octants, 4)
	assert.Equal(t, 4, res.Clipped)
	for i, origins := range res.Mapping {
		assert.Equal(t, []Origin{{Index: 0}}, origins, "octant %d", i)
	}
	for _, o := range lt.Octants {
		assert.Equal(t, int8(0), o.Marker)
	}
}

func TestCoarsenFamilies(t *testing.T) {
	lt := newTree(t, 2, 5)
	uniform(t, lt, 2)
	require.Len(t, lt.Octants, 16)

	// first family complete, second missing one marker
	for i := 0; i < 8; i++ {
		lt.Octants[i].Marker = -1
	}
	lt.Octants[7].Marker = 0
	res := lt.Coarsen()
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 4, res.Removed)
	require.Len(t, lt.Octants, 13)
	p := lt.Octants[0]
	assert.Equal(t, uint8(1), p.Level)
	assert.True(t, p.NewC)
	assert.Equal(t, int8(0), p.Marker)
	assert.Equal(t, []Origin{{Index: 0}, {Index: 1}, {Index: 2}, {Index: 3}}, res.Mapping[0])
	assert.Equal(t, []Origin{{Index: 4}}, res.Mapping[1])
	assert.NoError(t, lt.CheckTiling())
	assert.NoError(t, lt.CheckSorted())
}

func TestCoarsenKeepsDeeperRequest(t *testing.T) {
	lt := newTree(t, 3, 4)
	uniform(t, lt, 1)
	for i := range lt.Octants {
		lt.Octants[i].Marker = -2
	}
	lt.Octants[3].Marker = -1
	lt.Coarsen()
	require.Len(t, lt.Octants, 1)
	assert.Equal(t, int8(0), lt.Octants[0].Marker)

	lt = newTree(t, 3, 4)
	uniform(t, lt, 1)
	for i := range lt.Octants {
		lt.Octants[i].Marker = -2
	}
	lt.Coarsen()
	assert.Equal(t, int8(-1), lt.Octants[0].Marker)
}

func TestCoarsenStraddlingFamily(t *testing.T) {
	// worker A holds siblings 0 and 1 of the first level 1 family, worker B
	// siblings 2 and 3; each completes the family from its ghosts
	full := newTree(t, 2, 5)
	uniform(t, full, 2)
	for i := range full.Octants {
		full.Octants[i].Marker = -1
	}
	a := New(full.Codec())
	a.Octants = append([]octant.Octant(nil), full.Octants[:2]...)
	require.NoError(t, a.SetGhosts(append([]octant.Octant(nil), full.Octants[2:4]...), []int{1, 1}, []uint64{2, 3}))
	b := New(full.Codec())
	b.Octants = append([]octant.Octant(nil), full.Octants[2:]...)
	require.NoError(t, b.SetGhosts(append([]octant.Octant(nil), full.Octants[:2]...), []int{0, 0}, []uint64{0, 1}))

	resA := a.Coarsen()
	resB := b.Coarsen()

	require.Len(t, a.Octants, 1)
	assert.Equal(t, uint8(1), a.Octants[0].Level)
	assert.Equal(t, []Origin{{Index: 0}, {Index: 1}, {Index: 0, Ghost: true}, {Index: 1, Ghost: true}}, resA.Mapping[0])

	// B dropped its two members and coarsened its three local families
	assert.Equal(t, 14, resB.Removed)
	assert.Equal(t, 3, resB.Created)
	require.Len(t, b.Octants, 3)
	assert.Equal(t, a.LastDesc().Morton+1, b.FirstDesc().Morton)
	assert.Equal(t, []Origin{{Index: 2}, {Index: 3}, {Index: 4}, {Index: 5}}, resB.Mapping[0])
}

func TestVetoCoarsening(t *testing.T) {
	lt := newTree(t, 2, 5)
	uniform(t, lt, 2)
	c := lt.Codec()

	a := lt.FindKey(c.Key(octant.Octant{Coords: [3]uint32{8, 0}, Level: 2}))
	require.GreaterOrEqual(t, a, 0)
	lt.Octants[a].Marker = 1
	family := [][3]uint32{{16, 0}, {24, 0}, {16, 8}, {24, 8}}
	for _, xy := range family {
		i := lt.FindKey(c.Key(octant.Octant{Coords: xy, Level: 2}))
		require.GreaterOrEqual(t, i, 0)
		lt.Octants[i].Marker = -1
	}

	assert.Equal(t, 2, lt.VetoCoarsening())
	lt.Refine()
	res := lt.Coarsen()
	assert.Equal(t, 0, res.Removed)
	require.Len(t, lt.Octants, 19)
	for _, xy := range family {
		assert.GreaterOrEqual(t, lt.FindKey(c.Key(octant.Octant{Coords: xy, Level: 2})), 0)
	}
	assert.NoError(t, lt.CheckBalance())
}

func TestCompose(t *testing.T) {
	prev := [][]Origin{{{Index: 0}}, {{Index: 1}}, {{Index: 1}}}
	next := [][]Origin{{{Index: 0}, {Index: 1}}, {{Index: 2}}, {{Index: 4, Ghost: true}}}
	got := Compose(prev, next)
	assert.Equal(t, [][]Origin{{{Index: 0}, {Index: 1}}, {{Index: 1}}, {{Index: 4, Ghost: true}}}, got)
}

func TestFindNeighbours(t *testing.T) {
	lt := newTree(t, 2, 5)
	uniform(t, lt, 1)

	nb, ghost, err := lt.FindNeighbours(0, 1, 1, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, nb)
	assert.Equal(t, []bool{false}, ghost)

	nb, _, err = lt.FindNeighbours(0, 3, 2, false)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, nb)

	nb, _, err = lt.FindNeighbours(0, 0, 1, false)
	require.NoError(t, err)
	assert.Empty(t, nb)

	lt.Periodic[0], lt.Periodic[1] = true, true
	nb, _, err = lt.FindNeighbours(0, 0, 1, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, nb)
	lt.Periodic = [6]bool{}

	// finer neighbours through a face
	lt.Octants[1].Marker = 1
	lt.Refine()
	nb, _, err = lt.FindNeighbours(0, 1, 1, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, nb)

	// and a coarser one back
	nb, _, err = lt.FindNeighbours(3, 0, 1, false)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, nb)

	_, _, err = lt.FindNeighbours(99, 0, 1, false)
	assert.True(t, errors.Is(err, ErrOutOfRange))
	_, _, err = lt.FindNeighbours(0, 9, 1, false)
	assert.Error(t, err)
}

func TestGhostNeighboursAndBounds(t *testing.T) {
	full := newTree(t, 2, 5)
	uniform(t, full, 1)
	lt := New(full.Codec())
	lt.Octants = append([]octant.Octant(nil), full.Octants[:2]...)
	require.NoError(t, lt.SetGhosts(append([]octant.Octant(nil), full.Octants[2:]...), []int{1, 1}, []uint64{2, 3}))
	assert.True(t, lt.Ghosts[0].Ghost)

	nb, ghost, err := lt.FindNeighbours(0, 3, 1, false)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, nb)
	assert.Equal(t, []bool{true}, ghost)

	nb, ghost, err = lt.FindNeighbours(1, 0, 2, true)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, nb)
	assert.Equal(t, []bool{false}, ghost)

	lt.UpdateBounds()
	assert.True(t, lt.Octants[0].IsPBound(3))
	assert.False(t, lt.Octants[0].IsPBound(1))
	assert.True(t, lt.Octants[0].IsBound(0))
	assert.False(t, lt.Octants[1].IsBound(0))

	assert.Error(t, lt.SetGhosts(lt.Ghosts, []int{1}, nil))
	reversed := []octant.Octant{lt.Ghosts[1], lt.Ghosts[0]}
	assert.Error(t, lt.SetGhosts(reversed, []int{1, 1}, []uint64{3, 2}))
}

func TestPointOwnerAndFindKey(t *testing.T) {
	lt := newTree(t, 3, 6)
	uniform(t, lt, 2)
	c := lt.Codec()
	for i, o := range lt.Octants {
		assert.Equal(t, i, lt.FindKey(c.Key(o)))
		p := o.Coords
		p[0]++
		assert.Equal(t, i, lt.PointOwner(p))
	}
	assert.Equal(t, -1, lt.FindKey(octant.Key{Morton: 1, Level: 6}))
	assert.Equal(t, uint8(2), lt.MaxDepth())

	lt.Octants = lt.Octants[:10]
	assert.Equal(t, -1, lt.PointOwner([3]uint32{63, 63, 63}))
}

func TestCheckTilingDetectsGap(t *testing.T) {
	lt := newTree(t, 2, 4)
	uniform(t, lt, 1)
	lt.Octants = append(lt.Octants[:1], lt.Octants[2:]...)
	assert.Error(t, lt.CheckTiling())
	assert.NoError(t, lt.CheckSorted())
}
