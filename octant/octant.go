// Package octant implements the linear encoding of octree cells: Morton keys,
// family relations, neighbour candidates and the geometric quantities derived
// from an octant's integer coordinates and level.
package octant

import (
	"fmt"
)

// Octant is a single cell of the linear octree. Coordinates are the anchor
// (lowest corner) in units of the smallest cell at the table's max level.
type Octant struct {
	Coords [3]uint32
	Level  uint8
	Marker int8

	Ghost   bool
	NewR    bool // Created by the last refinement
	NewC    bool // Created by the last coarsening
	Balance bool // Subject to 2:1 balance

	Bound  uint8 // Bit f set when face f lies on the domain boundary
	PBound uint8 // Bit f set when face f lies on a partition boundary
}

// IsBound reports whether face f lies on the domain boundary.
func (o Octant) IsBound(f uint8) bool {
	return o.Bound&(1<<f) != 0
}

// IsPBound reports whether face f lies on a partition boundary.
func (o Octant) IsPBound(f uint8) bool {
	return o.PBound&(1<<f) != 0
}

func (o Octant) String() string {
	return fmt.Sprintf("oct(%d,%d,%d L%d m%d)", o.Coords[0], o.Coords[1], o.Coords[2], o.Level, o.Marker)
}

// Key is the linear ordering key: Morton code of the anchor, then level.
// A parent sorts immediately before its first child.
type Key struct {
	Morton uint64
	Level  uint8
}

// Compare returns -1, 0 or +1.
func (k Key) Compare(o Key) int {
	switch {
	case k.Morton < o.Morton:
		return -1
	case k.Morton > o.Morton:
		return 1
	case k.Level < o.Level:
		return -1
	case k.Level > o.Level:
		return 1
	}
	return 0
}

// Less orders keys along the space-filling curve.
func (k Key) Less(o Key) bool {
	return k.Compare(o) < 0
}

func (k Key) String() string {
	return fmt.Sprintf("%#x/L%d", k.Morton, k.Level)
}

// Neighbor is a same-size neighbour candidate of an octant.
type Neighbor struct {
	Octant   Octant
	Shift    [3]int64 // Unwrapped minus wrapped anchor, non-zero only for periodic images
	Outside  bool     // Candidate lies outside a non-periodic domain boundary
	Periodic bool     // Candidate is a periodic image
}

// spreading helpers after the classic magic-mask Morton interleave

func part1By1(x uint64) uint64 {
	x &= 0x00000000ffffffff
	x = (x | (x << 16)) & 0x0000ffff0000ffff
	x = (x | (x << 8)) & 0x00ff00ff00ff00ff
	x = (x | (x << 4)) & 0x0f0f0f0f0f0f0f0f
	x = (x | (x << 2)) & 0x3333333333333333
	x = (x | (x << 1)) & 0x5555555555555555
	return x
}

func compact1By1(x uint64) uint64 {
	x &= 0x5555555555555555
	x = (x ^ (x >> 1)) & 0x3333333333333333
	x = (x ^ (x >> 2)) & 0x0f0f0f0f0f0f0f0f
	x = (x ^ (x >> 4)) & 0x00ff00ff00ff00ff
	x = (x ^ (x >> 8)) & 0x0000ffff0000ffff
	x = (x ^ (x >> 16)) & 0x00000000ffffffff
	return x
}

func part1By2(x uint64) uint64 {
	x &= 0x1fffff
	x = (x | (x << 32)) & 0x1f00000000ffff
	x = (x | (x << 16)) & 0x1f0000ff0000ff
	x = (x | (x << 8)) & 0x100f00f00f00f00f
	x = (x | (x << 4)) & 0x10c30c30c30c30c3
	x = (x | (x << 2)) & 0x1249249249249249
	return x
}

func compact1By2(x uint64) uint64 {
	x &= 0x1249249249249249
	x = (x ^ (x >> 2)) & 0x10c30c30c30c30c3
	x = (x ^ (x >> 4)) & 0x100f00f00f00f00f
	x = (x ^ (x >> 8)) & 0x1f0000ff0000ff
	x = (x ^ (x >> 16)) & 0x1f00000000ffff
	x = (x ^ (x >> 32)) & 0x1fffff
	return x
}
