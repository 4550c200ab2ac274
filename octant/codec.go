package octant

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/octforest/topology"
)

// Codec derives keys, family relations and geometry from octants of one tree.
// It only reads its Table and is safe for concurrent use.
type Codec struct {
	t *topology.Table
}

// NewCodec binds a codec to a topology table.
func NewCodec(t *topology.Table) *Codec {
	return &Codec{t: t}
}

// Table returns the connectivity constants the codec was built with.
func (c *Codec) Table() *topology.Table {
	return c.t
}

// Root returns the level 0 octant covering the whole domain.
func (c *Codec) Root() Octant {
	o := Octant{Balance: true}
	o.Bound = c.Boundary(o)
	return o
}

// New validates and builds an octant at coords and level.
func (c *Codec) New(coords [3]uint32, level uint8) (Octant, error) {
	if level > c.t.MaxLevel {
		return Octant{}, errors.Errorf("level %d exceeds max level %d", level, c.t.MaxLevel)
	}
	size := c.LogicalSize(level)
	for i := uint8(0); i < 3; i++ {
		if i >= c.t.Dim {
			if coords[i] != 0 {
				return Octant{}, errors.Errorf("coordinate %d must be zero in %dD", i, c.t.Dim)
			}
			continue
		}
		if coords[i] >= c.t.MaxLength {
			return Octant{}, errors.Errorf("coordinate %d=%d outside domain length %d", i, coords[i], c.t.MaxLength)
		}
		if coords[i]%size != 0 {
			return Octant{}, errors.Errorf("coordinate %d=%d not aligned to size %d at level %d", i, coords[i], size, level)
		}
	}
	o := Octant{Coords: coords, Level: level, Balance: true}
	o.Bound = c.Boundary(o)
	return o, nil
}

// Morton interleaves the coordinate bits, x in the lowest position.
func (c *Codec) Morton(coords [3]uint32) uint64 {
	if c.t.Dim == 2 {
		return part1By1(uint64(coords[0])) | part1By1(uint64(coords[1]))<<1
	}
	return part1By2(uint64(coords[0])) | part1By2(uint64(coords[1]))<<1 | part1By2(uint64(coords[2]))<<2
}

// DecodeMorton is the inverse of Morton.
func (c *Codec) DecodeMorton(m uint64) (coords [3]uint32) {
	if c.t.Dim == 2 {
		coords[0] = uint32(compact1By1(m))
		coords[1] = uint32(compact1By1(m >> 1))
		return
	}
	coords[0] = uint32(compact1By2(m))
	coords[1] = uint32(compact1By2(m >> 1))
	coords[2] = uint32(compact1By2(m >> 2))
	return
}

// Key computes the linear ordering key of o.
func (c *Codec) Key(o Octant) Key {
	return Key{Morton: c.Morton(o.Coords), Level: o.Level}
}

// FromKey rebuilds a stable octant from its key.
func (c *Codec) FromKey(k Key) Octant {
	o := Octant{Coords: c.DecodeMorton(k.Morton), Level: k.Level, Balance: true}
	o.Bound = c.Boundary(o)
	return o
}

// LogicalSize is the integer side length at level.
func (c *Codec) LogicalSize(level uint8) uint32 {
	return uint32(1) << (c.t.MaxLevel - level)
}

// Size is the normalized side length at level.
func (c *Codec) Size(level uint8) float64 {
	return math.Ldexp(1, -int(level))
}

// Area is the normalized measure of one face of o.
func (c *Codec) Area(o Octant) float64 {
	return math.Pow(c.Size(o.Level), float64(c.t.Dim-1))
}

// Volume is the normalized measure of o.
func (c *Codec) Volume(o Octant) float64 {
	return math.Pow(c.Size(o.Level), float64(c.t.Dim))
}

func (c *Codec) normalize(v uint32) float64 {
	return float64(v) / float64(c.t.MaxLength)
}

// Coordinates returns the normalized anchor of o.
func (c *Codec) Coordinates(o Octant) r3.Vector {
	return r3.Vector{X: c.normalize(o.Coords[0]), Y: c.normalize(o.Coords[1]), Z: c.normalize(o.Coords[2])}
}

// Center returns the normalized centre of o.
func (c *Codec) Center(o Octant) r3.Vector {
	h := c.Size(o.Level) / 2
	p := c.Coordinates(o)
	p.X += h
	p.Y += h
	if c.t.Dim == 3 {
		p.Z += h
	}
	return p
}

// FaceCenter returns the normalized centre of face f of o.
func (c *Codec) FaceCenter(o Octant, f uint8) r3.Vector {
	p := c.Center(o)
	h := c.Size(o.Level) / 2
	n := c.t.Normals[f]
	return p.Add(r3.Vector{X: float64(n[0]) * h, Y: float64(n[1]) * h, Z: float64(n[2]) * h})
}

// Node returns the normalized position of node n of o.
func (c *Codec) Node(o Octant, n uint8) r3.Vector {
	s := c.Size(o.Level)
	p := c.Coordinates(o)
	if n&1 != 0 {
		p.X += s
	}
	if n&2 != 0 {
		p.Y += s
	}
	if c.t.Dim == 3 && n&4 != 0 {
		p.Z += s
	}
	return p
}

// Nodes returns every node of o in node order.
func (c *Codec) Nodes(o Octant) []r3.Vector {
	nodes := make([]r3.Vector, c.t.NNodes)
	for n := range nodes {
		nodes[n] = c.Node(o, uint8(n))
	}
	return nodes
}

// NodeMatrix returns the nodes of o as an NNodes x 3 matrix.
func (c *Codec) NodeMatrix(o Octant) *mat.Dense {
	m := mat.NewDense(int(c.t.NNodes), 3, nil)
	for i, p := range c.Nodes(o) {
		m.SetRow(i, []float64{p.X, p.Y, p.Z})
	}
	return m
}

// Normal returns the outward unit normal of face f.
func (c *Codec) Normal(f uint8) r3.Vector {
	n := c.t.Normals[f]
	return r3.Vector{X: float64(n[0]), Y: float64(n[1]), Z: float64(n[2])}
}

// Boundary recomputes the domain boundary mask of o from its coordinates.
func (c *Codec) Boundary(o Octant) (bound uint8) {
	size := c.LogicalSize(o.Level)
	for axis := uint8(0); axis < c.t.Dim; axis++ {
		if o.Coords[axis] == 0 {
			bound |= 1 << (2 * axis)
		}
		if o.Coords[axis]+size == c.t.MaxLength {
			bound |= 1 << (2*axis + 1)
		}
	}
	return bound
}

// Children returns the 2^dim children of o in Morton order. A parent at
// max level has no children and nil is returned.
func (c *Codec) Children(o Octant) []Octant {
	if o.Level >= c.t.MaxLevel {
		return nil
	}
	half := c.LogicalSize(o.Level + 1)
	marker := o.Marker - 1
	if marker < 0 {
		marker = 0
	}
	children := make([]Octant, c.t.NChildren)
	for i := range children {
		ch := Octant{
			Coords:  o.Coords,
			Level:   o.Level + 1,
			Marker:  marker,
			NewR:    true,
			Balance: o.Balance,
		}
		for axis := uint8(0); axis < c.t.Dim; axis++ {
			if (i>>axis)&1 != 0 {
				ch.Coords[axis] += half
			}
		}
		ch.Bound = c.Boundary(ch)
		children[i] = ch
	}
	return children
}

// Parent returns the father of o. At level 0 the root is returned unchanged with ok false.
func (c *Codec) Parent(o Octant) (Octant, bool) {
	if o.Level == 0 {
		return o, false
	}
	return c.Ancestor(o, o.Level-1), true
}

// Ancestor returns the octant at level containing o. Levels at or below
// o's own level return o's key unchanged.
func (c *Codec) Ancestor(o Octant, level uint8) Octant {
	if level >= o.Level {
		return c.FromKey(c.Key(o))
	}
	mask := ^(c.LogicalSize(level) - 1)
	a := Octant{Level: level, Balance: o.Balance}
	for axis := uint8(0); axis < c.t.Dim; axis++ {
		a.Coords[axis] = o.Coords[axis] & mask
	}
	a.Bound = c.Boundary(a)
	return a
}

// ChildIndex returns the position of o among its siblings.
func (c *Codec) ChildIndex(o Octant) uint8 {
	if o.Level == 0 {
		return 0
	}
	size := c.LogicalSize(o.Level)
	var idx uint8
	for axis := uint8(0); axis < c.t.Dim; axis++ {
		if o.Coords[axis]&size != 0 {
			idx |= 1 << axis
		}
	}
	return idx
}

// IsSibling reports whether a and b share the same parent and level.
func (c *Codec) IsSibling(a, b Octant) bool {
	if a.Level != b.Level || a.Level == 0 {
		return false
	}
	pa, _ := c.Parent(a)
	pb, _ := c.Parent(b)
	return pa.Coords == pb.Coords
}

// FirstDesc returns the max level descendant at the anchor of o.
func (c *Codec) FirstDesc(o Octant) Octant {
	return Octant{Coords: o.Coords, Level: c.t.MaxLevel}
}

// LastDesc returns the max level descendant in the far corner of o.
func (c *Codec) LastDesc(o Octant) Octant {
	d := Octant{Coords: o.Coords, Level: c.t.MaxLevel}
	delta := c.LogicalSize(o.Level) - 1
	for axis := uint8(0); axis < c.t.Dim; axis++ {
		d.Coords[axis] += delta
	}
	return d
}

// Contains reports whether q lies inside o (q may equal o).
func (c *Codec) Contains(o, q Octant) bool {
	if q.Level < o.Level {
		return false
	}
	return c.ContainsCoords(o, q.Coords)
}

// ContainsCoords reports whether the logical point p lies inside o.
func (c *Codec) ContainsCoords(o Octant, p [3]uint32) bool {
	size := c.LogicalSize(o.Level)
	for axis := uint8(0); axis < c.t.Dim; axis++ {
		if p[axis] < o.Coords[axis] || p[axis]-o.Coords[axis] >= size {
			return false
		}
	}
	return true
}

// Neighbor returns the same-size candidate of o through entity i of codim
// (1 faces, 2 edges in 3D, dim nodes). periodic is indexed by face.
func (c *Codec) Neighbor(o Octant, codim, i uint8, periodic [6]bool) Neighbor {
	dir := c.t.Direction(codim, i)
	size := int64(c.LogicalSize(o.Level))
	length := int64(c.t.MaxLength)

	nb := Neighbor{Octant: Octant{Level: o.Level, Balance: true}}
	for axis := uint8(0); axis < c.t.Dim; axis++ {
		v := int64(o.Coords[axis]) + int64(dir[axis])*size
		switch {
		case v < 0:
			if !periodic[2*axis] {
				nb.Outside = true
				return nb
			}
			nb.Periodic = true
			nb.Shift[axis] = -length
			v += length
		case v >= length:
			if !periodic[2*axis+1] {
				nb.Outside = true
				return nb
			}
			nb.Periodic = true
			nb.Shift[axis] = length
			v -= length
		}
		nb.Octant.Coords[axis] = uint32(v)
	}
	nb.Octant.Bound = c.Boundary(nb.Octant)
	return nb
}

// Touches reports whether the closures of o and q intersect once q is moved
// by shift. It is used to filter finer leaves inside a neighbour candidate.
func (c *Codec) Touches(o, q Octant, shift [3]int64) bool {
	so := int64(c.LogicalSize(o.Level))
	sq := int64(c.LogicalSize(q.Level))
	for axis := uint8(0); axis < c.t.Dim; axis++ {
		olo := int64(o.Coords[axis])
		qlo := int64(q.Coords[axis]) + shift[axis]
		if qlo > olo+so || olo > qlo+sq {
			return false
		}
	}
	return true
}

// LogicalPoint converts a normalized point to logical coordinates of the
// max level cell containing it. ok is false outside [0,1]^dim.
func (c *Codec) LogicalPoint(p r3.Vector) (coords [3]uint32, ok bool) {
	vals := [3]float64{p.X, p.Y, p.Z}
	for axis := uint8(0); axis < c.t.Dim; axis++ {
		v := vals[axis]
		if math.IsNaN(v) || v < 0 || v > 1 {
			return coords, false
		}
		l := uint64(v * float64(c.t.MaxLength))
		if l >= uint64(c.t.MaxLength) {
			l = uint64(c.t.MaxLength) - 1
		}
		coords[axis] = uint32(l)
	}
	return coords, true
}
