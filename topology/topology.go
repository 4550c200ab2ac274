// Package topology holds the constant connectivity tables of a linear octree
// for one spatial dimension and maximum refinement level.
//
// Conventions used by every table:
//   - face 2k is the low side of axis k, face 2k+1 the high side
//   - node n has bit k set when it lies on the high side of axis k
//   - children are numbered like nodes (Morton order)
//
// A Table is immutable once New returns and may be shared freely.
package topology

import (
	"github.com/pkg/errors"
)

type Dimensionality uint8

const (
	D2 Dimensionality = 2
	D3 Dimensionality = 3
)

type ElementGeometry uint8

const (
	Rectangle ElementGeometry = iota // 2D quadtree cell
	Hex                              // 3D octree cell
)

func (g ElementGeometry) String() string {
	switch g {
	case Rectangle:
		return "Rectangle"
	case Hex:
		return "Hex"
	default:
		return "Unknown"
	}
}

const (
	// DefaultMaxLevel matches a 32-bit coordinate budget with room to spare.
	DefaultMaxLevel = 20

	// MaxLevel2D and MaxLevel3D keep the Morton code inside 64 bits.
	MaxLevel2D = 30
	MaxLevel3D = 21
)

// Table is the per-tree set of connectivity constants.
type Table struct {
	Dim       uint8
	MaxLevel  uint8
	MaxLength uint32 // Logical length of the domain, 1 << MaxLevel

	NChildren     uint8
	NFaces        uint8
	NEdges        uint8
	NNodes        uint8
	NNodesPerFace uint8

	OppFace  [6]uint8     // Face of the neighbour seen through face i
	FaceNode [6][4]uint8  // Nodes lying on face i
	NodeFace [8][3]uint8  // Faces sharing node i
	EdgeFace [12][2]uint8 // Faces sharing edge i
	EdgeNode [12][2]uint8 // Nodes bounding edge i

	Normals    [6][3]int8  // Outward normal per face (z=0 in 2D)
	EdgeCoeffs [12][3]int8 // Outward direction per edge
	NodeCoeffs [8][3]int8  // Outward direction per node

	// Encoding widths in bytes
	LevelBytes       uint8
	MarkerBytes      uint8
	BoolBytes        uint8
	GlobalIndexBytes uint8
	OctantBytes      uint8
}

// edge faces in 3D: four edges parallel to z, then y, then x
var edgeFace3D = [12][2]uint8{
	{0, 2}, {1, 2}, {0, 3}, {1, 3},
	{0, 4}, {1, 4}, {0, 5}, {1, 5},
	{2, 4}, {3, 4}, {2, 5}, {3, 5},
}

// New builds the table for dim (2 or 3) and maxLevel.
func New(dim, maxLevel int) (*Table, error) {
	if dim != int(D2) && dim != int(D3) {
		return nil, errors.Errorf("invalid dimension %d: must be 2 or 3", dim)
	}
	limit := MaxLevel2D
	if dim == int(D3) {
		limit = MaxLevel3D
	}
	if maxLevel < 1 || maxLevel > limit {
		return nil, errors.Errorf("max level %d outside [1, %d] for dimension %d", maxLevel, limit, dim)
	}

	t := &Table{
		Dim:       uint8(dim),
		MaxLevel:  uint8(maxLevel),
		MaxLength: uint32(1) << uint(maxLevel),
	}
	t.NChildren = uint8(1 << uint(dim))
	t.NFaces = uint8(2 * dim)
	t.NNodes = t.NChildren
	t.NNodesPerFace = uint8(1 << uint(dim-1))
	if dim == int(D3) {
		t.NEdges = 12
	}

	// Faces
	for f := uint8(0); f < t.NFaces; f++ {
		t.OppFace[f] = f ^ 1
		axis := f / 2
		if f%2 == 0 {
			t.Normals[f][axis] = -1
		} else {
			t.Normals[f][axis] = 1
		}
		k := 0
		for n := uint8(0); n < t.NNodes; n++ {
			if (n>>axis)&1 == f%2 {
				t.FaceNode[f][k] = n
				k++
			}
		}
	}

	// Nodes
	for n := uint8(0); n < t.NNodes; n++ {
		for axis := uint8(0); axis < t.Dim; axis++ {
			high := (n >> axis) & 1
			t.NodeFace[n][axis] = 2*axis + high
			if high == 1 {
				t.NodeCoeffs[n][axis] = 1
			} else {
				t.NodeCoeffs[n][axis] = -1
			}
		}
	}

	// Edges
	for e := uint8(0); e < t.NEdges; e++ {
		t.EdgeFace[e] = edgeFace3D[e]
		a, b := t.EdgeFace[e][0], t.EdgeFace[e][1]
		for i := 0; i < 3; i++ {
			t.EdgeCoeffs[e][i] = t.Normals[a][i] + t.Normals[b][i]
		}
		k := 0
		for _, na := range t.FaceNode[a][:t.NNodesPerFace] {
			for _, nb := range t.FaceNode[b][:t.NNodesPerFace] {
				if na == nb {
					t.EdgeNode[e][k] = na
					k++
				}
			}
		}
	}

	t.LevelBytes = 1
	t.MarkerBytes = 1
	t.BoolBytes = 1
	t.GlobalIndexBytes = 8
	// coordinates + level + marker + ghost/newR/newC/balance + bound/pbound
	t.OctantBytes = 4*t.Dim + t.LevelBytes + t.MarkerBytes + 4*t.BoolBytes + 2

	return t, nil
}

// Geometry reports the cell shape of the tree.
func (t *Table) Geometry() ElementGeometry {
	if t.Dim == uint8(D3) {
		return Hex
	}
	return Rectangle
}

// NumEntities returns how many faces (codim 1), edges (codim 2) or nodes
// (codim == dim) an octant has. Zero means the codimension is not meaningful.
func (t *Table) NumEntities(codim uint8) uint8 {
	switch {
	case codim == 1:
		return t.NFaces
	case codim == t.Dim:
		return t.NNodes
	case codim == 2 && t.Dim == uint8(D3):
		return t.NEdges
	}
	return 0
}

// Direction returns the outward direction of entity i of the given codimension.
func (t *Table) Direction(codim, i uint8) [3]int8 {
	switch {
	case codim == 1:
		return t.Normals[i]
	case codim == t.Dim:
		return t.NodeCoeffs[i]
	default:
		return t.EdgeCoeffs[i]
	}
}

// ValidEntity reports whether entity i exists for codim.
func (t *Table) ValidEntity(codim, i uint8) bool {
	return i < t.NumEntities(codim)
}
