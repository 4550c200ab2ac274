package uniform

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/octforest/octant"
	"github.com/notargets/octforest/topology"
)

func TestToPhysical(t *testing.T) {
	tr := Transform{Dim: 3, Origin: r3.Vector{X: 1, Y: -2, Z: 0.5}, L: 4}

	assert.Equal(t, 2.0, tr.Scalar(Length, 0.5))
	assert.Equal(t, 4.0, tr.Scalar(Area, 0.25))
	assert.Equal(t, 8.0, tr.Scalar(Volume, 0.125))
	assert.Equal(t, r3.Vector{X: 3, Y: 2, Z: 0.5}, tr.Vector(Point, r3.Vector{X: 0.5, Y: 1}))
	assert.Equal(t, r3.Vector{X: -1}, tr.Vector(Direction, r3.Vector{X: -1}))

	tr2 := Transform{Dim: 2, L: 3}
	assert.Equal(t, 1.5, tr2.Scalar(Area, 0.5))
	assert.Equal(t, "Volume", Volume.String())
}

func TestNodeListToPhysical(t *testing.T) {
	tab, err := topology.New(2, 4)
	assert.NoError(t, err)
	c := octant.NewCodec(tab)
	o, err := c.New([3]uint32{8, 8, 0}, 1)
	assert.NoError(t, err)

	nodes := c.NodeMatrix(o)
	phys := Transform{Dim: 2, Origin: r3.Vector{X: 10, Y: 20}, L: 2}.ToPhysical(Point, nodes)
	want := mat.NewDense(4, 3, []float64{
		11, 21, 0,
		12, 21, 0,
		11, 22, 0,
		12, 22, 0,
	})
	assert.True(t, mat.Equal(want, phys), "got %v", mat.Formatted(phys))
	assert.Equal(t, 0.5, nodes.At(0, 0), "input is not modified")

	assert.True(t, mat.Equal(nodes, Identity(2).ToPhysical(Point, nodes)))
}
