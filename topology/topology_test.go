package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Counts(t *testing.T) {
	tests := []struct {
		dim                                  int
		children, faces, edges, nodesPerFace uint8
		geometry                             ElementGeometry
	}{
		{2, 4, 4, 0, 2, Rectangle},
		{3, 8, 6, 12, 4, Hex},
	}
	for _, tt := range tests {
		tab, err := New(tt.dim, DefaultMaxLevel)
		require.NoError(t, err)
		assert.Equal(t, tt.children, tab.NChildren)
		assert.Equal(t, tt.children, tab.NNodes)
		assert.Equal(t, tt.faces, tab.NFaces)
		assert.Equal(t, tt.edges, tab.NEdges)
		assert.Equal(t, tt.nodesPerFace, tab.NNodesPerFace)
		assert.Equal(t, tt.geometry, tab.Geometry())
		assert.Equal(t, uint32(1)<<DefaultMaxLevel, tab.MaxLength)
	}
}

func TestNew_RejectsBadConfiguration(t *testing.T) {
	for _, c := range []struct{ dim, level int }{
		{1, 5}, {4, 5}, {2, 0}, {2, MaxLevel2D + 1}, {3, MaxLevel3D + 1},
	} {
		_, err := New(c.dim, c.level)
		if err == nil {
			t.Errorf("expected error for dim=%d maxLevel=%d", c.dim, c.level)
		}
	}
	_, err := New(3, MaxLevel3D)
	assert.NoError(t, err)
}

func TestFaceTables(t *testing.T) {
	tab, err := New(3, 10)
	require.NoError(t, err)

	for f := uint8(0); f < tab.NFaces; f++ {
		opp := tab.OppFace[f]
		assert.Equal(t, f, tab.OppFace[opp])
		for i := 0; i < 3; i++ {
			assert.Equal(t, -tab.Normals[f][i], tab.Normals[opp][i])
		}
		// Every node on face f must list f among its faces
		for _, n := range tab.FaceNode[f][:tab.NNodesPerFace] {
			assert.Contains(t, tab.NodeFace[n][:], f)
		}
	}
}

func TestEdgeTables(t *testing.T) {
	tab, err := New(3, 10)
	require.NoError(t, err)

	seen := make(map[[3]int8]bool)
	for e := uint8(0); e < tab.NEdges; e++ {
		c := tab.EdgeCoeffs[e]
		nonZero := 0
		for _, v := range c {
			if v != 0 {
				nonZero++
			}
		}
		assert.Equal(t, 2, nonZero, "edge %d direction %v", e, c)
		assert.False(t, seen[c], "duplicate edge direction %v", c)
		seen[c] = true

		// Both edge nodes lie on both edge faces
		for _, n := range tab.EdgeNode[e] {
			for _, f := range tab.EdgeFace[e] {
				assert.Contains(t, tab.FaceNode[f][:tab.NNodesPerFace], n)
			}
		}
		assert.NotEqual(t, tab.EdgeNode[e][0], tab.EdgeNode[e][1])
	}
}

func TestNodeCoeffs2D(t *testing.T) {
	tab, err := New(2, 8)
	require.NoError(t, err)
	assert.Equal(t, [3]int8{-1, -1, 0}, tab.NodeCoeffs[0])
	assert.Equal(t, [3]int8{1, 1, 0}, tab.NodeCoeffs[3])
	assert.Equal(t, uint8(4), tab.NumEntities(2))
	assert.Equal(t, uint8(4), tab.NumEntities(1))
	assert.False(t, tab.ValidEntity(2, 4))
}
