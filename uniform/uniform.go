package uniform

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Kind selects how a normalized quantity scales into the physical domain.
type Kind int

const (
	Length    Kind = iota // Scalar lengths, scaled by L
	Area                  // Face measures, scaled by L^(dim-1)
	Volume                // Cell measures, scaled by L^dim
	Point                 // Rows of positions, mapped to Origin + L*p
	Direction             // Rows of unit vectors, unchanged
)

func (k Kind) String() string {
	switch k {
	case Length:
		return "Length"
	case Area:
		return "Area"
	case Volume:
		return "Volume"
	case Point:
		return "Point"
	case Direction:
		return "Direction"
	default:
		return "Unknown"
	}
}

// Transform maps the unit cube of the tree to a cube of side L anchored at Origin.
type Transform struct {
	Dim    int
	Origin r3.Vector
	L      float64
}

// Identity is the transform onto the unit domain.
func Identity(dim int) Transform {
	return Transform{Dim: dim, L: 1}
}

// ToPhysical applies the transform to v, a matrix of scalars for the measure
// kinds or an n x 3 point list for Point and Direction. v is not modified.
func (t Transform) ToPhysical(kind Kind, v mat.Matrix) *mat.Dense {
	var out mat.Dense
	switch kind {
	case Length:
		out.Scale(t.L, v)
	case Area:
		out.Scale(math.Pow(t.L, float64(t.Dim-1)), v)
	case Volume:
		out.Scale(math.Pow(t.L, float64(t.Dim)), v)
	case Point:
		out.Scale(t.L, v)
		r, _ := out.Dims()
		origin := []float64{t.Origin.X, t.Origin.Y, t.Origin.Z}
		for i := 0; i < r; i++ {
			for j := 0; j < 3; j++ {
				out.Set(i, j, out.At(i, j)+origin[j])
			}
		}
	default:
		out.CloneFrom(v)
	}
	return &out
}

// Scalar applies the transform to a single measure.
func (t Transform) Scalar(kind Kind, v float64) float64 {
	return t.ToPhysical(kind, mat.NewDense(1, 1, []float64{v})).At(0, 0)
}

// Vector applies the transform to a single point or direction.
func (t Transform) Vector(kind Kind, p r3.Vector) r3.Vector {
	m := t.ToPhysical(kind, mat.NewDense(1, 3, []float64{p.X, p.Y, p.Z}))
	return r3.Vector{X: m.At(0, 0), Y: m.At(0, 1), Z: m.At(0, 2)}
}
