package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Transform is an affine transform stored as a 3x4 row major matrix: the left
// 3x3 block is the linear part and the last column the translation.
type Transform struct {
	M [3][4]float64
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{M: [3][4]float64{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}}
}

// Translation returns a transform moving points by v.
func Translation(v r3.Vec) Transform {
	t := Identity()
	t.M[0][3], t.M[1][3], t.M[2][3] = v.X, v.Y, v.Z
	return t
}

// Scaling returns a uniform scale about the origin.
func Scaling(s float64) Transform {
	return Transform{M: [3][4]float64{
		{s, 0, 0, 0},
		{0, s, 0, 0},
		{0, 0, s, 0},
	}}
}

// Apply transforms the point p.
func (t Transform) Apply(p r3.Vec) r3.Vec {
	m := &t.M
	return r3.Vec{
		X: m[0][0]*p.X + m[0][1]*p.Y + m[0][2]*p.Z + m[0][3],
		Y: m[1][0]*p.X + m[1][1]*p.Y + m[1][2]*p.Z + m[1][3],
		Z: m[2][0]*p.X + m[2][1]*p.Y + m[2][2]*p.Z + m[2][3],
	}
}

// Multiply returns t*o, the transform that applies o first and then t.
func (t Transform) Multiply(o Transform) Transform {
	var out Transform
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			var v float64
			for k := 0; k < 3; k++ {
				v += t.M[i][k] * o.M[k][j]
			}
			if j == 3 {
				v += t.M[i][3]
			}
			out.M[i][j] = v
		}
	}
	return out
}

// MaxScale returns the largest scale factor the linear part applies to any
// axis, used to scale bounding sphere radii.
func (t Transform) MaxScale() float64 {
	var s float64
	for j := 0; j < 3; j++ {
		col := r3.Vec{X: t.M[0][j], Y: t.M[1][j], Z: t.M[2][j]}
		s = math.Max(s, r3.Norm(col))
	}
	return s
}

// IsIdentity reports whether t is exactly the identity.
func (t Transform) IsIdentity() bool {
	return t == Identity()
}
