package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Range is an axis aligned bounding box. The zero value is the null range,
// which contains nothing and is the identity for Union.
type Range struct {
	Low, High r3.Vec
	valid     bool
}

// NullRange returns an empty range.
func NullRange() Range {
	return Range{}
}

// NewRange returns the smallest range containing every point.
func NewRange(points ...r3.Vec) Range {
	var r Range
	for _, p := range points {
		r = r.Extend(p)
	}
	return r
}

// IsNull reports whether the range contains nothing.
func (r Range) IsNull() bool {
	return !r.valid
}

// Extend returns r grown to include p.
func (r Range) Extend(p r3.Vec) Range {
	if !r.valid {
		return Range{Low: p, High: p, valid: true}
	}
	r.Low = r3.Vec{X: math.Min(r.Low.X, p.X), Y: math.Min(r.Low.Y, p.Y), Z: math.Min(r.Low.Z, p.Z)}
	r.High = r3.Vec{X: math.Max(r.High.X, p.X), Y: math.Max(r.High.Y, p.Y), Z: math.Max(r.High.Z, p.Z)}
	return r
}

// Union returns the smallest range containing both r and o.
func (r Range) Union(o Range) Range {
	if !o.valid {
		return r
	}
	return r.Extend(o.Low).Extend(o.High)
}

// Center returns the midpoint of the range. The null range has a zero center.
func (r Range) Center() r3.Vec {
	if !r.valid {
		return r3.Vec{}
	}
	return r3.Scale(0.5, r3.Add(r.Low, r.High))
}

// Diagonal returns the length of the range diagonal.
func (r Range) Diagonal() float64 {
	if !r.valid {
		return 0
	}
	return r3.Norm(r3.Sub(r.High, r.Low))
}

// Contains reports whether p lies inside the range, boundaries included.
func (r Range) Contains(p r3.Vec) bool {
	return r.valid &&
		p.X >= r.Low.X && p.X <= r.High.X &&
		p.Y >= r.Low.Y && p.Y <= r.High.Y &&
		p.Z >= r.Low.Z && p.Z <= r.High.Z
}

// Corners returns the eight corners of a non null range.
func (r Range) Corners() []r3.Vec {
	if !r.valid {
		return nil
	}
	corners := make([]r3.Vec, 0, 8)
	for _, x := range []float64{r.Low.X, r.High.X} {
		for _, y := range []float64{r.Low.Y, r.High.Y} {
			for _, z := range []float64{r.Low.Z, r.High.Z} {
				corners = append(corners, r3.Vec{X: x, Y: y, Z: z})
			}
		}
	}
	return corners
}

// Transformed returns the range enclosing the eight transformed corners of r.
func (r Range) Transformed(t Transform) Range {
	var out Range
	for _, c := range r.Corners() {
		out = out.Extend(t.Apply(c))
	}
	return out
}
