package render

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/realitymesh/realitymesh/pkg/geometry"
)

// Plane is the set of points p with Dot(Normal, p) + D == 0. Normal points
// to the inside of a frustum.
type Plane struct {
	Normal r3.Vec
	D      float64
}

// Distance returns the signed distance from p to the plane.
func (p Plane) Distance(v r3.Vec) float64 {
	return r3.Dot(p.Normal, v) + p.D
}

func planeThrough(normal, point r3.Vec) Plane {
	n := r3.Unit(normal)
	return Plane{Normal: n, D: -r3.Dot(n, point)}
}

// Camera is a perspective camera and the ViewState it induces.
type Camera struct {
	Eye, Target, Up r3.Vec

	// FovY is the vertical field of view in radians.
	FovY   float64
	Aspect float64
	Near   float64
	Far    float64

	// ViewportHeight is the viewport height in pixels.
	ViewportHeight int

	forward r3.Vec
	planes  [6]Plane
}

var _ ViewState = (*Camera)(nil)

// NewCamera builds a Camera and precomputes its frustum planes.
func NewCamera(eye, target, up r3.Vec, fovY, aspect, near, far float64, viewportHeight int) *Camera {
	c := &Camera{
		Eye:            eye,
		Target:         target,
		Up:             up,
		FovY:           fovY,
		Aspect:         aspect,
		Near:           near,
		Far:            far,
		ViewportHeight: viewportHeight,
	}
	c.computePlanes()
	return c
}

func (c *Camera) computePlanes() {
	f := r3.Unit(r3.Sub(c.Target, c.Eye))
	r := r3.Unit(r3.Cross(f, c.Up))
	u := r3.Cross(r, f)

	tanY := math.Tan(c.FovY / 2)
	tanX := tanY * c.Aspect

	c.forward = f
	c.planes = [6]Plane{
		planeThrough(f, r3.Add(c.Eye, r3.Scale(c.Near, f))),
		planeThrough(r3.Scale(-1, f), r3.Add(c.Eye, r3.Scale(c.Far, f))),
		planeThrough(r3.Add(r, r3.Scale(tanX, f)), c.Eye),
		planeThrough(r3.Add(r3.Scale(-1, r), r3.Scale(tanX, f)), c.Eye),
		planeThrough(r3.Add(u, r3.Scale(tanY, f)), c.Eye),
		planeThrough(r3.Add(r3.Scale(-1, u), r3.Scale(tanY, f)), c.Eye),
	}
}

// Planes returns the six inward facing frustum planes: near, far, left, right, bottom, top.
func (c *Camera) Planes() [6]Plane {
	return c.planes
}

func (c *Camera) IsSphereVisible(center r3.Vec, radius float64) bool {
	for _, p := range c.planes {
		if p.Distance(center) < -radius {
			return false
		}
	}
	return true
}

func (c *Camera) PixelSizeAtPoint(p r3.Vec) float64 {
	depth := math.Max(r3.Dot(r3.Sub(p, c.Eye), c.forward), c.Near)
	height := math.Max(float64(c.ViewportHeight), 1)
	return 2 * depth * math.Tan(c.FovY/2) / height
}

// FitCamera returns a camera looking down the -Z axis at rng from far enough
// away for the whole range to be in view.
func FitCamera(rng geometry.Range, fovY, aspect float64, viewportHeight int) *Camera {
	center := rng.Center()
	radius := math.Max(rng.Diagonal()/2, 1)
	dist := 1.2 * radius / math.Sin(fovY/2)

	eye := r3.Add(center, r3.Vec{Z: dist})
	return NewCamera(eye, center, r3.Vec{Y: 1}, fovY, aspect, dist*1e-3, dist+2*radius, viewportHeight)
}
