// Package geometry holds the immutable mesh payloads carried by tiles together
// with the range and transform math used to place them.
package geometry

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrInvalidMesh is returned when buffers passed to New are inconsistent.
var ErrInvalidMesh = errors.New("invalid mesh")

// UV is a texture coordinate.
type UV struct {
	U, V float32
}

// Graphic is an opaque renderer handle. The tile tree never inspects it.
type Graphic interface{}

// GraphicFactory creates renderer handles for geometry.
type GraphicFactory interface {
	CreateGraphic(g *Geometry) Graphic
}

// Geometry is one mesh of a tile. It is immutable once constructed; the only
// mutable state is the renderer handle, created at most once.
type Geometry struct {
	indices []uint32
	points  []r3.Vec
	normals []r3.Vec
	uvs     []UV

	graphicOnce sync.Once
	graphic     Graphic
}

// New validates the buffers and builds a Geometry. normals and uvs are optional
// but, when present, must have one entry per point.
func New(indices []uint32, points []r3.Vec, normals []r3.Vec, uvs []UV) (*Geometry, error) {
	if len(indices)%3 != 0 {
		return nil, fmt.Errorf("%w: index count %d is not a multiple of 3", ErrInvalidMesh, len(indices))
	}
	for _, idx := range indices {
		if int(idx) >= len(points) {
			return nil, fmt.Errorf("%w: index %d out of range for %d points", ErrInvalidMesh, idx, len(points))
		}
	}
	if len(normals) != 0 && len(normals) != len(points) {
		return nil, fmt.Errorf("%w: %d normals for %d points", ErrInvalidMesh, len(normals), len(points))
	}
	if len(uvs) != 0 && len(uvs) != len(points) {
		return nil, fmt.Errorf("%w: %d uvs for %d points", ErrInvalidMesh, len(uvs), len(points))
	}

	return &Geometry{
		indices: indices,
		points:  points,
		normals: normals,
		uvs:     uvs,
	}, nil
}

func (g *Geometry) Indices() []uint32 { return g.indices }

func (g *Geometry) Points() []r3.Vec { return g.points }

func (g *Geometry) Normals() []r3.Vec { return g.normals }

func (g *Geometry) UVs() []UV { return g.uvs }

// TriangleCount returns the number of triangles in the index buffer.
func (g *Geometry) TriangleCount() int {
	return len(g.indices) / 3
}

// MemorySize estimates the bytes held by the buffers.
func (g *Geometry) MemorySize() int64 {
	return int64(len(g.indices))*int64(unsafe.Sizeof(uint32(0))) +
		int64(len(g.points)+len(g.normals))*int64(unsafe.Sizeof(r3.Vec{})) +
		int64(len(g.uvs))*int64(unsafe.Sizeof(UV{}))
}

// Range returns the bounding box of the points after applying t.
func (g *Geometry) Range(t Transform) Range {
	var r Range
	for _, p := range g.points {
		r = r.Extend(t.Apply(p))
	}
	return r
}

// Graphic returns the renderer handle, creating it through factory on first
// use. A nil factory (no render system available) yields nil and creates nothing.
func (g *Geometry) Graphic(factory GraphicFactory) Graphic {
	if factory == nil {
		return nil
	}
	g.graphicOnce.Do(func() {
		g.graphic = factory.CreateGraphic(g)
	})
	return g.graphic
}
