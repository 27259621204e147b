// Package render defines what the tile tree needs from a viewport and a
// render system: a visibility/pixel-size oracle and a one way graphics sink.
package render

import (
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/realitymesh/realitymesh/pkg/geometry"
)

// ViewState answers visibility and resolution questions in world coordinates.
type ViewState interface {
	// IsSphereVisible reports whether any part of the sphere is inside the view frustum.
	IsSphereVisible(center r3.Vec, radius float64) bool

	// PixelSizeAtPoint returns the world space size covered by one pixel at p.
	PixelSizeAtPoint(p r3.Vec) float64
}

// Sink receives graphics for drawing. It is never inspected by the tile tree.
type Sink interface {
	geometry.GraphicFactory
	Draw(g geometry.Graphic, transform geometry.Transform)
}

// Context carries per frame drawing state through a traversal.
type Context struct {
	View ViewState

	// FixedResolution, when positive, replaces the per point pixel size. It is
	// used for resolution driven exports where no real viewport exists.
	FixedResolution float64

	// Sink is the render system. It may be nil when nothing is displayed.
	Sink Sink
}

// PixelSize returns the pixel size to use for a tile centered at p.
func (c *Context) PixelSize(p r3.Vec) float64 {
	if c.FixedResolution > 0 {
		return c.FixedResolution
	}
	return c.View.PixelSizeAtPoint(p)
}

// DrawGeometry hands g to the sink, creating its graphic on first use.
func (c *Context) DrawGeometry(g *geometry.Geometry, transform geometry.Transform) {
	if c.Sink == nil {
		return
	}
	if graphic := g.Graphic(c.Sink); graphic != nil {
		c.Sink.Draw(graphic, transform)
	}
}

// Recorder is a Sink that counts created graphics and draw calls. It backs
// headless runs and tests.
type Recorder struct {
	mu       sync.Mutex
	created  int
	draws    int
	triCount int
}

var _ Sink = (*Recorder)(nil)

type recordedGraphic struct {
	triangles int
}

func (r *Recorder) CreateGraphic(g *geometry.Geometry) geometry.Graphic {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
	return &recordedGraphic{triangles: g.TriangleCount()}
}

func (r *Recorder) Draw(g geometry.Graphic, _ geometry.Transform) {
	rg, ok := g.(*recordedGraphic)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draws++
	r.triCount += rg.triangles
}

// Created returns how many graphics were created.
func (r *Recorder) Created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}

// Draws returns how many draw calls were made.
func (r *Recorder) Draws() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draws
}

// Triangles returns the total number of triangles drawn.
func (r *Recorder) Triangles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.triCount
}

// Reset clears the draw counters but keeps the created count, since graphics
// outlive frames.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draws = 0
	r.triCount = 0
}
