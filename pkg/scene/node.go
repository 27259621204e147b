package scene

import (
	"context"
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/hashset"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/realitymesh/realitymesh/pkg/geometry"
	"github.com/realitymesh/realitymesh/pkg/pressure"
	"github.com/realitymesh/realitymesh/pkg/render"
)

// NodeInfo identifies a tile: where its children are stored and the bounding
// sphere it occupies.
type NodeInfo struct {
	// ChildPath locates the tile file holding the children. Empty for leaves.
	ChildPath string
	Center    r3.Vec
	Radius    float64
	// MaxDiameter is the largest on screen diameter, in pixels, at which the
	// tile still looks sharp. Zero marks a placeholder root.
	MaxDiameter float64
}

type LoadState int

const (
	Unloaded LoadState = iota
	Requested
	Loaded
)

func (s LoadState) String() string {
	switch s {
	case Requested:
		return "requested"
	case Loaded:
		return "loaded"
	default:
		return "unloaded"
	}
}

// Node is one tile of the tree. It owns its children and geometries; parent
// is a lookup only back reference.
type Node struct {
	info       NodeInfo
	parent     *Node
	sourcePath string
	depth      int

	mu                sync.RWMutex
	children          []*Node
	geometries        []*geometry.Geometry
	loaded            bool
	childrenRequested bool
	lastUsed          time.Time
}

func newNode(info NodeInfo, parent *Node, sourcePath string, geometries []*geometry.Geometry, now time.Time) *Node {
	n := &Node{
		info:       info,
		parent:     parent,
		sourcePath: sourcePath,
		geometries: geometries,
		lastUsed:   now,
	}
	if parent != nil {
		n.depth = parent.depth + 1
	}
	return n
}

func (n *Node) Info() NodeInfo { return n.info }

func (n *Node) Parent() *Node { return n.parent }

func (n *Node) Depth() int { return n.depth }

// SourcePath is the file the node was decoded from. Its child path is
// resolved relative to it.
func (n *Node) SourcePath() string { return n.sourcePath }

func (n *Node) Children() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.children
}

func (n *Node) Geometries() []*geometry.Geometry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.geometries
}

func (n *Node) ChildrenRequested() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.childrenRequested
}

func (n *Node) LastUsed() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastUsed
}

func (n *Node) LoadState() LoadState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	switch {
	case n.loaded:
		return Loaded
	case n.childrenRequested:
		return Requested
	default:
		return Unloaded
	}
}

// IsDisplayable is false for placeholder roots, which are always descended.
func (n *Node) IsDisplayable() bool {
	return n.info.MaxDiameter != 0
}

// TestVisibility reports whether the bounding sphere, placed in the world by
// transform, intersects the view. Placeholder roots have no sphere and are
// always visible.
func (n *Node) TestVisibility(view render.ViewState, transform geometry.Transform) bool {
	if !n.IsDisplayable() {
		return true
	}
	return view.IsSphereVisible(transform.Apply(n.info.Center), n.info.Radius*transform.MaxScale())
}

// Draw renders the node or its children and returns true while work for this
// subtree is still pending. It never blocks on IO: missing children are
// requested from s and picked up by a later call.
func (n *Node) Draw(ctx context.Context, rc *render.Context, s *Scene) bool {
	transform := s.Transform()
	if !n.TestVisibility(rc.View, transform) {
		return false
	}

	tooCoarse := true
	if n.IsDisplayable() {
		center := transform.Apply(n.info.Center)
		radius := n.info.Radius * transform.MaxScale()
		pixelSize := rc.PixelSize(center)
		ratio := pressure.ResolutionRatio(s.pressure.CurrentLoadPercent())
		tooCoarse = pixelSize <= 0 || radius/pixelSize > n.info.MaxDiameter*ratio
	}

	n.mu.Lock()
	n.lastUsed = s.clock()
	children, geometries := n.children, n.geometries
	loaded, requested := n.loaded, n.childrenRequested
	n.mu.Unlock()

	if tooCoarse && len(children) > 0 {
		pending := false
		for _, child := range children {
			if ctx.Err() != nil {
				return true
			}
			pending = child.Draw(ctx, rc, s) || pending
		}
		return pending
	}

	for _, g := range geometries {
		rc.DrawGeometry(g, transform)
	}

	if !tooCoarse || loaded || n.info.ChildPath == "" {
		return false
	}
	if !requested && n.markRequested() {
		s.requestChildren(n)
	}
	return true
}

// markRequested flips childrenRequested and reports whether this call did it.
func (n *Node) markRequested() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.childrenRequested || n.loaded {
		return false
	}
	n.childrenRequested = true
	return true
}

// LoadChildren loads the children synchronously. It does nothing when they
// are already loaded.
func (n *Node) LoadChildren(ctx context.Context, s *Scene) error {
	if n.LoadState() == Loaded || n.info.ChildPath == "" {
		return nil
	}

	children, err := s.loadTile(ctx, n)
	if err != nil {
		return err
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	n.publish(children)
	return nil
}

// publish swaps a fully built child list in. Callers hold the scene
// publication lock.
func (n *Node) publish(children []*Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.children = children
	n.loaded = true
	n.childrenRequested = true
}

// revert returns a node whose load failed to Unloaded.
func (n *Node) revert() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.children = nil
	n.loaded = false
	n.childrenRequested = false
}

// GetRange returns the union of the children's ranges when loaded, else the
// union of the node's own geometry ranges.
func (n *Node) GetRange(transform geometry.Transform) geometry.Range {
	n.mu.RLock()
	children, geometries := n.children, n.geometries
	n.mu.RUnlock()

	rng := geometry.NullRange()
	if len(children) > 0 {
		for _, c := range children {
			rng = rng.Union(c.GetRange(transform))
		}
		return rng
	}
	for _, g := range geometries {
		rng = rng.Union(g.Range(transform))
	}
	return rng
}

// FlushStale drops the children (and the geometry they own) of every node not
// drawn since staleBefore. The node keeps its own geometry and its place in the
// tree and will request its children again when needed.
func (n *Node) FlushStale(staleBefore time.Time) {
	n.mu.Lock()
	if n.lastUsed.Before(staleBefore) {
		n.children = nil
		n.loaded = false
		n.childrenRequested = false
		n.mu.Unlock()
		return
	}
	children := n.children
	n.mu.Unlock()

	for _, c := range children {
		c.FlushStale(staleBefore)
	}
}

// Validate checks the parent back references of the subtree and that every
// node in it is owned exactly once.
func (n *Node) Validate(parent *Node) bool {
	return n.validate(parent, hashset.New())
}

func (n *Node) validate(parent *Node, seen *hashset.Set) bool {
	if n.parent != parent || seen.Contains(n) {
		return false
	}
	seen.Add(n)
	for _, c := range n.Children() {
		if !c.validate(n, seen) {
			return false
		}
	}
	return true
}

func (n *Node) walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children() {
		c.walk(fn)
	}
}
