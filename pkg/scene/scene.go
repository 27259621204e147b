// Package scene holds the tile tree of a reality mesh and decides, frame by
// frame, which tiles to draw and which finer tiles to fetch.
package scene

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/sets/hashset"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/realitymesh/realitymesh/internal/build"
	"github.com/realitymesh/realitymesh/internal/concurrency"
	"github.com/realitymesh/realitymesh/pkg/geometry"
	"github.com/realitymesh/realitymesh/pkg/logger"
	"github.com/realitymesh/realitymesh/pkg/pressure"
	"github.com/realitymesh/realitymesh/pkg/render"
	"github.com/realitymesh/realitymesh/pkg/reproject"
	"github.com/realitymesh/realitymesh/pkg/telemetry"
	"github.com/realitymesh/realitymesh/pkg/tilecache"
	"github.com/realitymesh/realitymesh/pkg/tileformat"
)

const defaultMaxConcurrentRootLoads = 4

var ErrSceneLoad = errors.New("failed to load scene")

var tracer = otel.Tracer("realitymesh/pkg/scene")

var (
	tileLoadsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "scene_tile_loads_total",
		Help:      "Background tile loads by outcome.",
	}, []string{"outcome"})

	tileLoadDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: build.ProjectName,
		Name:      "scene_tile_load_duration_ms",
		Help:      "Time (in ms) from a tile request to its children being published.",
		Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000, 5000},
	})
)

// Scene owns the root nodes, the world transform and the cache the tiles
// are loaded through.
type Scene struct {
	id          string
	rootLocator string
	cache       *tilecache.Manager
	logger      logger.Logger
	decoder     tileformat.Decoder
	reprojector reproject.Reprojector
	targetCRS   string
	pressure    pressure.Provider
	clock       func() time.Time

	maxConcurrentRootLoads int

	transform atomic.Pointer[geometry.Transform]

	// pubMu makes publication of loaded children and FlushStale mutually
	// exclusive and guards roots and outstanding.
	pubMu       sync.Mutex
	roots       []*Node
	outstanding int

	loaders   conc.WaitGroup
	alive     *atomic.Bool
	loadCtx   context.Context
	cancelCtx context.CancelFunc
}

type Option func(*Scene)

func WithLogger(l logger.Logger) Option {
	return func(s *Scene) {
		s.logger = l
	}
}

func WithDecoder(d tileformat.Decoder) Option {
	return func(s *Scene) {
		s.decoder = d
	}
}

func WithReprojector(r reproject.Reprojector) Option {
	return func(s *Scene) {
		s.reprojector = r
	}
}

// WithTargetCRS sets the reference system the scene is placed in. Empty keeps
// the stored one.
func WithTargetCRS(crs string) Option {
	return func(s *Scene) {
		s.targetCRS = crs
	}
}

func WithPressureProvider(p pressure.Provider) Option {
	return func(s *Scene) {
		s.pressure = p
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Scene) {
		s.clock = clock
	}
}

func WithMaxConcurrentRootLoads(n int) Option {
	return func(s *Scene) {
		s.maxConcurrentRootLoads = n
	}
}

// New returns an empty scene reading rootLocator through cache. Call
// LoadScene before drawing.
func New(rootLocator string, cache *tilecache.Manager, opts ...Option) *Scene {
	s := &Scene{
		id:                     ulid.Make().String(),
		rootLocator:            rootLocator,
		cache:                  cache,
		logger:                 logger.NewNoopLogger(),
		decoder:                tileformat.JSONDecoder{},
		reprojector:            reproject.OriginShift{},
		pressure:               pressure.NewFixed(0),
		clock:                  time.Now,
		maxConcurrentRootLoads: defaultMaxConcurrentRootLoads,
		alive:                  &atomic.Bool{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With(zap.String("scene", s.id))
	s.alive.Store(true)
	s.loadCtx, s.cancelCtx = context.WithCancel(context.Background())
	identity := geometry.Identity()
	s.transform.Store(&identity)
	return s
}

func (s *Scene) ID() string { return s.id }

func (s *Scene) RootLocator() string { return s.rootLocator }

// Transform places stored tile coordinates in the world.
func (s *Scene) Transform() geometry.Transform {
	return *s.transform.Load()
}

func (s *Scene) Roots() []*Node {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	return s.roots
}

// Outstanding returns the number of background loads not yet published.
func (s *Scene) Outstanding() int {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	return s.outstanding
}

// LoadScene reads the index, loads every root synchronously and computes the
// world transform.
func (s *Scene) LoadScene(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "scene.LoadScene")
	defer span.End()
	span.SetAttributes(attribute.String("scene", s.id), attribute.String("locator", s.rootLocator))

	data, err := s.cache.Request(ctx, s.rootLocator)
	if err != nil {
		telemetry.TraceError(span, err)
		return fmt.Errorf("%w: read index %s: %w", ErrSceneLoad, s.rootLocator, err)
	}

	idx, err := s.decoder.ReadIndex(data)
	if err != nil {
		telemetry.TraceError(span, err)
		return fmt.Errorf("%w: %w", ErrSceneLoad, err)
	}

	now := s.clock()
	roots := make([]*Node, 0, len(idx.ChildPaths))
	for _, p := range idx.ChildPaths {
		roots = append(roots, newNode(NodeInfo{ChildPath: p}, nil, s.rootLocator, nil, now))
	}

	_, err = concurrency.OrderedMap(ctx, s.maxConcurrentRootLoads, roots, func(ctx context.Context, root *Node) (struct{}, error) {
		return struct{}{}, root.LoadChildren(ctx, s)
	})
	if err != nil {
		telemetry.TraceError(span, err)
		return fmt.Errorf("%w: load roots: %w", ErrSceneLoad, err)
	}

	s.pubMu.Lock()
	s.roots = roots
	s.pubMu.Unlock()

	sceneRange := geometry.NullRange()
	for _, r := range roots {
		sceneRange = sceneRange.Union(r.GetRange(geometry.Identity()))
	}

	transform, err := s.reprojector.ComputeTransform(idx.Reprojection, sceneRange, s.targetCRS)
	if err != nil {
		s.logger.WarnWithContext(ctx, "reprojection failed, using identity transform", zap.Error(err))
		transform = geometry.Identity()
	}
	s.transform.Store(&transform)

	s.logger.InfoWithContext(ctx, "scene loaded", zap.Int("roots", len(roots)), zap.Int("nodes", s.GetNodeCount()))
	return nil
}

// Draw traverses the roots in order and returns true while any subtree still
// has work pending. ctx is checked between roots and between children.
func (s *Scene) Draw(ctx context.Context, rc *render.Context) bool {
	pending := false
	for _, root := range s.Roots() {
		if ctx.Err() != nil {
			return true
		}
		pending = root.Draw(ctx, rc, s) || pending
	}
	return pending
}

// FlushStale releases the children of nodes not drawn since staleBefore. It
// does nothing, and returns false, while any load is outstanding.
func (s *Scene) FlushStale(staleBefore time.Time) bool {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	if s.outstanding > 0 {
		return false
	}
	for _, root := range s.roots {
		root.FlushStale(staleBefore)
	}
	return true
}

// requestChildren loads the children of n in the background.
func (s *Scene) requestChildren(n *Node) {
	alive := s.alive
	if !alive.Load() {
		return
	}

	s.pubMu.Lock()
	s.outstanding++
	s.pubMu.Unlock()

	start := time.Now()
	s.loaders.Go(func() {
		children, err := s.loadTile(s.loadCtx, n)

		s.pubMu.Lock()
		defer s.pubMu.Unlock()
		s.outstanding--

		if !alive.Load() {
			return
		}
		if err != nil {
			n.revert()
			tileLoadsCounter.WithLabelValues("failure").Inc()
			s.logger.Warn("failed to load tile", zap.String("tile", ConstructNodeName(n.info.ChildPath, n.sourcePath)), zap.Error(err))
			return
		}

		n.publish(children)
		tileLoadsCounter.WithLabelValues("success").Inc()
		tileLoadDurationHistogram.Observe(float64(time.Since(start).Milliseconds()))
	})
}

// loadTile fetches and decodes the tile holding the children of parent.
func (s *Scene) loadTile(ctx context.Context, parent *Node) ([]*Node, error) {
	key := ConstructNodeName(parent.info.ChildPath, parent.sourcePath)

	data, err := s.cache.Request(ctx, key)
	if err != nil {
		return nil, err
	}

	decoded, err := s.decoder.ReadTile(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}

	now := s.clock()
	children := make([]*Node, 0, len(decoded))
	for _, tn := range decoded {
		info := NodeInfo{
			ChildPath:   tn.ChildPath,
			Center:      tn.Center,
			Radius:      tn.Radius,
			MaxDiameter: tn.MaxDiameter,
		}
		children = append(children, newNode(info, parent, key, tn.Geometries, now))
	}
	return children, nil
}

// Wait blocks until every background load has finished.
func (s *Scene) Wait() {
	s.loaders.Wait()
}

// Close stops the scene from accepting results. Loads still running are
// cancelled and their results discarded. Close does not wait for them.
func (s *Scene) Close() {
	s.alive.Store(false)
	s.cancelCtx()
}

// Validate checks the parent back references of the whole tree and that no
// node is reachable twice.
func (s *Scene) Validate() bool {
	seen := hashset.New()
	for _, r := range s.Roots() {
		if !r.validate(nil, seen) {
			return false
		}
	}
	return true
}

func (s *Scene) walk(fn func(*Node)) {
	for _, r := range s.Roots() {
		r.walk(fn)
	}
}

func (s *Scene) GetNodeCount() int {
	count := 0
	s.walk(func(*Node) { count++ })
	return count
}

func (s *Scene) GetMeshCount() int {
	count := 0
	s.walk(func(n *Node) { count += len(n.Geometries()) })
	return count
}

func (s *Scene) GetMeshMemorySize() int64 {
	var size int64
	s.walk(func(n *Node) {
		for _, g := range n.Geometries() {
			size += g.MemorySize()
		}
	})
	return size
}

// GetMaxDepth returns the depth of the deepest loaded node. Roots are at
// depth 0.
func (s *Scene) GetMaxDepth() int {
	depth := 0
	s.walk(func(n *Node) {
		depth = max(depth, n.depth)
	})
	return depth
}

// GetRange returns the range of the loaded tree in world coordinates.
func (s *Scene) GetRange() geometry.Range {
	transform := s.Transform()
	rng := geometry.NullRange()
	for _, r := range s.Roots() {
		rng = rng.Union(r.GetRange(transform))
	}
	return rng
}
