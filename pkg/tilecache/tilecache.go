// Package tilecache resolves tile payloads through a memory tier, a
// persistent blob store and finally a data source.
package tilecache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/realitymesh/realitymesh/internal/build"
	"github.com/realitymesh/realitymesh/pkg/blobstore"
	"github.com/realitymesh/realitymesh/pkg/logger"
	"github.com/realitymesh/realitymesh/pkg/source"
	"github.com/realitymesh/realitymesh/pkg/telemetry"
)

const DefaultMemoryBudget int64 = 256 << 20

var tracer = otel.Tracer("realitymesh/pkg/tilecache")

var (
	requestsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "tilecache_requests_total",
		Help:      "Tile requests by the tier that answered them.",
	}, []string{"tier"})

	deduplicatedRequestsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "tilecache_deduplicated_requests_total",
		Help:      "Requests that joined a load already in flight for the same key.",
	})

	evictionsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "tilecache_memory_evictions_total",
		Help:      "Entries evicted from the memory tier.",
	})

	memoryBytesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "tilecache_memory_bytes",
		Help:      "Payload bytes held by the memory tier of the most recently updated cache.",
	})
)

const (
	tierMemory     = "memory"
	tierPersistent = "persistent"
	tierSource     = "source"
)

// Result is delivered by RequestAsync.
type Result struct {
	Data []byte
	Err  error
}

// Stats is a point in time view of the manager, for diagnostics.
type Stats struct {
	Entries     int
	Bytes       int64
	MemoryHits  uint64
	StoreHits   uint64
	Misses      uint64
	Coalesced   uint64
	Evictions   uint64
	StoreErrors uint64
}

type entry struct {
	key      string
	data     []byte
	lastUsed time.Time
}

// Manager is safe for concurrent use. Payloads it returns are shared and must
// not be modified.
type Manager struct {
	store  blobstore.BlobStore
	source *source.DataSource
	logger logger.Logger
	clock  func() time.Time

	memoryBudget int64
	maxEntries   int

	mu    sync.Mutex
	items map[string]*list.Element // values are *entry
	lru   *list.List               // least recently used at the front
	bytes int64

	group singleflight.Group

	memoryHits  atomic.Uint64
	storeHits   atomic.Uint64
	misses      atomic.Uint64
	coalesced   atomic.Uint64
	evictions   atomic.Uint64
	storeErrors atomic.Uint64
}

type Option func(*Manager)

func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMemoryBudget bounds the payload bytes kept in memory.
func WithMemoryBudget(bytes int64) Option {
	return func(m *Manager) {
		m.memoryBudget = bytes
	}
}

// WithMaxEntries additionally bounds the number of entries kept in memory.
// Zero means no bound.
func WithMaxEntries(n int) Option {
	return func(m *Manager) {
		m.maxEntries = n
	}
}

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

func NewManager(store blobstore.BlobStore, src *source.DataSource, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		source:       src,
		logger:       logger.NewNoopLogger(),
		clock:        time.Now,
		memoryBudget: DefaultMemoryBudget,
		items:        make(map[string]*list.Element),
		lru:          list.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Source returns the data source misses are fetched from.
func (m *Manager) Source() *source.DataSource {
	return m.source
}

// Request returns the payload for key, looking in memory, then in the blob
// store, then fetching it from the data source. Concurrent requests for the
// same key share one load. Cancelling ctx abandons only this caller.
func (m *Manager) Request(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "tilecache.Request")
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	if data, ok := m.lookup(key); ok {
		m.memoryHits.Add(1)
		requestsCounter.WithLabelValues(tierMemory).Inc()
		span.SetAttributes(attribute.String("tier", tierMemory))
		return data, nil
	}

	isUnique := false
	ch := m.group.DoChan(key, func() (interface{}, error) {
		isUnique = true
		return m.load(context.WithoutCancel(ctx), key)
	})

	select {
	case res := <-ch:
		if res.Shared && !isUnique {
			m.coalesced.Add(1)
			deduplicatedRequestsCounter.Inc()
			span.SetAttributes(attribute.Bool("coalesced", true))
		}
		if res.Err != nil {
			telemetry.TraceError(span, res.Err)
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		telemetry.TraceError(span, ctx.Err())
		return nil, ctx.Err()
	}
}

// RequestAsync runs Request in the background. The returned channel receives
// exactly one Result and is then closed.
func (m *Manager) RequestAsync(ctx context.Context, key string) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		data, err := m.Request(ctx, key)
		out <- Result{Data: data, Err: err}
	}()
	return out
}

func (m *Manager) load(ctx context.Context, key string) ([]byte, error) {
	if data, ok := m.lookup(key); ok {
		m.memoryHits.Add(1)
		requestsCounter.WithLabelValues(tierMemory).Inc()
		return data, nil
	}

	data, err := m.store.Get(ctx, key)
	if err == nil {
		m.storeHits.Add(1)
		requestsCounter.WithLabelValues(tierPersistent).Inc()
		m.insert(key, data)
		return data, nil
	}
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
	case errors.Is(err, blobstore.ErrCorrupted):
		m.storeErrors.Add(1)
		m.logger.WarnWithContext(ctx, "corrupted blob in store, refetching", zap.String("tile", key), zap.Error(err))
	default:
		m.storeErrors.Add(1)
		m.logger.WarnWithContext(ctx, "blob store read failed, fetching from source", zap.String("tile", key), zap.Error(err))
	}

	m.misses.Add(1)
	requestsCounter.WithLabelValues(tierSource).Inc()

	data, err = m.source.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}

	m.insert(key, data)
	if err := m.store.Put(ctx, key, data); err != nil {
		m.storeErrors.Add(1)
		m.logger.WarnWithContext(ctx, "blob store write failed", zap.String("tile", key), zap.Error(err))
	}

	return data, nil
}

func (m *Manager) lookup(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return nil, false
	}
	e := elem.Value.(*entry)
	e.lastUsed = m.clock()
	m.lru.MoveToBack(elem)
	return e.data, true
}

func (m *Manager) insert(key string, data []byte) {
	size := int64(len(data))

	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		m.removeElement(elem)
	}

	if size > m.memoryBudget {
		memoryBytesGauge.Set(float64(m.bytes))
		return
	}

	m.items[key] = m.lru.PushBack(&entry{key: key, data: data, lastUsed: m.clock()})
	m.bytes += size

	for m.bytes > m.memoryBudget || (m.maxEntries > 0 && m.lru.Len() > m.maxEntries) {
		oldest := m.lru.Front()
		if oldest == nil {
			break
		}
		m.removeElement(oldest)
		m.evictions.Add(1)
		evictionsCounter.Inc()
	}
	memoryBytesGauge.Set(float64(m.bytes))
}

// removeElement drops elem from the memory tier. m.mu must be held.
func (m *Manager) removeElement(elem *list.Element) {
	e := m.lru.Remove(elem).(*entry)
	delete(m.items, e.key)
	m.bytes -= int64(len(e.data))
}

// Contains reports whether key is held by the memory tier, without touching
// it.
func (m *Manager) Contains(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[key]
	return ok
}

// Keys returns the memory tier keys, least recently used first.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, m.lru.Len())
	for elem := m.lru.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*entry).key)
	}
	return keys
}

// DeleteAll empties the memory tier and the blob store. Loads in flight when
// it is called may repopulate either tier.
func (m *Manager) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	m.items = make(map[string]*list.Element)
	m.lru.Init()
	m.bytes = 0
	memoryBytesGauge.Set(0)
	m.mu.Unlock()

	return m.store.DeleteAll(ctx)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	entries, bytes := m.lru.Len(), m.bytes
	m.mu.Unlock()

	return Stats{
		Entries:     entries,
		Bytes:       bytes,
		MemoryHits:  m.memoryHits.Load(),
		StoreHits:   m.storeHits.Load(),
		Misses:      m.misses.Load(),
		Coalesced:   m.coalesced.Load(),
		Evictions:   m.evictions.Load(),
		StoreErrors: m.storeErrors.Load(),
	}
}
