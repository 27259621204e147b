package tilecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/realitymesh/realitymesh/internal/mocks"
	"github.com/realitymesh/realitymesh/pkg/blobstore"
	"github.com/realitymesh/realitymesh/pkg/blobstore/memory"
	"github.com/realitymesh/realitymesh/pkg/logger"
	"github.com/realitymesh/realitymesh/pkg/source"
)

func newManager(t *testing.T, fetcher source.Fetcher, store blobstore.BlobStore, opts ...Option) *Manager {
	t.Helper()
	ds := source.New(source.KindRemote, source.WithFetcher(fetcher))
	t.Cleanup(ds.Close)
	return NewManager(store, ds, opts...)
}

func TestRequestResolvesThroughTiers(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	ctx := context.Background()
	fetcher := mocks.NewMapFetcher(map[string][]byte{"a": []byte("alpha")}, 0)
	store := memory.New()
	m := newManager(t, fetcher, store)

	got, err := m.Request(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("alpha"), got)
	require.Equal(t, 1, fetcher.Calls("a"))
	require.True(t, m.Contains("a"))

	persisted, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("alpha"), persisted)

	got, err = m.Request(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("alpha"), got)
	require.Equal(t, 1, fetcher.Calls("a"))

	stats := m.Stats()
	require.EqualValues(t, 1, stats.Misses)
	require.EqualValues(t, 1, stats.MemoryHits)
	require.Equal(t, 1, stats.Entries)
	require.EqualValues(t, 5, stats.Bytes)
}

func TestPersistentHitIsPromoted(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Put(ctx, "b", []byte("from-disk")))

	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)

	m := newManager(t, fetcher, store)
	got, err := m.Request(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, []byte("from-disk"), got)
	require.True(t, m.Contains("b"))
	require.EqualValues(t, 1, m.Stats().StoreHits)
}

func TestConcurrentRequestsShareOneFetch(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	fetcher := mocks.NewMapFetcher(map[string][]byte{"tile": []byte("payload")}, 50*time.Millisecond)
	m := newManager(t, fetcher, memory.New())

	const waiters = 16
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.Request(context.Background(), "tile")
			assert.NoError(t, err)
			assert.Equal(t, []byte("payload"), got)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, fetcher.Calls("tile"))
}

func TestFailedFetchWritesNothing(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	ctrl := gomock.NewController(t)
	store := mocks.NewMockBlobStore(ctrl)
	store.EXPECT().Get(gomock.Any(), "bad").Return(nil, blobstore.ErrNotFound).Times(2)

	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), "bad").Return(nil, boom).Times(2)

	m := newManager(t, fetcher, store)

	for i := 0; i < 2; i++ {
		_, err := m.Request(ctx, "bad")
		require.ErrorIs(t, err, boom)
		require.False(t, m.Contains("bad"))
	}
}

func TestBlobStoreFailuresAreNotFatal(t *testing.T) {
	ctx := context.Background()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockBlobStore(ctrl)
	store.EXPECT().Get(gomock.Any(), "k").Return(nil, errors.New("disk on fire"))
	store.EXPECT().Put(gomock.Any(), "k", []byte("value")).Return(errors.New("disk full"))

	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), "k").Return([]byte("value"), nil)

	log, logs := logger.NewObserverLogger("debug")
	m := newManager(t, fetcher, store, WithLogger(log))

	got, err := m.Request(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)
	require.True(t, m.Contains("k"))
	require.EqualValues(t, 2, m.Stats().StoreErrors)
	require.Equal(t, 1, logs.FilterMessage("blob store read failed, fetching from source").Len())
	require.Equal(t, 1, logs.FilterMessage("blob store write failed").Len())
}

func TestCorruptedBlobIsRefetchedAndOverwritten(t *testing.T) {
	ctx := context.Background()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockBlobStore(ctrl)
	gomock.InOrder(
		store.EXPECT().Get(gomock.Any(), "/scene/root.json").
			Return(nil, fmt.Errorf("%w: key '/scene/root.json'", blobstore.ErrCorrupted)),
		store.EXPECT().Put(gomock.Any(), "/scene/root.json", []byte("fresh")).Return(nil),
	)

	fetcher := mocks.NewMapFetcher(map[string][]byte{"/scene/root.json": []byte("fresh")}, 0)
	log, logs := logger.NewObserverLogger("debug")
	m := newManager(t, fetcher, store, WithLogger(log))

	got, err := m.Request(ctx, "/scene/root.json")
	require.NoError(t, err)
	require.Equal(t, []byte("fresh"), got)
	require.Equal(t, 1, fetcher.Calls("/scene/root.json"))
	require.True(t, m.Contains("/scene/root.json"))

	stats := m.Stats()
	require.EqualValues(t, 1, stats.Misses)
	require.EqualValues(t, 1, stats.StoreErrors)
	require.Equal(t, 1, logs.FilterMessage("corrupted blob in store, refetching").Len())
	require.Zero(t, logs.FilterMessage("blob store read failed, fetching from source").Len())
}

func TestEvictedEntryIsServedFromPersistentTier(t *testing.T) {
	ctx := context.Background()
	payloads := map[string][]byte{}
	for i := 0; i < 4; i++ {
		payloads[fmt.Sprintf("t%d", i)] = bytes.Repeat([]byte{byte('a' + i)}, 10)
	}
	fetcher := mocks.NewMapFetcher(payloads, 0)
	m := newManager(t, fetcher, memory.New(), WithMemoryBudget(25))

	for i := 0; i < 4; i++ {
		_, err := m.Request(ctx, fmt.Sprintf("t%d", i))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"t2", "t3"}, m.Keys())
	require.EqualValues(t, 2, m.Stats().Evictions)

	got, err := m.Request(ctx, "t0")
	require.NoError(t, err)
	require.True(t, bytes.Equal(payloads["t0"], got))
	require.Equal(t, 1, fetcher.Calls("t0"))
	require.EqualValues(t, 1, m.Stats().StoreHits)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	fetcher := mocks.NewMapFetcher(map[string][]byte{
		"a": []byte("a"), "b": []byte("b"), "c": []byte("c"), "d": []byte("d"),
	}, 0)
	m := newManager(t, fetcher, memory.New(), WithMaxEntries(3))

	for _, k := range []string{"a", "b", "c"} {
		_, err := m.Request(ctx, k)
		require.NoError(t, err)
	}
	_, err := m.Request(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "a"}, m.Keys())

	_, err = m.Request(ctx, "d")
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "d"}, m.Keys())
}

func TestOversizedEntryBypassesMemory(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	fetcher := mocks.NewMapFetcher(map[string][]byte{"huge": make([]byte, 100)}, 0)
	m := newManager(t, fetcher, store, WithMemoryBudget(10))

	got, err := m.Request(ctx, "huge")
	require.NoError(t, err)
	require.Len(t, got, 100)
	require.False(t, m.Contains("huge"))
	require.Equal(t, 1, store.Len())
}

func TestWaiterCancellationDoesNotAbortLoad(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	fetcher := mocks.NewMapFetcher(map[string][]byte{"slow": []byte("done")}, 50*time.Millisecond)
	m := newManager(t, fetcher, memory.New())

	ctx, cancel := context.WithCancel(context.Background())
	first := m.RequestAsync(ctx, "slow")
	second := m.RequestAsync(context.Background(), "slow")
	cancel()

	res := <-first
	require.ErrorIs(t, res.Err, context.Canceled)

	res = <-second
	require.NoError(t, res.Err)
	require.Equal(t, []byte("done"), res.Data)
	require.Equal(t, 1, fetcher.Calls("slow"))

	_, ok := <-second
	require.False(t, ok)
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	fetcher := mocks.NewMapFetcher(map[string][]byte{"a": []byte("a")}, 0)
	m := newManager(t, fetcher, store)

	_, err := m.Request(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, m.DeleteAll(ctx))

	require.False(t, m.Contains("a"))
	require.Zero(t, store.Len())
	require.Zero(t, m.Stats().Bytes)

	_, err = m.Request(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 2, fetcher.Calls("a"))
}

func fillMemoryTier(m *Manager, n int) {
	payload := []byte("tile")
	for i := 0; i < n; i++ {
		m.insert(fmt.Sprintf("/tiles/%06d.json", i), payload)
	}
}

// hitCost returns the fastest of several rounds of rotating memory hits, per
// hit.
func hitCost(m *Manager, n int) time.Duration {
	const rounds, hits = 5, 2000
	best := time.Duration(math.MaxInt64)
	for r := 0; r < rounds; r++ {
		start := time.Now()
		for i := 0; i < hits; i++ {
			// the least recently used key is always the one touched next
			m.lookup(fmt.Sprintf("/tiles/%06d.json", (r*hits+i)%n))
		}
		if d := time.Since(start) / hits; d < best {
			best = d
		}
	}
	return best
}

func TestMemoryHitCostDoesNotGrowWithEntries(t *testing.T) {
	if testing.Short() {
		t.Skip("timing comparison")
	}

	small := NewManager(memory.New(), nil, WithMaxEntries(100))
	fillMemoryTier(small, 100)
	large := NewManager(memory.New(), nil, WithMaxEntries(50000))
	fillMemoryTier(large, 50000)
	require.Equal(t, 50000, large.Stats().Entries)

	smallCost, largeCost := hitCost(small, 100), hitCost(large, 50000)
	require.Less(t, largeCost, 20*smallCost+time.Microsecond,
		"hit cost went from %s at 100 entries to %s at 50000", smallCost, largeCost)

	// eviction of the oldest entry stays cheap on a full tier
	start := time.Now()
	for i := 0; i < 2000; i++ {
		large.insert(fmt.Sprintf("/tiles/new%06d.json", i), []byte("tile"))
	}
	require.Less(t, time.Since(start)/2000, 20*smallCost+time.Microsecond)
	require.EqualValues(t, 2000, large.Stats().Evictions)
	require.Equal(t, 50000, large.Stats().Entries)
}

func BenchmarkMemoryHit(b *testing.B) {
	for _, n := range []int{100, 10000, 100000} {
		b.Run(fmt.Sprintf("entries_%d", n), func(b *testing.B) {
			m := NewManager(memory.New(), nil)
			fillMemoryTier(m, n)
			keys := make([]string, n)
			for i := range keys {
				keys[i] = fmt.Sprintf("/tiles/%06d.json", i)
			}
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				m.lookup(keys[i%n])
			}
		})
	}
}
