package sqlite

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/realitymesh/realitymesh/pkg/blobstore"
)

func newTestStore(t *testing.T) *BlobStore {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestPrepareDSN(t *testing.T) {
	t.Run("adds_defaults", func(t *testing.T) {
		dsn, err := PrepareDSN("/tmp/cache.db")
		require.NoError(t, err)
		require.Contains(t, dsn, "journal_mode%28WAL%29")
		require.Contains(t, dsn, "busy_timeout%28100%29")
	})

	t.Run("keeps_explicit_pragmas", func(t *testing.T) {
		dsn, err := PrepareDSN("/tmp/cache.db?_pragma=journal_mode(DELETE)&_pragma=busy_timeout(5000)")
		require.NoError(t, err)
		require.NotContains(t, dsn, "WAL")
		require.Contains(t, dsn, "busy_timeout%285000%29")
	})

	t.Run("invalid_query", func(t *testing.T) {
		_, err := PrepareDSN("/tmp/cache.db?%zz")
		require.Error(t, err)
	})
}

func TestBlobStore(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
	})

	ctx := context.Background()
	s := newTestStore(t)

	t.Run("get_missing", func(t *testing.T) {
		_, err := s.Get(ctx, "missing.json")
		require.ErrorIs(t, err, blobstore.ErrNotFound)
	})

	t.Run("put_get_round_trip_is_byte_exact", func(t *testing.T) {
		payload := make([]byte, 4096)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		require.NoError(t, s.Put(ctx, "https://example.com/tiles/0/a.json", payload))

		got, err := s.Get(ctx, "https://example.com/tiles/0/a.json")
		require.NoError(t, err)
		require.True(t, bytes.Equal(payload, got))
	})

	t.Run("put_replaces", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "k", []byte("one")))
		require.NoError(t, s.Put(ctx, "k", []byte("two")))

		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, []byte("two"), got)
	})

	t.Run("corrupted_blob_is_reported", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "bad", []byte("original")))
		_, err := s.db.ExecContext(ctx, "UPDATE blob SET data = ? WHERE key = ?", []byte("tampered"), "bad")
		require.NoError(t, err)

		_, err = s.Get(ctx, "bad")
		require.ErrorIs(t, err, blobstore.ErrCorrupted)
	})

	t.Run("stats_and_delete_all", func(t *testing.T) {
		count, size, err := s.Stats(ctx)
		require.NoError(t, err)
		require.Positive(t, count)
		require.Positive(t, size)

		require.NoError(t, s.DeleteAll(ctx))

		count, size, err = s.Stats(ctx)
		require.NoError(t, err)
		require.Zero(t, count)
		require.Zero(t, size)

		_, err = s.Get(ctx, "k")
		require.ErrorIs(t, err, blobstore.ErrNotFound)
	})
}

func TestBlobStoreConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("tile-%d", i)
			assert.NoError(t, s.Put(ctx, key, []byte(key)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 16; i++ {
		key := fmt.Sprintf("tile-%d", i)
		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, []byte(key), got)
	}
}

func TestPruneOlderThan(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, "old", []byte("old")))
	_, err := s.db.ExecContext(ctx, "UPDATE blob SET updated_at = '2000-01-01 00:00:00.000' WHERE key = 'old'")
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "fresh", []byte("fresh")))

	removed, err := s.PruneOlderThan(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, err = s.Get(ctx, "old")
	require.ErrorIs(t, err, blobstore.ErrNotFound)
	_, err = s.Get(ctx, "fresh")
	require.NoError(t, err)
}

func TestReopenKeepsBlobs(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	s, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "persisted", []byte("bytes")))
	s.Close()

	s, err = New(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "persisted")
	require.NoError(t, err)
	require.Equal(t, []byte("bytes"), got)
}
