package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/realitymesh/realitymesh/internal/mocks"
)

func TestKindOf(t *testing.T) {
	var testcases = map[string]struct {
		locator string
		kind    Kind
		ceiling int
	}{
		`http`:          {locator: "http://example.com/tiles/index.json", kind: KindRemote, ceiling: 4},
		`https_upper`:   {locator: "HTTPS://example.com/index.json", kind: KindRemote, ceiling: 4},
		`absolute_path`: {locator: "/data/mesh/index.json", kind: KindLocal, ceiling: 1},
		`relative_path`: {locator: "mesh/index.json", kind: KindLocal, ceiling: 1},
		`file_url`:      {locator: "file:///data/index.json", kind: KindLocal, ceiling: 1},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			ds := ForLocator(tc.locator, WithFs(afero.NewMemMapFs()))
			defer ds.Close()
			require.Equal(t, tc.kind, ds.Kind())
			require.Equal(t, tc.ceiling, ds.Ceiling())
		})
	}
}

func TestKindString(t *testing.T) {
	require.Equal(t, "local", KindLocal.String())
	require.Equal(t, "remote", KindRemote.String())
	require.Equal(t, "Kind(7)", Kind(7).String())
}

func TestWithCeiling(t *testing.T) {
	ds := New(KindRemote, WithCeiling(9), WithFetcher(mocks.NewMapFetcher(nil, 0)))
	require.Equal(t, 9, ds.Ceiling())

	ds = New(KindRemote, WithCeiling(0), WithFetcher(mocks.NewMapFetcher(nil, 0)))
	require.Equal(t, 4, ds.Ceiling())
}

func TestFetchNeverExceedsCeiling(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	for _, kind := range []Kind{KindLocal, KindRemote} {
		t.Run(kind.String(), func(t *testing.T) {
			payloads := map[string][]byte{}
			for i := 0; i < 20; i++ {
				payloads[fmt.Sprintf("tile-%d", i)] = []byte{byte(i)}
			}
			fetcher := mocks.NewMapFetcher(payloads, 5*time.Millisecond)
			ds := New(kind, WithFetcher(fetcher))
			defer ds.Close()

			var wg sync.WaitGroup
			for key, want := range payloads {
				wg.Add(1)
				go func() {
					defer wg.Done()
					got, err := ds.Fetch(context.Background(), key)
					assert.NoError(t, err)
					assert.Equal(t, want, got)
				}()
			}
			wg.Wait()

			require.Equal(t, 20, fetcher.TotalCalls())
			require.LessOrEqual(t, fetcher.MaxInFlight(), kind.DefaultCeiling())
		})
	}
}

func TestFetchQueuedCallerHonoursContext(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), "slow").DoAndReturn(func(ctx context.Context, key string) ([]byte, error) {
		close(started)
		<-release
		return []byte("slow"), nil
	})

	ds := New(KindLocal, WithFetcher(fetcher))
	defer ds.Close()

	done := make(chan error, 1)
	go func() {
		_, err := ds.Fetch(context.Background(), "slow")
		done <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ds.Fetch(ctx, "queued")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
}

func TestFetchAfterClose(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)

	ds := New(KindRemote, WithFetcher(fetcher))
	ds.Close()
	ds.Close()

	_, err := ds.Fetch(context.Background(), "x")
	require.ErrorIs(t, err, ErrClosed)
}

func TestFetchPropagatesFetcherError(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	boom := errors.New("boom")
	fetcher.EXPECT().Fetch(gomock.Any(), "x").Return(nil, boom)

	ds := New(KindRemote, WithFetcher(fetcher))
	defer ds.Close()

	_, err := ds.Fetch(context.Background(), "x")
	require.ErrorIs(t, err, boom)
}

func TestLocalFetcher(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/mesh/tiles/a.json", []byte(`{"nodes":[]}`), 0o644))

	ds := New(KindLocal, WithFs(fs))
	defer ds.Close()

	got, err := ds.Fetch(context.Background(), "/mesh/tiles/a.json")
	require.NoError(t, err)
	require.JSONEq(t, `{"nodes":[]}`, string(got))

	got, err = ds.Fetch(context.Background(), "file:///mesh/tiles/a.json")
	require.NoError(t, err)
	require.NotEmpty(t, got)

	_, err = ds.Fetch(context.Background(), "/mesh/tiles/missing.json")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemoteFetcher(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts[r.URL.Path]++
		n := attempts[r.URL.Path]
		mu.Unlock()

		switch r.URL.Path {
		case "/tiles/a.json":
			_, _ = w.Write([]byte("payload-a"))
		case "/tiles/flaky.json":
			if n == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("eventually"))
		case "/tiles/broken.json":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ds := ForLocator(srv.URL+"/index.json", WithRetryMax(1), WithRequestTimeout(time.Second))
	defer ds.Close()
	require.Equal(t, KindRemote, ds.Kind())

	got, err := ds.Fetch(context.Background(), srv.URL+"/tiles/a.json")
	require.NoError(t, err)
	require.Equal(t, []byte("payload-a"), got)

	got, err = ds.Fetch(context.Background(), srv.URL+"/tiles/flaky.json")
	require.NoError(t, err)
	require.Equal(t, []byte("eventually"), got)

	_, err = ds.Fetch(context.Background(), srv.URL+"/tiles/missing.json")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = ds.Fetch(context.Background(), srv.URL+"/tiles/broken.json")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, attempts["/tiles/missing.json"])
	require.Equal(t, 2, attempts["/tiles/broken.json"])
}
