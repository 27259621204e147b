//go:generate mockgen -source source.go -destination ../../internal/mocks/mock_source.go -package mocks Fetcher

// Package source fetches raw tile payloads from a local directory tree or a
// remote HTTP server with a fixed ceiling on concurrent requests.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/realitymesh/realitymesh/internal/build"
	"github.com/realitymesh/realitymesh/pkg/logger"
	"github.com/realitymesh/realitymesh/pkg/telemetry"
)

var tracer = otel.Tracer("realitymesh/pkg/source")

var (
	ErrNotFound = errors.New("resource not found")
	ErrClosed   = errors.New("data source closed")
)

var (
	timeWaitingHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: build.ProjectName,
		Name:      "source_time_waiting_ms",
		Help:      "Time (in ms) a fetch spent waiting for a free data source slot.",
		Buckets:   []float64{1, 10, 25, 50, 100, 1000, 5000},
	}, []string{"kind"})

	inFlightGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "source_fetches_in_flight",
		Help:      "Number of fetches currently holding a data source slot.",
	}, []string{"kind"})

	fetchErrorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "source_fetch_errors_total",
		Help:      "Number of fetches that returned an error.",
	}, []string{"kind"})
)

// Kind identifies where payloads come from. The set is closed.
type Kind int

const (
	KindLocal Kind = iota
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// DefaultCeiling is the number of concurrent fetches allowed for the kind.
func (k Kind) DefaultCeiling() int {
	if k == KindRemote {
		return 4
	}
	return 1
}

// IsRemote reports whether locator names an http(s) resource.
func IsRemote(locator string) bool {
	l := strings.ToLower(locator)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// KindOf returns the kind serving locator.
func KindOf(locator string) Kind {
	if IsRemote(locator) {
		return KindRemote
	}
	return KindLocal
}

// Fetcher performs the actual IO for a single key.
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// DataSource wraps a Fetcher so that at most Ceiling() fetches run at once.
// Excess callers queue in arrival order of the runtime scheduler; they are
// never rejected.
type DataSource struct {
	kind    Kind
	fetcher Fetcher
	logger  logger.Logger

	ceiling int
	limiter chan struct{}

	fs             afero.Fs
	retryMax       int
	requestTimeout time.Duration

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*DataSource)

func WithLogger(l logger.Logger) Option {
	return func(d *DataSource) {
		d.logger = l
	}
}

// WithCeiling overrides the kind's default concurrency ceiling. Values below
// one are ignored.
func WithCeiling(n int) Option {
	return func(d *DataSource) {
		if n > 0 {
			d.ceiling = n
		}
	}
}

// WithFetcher replaces the fetcher the kind would otherwise build.
func WithFetcher(f Fetcher) Option {
	return func(d *DataSource) {
		d.fetcher = f
	}
}

// WithFs sets the filesystem read by the local kind. Defaults to the OS
// filesystem.
func WithFs(fs afero.Fs) Option {
	return func(d *DataSource) {
		d.fs = fs
	}
}

// WithRetryMax sets how many times the remote kind retries a failed request.
func WithRetryMax(n int) Option {
	return func(d *DataSource) {
		d.retryMax = n
	}
}

// WithRequestTimeout bounds every single remote HTTP attempt.
func WithRequestTimeout(t time.Duration) Option {
	return func(d *DataSource) {
		d.requestTimeout = t
	}
}

// New returns a DataSource of the given kind.
func New(kind Kind, opts ...Option) *DataSource {
	d := &DataSource{
		kind:           kind,
		logger:         logger.NewNoopLogger(),
		ceiling:        kind.DefaultCeiling(),
		retryMax:       defaultRetryMax,
		requestTimeout: defaultRequestTimeout,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.fetcher == nil {
		switch kind {
		case KindRemote:
			d.fetcher = NewRemoteFetcher(d.retryMax, d.requestTimeout, d.logger)
		default:
			if d.fs == nil {
				d.fs = afero.NewOsFs()
			}
			d.fetcher = NewLocalFetcher(d.fs)
		}
	}

	d.limiter = make(chan struct{}, d.ceiling)
	return d
}

// ForLocator returns a DataSource whose kind is chosen from the root
// locator of a scene.
func ForLocator(locator string, opts ...Option) *DataSource {
	return New(KindOf(locator), opts...)
}

func (d *DataSource) Kind() Kind {
	return d.kind
}

func (d *DataSource) Ceiling() int {
	return d.ceiling
}

// Fetch waits for a free slot and then reads key. Waiting honours ctx and
// Close.
func (d *DataSource) Fetch(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "source.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("kind", d.kind.String()), attribute.String("key", key))

	if d.closed.Load() {
		return nil, ErrClosed
	}

	start := time.Now()
	select {
	case d.limiter <- struct{}{}:
	case <-ctx.Done():
		telemetry.TraceError(span, ctx.Err())
		return nil, ctx.Err()
	case <-d.done:
		return nil, ErrClosed
	}
	defer func() {
		<-d.limiter
	}()

	timeWaiting := time.Since(start).Milliseconds()
	timeWaitingHistogram.WithLabelValues(d.kind.String()).Observe(float64(timeWaiting))
	span.SetAttributes(attribute.Int64("time_waiting", timeWaiting))

	gauge := inFlightGauge.WithLabelValues(d.kind.String())
	gauge.Inc()
	defer gauge.Dec()

	data, err := d.fetcher.Fetch(ctx, key)
	if err != nil {
		fetchErrorsCounter.WithLabelValues(d.kind.String()).Inc()
		telemetry.TraceError(span, err)
		d.logger.DebugWithContext(ctx, "fetch failed", zap.String("key", key), zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.Int("size", len(data)))
	return data, nil
}

// Close makes queued and future fetches fail with ErrClosed. Fetches already
// holding a slot run to completion.
func (d *DataSource) Close() {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
	})
}
