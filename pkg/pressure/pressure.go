// Package pressure reports how close the process is to its memory ceiling and
// turns that into the level-of-detail relaxation used during traversal.
package pressure

import (
	"math"
	"runtime/debug"
	"runtime/metrics"
	"sync/atomic"
)

const (
	// ThresholdPercent is the load below which no relaxation happens.
	ThresholdPercent = 90.0

	// SaturationPercent is the load above which the ratio is pinned to MaxResolutionRatio.
	SaturationPercent = 99.0

	// MaxResolutionRatio is the largest relaxation applied to the screen space error test.
	MaxResolutionRatio = 100.0
)

// Provider reports the current memory load as a percentage in [0, 100].
type Provider interface {
	CurrentLoadPercent() float64
}

// ResolutionRatio maps a memory load percentage to the factor applied to a
// tile's max screen diameter. It is 1 below ThresholdPercent, MaxResolutionRatio
// above SaturationPercent and grows linearly in between.
func ResolutionRatio(loadPercent float64) float64 {
	switch {
	case math.IsNaN(loadPercent), loadPercent < ThresholdPercent:
		return 1.0
	case loadPercent > SaturationPercent:
		return MaxResolutionRatio
	}

	t := (loadPercent - ThresholdPercent) / (SaturationPercent - ThresholdPercent)
	return 1.0 + t*(MaxResolutionRatio-1.0)
}

// Fixed is a Provider returning a settable value. It is safe for concurrent use.
type Fixed struct {
	bits atomic.Uint64
}

var _ Provider = (*Fixed)(nil)

// NewFixed returns a Fixed provider reporting loadPercent.
func NewFixed(loadPercent float64) *Fixed {
	f := &Fixed{}
	f.Set(loadPercent)
	return f
}

// Set changes the reported load.
func (f *Fixed) Set(loadPercent float64) {
	f.bits.Store(math.Float64bits(loadPercent))
}

func (f *Fixed) CurrentLoadPercent() float64 {
	return math.Float64frombits(f.bits.Load())
}

const heapMetric = "/memory/classes/total:bytes"

// Runtime measures the Go runtime's mapped memory against a limit. The limit is
// the soft memory limit set with debug.SetMemoryLimit (GOMEMLIMIT) unless one is
// given explicitly. Without any limit the load is always 0.
type Runtime struct {
	limit int64
}

var _ Provider = (*Runtime)(nil)

// NewRuntime returns a Runtime provider. A limitBytes of 0 uses the runtime's
// soft memory limit.
func NewRuntime(limitBytes int64) *Runtime {
	return &Runtime{limit: limitBytes}
}

func (r *Runtime) CurrentLoadPercent() float64 {
	limit := r.limit
	if limit <= 0 {
		limit = debug.SetMemoryLimit(-1)
	}
	if limit <= 0 || limit == math.MaxInt64 {
		return 0
	}

	sample := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}

	used := float64(sample[0].Value.Uint64())
	return math.Min(100, 100*used/float64(limit))
}
