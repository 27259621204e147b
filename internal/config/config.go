// Package config contains all knobs and defaults used to configure
// realitymesh when run from the command line.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/realitymesh/realitymesh/pkg/tilecache"
)

const (
	DefaultLocalConcurrency       = 1
	DefaultRemoteConcurrency      = 4
	DefaultRequestTimeout         = 30 * time.Second
	DefaultRetryMax               = 3
	DefaultMaxConcurrentRootLoads = 4
	DefaultStaleAfter             = 5 * time.Minute
	DefaultMaxDrawPasses          = 64
)

// LogConfig defines log specific settings. For production we recommend using
// the 'json' log format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string

	// Format of the timestamp in the log output (e.g. 'Unix'(default) or 'ISO8601')
	TimestampFormat string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

type OTLPTraceConfig struct {
	Endpoint string
	TLS      OTLPTraceTLSConfig
}

type OTLPTraceTLSConfig struct {
	Enabled bool
}

// MetricConfig defines where prometheus metrics are served.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

// CacheConfig defines the tile cache tiers.
type CacheConfig struct {
	// Engine is the persistent tier to use ('memory' or 'sqlite').
	Engine string

	// URI is the sqlite database path. Ignored by the memory engine.
	URI string

	// MemoryBudgetBytes bounds the payload bytes held in memory.
	MemoryBudgetBytes int64

	// MaxEntries additionally bounds the number of in-memory entries. Zero
	// means no bound.
	MaxEntries int
}

// SourceConfig defines how tiles are fetched on a cache miss.
type SourceConfig struct {
	LocalConcurrency  int
	RemoteConcurrency int
	RequestTimeout    time.Duration
	RetryMax          int
}

// SceneConfig defines how the tile tree is loaded and traversed.
type SceneConfig struct {
	// TargetCRS is the reference system the scene is placed in. Empty keeps
	// the stored one.
	TargetCRS string

	MaxConcurrentRootLoads int

	// StaleAfter is how long a tile may go undrawn before its children are
	// released.
	StaleAfter time.Duration

	// MaxDrawPasses bounds the headless passes run by 'inspect'.
	MaxDrawPasses int
}

type Config struct {
	Log     LogConfig
	Trace   TraceConfig
	Metrics MetricConfig
	Cache   CacheConfig
	Source  SourceConfig
	Scene   SceneConfig
}

func (cfg *Config) Verify() error {
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if cfg.Log.Level != "none" &&
		cfg.Log.Level != "debug" &&
		cfg.Log.Level != "info" &&
		cfg.Log.Level != "warn" &&
		cfg.Log.Level != "error" &&
		cfg.Log.Level != "panic" &&
		cfg.Log.Level != "fatal" {
		return fmt.Errorf(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		)
	}

	if cfg.Log.TimestampFormat != "Unix" && cfg.Log.TimestampFormat != "ISO8601" {
		return fmt.Errorf("config 'log.TimestampFormat' must be one of ['Unix', 'ISO8601']")
	}

	if cfg.Trace.Enabled && cfg.Trace.OTLP.Endpoint == "" {
		return errors.New("config 'trace.otlp.endpoint' must be set when tracing is enabled")
	}
	if cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1 {
		return errors.New("config 'trace.sampleRatio' must be between 0 and 1")
	}

	switch cfg.Cache.Engine {
	case "memory":
	case "sqlite":
		if cfg.Cache.URI == "" {
			return errors.New("config 'cache.uri' must be set for the sqlite engine")
		}
	default:
		return fmt.Errorf("config 'cache.engine' must be one of ['memory', 'sqlite']")
	}

	if cfg.Cache.MemoryBudgetBytes < 0 {
		return errors.New("config 'cache.memoryBudgetBytes' must be non-negative")
	}
	if cfg.Cache.MaxEntries < 0 {
		return errors.New("config 'cache.maxEntries' must be non-negative")
	}

	if cfg.Source.LocalConcurrency < 1 || cfg.Source.RemoteConcurrency < 1 {
		return errors.New("config 'source.localConcurrency' and 'source.remoteConcurrency' must be at least 1")
	}
	if cfg.Source.RequestTimeout <= 0 {
		return errors.New("config 'source.requestTimeout' must be a positive duration")
	}
	if cfg.Source.RetryMax < 0 {
		return errors.New("config 'source.retryMax' must be non-negative")
	}

	if cfg.Scene.MaxConcurrentRootLoads < 1 {
		return errors.New("config 'scene.maxConcurrentRootLoads' must be at least 1")
	}
	if cfg.Scene.StaleAfter <= 0 {
		return errors.New("config 'scene.staleAfter' must be a positive duration")
	}
	if cfg.Scene.MaxDrawPasses < 1 {
		return errors.New("config 'scene.maxDrawPasses' must be at least 1")
	}

	return nil
}

// DefaultConfig is the realitymesh default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Format:          "text",
			Level:           "info",
			TimestampFormat: "Unix",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
				TLS: OTLPTraceTLSConfig{
					Enabled: false,
				},
			},
			SampleRatio: 0.2,
			ServiceName: "realitymesh",
		},
		Metrics: MetricConfig{
			Enabled: false,
			Addr:    "0.0.0.0:2112",
		},
		Cache: CacheConfig{
			Engine:            "memory",
			MemoryBudgetBytes: tilecache.DefaultMemoryBudget,
		},
		Source: SourceConfig{
			LocalConcurrency:  DefaultLocalConcurrency,
			RemoteConcurrency: DefaultRemoteConcurrency,
			RequestTimeout:    DefaultRequestTimeout,
			RetryMax:          DefaultRetryMax,
		},
		Scene: SceneConfig{
			MaxConcurrentRootLoads: DefaultMaxConcurrentRootLoads,
			StaleAfter:             DefaultStaleAfter,
			MaxDrawPasses:          DefaultMaxDrawPasses,
		},
	}
}
