// Package inspect contains the command that loads a scene headlessly and
// reports what a fitted viewport would display.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/realitymesh/realitymesh/cmd/util"
	"github.com/realitymesh/realitymesh/internal/config"
	"github.com/realitymesh/realitymesh/pkg/geometry"
	"github.com/realitymesh/realitymesh/pkg/logger"
	"github.com/realitymesh/realitymesh/pkg/pressure"
	"github.com/realitymesh/realitymesh/pkg/render"
	"github.com/realitymesh/realitymesh/pkg/scene"
	"github.com/realitymesh/realitymesh/pkg/source"
	"github.com/realitymesh/realitymesh/pkg/telemetry"
	"github.com/realitymesh/realitymesh/pkg/tilecache"
)

const (
	fovFlag             = "fov"
	aspectFlag          = "aspect"
	viewportHeightFlag  = "viewport-height"
	fixedResolutionFlag = "fixed-resolution"

	metricsShutdownTimeout = 5 * time.Second
)

// View describes the headless viewport the scene is drawn into.
type View struct {
	// FovY is the vertical field of view in degrees.
	FovY           float64
	Aspect         float64
	ViewportHeight int

	// FixedResolution, when positive, replaces the per point pixel size.
	FixedResolution float64
}

func NewInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <root-locator>",
		Short: "Load a reality mesh and report its tile tree",
		Long: `Load a reality mesh from a local path or URL, draw it headlessly with a camera
fitted to its range until no more tiles are needed, and print what was loaded.`,
		RunE: run,
		Args: cobra.ExactArgs(1),
	}

	defaultConfig := config.DefaultConfig()
	flags := cmd.Flags()

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")
	flags.String("log-timestamp-format", defaultConfig.Log.TimestampFormat, "the timestamp format to use for log messages")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")
	flags.Bool("trace-otlp-tls-enabled", defaultConfig.Trace.OTLP.TLS.Enabled, "use TLS connection for trace collector")
	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")
	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces.")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")
	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")

	flags.String("cache-engine", defaultConfig.Cache.Engine, "the persistent tile store engine ('memory' or 'sqlite')")
	flags.String("cache-uri", defaultConfig.Cache.URI, "the path of the sqlite tile store")
	flags.Int64("cache-memory-budget", defaultConfig.Cache.MemoryBudgetBytes, "the number of payload bytes kept in memory")
	flags.Int("cache-max-entries", defaultConfig.Cache.MaxEntries, "the maximum number of payloads kept in memory (0 for no limit)")

	flags.Int("source-local-concurrency", defaultConfig.Source.LocalConcurrency, "the maximum number of concurrent reads from a local source")
	flags.Int("source-remote-concurrency", defaultConfig.Source.RemoteConcurrency, "the maximum number of concurrent requests to a remote source")
	flags.Duration("source-request-timeout", defaultConfig.Source.RequestTimeout, "the timeout of a single remote request attempt")
	flags.Int("source-retry-max", defaultConfig.Source.RetryMax, "the number of retries of a failed remote request")

	flags.String("scene-target-crs", defaultConfig.Scene.TargetCRS, "the reference system to place the scene in (empty keeps the stored one)")
	flags.Int("scene-max-concurrent-root-loads", defaultConfig.Scene.MaxConcurrentRootLoads, "the number of root tiles loaded in parallel")
	flags.Duration("scene-stale-after", defaultConfig.Scene.StaleAfter, "how long a tile may go undrawn before its children are released")
	flags.Int("scene-max-draw-passes", defaultConfig.Scene.MaxDrawPasses, "the maximum number of headless draw passes")

	flags.Float64(fovFlag, 45, "the vertical field of view of the fitted camera in degrees")
	flags.Float64(aspectFlag, 16.0/9.0, "the aspect ratio of the fitted camera")
	flags.Int(viewportHeightFlag, 1080, "the viewport height in pixels")
	flags.Float64(fixedResolutionFlag, 0, "draw at this world space pixel size instead of the camera's")

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := util.ReadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Verify(); err != nil {
		return err
	}

	flags := cmd.Flags()
	view := View{}
	if view.FovY, err = flags.GetFloat64(fovFlag); err != nil {
		return err
	}
	if view.Aspect, err = flags.GetFloat64(aspectFlag); err != nil {
		return err
	}
	if view.ViewportHeight, err = flags.GetInt(viewportHeightFlag); err != nil {
		return err
	}
	if view.FixedResolution, err = flags.GetFloat64(fixedResolutionFlag); err != nil {
		return err
	}

	runner := &Runner{
		Logger: logger.MustNewLogger(cfg.Log.Format, cfg.Log.Level, cfg.Log.TimestampFormat),
		Out:    cmd.OutOrStdout(),
	}
	_, err = runner.Run(cmd.Context(), cfg, args[0], view)
	return err
}

// Report is what an inspect run found.
type Report struct {
	SceneID    string
	Roots      int
	Nodes      int
	Meshes     int
	MeshBytes  int64
	MaxDepth   int
	Range      geometry.Range
	Passes     int
	Complete   bool
	Draws      int
	Triangles  int
	Graphics   int
	Valid      bool
	CacheStats tilecache.Stats
}

type Runner struct {
	Logger logger.Logger
	Out    io.Writer
}

// Run inspects the scene at rootLocator, serving metrics alongside when
// enabled, and writes the report to r.Out.
func (r *Runner) Run(ctx context.Context, cfg *config.Config, rootLocator string, view View) (*Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	tp := telemetry.Noop()
	if cfg.Trace.Enabled {
		opts := []telemetry.TracerOption{
			telemetry.WithOTLPEndpoint(cfg.Trace.OTLP.Endpoint),
			telemetry.WithServiceName(cfg.Trace.ServiceName),
			telemetry.WithSamplingRatio(cfg.Trace.SampleRatio),
		}
		if !cfg.Trace.OTLP.TLS.Enabled {
			opts = append(opts, telemetry.WithOTLPInsecure())
		}
		tp = telemetry.MustNewTracerProvider(opts...)
		r.Logger.Info("tracing enabled", zap.String("endpoint", cfg.Trace.OTLP.Endpoint))
	}
	defer func() {
		if err := tp.Close(context.Background()); err != nil {
			r.Logger.Error("failed to shutdown tracing", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		r.Logger.Info(fmt.Sprintf("🕵 starting prometheus metrics server on '%s'", cfg.Metrics.Addr))
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to start prometheus metrics server: %w", err)
			}
			return nil
		})
	}

	var report *Report
	g.Go(func() error {
		if metricsServer != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
				defer cancel()
				if err := metricsServer.Shutdown(shutdownCtx); err != nil {
					r.Logger.Error("failed to shutdown the prometheus metrics server", zap.Error(err))
				}
			}()
		}

		var err error
		report, err = r.inspect(gctx, cfg, rootLocator, view)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.print(report)
	return report, nil
}

func (r *Runner) inspect(ctx context.Context, cfg *config.Config, rootLocator string, view View) (*Report, error) {
	store, err := util.OpenBlobStore(ctx, cfg.Cache, cfg.Metrics.Enabled, r.Logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	kind := source.KindOf(rootLocator)
	ceiling := cfg.Source.LocalConcurrency
	if kind == source.KindRemote {
		ceiling = cfg.Source.RemoteConcurrency
	}
	src := source.New(kind,
		source.WithLogger(r.Logger),
		source.WithCeiling(ceiling),
		source.WithRetryMax(cfg.Source.RetryMax),
		source.WithRequestTimeout(cfg.Source.RequestTimeout),
	)
	defer src.Close()

	cache := tilecache.NewManager(store, src,
		tilecache.WithLogger(r.Logger),
		tilecache.WithMemoryBudget(cfg.Cache.MemoryBudgetBytes),
		tilecache.WithMaxEntries(cfg.Cache.MaxEntries),
	)

	s := scene.New(rootLocator, cache,
		scene.WithLogger(r.Logger),
		scene.WithTargetCRS(cfg.Scene.TargetCRS),
		scene.WithPressureProvider(pressure.NewRuntime(0)),
		scene.WithMaxConcurrentRootLoads(cfg.Scene.MaxConcurrentRootLoads),
	)
	defer func() {
		s.Close()
		s.Wait()
	}()

	if err := s.LoadScene(ctx); err != nil {
		return nil, err
	}

	rng := s.GetRange()
	if rng.IsNull() {
		rng = geometry.NewRange(s.Transform().Apply(r3.Vec{}))
	}
	sink := &render.Recorder{}
	rc := &render.Context{
		View:            render.FitCamera(rng, view.FovY*math.Pi/180, view.Aspect, view.ViewportHeight),
		FixedResolution: view.FixedResolution,
		Sink:            sink,
	}

	report := &Report{SceneID: s.ID(), Roots: len(s.Roots())}
	for report.Passes < cfg.Scene.MaxDrawPasses {
		sink.Reset()
		pending := s.Draw(ctx, rc)
		report.Passes++
		if !pending {
			report.Complete = true
			break
		}
		s.Wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if !report.Complete {
		r.Logger.Warn("draw passes exhausted with tiles still pending", zap.Int("passes", report.Passes))
	}

	s.FlushStale(time.Now().Add(-cfg.Scene.StaleAfter))

	report.Nodes = s.GetNodeCount()
	report.Meshes = s.GetMeshCount()
	report.MeshBytes = s.GetMeshMemorySize()
	report.MaxDepth = s.GetMaxDepth()
	report.Range = s.GetRange()
	report.Draws = sink.Draws()
	report.Triangles = sink.Triangles()
	report.Graphics = sink.Created()
	report.Valid = s.Validate()
	report.CacheStats = cache.Stats()
	return report, nil
}

func (r *Runner) print(report *Report) {
	if r.Out == nil {
		return
	}
	fmt.Fprintf(r.Out, "scene:         %s\n", report.SceneID)
	fmt.Fprintf(r.Out, "roots:         %d\n", report.Roots)
	fmt.Fprintf(r.Out, "nodes:         %d (max depth %d)\n", report.Nodes, report.MaxDepth)
	fmt.Fprintf(r.Out, "meshes:        %d (%d bytes)\n", report.Meshes, report.MeshBytes)
	if !report.Range.IsNull() {
		fmt.Fprintf(r.Out, "range:         %v .. %v\n", report.Range.Low, report.Range.High)
	}
	fmt.Fprintf(r.Out, "passes:        %d (complete: %t)\n", report.Passes, report.Complete)
	fmt.Fprintf(r.Out, "last pass:     %d draws, %d triangles\n", report.Draws, report.Triangles)
	fmt.Fprintf(r.Out, "graphics:      %d\n", report.Graphics)
	fmt.Fprintf(r.Out, "cache:         %d entries, %d bytes, %d memory hits, %d store hits, %d misses\n",
		report.CacheStats.Entries, report.CacheStats.Bytes,
		report.CacheStats.MemoryHits, report.CacheStats.StoreHits, report.CacheStats.Misses)
}
