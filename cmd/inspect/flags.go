package inspect

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/realitymesh/realitymesh/cmd/util"
)

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, args []string) {
		util.MustBindPFlag("log.format", flags.Lookup("log-format"))
		util.MustBindEnv("log.format", "REALITYMESH_LOG_FORMAT")

		util.MustBindPFlag("log.level", flags.Lookup("log-level"))
		util.MustBindEnv("log.level", "REALITYMESH_LOG_LEVEL")

		util.MustBindPFlag("log.timestampFormat", flags.Lookup("log-timestamp-format"))
		util.MustBindEnv("log.timestampFormat", "REALITYMESH_LOG_TIMESTAMP_FORMAT")

		util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
		util.MustBindEnv("trace.enabled", "REALITYMESH_TRACE_ENABLED")

		util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
		util.MustBindEnv("trace.otlp.endpoint", "REALITYMESH_TRACE_OTLP_ENDPOINT")

		util.MustBindPFlag("trace.otlp.tls.enabled", flags.Lookup("trace-otlp-tls-enabled"))
		util.MustBindEnv("trace.otlp.tls.enabled", "REALITYMESH_TRACE_OTLP_TLS_ENABLED")

		util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
		util.MustBindEnv("trace.sampleRatio", "REALITYMESH_TRACE_SAMPLE_RATIO")

		util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
		util.MustBindEnv("trace.serviceName", "REALITYMESH_TRACE_SERVICE_NAME")

		util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
		util.MustBindEnv("metrics.enabled", "REALITYMESH_METRICS_ENABLED")

		util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
		util.MustBindEnv("metrics.addr", "REALITYMESH_METRICS_ADDR")

		util.MustBindPFlag("cache.engine", flags.Lookup("cache-engine"))
		util.MustBindEnv("cache.engine", "REALITYMESH_CACHE_ENGINE")

		util.MustBindPFlag("cache.uri", flags.Lookup("cache-uri"))
		util.MustBindEnv("cache.uri", "REALITYMESH_CACHE_URI")

		util.MustBindPFlag("cache.memoryBudgetBytes", flags.Lookup("cache-memory-budget"))
		util.MustBindEnv("cache.memoryBudgetBytes", "REALITYMESH_CACHE_MEMORY_BUDGET_BYTES")

		util.MustBindPFlag("cache.maxEntries", flags.Lookup("cache-max-entries"))
		util.MustBindEnv("cache.maxEntries", "REALITYMESH_CACHE_MAX_ENTRIES")

		util.MustBindPFlag("source.localConcurrency", flags.Lookup("source-local-concurrency"))
		util.MustBindEnv("source.localConcurrency", "REALITYMESH_SOURCE_LOCAL_CONCURRENCY")

		util.MustBindPFlag("source.remoteConcurrency", flags.Lookup("source-remote-concurrency"))
		util.MustBindEnv("source.remoteConcurrency", "REALITYMESH_SOURCE_REMOTE_CONCURRENCY")

		util.MustBindPFlag("source.requestTimeout", flags.Lookup("source-request-timeout"))
		util.MustBindEnv("source.requestTimeout", "REALITYMESH_SOURCE_REQUEST_TIMEOUT")

		util.MustBindPFlag("source.retryMax", flags.Lookup("source-retry-max"))
		util.MustBindEnv("source.retryMax", "REALITYMESH_SOURCE_RETRY_MAX")

		util.MustBindPFlag("scene.targetCRS", flags.Lookup("scene-target-crs"))
		util.MustBindEnv("scene.targetCRS", "REALITYMESH_SCENE_TARGET_CRS")

		util.MustBindPFlag("scene.maxConcurrentRootLoads", flags.Lookup("scene-max-concurrent-root-loads"))
		util.MustBindEnv("scene.maxConcurrentRootLoads", "REALITYMESH_SCENE_MAX_CONCURRENT_ROOT_LOADS")

		util.MustBindPFlag("scene.staleAfter", flags.Lookup("scene-stale-after"))
		util.MustBindEnv("scene.staleAfter", "REALITYMESH_SCENE_STALE_AFTER")

		util.MustBindPFlag("scene.maxDrawPasses", flags.Lookup("scene-max-draw-passes"))
		util.MustBindEnv("scene.maxDrawPasses", "REALITYMESH_SCENE_MAX_DRAW_PASSES")
	}
}
