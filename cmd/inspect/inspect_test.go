package inspect

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/realitymesh/realitymesh/cmd/util"
	"github.com/realitymesh/realitymesh/internal/config"
	"github.com/realitymesh/realitymesh/pkg/logger"
	"github.com/realitymesh/realitymesh/pkg/scene"
)

var sceneFiles = map[string]string{
	"index.json": `{"srs":"EPSG:32633","children":["root.json"]}`,
	"root.json": `{"nodes":[{"id":"a","center":[0,0,0],"radius":10,"maxDiameter":100,"children":"a/children.json",
		"meshes":[{"indices":[0,1,2],"points":[-10,0,0, 10,0,0, 0,10,0]}]}]}`,
	"a/children.json": `{"nodes":[
		{"id":"a0","center":[-5,0,0],"radius":1,"maxDiameter":100,"meshes":[{"indices":[0,1,2],"points":[-6,0,0, -4,0,0, -5,1,0]}]},
		{"id":"a1","center":[5,0,0],"radius":1,"maxDiameter":100,"meshes":[{"indices":[0,1,2],"points":[4,0,0, 6,0,0, 5,1,0]}]}
	]}`,
}

func writeScene(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range sceneFiles {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	return filepath.Join(dir, "index.json")
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "none"
	cfg.Cache.Engine = "sqlite"
	cfg.Cache.URI = filepath.Join(t.TempDir(), "tiles.db")
	return cfg
}

var testView = View{FovY: 45, Aspect: 1, ViewportHeight: 1080, FixedResolution: 0.01}

func TestRunLoadsWholeScene(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	root := writeScene(t)
	cfg := testConfig(t)

	var out bytes.Buffer
	runner := &Runner{Logger: logger.NewNoopLogger(), Out: &out}
	report, err := runner.Run(context.Background(), cfg, root, testView)
	require.NoError(t, err)

	require.True(t, report.Complete)
	require.True(t, report.Valid)
	require.Equal(t, 1, report.Roots)
	require.Equal(t, 4, report.Nodes)
	require.Equal(t, 2, report.MaxDepth)
	require.Equal(t, 2, report.Passes)
	require.Equal(t, 2, report.Draws)
	require.Equal(t, 2, report.Triangles)
	require.NotEmpty(t, report.SceneID)
	require.Zero(t, report.CacheStats.StoreHits)
	require.Positive(t, report.CacheStats.Misses)

	require.Contains(t, out.String(), "nodes:         4 (max depth 2)")
	require.Contains(t, out.String(), "passes:        2 (complete: true)")

	// a second run is served by the persistent tier
	report, err = runner.Run(context.Background(), cfg, root, testView)
	require.NoError(t, err)
	require.True(t, report.Complete)
	require.Equal(t, 4, report.Nodes)
	require.Zero(t, report.CacheStats.Misses)
	require.Positive(t, report.CacheStats.StoreHits)
}

func TestRunStopsAtMaxDrawPasses(t *testing.T) {
	root := writeScene(t)
	cfg := testConfig(t)
	cfg.Scene.MaxDrawPasses = 1

	runner := &Runner{Logger: logger.NewNoopLogger()}
	report, err := runner.Run(context.Background(), cfg, root, testView)
	require.NoError(t, err)
	require.False(t, report.Complete)
	require.Equal(t, 1, report.Passes)
}

func TestRunMissingScene(t *testing.T) {
	cfg := testConfig(t)
	runner := &Runner{Logger: logger.NewNoopLogger()}
	_, err := runner.Run(context.Background(), cfg, filepath.Join(t.TempDir(), "index.json"), testView)
	require.ErrorIs(t, err, scene.ErrSceneLoad)
}

func TestRunWithMetricsServer(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	root := writeScene(t)
	cfg := testConfig(t)
	cfg.Cache.Engine = "memory"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "127.0.0.1:0"

	runner := &Runner{Logger: logger.NewNoopLogger()}
	report, err := runner.Run(context.Background(), cfg, root, testView)
	require.NoError(t, err)
	require.True(t, report.Complete)
}

func TestInspectCommand(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	util.PrepareTempConfigFile(t, `
log:
  level: none
scene:
  maxDrawPasses: 8
`)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.realitymesh")

	root := writeScene(t)

	cmd := NewInspectCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{root, "--fixed-resolution", "0.01"})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "passes:        2 (complete: true)")
}

func TestInspectCommandRejectsInvalidConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	util.PrepareTempConfigDir(t)

	cmd := NewInspectCommand()
	cmd.SetArgs([]string{writeScene(t), "--cache-engine", "redis"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	require.EqualError(t, cmd.Execute(), "config 'cache.engine' must be one of ['memory', 'sqlite']")
}
