// Package util provides common utilities for spf13/cobra CLI utilities
// that can be used for various commands within this project.
package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/realitymesh/realitymesh/internal/config"
	"github.com/realitymesh/realitymesh/pkg/blobstore"
	"github.com/realitymesh/realitymesh/pkg/blobstore/memory"
	"github.com/realitymesh/realitymesh/pkg/blobstore/sqlite"
	"github.com/realitymesh/realitymesh/pkg/logger"
)

// MustBindPFlag attempts to bind a specific key to a pflag (as used by cobra) and panics
// if the binding fails with a non-nil error.
func MustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

func MustBindEnv(input ...string) {
	if err := viper.BindEnv(input...); err != nil {
		panic("failed to bind env key: " + err.Error())
	}
}

// ReadConfig layers config.yaml, environment variables and bound flags over
// the defaults.
func ReadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// OpenBlobStore opens the persistent tier named by the cache config.
func OpenBlobStore(ctx context.Context, cfg config.CacheConfig, metrics bool, l logger.Logger) (blobstore.BlobStore, error) {
	switch cfg.Engine {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.URI), 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
		return sqlite.New(ctx, cfg.URI, sqlite.WithLogger(l), sqlite.WithMetrics(metrics))
	default:
		return nil, fmt.Errorf("'%s' is not a supported cache engine", cfg.Engine)
	}
}

func PrepareTempConfigDir(t *testing.T) string {
	_, err := os.Stat("/etc/realitymesh/config.yaml")
	require.ErrorIs(t, err, os.ErrNotExist, "Config file at /etc/realitymesh/config.yaml would disturb test result.")

	homedir := t.TempDir()
	t.Setenv("HOME", homedir)

	confdir := filepath.Join(homedir, ".realitymesh")
	require.NoError(t, os.Mkdir(confdir, 0o750))

	return confdir
}

func PrepareTempConfigFile(t *testing.T, config string) {
	confdir := PrepareTempConfigDir(t)
	confFile, err := os.Create(filepath.Join(confdir, "config.yaml"))
	require.NoError(t, err)
	_, err = confFile.WriteString(config)
	require.NoError(t, err)
	require.NoError(t, confFile.Close())
}
