package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/realitymesh/realitymesh/cmd/util"
	"github.com/realitymesh/realitymesh/internal/config"
	"github.com/realitymesh/realitymesh/pkg/blobstore/sqlite"
	"github.com/realitymesh/realitymesh/pkg/logger"
)

const (
	cacheEngineFlag = "cache-engine"
	cacheURIFlag    = "cache-uri"
	olderThanFlag   = "older-than"
	timeoutFlag     = "timeout"
)

// NewCacheCommand returns the command that manages the persistent tile store.
func NewCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the persistent tile cache",
		Long:  "Manage the persistent tile cache.",
		Args:  cobra.NoArgs,
	}

	defaultConfig := config.DefaultConfig()
	flags := cmd.PersistentFlags()
	flags.String(cacheEngineFlag, defaultConfig.Cache.Engine, "the persistent tile store engine ('memory' or 'sqlite')")
	flags.String(cacheURIFlag, defaultConfig.Cache.URI, "the path of the sqlite tile store")
	flags.Duration(timeoutFlag, 1*time.Minute, "a timeout after which the command will terminate")

	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		util.MustBindPFlag("cache.engine", flags.Lookup(cacheEngineFlag))
		util.MustBindEnv("cache.engine", "REALITYMESH_CACHE_ENGINE")
		util.MustBindPFlag("cache.uri", flags.Lookup(cacheURIFlag))
		util.MustBindEnv("cache.uri", "REALITYMESH_CACHE_URI")
		util.MustBindPFlag(timeoutFlag, flags.Lookup(timeoutFlag))
	}

	cmd.AddCommand(newCachePurgeCommand())
	cmd.AddCommand(newCachePruneCommand())

	return cmd
}

func newCachePurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete every tile from the persistent cache",
		Long:  "Delete every tile from the persistent cache.",
		Args:  cobra.NoArgs,
		RunE:  runCachePurge,
	}
}

func newCachePruneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete tiles not written recently from the sqlite cache",
		Long:  "Delete tiles not written recently from the sqlite cache.",
		Args:  cobra.NoArgs,
		RunE:  runCachePrune,
	}
	cmd.Flags().Duration(olderThanFlag, 30*24*time.Hour, "delete tiles written longer ago than this")
	return cmd
}

func cacheCommandSetup(cmd *cobra.Command) (context.Context, context.CancelFunc, *config.Config, logger.Logger, error) {
	cfg, err := util.ReadConfig()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := cfg.Verify(); err != nil {
		return nil, nil, nil, nil, err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, viper.GetDuration(timeoutFlag))
	return ctx, cancel, cfg, logger.MustNewLogger(cfg.Log.Format, cfg.Log.Level, cfg.Log.TimestampFormat), nil
}

func runCachePurge(cmd *cobra.Command, _ []string) error {
	ctx, cancel, cfg, log, err := cacheCommandSetup(cmd)
	if err != nil {
		return err
	}
	defer cancel()

	store, err := util.OpenBlobStore(ctx, cfg.Cache, false, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("purge cache: %w", err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "purged %s cache\n", cfg.Cache.Engine)
	return err
}

func runCachePrune(cmd *cobra.Command, _ []string) error {
	ctx, cancel, cfg, log, err := cacheCommandSetup(cmd)
	if err != nil {
		return err
	}
	defer cancel()

	if cfg.Cache.Engine != "sqlite" {
		return errors.New("prune requires the sqlite cache engine")
	}
	olderThan, err := cmd.Flags().GetDuration(olderThanFlag)
	if err != nil {
		return err
	}

	store, err := sqlite.New(ctx, cfg.Cache.URI, sqlite.WithLogger(log))
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.PruneOlderThan(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d tiles\n", removed)
	return err
}
