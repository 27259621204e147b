// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with REALITYMESH, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("REALITYMESH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/realitymesh", "$HOME/.realitymesh", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   "realitymesh",
		Short: "Stream, cache and inspect very large reality mesh tile trees",
		Long: `Stream, cache and inspect very large reality mesh tile trees.

Tiles are fetched on demand from a local directory or an HTTP server and kept in
a two tier cache: a bounded memory tier in front of a persistent sqlite store.`,
		SilenceUsage: true,
	}
}
