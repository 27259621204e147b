package main

import (
	"os"

	"github.com/realitymesh/realitymesh/cmd"
	"github.com/realitymesh/realitymesh/cmd/inspect"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	inspectCmd := inspect.NewInspectCommand()
	rootCmd.AddCommand(inspectCmd)

	cacheCmd := cmd.NewCacheCommand()
	rootCmd.AddCommand(cacheCmd)

	versionCmd := cmd.NewVersionCommand()
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
