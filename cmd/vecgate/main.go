// Command vecgate is a high-availability proxy for a two-instance
// replicated vector database: it fronts a primary and a replica, routes
// reads and writes, and keeps the pair converged through a durable
// write-ahead log.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "vecgate",
		Short:         "HA proxy and sync engine for a replicated vector database pair",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to yaml config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
