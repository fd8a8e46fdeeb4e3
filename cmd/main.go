package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootOptions are shared by every subcommand.
type rootOptions struct {
	configFile string
	envPrefix  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "sparqlcache",
		Short:         "Cache-aside proxy and batch preloader for SPARQL endpoints",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to server configuration file")
	root.PersistentFlags().StringVar(&opts.envPrefix, "env-prefix", "SPARQLCACHE", "environment variable prefix")

	root.AddCommand(
		newServeCmd(opts),
		newPreloadCmd(opts),
		newDumpCmd(opts),
		newKeyCmd(opts),
		newPruneCmd(opts),
	)
	return root
}
