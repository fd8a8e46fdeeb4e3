package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/l0p7/sparqlcache/internal/runtime"
)

func newPruneCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete expired entries from stores that keep them on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, logger, err := loadConfig(cmd.Context(), opts)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			removed, err := a.service.Prune(cmd.Context())
			if errors.Is(err, runtime.ErrPruneUnsupported) {
				fmt.Fprintf(cmd.OutOrStdout(), "backend %q expires entries itself; nothing to prune\n", cfg.Server.Cache.Backend)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d expired entries\n", removed)
			return nil
		},
	}
}
