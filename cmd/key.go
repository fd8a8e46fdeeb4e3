package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/l0p7/sparqlcache/internal/querycache"
	"github.com/l0p7/sparqlcache/internal/store"
)

func newKeyCmd(opts *rootOptions) *cobra.Command {
	var (
		endpoint  string
		query     string
		queryFile string
	)
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Print the storage key for an endpoint and query",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, _, err := loadConfig(cmd.Context(), opts)
			if err != nil {
				return err
			}
			text, err := readQuery(cmd.InOrStdin(), query, queryFile)
			if err != nil {
				return err
			}
			if strings.TrimSpace(endpoint) == "" {
				return errors.New("--endpoint is required")
			}
			// The proxy is only used for key derivation; nothing is stored.
			proxy, err := querycache.New(querycache.Config{
				Store:     store.NewMemory(store.MemoryOptions{}),
				KeyPrefix: cfg.Server.Cache.KeyPrefix,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), proxy.StorageKey(strings.TrimSpace(endpoint), text))
			return nil
		},
	}
	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "endpoint name")
	cmd.Flags().StringVarP(&query, "query", "q", "", "query text")
	cmd.Flags().StringVarP(&queryFile, "query-file", "f", "", "file holding the query text, - for stdin")
	return cmd
}

// readQuery returns the query exactly as given; keys are sensitive to
// whitespace, so nothing is trimmed.
func readQuery(stdin io.Reader, inline, path string) (string, error) {
	switch {
	case inline != "" && path != "":
		return "", errors.New("--query and --query-file are mutually exclusive")
	case inline != "":
		return inline, nil
	case path == "-":
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(raw), nil
	case path != "":
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read query file: %w", err)
		}
		return string(raw), nil
	default:
		return "", errors.New("one of --query or --query-file is required")
	}
}
