package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name:  "returns defaults when no overrides",
			setup: func(t *testing.T) []string { return nil },
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, "memory", cfg.Server.Cache.Backend)
				require.Empty(t, cfg.Endpoints)
			},
		},
		{
			name: "merges yaml overrides",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, t.TempDir(), "server.yaml", "server:\n  listen:\n    port: 9090\n  cache:\n    defaultTTL: 168h\n")}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, "168h", cfg.Server.Cache.DefaultTTL)
				require.Equal(t, "30s", cfg.Server.Cache.FetchTimeout)
			},
		},
		{
			name: "merges json overrides",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, t.TempDir(), "server.json", `{"server":{"cache":{"backend":"sqlite","sqlite":{"path":"cache.db"}}}}`)}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "sqlite", cfg.Server.Cache.Backend)
				require.Equal(t, "cache.db", cfg.Server.Cache.SQLite.Path)
			},
		},
		{
			name: "merges toml overrides",
			setup: func(t *testing.T) []string {
				contents := "[server.listen]\nport = 7070\n\n[endpoints.vrti]\nurl = \"https://vrti.example.org/sparql\"\nttl = \"720h\"\n"
				return []string{writeFile(t, t.TempDir(), "server.toml", contents)}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 7070, cfg.Server.Listen.Port)
				require.Contains(t, cfg.Endpoints, "vrti")
				require.Equal(t, "720h", cfg.Endpoints["vrti"].TTL)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				path := writeFile(t, t.TempDir(), "server.yaml", "server:\n  listen:\n    port: 9090\n")
				t.Setenv("SPARQLCACHE_SERVER__LISTEN__PORT", "9091")
				t.Setenv("SPARQLCACHE_SERVER__CACHE__DEFAULTTTL", "1h")
				t.Setenv("SPARQLCACHE_SERVER__CACHE__STALEIFERROR", "true")
				t.Setenv("SPARQLCACHE_SERVER__CACHE__BADGER__PREFIX", "sparqlcache/")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
				require.Equal(t, "1h", cfg.Server.Cache.DefaultTTL)
				require.True(t, cfg.Server.Cache.StaleIfError)
				require.Equal(t, "sparqlcache/", cfg.Server.Cache.Badger.Prefix)
			},
		},
		{
			name: "prefers env overrides for templates",
			setup: func(t *testing.T) []string {
				path := writeFile(t, t.TempDir(), "server.yaml", "server:\n  templates:\n    templatesFolder: /tmp/templates\n")
				t.Setenv("SPARQLCACHE_SERVER__TEMPLATES__TEMPLATESFOLDER", "/override")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "/override", cfg.Server.Templates.TemplatesFolder)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails on unsupported extension",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, t.TempDir(), "server.ini", "port=1\n")}
			},
			wantErr: true,
		},
		{
			name: "fails on invalid backend",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, t.TempDir(), "server.yaml", "server:\n  cache:\n    backend: redis\n")}
			},
			wantErr: true,
		},
		{
			name: "loads endpoints file",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				endpointsPath := writeFile(t, dir, "endpoints.yaml", "endpoints:\n  dbpedia:\n    url: https://dbpedia.org/sparql\n    method: GET\n")
				serverContents := "server:\n  endpoints:\n    endpointsFile: %s\nendpoints:\n  vrti:\n    url: https://vrti.example.org/sparql\n"
				return []string{writeFile(t, dir, "server.yaml", fmt.Sprintf(serverContents, endpointsPath))}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Contains(t, cfg.Endpoints, "vrti")
				require.Contains(t, cfg.Endpoints, "dbpedia")
				require.Equal(t, "GET", cfg.Endpoints["dbpedia"].Method)
				require.Len(t, cfg.EndpointSources, 2)
				require.Contains(t, cfg.InlineEndpoints, "vrti")
				require.NotContains(t, cfg.InlineEndpoints, "dbpedia")
				require.Empty(t, cfg.SkippedDefinitions)
			},
		},
		{
			name: "loads endpoints folder across formats",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				folder := filepath.Join(dir, "endpoints")
				require.NoError(t, os.MkdirAll(folder, 0o755))
				writeFile(t, folder, "a.yaml", "endpoints:\n  a:\n    url: https://a.example.org/sparql\n")
				writeFile(t, folder, "b.json", `{"endpoints":{"b":{"url":"https://b.example.org/sparql"}}}`)
				writeFile(t, folder, "c.toml", "[endpoints.c]\nurl = \"https://c.example.org/sparql\"\n")
				writeFile(t, folder, "README.md", "ignored")
				return []string{writeFile(t, dir, "server.yaml", fmt.Sprintf("server:\n  endpoints:\n    endpointsFolder: %s\n", folder))}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Len(t, cfg.Endpoints, 3)
				require.Len(t, cfg.EndpointSources, 3)
			},
		},
		{
			name: "quarantines duplicate and invalid endpoints",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				endpointsPath := writeFile(t, dir, "endpoints.yaml",
					"endpoints:\n  vrti:\n    url: https://mirror.example.org/sparql\n  broken:\n    url: not-a-url\n  picky:\n    url: https://p.example.org/sparql\n    storeWhen: \"response.status +\"\n  ok:\n    url: https://ok.example.org/sparql\n")
				serverContents := "server:\n  endpoints:\n    endpointsFile: %s\nendpoints:\n  vrti:\n    url: https://vrti.example.org/sparql\n"
				return []string{writeFile(t, dir, "server.yaml", fmt.Sprintf(serverContents, endpointsPath))}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, []string{"ok"}, mapKeys(cfg.Endpoints))
				require.Len(t, cfg.SkippedDefinitions, 3)
				byName := make(map[string]DefinitionSkip)
				for _, skip := range cfg.SkippedDefinitions {
					byName[skip.Name] = skip
				}
				require.Equal(t, "duplicate definition", byName["vrti"].Reason)
				require.Len(t, byName["vrti"].Sources, 2)
				require.Contains(t, byName["broken"].Reason, "invalid endpoint")
				require.Contains(t, byName["picky"].Reason, "storeWhen")
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			args := tc.setup(t)
			loader := NewLoader("SPARQLCACHE", args...)

			cfg, err := loader.Load(ctx)
			if tc.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			tc.assert(t, cfg)
		})
	}
}

func TestLoadEndpoints(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "endpoints.yml", "endpoints:\n  vrti:\n    url: https://vrti.example.org/sparql\n    breaker:\n      failureThreshold: 3\n")

	bundle, err := LoadEndpoints(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 3, bundle.Endpoints["vrti"].Breaker.FailureThreshold)
	require.Equal(t, []string{path}, bundle.Sources)

	_, err = LoadEndpoints(context.Background(), filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	_, err = LoadEndpoints(context.Background(), dir)
	require.Error(t, err)
}

func mapKeys(m map[string]EndpointConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
