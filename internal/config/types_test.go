package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	invalidPort := cfg
	invalidPort.Server.Listen.Port = -1
	require.Error(t, invalidPort.Validate())

	conflictingSources := cfg
	conflictingSources.Server.Endpoints = EndpointsSourceConfig{EndpointsFolder: "./endpoints", EndpointsFile: "endpoints.yaml"}
	require.Error(t, conflictingSources.Validate())

	t.Run("cache backends", func(t *testing.T) {
		tests := []struct {
			name    string
			mutate  func(c *ServerCacheConfig)
			wantErr bool
		}{
			{name: "memory", mutate: func(c *ServerCacheConfig) { c.Backend = "memory" }},
			{name: "redis without address", mutate: func(c *ServerCacheConfig) { c.Backend = "redis" }, wantErr: true},
			{name: "redis", mutate: func(c *ServerCacheConfig) { c.Backend = "redis"; c.Redis.Address = "localhost:6379" }},
			{name: "sqlite without path", mutate: func(c *ServerCacheConfig) { c.Backend = "sqlite" }, wantErr: true},
			{name: "sqlite", mutate: func(c *ServerCacheConfig) { c.Backend = "sqlite"; c.SQLite.Path = "cache.db" }},
			{name: "badger in memory", mutate: func(c *ServerCacheConfig) { c.Backend = "badger"; c.Badger.InMemory = true }},
			{name: "badger without path", mutate: func(c *ServerCacheConfig) { c.Backend = "badger" }, wantErr: true},
			{name: "ristretto negative", mutate: func(c *ServerCacheConfig) { c.Backend = "ristretto"; c.Ristretto.MaxCost = -1 }, wantErr: true},
			{name: "unknown backend", mutate: func(c *ServerCacheConfig) { c.Backend = "memcached" }, wantErr: true},
			{name: "unknown codec", mutate: func(c *ServerCacheConfig) { c.Codec = "gob" }, wantErr: true},
			{name: "bad ttl", mutate: func(c *ServerCacheConfig) { c.DefaultTTL = "one day" }, wantErr: true},
			{name: "negative retention", mutate: func(c *ServerCacheConfig) { c.StaleRetention = "-1h" }, wantErr: true},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				c := DefaultConfig()
				tc.mutate(&c.Server.Cache)
				if tc.wantErr {
					require.Error(t, c.Validate())
					return
				}
				require.NoError(t, c.Validate())
			})
		}
	})

	t.Run("rate limit needs a window", func(t *testing.T) {
		c := DefaultConfig()
		c.Server.HTTP.RateLimit = RateLimitConfig{Requests: 10, Window: "0s"}
		require.Error(t, c.Validate())
		c.Server.HTTP.RateLimit.Window = "1m"
		require.NoError(t, c.Validate())
	})

	t.Run("batch range", func(t *testing.T) {
		c := DefaultConfig()
		c.Batch.From, c.Batch.To = 2000, 1900
		require.Error(t, c.Validate())

		c = DefaultConfig()
		c.Batch.Template = "SELECT * WHERE {}"
		c.Batch.TemplateFile = "query.tmpl"
		require.Error(t, c.Validate())
	})
}

func TestEndpointConfigValidate(t *testing.T) {
	tests := []struct {
		name     string
		endpoint EndpointConfig
		wantErr  bool
	}{
		{name: "minimal", endpoint: EndpointConfig{URL: "https://vrti.example.org/sparql"}},
		{name: "full", endpoint: EndpointConfig{
			URL:     "http://localhost:8890/sparql",
			Method:  "get",
			Timeout: "10s",
			TTL:     "168h",
			Breaker:   EndpointBreakerConfig{FailureThreshold: 5, OpenTimeout: "1m"},
			RateLimit: EndpointRateConfig{RequestsPerSecond: 2, Burst: 1},
		}},
		{name: "missing url", endpoint: EndpointConfig{}, wantErr: true},
		{name: "relative url", endpoint: EndpointConfig{URL: "/sparql"}, wantErr: true},
		{name: "bad method", endpoint: EndpointConfig{URL: "https://vrti.example.org/sparql", Method: "DELETE"}, wantErr: true},
		{name: "bad ttl", endpoint: EndpointConfig{URL: "https://vrti.example.org/sparql", TTL: "forever"}, wantErr: true},
		{name: "negative threshold", endpoint: EndpointConfig{URL: "https://vrti.example.org/sparql", Breaker: EndpointBreakerConfig{FailureThreshold: -1}}, wantErr: true},
		{name: "negative body limit", endpoint: EndpointConfig{URL: "https://vrti.example.org/sparql", MaxBodyBytes: -1}, wantErr: true},
		{name: "negative rate", endpoint: EndpointConfig{URL: "https://vrti.example.org/sparql", RateLimit: EndpointRateConfig{RequestsPerSecond: -1}}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.endpoint.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDuration(t *testing.T) {
	require.Equal(t, time.Duration(0), Duration(""))
	require.Equal(t, 24*time.Hour, Duration("24h"))
	require.Equal(t, time.Duration(0), Duration("nonsense"))
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "0.0.0.0", cfg.Server.Listen.Address)
	require.Equal(t, 8080, cfg.Server.Listen.Port)
	require.Equal(t, "info", cfg.Server.Logging.Level)
	require.Equal(t, "memory", cfg.Server.Cache.Backend)
	require.Equal(t, "24h", cfg.Server.Cache.DefaultTTL)
	require.Equal(t, "sparql:", cfg.Server.Cache.KeyPrefix)
	require.Equal(t, "./templates", cfg.Server.Templates.TemplatesFolder)
	require.False(t, cfg.Server.Templates.TemplatesAllowEnv)
	require.Empty(t, cfg.Server.Templates.TemplatesAllowedEnv)
	require.Equal(t, 310, cfg.Batch.From)
	require.Equal(t, 2025, cfg.Batch.To)
	require.Equal(t, 10, cfg.Batch.Step)
}
