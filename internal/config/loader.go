package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a loader. Files are merged in order; the parser is
// chosen from each file's extension.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// camelCase keys that the env transform cannot recover from upper-case names.
var canonicalEnvKeys = map[string]string{
	"server.logging.correlationheader":     "server.logging.correlationHeader",
	"server.endpoints.endpointsfolder":     "server.endpoints.endpointsFolder",
	"server.endpoints.endpointsfile":       "server.endpoints.endpointsFile",
	"server.templates.templatesfolder":     "server.templates.templatesFolder",
	"server.templates.templatesallowenv":   "server.templates.templatesAllowEnv",
	"server.templates.templatesallowedenv": "server.templates.templatesAllowedEnv",
	"server.cache.defaultttl":              "server.cache.defaultTTL",
	"server.cache.fetchtimeout":            "server.cache.fetchTimeout",
	"server.cache.staleiferror":            "server.cache.staleIfError",
	"server.cache.staleretention":          "server.cache.staleRetention",
	"server.cache.keyprefix":               "server.cache.keyPrefix",
	"server.cache.redis.tls.cafile":        "server.cache.redis.tls.caFile",
	"server.cache.badger.inmemory":         "server.cache.badger.inMemory",
	"server.cache.ristretto.numcounters":   "server.cache.ristretto.numCounters",
	"server.cache.ristretto.maxcost":       "server.cache.ristretto.maxCost",
	"server.cache.ristretto.bufferitems":   "server.cache.ristretto.bufferItems",
	"server.http.cors.allowedorigins":      "server.http.cors.allowedOrigins",
	"server.http.ratelimit.requests":       "server.http.rateLimit.requests",
	"server.http.ratelimit.window":         "server.http.rateLimit.window",
	"server.http.maxquerybytes":            "server.http.maxQueryBytes",
	"batch.templatefile":                   "batch.templateFile",
}

// Load merges defaults, files and environment, validates the result and
// resolves the endpoint registry from inline and standalone definitions.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonicalEnvKeys[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineEndpoints = cloneEndpointMap(cfg.Endpoints)

	bundle, err := buildEndpointBundle(ctx, cfg.InlineEndpoints, cfg.Server.Endpoints)
	if err != nil {
		return Config{}, err
	}
	cfg.Endpoints = bundle.Endpoints
	cfg.EndpointSources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"endpoints": map[string]any{
				"endpointsFolder": cfg.Server.Endpoints.EndpointsFolder,
				"endpointsFile":   cfg.Server.Endpoints.EndpointsFile,
			},
			"templates": map[string]any{
				"templatesFolder":     cfg.Server.Templates.TemplatesFolder,
				"templatesAllowEnv":   cfg.Server.Templates.TemplatesAllowEnv,
				"templatesAllowedEnv": cfg.Server.Templates.TemplatesAllowedEnv,
			},
			"cache": map[string]any{
				"backend":        cfg.Server.Cache.Backend,
				"defaultTTL":     cfg.Server.Cache.DefaultTTL,
				"fetchTimeout":   cfg.Server.Cache.FetchTimeout,
				"staleIfError":   cfg.Server.Cache.StaleIfError,
				"staleRetention": cfg.Server.Cache.StaleRetention,
				"keyPrefix":      cfg.Server.Cache.KeyPrefix,
				"codec":          cfg.Server.Cache.Codec,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
				"sqlite": map[string]any{
					"path": cfg.Server.Cache.SQLite.Path,
				},
				"badger": map[string]any{
					"path":     cfg.Server.Cache.Badger.Path,
					"inMemory": cfg.Server.Cache.Badger.InMemory,
					"prefix":   cfg.Server.Cache.Badger.Prefix,
				},
				"ristretto": map[string]any{
					"numCounters": cfg.Server.Cache.Ristretto.NumCounters,
					"maxCost":     cfg.Server.Cache.Ristretto.MaxCost,
					"bufferItems": cfg.Server.Cache.Ristretto.BufferItems,
				},
			},
			"http": map[string]any{
				"cors": map[string]any{
					"allowedOrigins": cfg.Server.HTTP.CORS.AllowedOrigins,
				},
				"rateLimit": map[string]any{
					"requests": cfg.Server.HTTP.RateLimit.Requests,
					"window":   cfg.Server.HTTP.RateLimit.Window,
				},
				"maxQueryBytes": cfg.Server.HTTP.MaxQueryBytes,
			},
		},
		"batch": map[string]any{
			"endpoint":     cfg.Batch.Endpoint,
			"template":     cfg.Batch.Template,
			"templateFile": cfg.Batch.TemplateFile,
			"from":         cfg.Batch.From,
			"to":           cfg.Batch.To,
			"step":         cfg.Batch.Step,
			"interval":     cfg.Batch.Interval,
			"ttl":          cfg.Batch.TTL,
			"output":       cfg.Batch.Output,
		},
	}
}
