package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the server options, the upstream endpoint registry and the
// batch preloader defaults.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Endpoints map[string]EndpointConfig `koanf:"endpoints"`
	Batch     BatchConfig               `koanf:"batch"`

	InlineEndpoints map[string]EndpointConfig `koanf:"-"`

	// EndpointSources lists the files that contributed endpoint definitions.
	EndpointSources []string `koanf:"-"`
	// SkippedDefinitions records endpoints the loader quarantined.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

type ServerConfig struct {
	Listen    ListenConfig          `koanf:"listen"`
	Logging   LoggingConfig         `koanf:"logging"`
	Endpoints EndpointsSourceConfig `koanf:"endpoints"`
	Templates TemplatesConfig       `koanf:"templates"`
	Cache     ServerCacheConfig     `koanf:"cache"`
	HTTP      HTTPConfig            `koanf:"http"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// EndpointsSourceConfig points at standalone endpoint documents. Both are
// optional; inline endpoints in the main config are always loaded.
type EndpointsSourceConfig struct {
	EndpointsFolder string `koanf:"endpointsFolder"`
	EndpointsFile   string `koanf:"endpointsFile"`
}

// TemplatesConfig captures the query template sandbox.
type TemplatesConfig struct {
	TemplatesFolder     string   `koanf:"templatesFolder"`
	TemplatesAllowEnv   bool     `koanf:"templatesAllowEnv"`
	TemplatesAllowedEnv []string `koanf:"templatesAllowedEnv"`
}

type ServerCacheConfig struct {
	Backend        string                     `koanf:"backend"`
	DefaultTTL     string                     `koanf:"defaultTTL"`
	FetchTimeout   string                     `koanf:"fetchTimeout"`
	StaleIfError   bool                       `koanf:"staleIfError"`
	StaleRetention string                     `koanf:"staleRetention"`
	KeyPrefix      string                     `koanf:"keyPrefix"`
	Codec          string                     `koanf:"codec"`
	Redis          ServerRedisCacheConfig     `koanf:"redis"`
	SQLite         ServerSQLiteCacheConfig    `koanf:"sqlite"`
	Badger         ServerBadgerCacheConfig    `koanf:"badger"`
	Ristretto      ServerRistrettoCacheConfig `koanf:"ristretto"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type ServerSQLiteCacheConfig struct {
	Path string `koanf:"path"`
}

type ServerBadgerCacheConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"inMemory"`
	// Prefix namespaces entries when the database is shared with other data.
	Prefix string `koanf:"prefix"`
}

type ServerRistrettoCacheConfig struct {
	NumCounters int64 `koanf:"numCounters"`
	MaxCost     int64 `koanf:"maxCost"`
	BufferItems int64 `koanf:"bufferItems"`
}

// HTTPConfig shapes the query API surface.
type HTTPConfig struct {
	CORS          CORSConfig      `koanf:"cors"`
	RateLimit     RateLimitConfig `koanf:"rateLimit"`
	MaxQueryBytes int64           `koanf:"maxQueryBytes"`
}

type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowedOrigins"`
}

// RateLimitConfig caps API requests per client IP. Zero requests disables it.
type RateLimitConfig struct {
	Requests int    `koanf:"requests"`
	Window   string `koanf:"window"`
}

// DefinitionSkip describes an endpoint the loader ignored, for example a
// duplicate name across files or an unparseable URL.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// EndpointConfig describes one upstream SPARQL endpoint.
type EndpointConfig struct {
	Description string `koanf:"description"`
	URL         string `koanf:"url"`
	Method      string `koanf:"method"`
	ContentType string `koanf:"contentType"`
	Accept      string `koanf:"accept"`
	Timeout     string `koanf:"timeout"`
	// TTL overrides the server default freshness window for this endpoint.
	TTL          string                `koanf:"ttl"`
	StoreWhen    string                `koanf:"storeWhen"`
	MaxBodyBytes int64                 `koanf:"maxBodyBytes"`
	Breaker      EndpointBreakerConfig `koanf:"breaker"`
	RateLimit    EndpointRateConfig    `koanf:"rateLimit"`
}

type EndpointBreakerConfig struct {
	FailureThreshold int    `koanf:"failureThreshold"`
	OpenTimeout      string `koanf:"openTimeout"`
}

// EndpointRateConfig caps outbound queries to one endpoint. Zero
// RequestsPerSecond leaves the endpoint unthrottled.
type EndpointRateConfig struct {
	RequestsPerSecond float64 `koanf:"requestsPerSecond"`
	Burst             int     `koanf:"burst"`
}

// BatchConfig holds defaults for the preload and dump commands. Flags
// override every field.
type BatchConfig struct {
	Endpoint     string            `koanf:"endpoint"`
	Template     string            `koanf:"template"`
	TemplateFile string            `koanf:"templateFile"`
	From         int               `koanf:"from"`
	To           int               `koanf:"to"`
	Step         int               `koanf:"step"`
	Interval     string            `koanf:"interval"`
	TTL          string            `koanf:"ttl"`
	Vars         map[string]string `koanf:"vars"`
	Output       string            `koanf:"output"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Endpoints.EndpointsFolder != "" && c.Server.Endpoints.EndpointsFile != "" {
		return errors.New("config: endpointsFolder and endpointsFile are mutually exclusive")
	}
	if err := c.Server.Cache.validate(); err != nil {
		return err
	}
	if err := c.Server.HTTP.validate(); err != nil {
		return err
	}
	if err := c.Batch.validate(); err != nil {
		return err
	}
	return nil
}

func (c ServerCacheConfig) validate() error {
	for field, value := range map[string]string{
		"defaultTTL":     c.DefaultTTL,
		"fetchTimeout":   c.FetchTimeout,
		"staleRetention": c.StaleRetention,
	} {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("config: server.cache.%s: %w", field, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Codec)) {
	case "", "json", "msgpack", "cbor":
	default:
		return fmt.Errorf("config: server.cache.codec unsupported: %s", c.Codec)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	case "sqlite":
		if strings.TrimSpace(c.SQLite.Path) == "" {
			return errors.New("config: server.cache.sqlite.path required for sqlite backend")
		}
	case "badger":
		if strings.TrimSpace(c.Badger.Path) == "" && !c.Badger.InMemory {
			return errors.New("config: server.cache.badger.path or inMemory required for badger backend")
		}
	case "ristretto":
		if c.Ristretto.MaxCost < 0 || c.Ristretto.NumCounters < 0 || c.Ristretto.BufferItems < 0 {
			return errors.New("config: server.cache.ristretto sizes must not be negative")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Backend)
	}
	return nil
}

func (c HTTPConfig) validate() error {
	if c.RateLimit.Requests < 0 {
		return fmt.Errorf("config: server.http.rateLimit.requests invalid: %d", c.RateLimit.Requests)
	}
	if c.RateLimit.Requests > 0 {
		window, err := parseDuration(c.RateLimit.Window)
		if err != nil {
			return fmt.Errorf("config: server.http.rateLimit.window: %w", err)
		}
		if window <= 0 {
			return errors.New("config: server.http.rateLimit.window required when requests is set")
		}
	}
	if c.MaxQueryBytes < 0 {
		return fmt.Errorf("config: server.http.maxQueryBytes invalid: %d", c.MaxQueryBytes)
	}
	return nil
}

func (b BatchConfig) validate() error {
	if b.Step < 0 {
		return fmt.Errorf("config: batch.step invalid: %d", b.Step)
	}
	if b.To != 0 && b.To < b.From {
		return fmt.Errorf("config: batch.to (%d) before batch.from (%d)", b.To, b.From)
	}
	if b.Template != "" && b.TemplateFile != "" {
		return errors.New("config: batch.template and batch.templateFile are mutually exclusive")
	}
	for field, value := range map[string]string{"interval": b.Interval, "ttl": b.TTL} {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("config: batch.%s: %w", field, err)
		}
	}
	return nil
}

// Validate checks one endpoint definition; the loader quarantines endpoints
// that fail it.
func (e EndpointConfig) Validate() error {
	parsed, err := url.Parse(strings.TrimSpace(e.URL))
	if err != nil {
		return fmt.Errorf("url: %w", err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL, got %q", e.URL)
	}
	switch strings.ToUpper(strings.TrimSpace(e.Method)) {
	case "", "GET", "POST":
	default:
		return fmt.Errorf("method unsupported: %s", e.Method)
	}
	for field, value := range map[string]string{
		"timeout":             e.Timeout,
		"ttl":                 e.TTL,
		"breaker.openTimeout": e.Breaker.OpenTimeout,
	} {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	if e.Breaker.FailureThreshold < 0 {
		return fmt.Errorf("breaker.failureThreshold invalid: %d", e.Breaker.FailureThreshold)
	}
	if e.MaxBodyBytes < 0 {
		return fmt.Errorf("maxBodyBytes invalid: %d", e.MaxBodyBytes)
	}
	if e.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rateLimit.requestsPerSecond invalid: %v", e.RateLimit.RequestsPerSecond)
	}
	if e.RateLimit.Burst < 0 {
		return fmt.Errorf("rateLimit.burst invalid: %d", e.RateLimit.Burst)
	}
	return nil
}

// Duration parses a validated duration field. Empty strings are zero.
func Duration(value string) time.Duration {
	d, _ := parseDuration(value)
	return d
}

func parseDuration(value string) (time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", value)
	}
	return d, nil
}

// DefaultConfig returns the baseline values every other source overrides.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Templates: TemplatesConfig{
				TemplatesFolder:   "./templates",
				TemplatesAllowEnv: false,
			},
			Cache: ServerCacheConfig{
				Backend:      "memory",
				DefaultTTL:   "24h",
				FetchTimeout: "30s",
				KeyPrefix:    "sparql:",
				Codec:        "json",
				Ristretto: ServerRistrettoCacheConfig{
					NumCounters: 100_000,
					MaxCost:     256 << 20,
					BufferItems: 64,
				},
			},
			HTTP: HTTPConfig{
				RateLimit:     RateLimitConfig{Window: "1m"},
				MaxQueryBytes: 1 << 20,
			},
		},
		Batch: BatchConfig{
			From:     310,
			To:       2025,
			Step:     10,
			Interval: "1s",
		},
	}
}
