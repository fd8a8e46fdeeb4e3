package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/sparqlcache/internal/config"
	"github.com/l0p7/sparqlcache/internal/logging"
	"github.com/l0p7/sparqlcache/internal/metrics"
	"github.com/l0p7/sparqlcache/internal/querycache"
	"github.com/l0p7/sparqlcache/internal/store"
	"github.com/l0p7/sparqlcache/internal/upstream"
)

// ErrUnknownEndpoint is returned when a request names an endpoint that is not
// in the registry.
var ErrUnknownEndpoint = errors.New("runtime: unknown endpoint")

// ErrPruneUnsupported is returned by Prune when the store expires entries on
// its own.
var ErrPruneUnsupported = errors.New("runtime: store does not support pruning")

type ServiceOptions struct {
	Proxy              *querycache.Proxy
	Store              store.Store
	Endpoints          map[string]config.EndpointConfig
	EndpointSources    []string
	SkippedDefinitions []config.DefinitionSkip
	// DefaultTTL applies when neither the request nor the endpoint sets one.
	DefaultTTL time.Duration
	// Client is shared by every endpoint executor. Nil uses a fresh http.Client.
	Client  *http.Client
	Metrics *metrics.Recorder
}

// Service is the query facade used by the HTTP surface and the batch
// commands. It resolves endpoint names to upstream executors and routes every
// read and preload through the same cache-aside proxy.
type Service struct {
	base       *slog.Logger
	logger     *slog.Logger
	proxy      *querycache.Proxy
	store      store.Store
	defaultTTL time.Duration
	client     *http.Client
	metrics    *metrics.Recorder

	mu        sync.RWMutex
	endpoints map[string]*endpointRuntime
	sources   []string
	skipped   []config.DefinitionSkip
}

type endpointRuntime struct {
	name     string
	cfg      config.EndpointConfig
	ttl      time.Duration
	executor *upstream.Executor
}

// HealthSnapshot summarizes the registry and store for /healthz.
type HealthSnapshot struct {
	Status     string                  `json:"status"`
	Endpoints  []string                `json:"endpoints"`
	Sources    []string                `json:"endpointSources,omitempty"`
	Skipped    []config.DefinitionSkip `json:"skippedDefinitions,omitempty"`
	StoreSize  int64                   `json:"storeSize"`
	StoreError string                  `json:"storeError,omitempty"`
}

// NewService builds executors for every configured endpoint. Endpoints whose
// executor cannot be built are skipped and reported in the health snapshot.
func NewService(logger *slog.Logger, opts ServiceOptions) (*Service, error) {
	if opts.Proxy == nil {
		return nil, errors.New("runtime: proxy required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = querycache.DefaultTTL
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	s := &Service{
		base:       logger,
		logger:     logger.With(slog.String("agent", "runtime")),
		proxy:      opts.Proxy,
		store:      opts.Store,
		defaultTTL: ttl,
		client:     client,
		metrics:    opts.Metrics,
		endpoints:  make(map[string]*endpointRuntime),
	}
	s.configureEndpoints(opts.Endpoints, opts.SkippedDefinitions)
	s.sources = cloneStrings(opts.EndpointSources)
	return s, nil
}

// Close releases the store.
func (s *Service) Close(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Close(ctx)
}

// Query returns the payload for queryText on the named endpoint, from cache
// when fresh for the resolved ttl.
func (s *Service) Query(ctx context.Context, endpoint, queryText string, ttl time.Duration) (querycache.Result, error) {
	ep, err := s.resolve(endpoint, queryText)
	if err != nil {
		return querycache.Result{}, err
	}
	start := time.Now()
	res, err := s.proxy.GetOrFetch(ctx, ep.name, queryText, s.resolveTTL(ep, ttl), ep.executor)
	s.logQuery(ctx, "query", ep.name, res, err, time.Since(start))
	return res, err
}

// Populate warms the cache for queryText. It shares the read path, so a
// fresh entry is left alone.
func (s *Service) Populate(ctx context.Context, endpoint, queryText string, ttl time.Duration) error {
	ep, err := s.resolve(endpoint, queryText)
	if err != nil {
		return err
	}
	start := time.Now()
	err = s.proxy.Populate(ctx, ep.name, queryText, s.resolveTTL(ep, ttl), ep.executor)
	s.logQuery(ctx, "populate", ep.name, querycache.Result{}, err, time.Since(start))
	return err
}

// Invalidate drops the cached entry for the pair.
func (s *Service) Invalidate(ctx context.Context, endpoint, queryText string) error {
	ep, err := s.resolve(endpoint, queryText)
	if err != nil {
		return err
	}
	return s.proxy.Invalidate(ctx, ep.name, queryText)
}

// StorageKey returns the store key the pair is cached under.
func (s *Service) StorageKey(endpoint, queryText string) string {
	return s.proxy.StorageKey(strings.TrimSpace(endpoint), queryText)
}

// Prune reclaims expired rows on stores that keep them until asked.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	pruner, ok := s.store.(store.Pruner)
	if !ok {
		return 0, ErrPruneUnsupported
	}
	removed, err := pruner.Prune(ctx)
	if err != nil {
		return 0, fmt.Errorf("runtime: prune: %w", err)
	}
	s.logger.Info("store pruned", slog.Int64("removed", removed))
	return removed, nil
}

// Endpoints lists the registered endpoint names in order.
func (s *Service) Endpoints() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.endpoints))
	for name := range s.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Size reports the number of live store entries.
func (s *Service) Size(ctx context.Context) (int64, error) {
	if s.store == nil {
		return 0, nil
	}
	return s.store.Size(ctx)
}

func (s *Service) Health(ctx context.Context) HealthSnapshot {
	snapshot := HealthSnapshot{Status: "ok", Endpoints: s.Endpoints()}
	s.mu.RLock()
	snapshot.Sources = cloneStrings(s.sources)
	snapshot.Skipped = cloneDefinitionSkips(s.skipped)
	s.mu.RUnlock()

	size, err := s.Size(ctx)
	if err != nil {
		snapshot.Status = "degraded"
		snapshot.StoreError = err.Error()
	}
	snapshot.StoreSize = size
	if len(snapshot.Endpoints) == 0 {
		snapshot.Status = "degraded"
	}
	return snapshot
}

// Reload swaps in a new endpoint registry. Executors whose configuration is
// unchanged are kept so their breaker state survives. Cached entries are
// keyed by endpoint name and stay valid.
func (s *Service) Reload(ctx context.Context, bundle config.EndpointBundle) {
	s.mu.Lock()
	s.configureEndpoints(bundle.Endpoints, bundle.Skipped)
	s.sources = cloneStrings(bundle.Sources)
	count := len(s.endpoints)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "configuration reloaded",
		slog.String("event", "endpoints_reload"),
		slog.Int("endpoints", count),
		slog.Int("skipped", len(bundle.Skipped)))
}

// configureEndpoints must be called with mu held or before the service is
// shared.
func (s *Service) configureEndpoints(endpoints map[string]config.EndpointConfig, skipped []config.DefinitionSkip) {
	next := make(map[string]*endpointRuntime, len(endpoints))
	skips := cloneDefinitionSkips(skipped)
	for name, cfg := range endpoints {
		if prev, ok := s.endpoints[name]; ok && prev.cfg == cfg {
			next[name] = prev
			continue
		}
		ep, err := s.buildEndpointRuntime(name, cfg)
		if err != nil {
			s.logger.Error("endpoint skipped", slog.String("endpoint", name), slog.Any("error", err))
			skips = append(skips, config.DefinitionSkip{Kind: "endpoint", Name: name, Reason: err.Error()})
			continue
		}
		next[name] = ep
	}
	s.endpoints = next
	s.skipped = skips
}

func (s *Service) buildEndpointRuntime(name string, cfg config.EndpointConfig) (*endpointRuntime, error) {
	threshold := cfg.Breaker.FailureThreshold
	if threshold < 0 {
		threshold = 0
	}
	exec, err := upstream.NewExecutor(upstream.Options{
		ID:           name,
		URL:          cfg.URL,
		Method:       cfg.Method,
		ContentType:  cfg.ContentType,
		Accept:       cfg.Accept,
		Timeout:      config.Duration(cfg.Timeout),
		MaxBodyBytes: cfg.MaxBodyBytes,
		StoreWhen:    cfg.StoreWhen,
		Breaker: upstream.BreakerOptions{
			FailureThreshold: uint32(threshold), // #nosec G115 -- clamped non-negative above
			OpenTimeout:      config.Duration(cfg.Breaker.OpenTimeout),
		},
		RateLimit: upstream.RateLimitOptions{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		Client:  s.client,
		Logger:  s.base,
		Metrics: s.metrics,
	})
	if err != nil {
		return nil, err
	}
	return &endpointRuntime{name: name, cfg: cfg, ttl: config.Duration(cfg.TTL), executor: exec}, nil
}

func (s *Service) lookupEndpoint(name string) (*endpointRuntime, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[strings.TrimSpace(name)]
	return ep, ok
}

func (s *Service) resolve(endpoint, queryText string) (*endpointRuntime, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, querycache.ErrEmptyQuery
	}
	ep, ok := s.lookupEndpoint(endpoint)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEndpoint, endpoint)
	}
	return ep, nil
}

// resolveTTL prefers the request, then the endpoint, then the server default.
func (s *Service) resolveTTL(ep *endpointRuntime, requested time.Duration) time.Duration {
	switch {
	case requested > 0:
		return requested
	case ep.ttl > 0:
		return ep.ttl
	default:
		return s.defaultTTL
	}
}

func (s *Service) logQuery(ctx context.Context, op, endpoint string, res querycache.Result, err error, d time.Duration) {
	attrs := []slog.Attr{
		slog.String("operation", op),
		slog.String("endpoint", endpoint),
		slog.Float64("latency_ms", float64(d)/float64(time.Millisecond)),
	}
	if id := logging.CorrelationID(ctx); id != "" {
		attrs = append(attrs, slog.String("correlation_id", id))
	}
	if err != nil {
		attrs = append(attrs, slog.String("status", string(querycache.StatusError)), slog.Any("error", err))
		s.logger.LogAttrs(ctx, slog.LevelWarn, "query failed", attrs...)
		return
	}
	if res.Status != "" {
		attrs = append(attrs,
			slog.String("status", string(res.Status)),
			slog.Bool("shared", res.Shared),
			slog.Int("bytes", len(res.Payload.Data)))
	}
	s.logger.LogAttrs(ctx, slog.LevelDebug, "query served", attrs...)
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneDefinitionSkips(in []config.DefinitionSkip) []config.DefinitionSkip {
	if len(in) == 0 {
		return nil
	}
	out := make([]config.DefinitionSkip, len(in))
	for i, skip := range in {
		out[i] = skip
		out[i].Sources = cloneStrings(skip.Sources)
	}
	return out
}
