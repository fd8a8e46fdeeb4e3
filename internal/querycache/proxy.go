package querycache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/sparqlcache/internal/logging"
	"github.com/l0p7/sparqlcache/internal/metrics"
	"github.com/l0p7/sparqlcache/internal/store"
)

const (
	DefaultTTL          = 24 * time.Hour
	DefaultFetchTimeout = 30 * time.Second
	DefaultKeyPrefix    = "sparql:"
	// MaxTTL bounds every freshness window, caller supplied or configured.
	MaxTTL = 10 * 365 * 24 * time.Hour
)

// Config wires a Proxy to its store and observability sinks.
type Config struct {
	Store   store.Store
	Codec   Codec
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	// DefaultTTL applies when a caller passes a non-positive ttl.
	DefaultTTL time.Duration
	// FetchTimeout bounds every upstream call made by a flight leader.
	FetchTimeout time.Duration
	// StaleIfError serves an expired entry when the refresh fails.
	StaleIfError bool
	// StaleRetention is how long past its ttl an entry stays readable when
	// StaleIfError is set. Zero means one extra ttl.
	StaleRetention time.Duration
	KeyPrefix      string
	Now            func() time.Time
}

// Proxy is a cache-aside front for expensive read-only queries. Concurrent
// misses for the same key share one upstream fetch.
type Proxy struct {
	store          store.Store
	codec          Codec
	logger         *slog.Logger
	metrics        *metrics.Recorder
	defaultTTL     time.Duration
	fetchTimeout   time.Duration
	staleIfError   bool
	staleRetention time.Duration
	keyPrefix      string
	now            func() time.Time

	flights singleflight.Group
}

type flightResult struct {
	entry  Entry
	status Status
}

// New validates cfg and constructs a Proxy.
func New(cfg Config) (*Proxy, error) {
	if cfg.Store == nil {
		return nil, errors.New("querycache: store required")
	}
	codec := cfg.Codec
	if codec == nil {
		codec = JSONCodec{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ttl = min(ttl, MaxTTL)
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	if cfg.StaleRetention < 0 {
		return nil, fmt.Errorf("querycache: stale retention must not be negative, got %s", cfg.StaleRetention)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Proxy{
		store:          cfg.Store,
		codec:          codec,
		logger:         logger.With(slog.String("agent", "query_cache")),
		metrics:        cfg.Metrics,
		defaultTTL:     ttl,
		fetchTimeout:   fetchTimeout,
		staleIfError:   cfg.StaleIfError,
		staleRetention: cfg.StaleRetention,
		keyPrefix:      prefix,
		now:            now,
	}, nil
}

// StorageKey returns the namespaced store key for the pair.
func (p *Proxy) StorageKey(endpointID, queryText string) string {
	return p.keyPrefix + DeriveKey(endpointID, queryText).String()
}

// GetOrFetch returns the cached payload when it is no older than ttl, and
// otherwise fetches it through a single shared upstream call. A caller whose
// ctx ends stops waiting; the shared fetch still completes and is stored.
func (p *Proxy) GetOrFetch(ctx context.Context, endpointID, queryText string, ttl time.Duration, fetcher Fetcher) (Result, error) {
	if queryText == "" {
		return Result{}, ErrEmptyQuery
	}
	if fetcher == nil {
		return Result{}, errors.New("querycache: fetcher required")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if ttl <= 0 {
		ttl = p.defaultTTL
	}
	ttl = min(ttl, MaxTTL)
	key := DeriveKey(endpointID, queryText)
	storageKey := p.keyPrefix + key.String()

	cached, found := p.lookup(ctx, endpointID, storageKey, ttl)
	if found && cached.FreshAt(p.now(), ttl) {
		return Result{Key: key, Payload: cached.payload(), Status: StatusHit, StoredAt: cached.StoredAt}, nil
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := p.flights.DoChan(storageKey, func() (any, error) {
		return p.fill(flightCtx, endpointID, storageKey, queryText, ttl, fetcher)
	})

	select {
	case <-ctx.Done():
		return Result{Key: key}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			p.metrics.ObserveSharedFetch(endpointID)
		}
		if res.Err != nil {
			var fetchErr *FetchError
			if p.staleIfError && found && errors.As(res.Err, &fetchErr) {
				p.logger.Warn("serving stale entry after fetch failure",
					slog.String("endpoint", endpointID),
					slog.String("cache_key", storageKey),
					slog.String("correlation_id", logging.CorrelationID(ctx)),
					slog.Time("stored_at", cached.StoredAt),
					slog.Any("error", res.Err))
				return Result{Key: key, Payload: cached.payload(), Status: StatusStale, StoredAt: cached.StoredAt, Shared: res.Shared}, nil
			}
			return Result{Key: key}, res.Err
		}
		out := res.Val.(flightResult)
		return Result{
			Key:      key,
			Payload:  out.entry.payload(),
			Status:   out.status,
			StoredAt: out.entry.StoredAt,
			Shared:   res.Shared,
		}, nil
	}
}

// Populate warms the cache for the pair and discards the payload.
func (p *Proxy) Populate(ctx context.Context, endpointID, queryText string, ttl time.Duration, fetcher Fetcher) error {
	_, err := p.GetOrFetch(ctx, endpointID, queryText, ttl, fetcher)
	return err
}

// Invalidate deletes the stored entry for the pair. Missing entries are not an error.
func (p *Proxy) Invalidate(ctx context.Context, endpointID, queryText string) error {
	if queryText == "" {
		return ErrEmptyQuery
	}
	storageKey := p.StorageKey(endpointID, queryText)
	start := time.Now()
	err := p.store.Delete(ctx, storageKey)
	p.metrics.ObserveCacheInvalidate(endpointID, err, time.Since(start))
	if err != nil {
		return &StoreError{Op: "delete", Key: storageKey, Err: err}
	}
	p.logger.Debug("cache entry invalidated",
		slog.String("endpoint", endpointID),
		slog.String("cache_key", storageKey),
		slog.String("correlation_id", logging.CorrelationID(ctx)))
	return nil
}

// lookup reads and decodes the entry, recording the outcome against ttl.
// Read failures are logged and reported as absent.
func (p *Proxy) lookup(ctx context.Context, endpointID, storageKey string, ttl time.Duration) (Entry, bool) {
	start := time.Now()
	entry, found, err := p.load(ctx, storageKey)
	outcome := metrics.CacheLookupMiss
	switch {
	case err != nil:
		outcome = metrics.CacheLookupError
		p.logger.Warn("cache lookup failed; treating as miss",
			slog.String("endpoint", endpointID),
			slog.String("cache_key", storageKey),
			slog.String("correlation_id", logging.CorrelationID(ctx)),
			slog.Any("error", err))
	case found && entry.FreshAt(p.now(), ttl):
		outcome = metrics.CacheLookupHit
	case found:
		outcome = metrics.CacheLookupStale
	}
	p.metrics.ObserveCacheLookup(endpointID, outcome, time.Since(start))
	return entry, found
}

func (p *Proxy) load(ctx context.Context, storageKey string) (Entry, bool, error) {
	raw, found, err := p.store.Get(ctx, storageKey)
	if err != nil {
		return Entry{}, false, &StoreError{Op: "get", Key: storageKey, Err: err}
	}
	if !found {
		return Entry{}, false, nil
	}
	entry, err := p.codec.Decode(raw)
	if err != nil {
		// Undecodable entries are dropped so the next fill replaces them.
		if delErr := p.store.Delete(ctx, storageKey); delErr != nil {
			err = errors.Join(err, delErr)
		}
		return Entry{}, false, &StoreError{Op: "decode", Key: storageKey, Err: err}
	}
	return entry, true, nil
}

// fill runs once per flight. It re-reads the store so a caller that missed
// just before an earlier flight stored the entry does not fetch again.
func (p *Proxy) fill(ctx context.Context, endpointID, storageKey, queryText string, ttl time.Duration, fetcher Fetcher) (any, error) {
	if entry, found, err := p.load(ctx, storageKey); err == nil && found && entry.FreshAt(p.now(), ttl) {
		return flightResult{entry: entry, status: StatusHit}, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()
	payload, err := fetcher.Fetch(fetchCtx, queryText)
	if err != nil {
		fetchErr := ClassifyFetchError(fetchCtx, err)
		p.logger.Warn("upstream fetch failed",
			slog.String("endpoint", endpointID),
			slog.String("cache_key", storageKey),
			slog.String("correlation_id", logging.CorrelationID(ctx)),
			slog.String("kind", fetchErr.Kind.String()),
			slog.Any("error", err))
		return nil, fetchErr
	}

	entry := Entry{
		Payload:     payload.Data,
		ContentType: payload.ContentType,
		StoredAt:    p.now(),
		TTL:         ttl,
	}
	if policy, ok := fetcher.(CachePolicy); ok && !policy.Cacheable(payload) {
		p.metrics.ObserveCacheStore(endpointID, metrics.CacheStoreSkipped, 0)
		p.logger.Debug("payload not cacheable",
			slog.String("endpoint", endpointID),
			slog.String("cache_key", storageKey))
		return flightResult{entry: entry, status: StatusMiss}, nil
	}
	p.write(ctx, endpointID, storageKey, entry)
	return flightResult{entry: entry, status: StatusMiss}, nil
}

func (p *Proxy) write(ctx context.Context, endpointID, storageKey string, entry Entry) {
	start := time.Now()
	raw, err := p.codec.Encode(entry)
	if err == nil {
		err = p.store.Set(ctx, storageKey, raw, p.physicalTTL(entry.TTL))
	}
	outcome := metrics.CacheStoreStored
	if err != nil {
		outcome = metrics.CacheStoreError
	}
	p.metrics.ObserveCacheStore(endpointID, outcome, time.Since(start))
	if err != nil {
		p.logger.Error("cache store failed",
			slog.String("endpoint", endpointID),
			slog.String("cache_key", storageKey),
			slog.String("correlation_id", logging.CorrelationID(ctx)),
			slog.Any("error", &StoreError{Op: "set", Key: storageKey, Err: err}))
	}
}

func (p *Proxy) physicalTTL(ttl time.Duration) time.Duration {
	if !p.staleIfError {
		return ttl
	}
	extra := ttl
	if p.staleRetention > 0 {
		extra = p.staleRetention
	}
	if ttl > math.MaxInt64-extra {
		return math.MaxInt64
	}
	return ttl + extra
}
