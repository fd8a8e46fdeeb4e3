package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records store reads performed by the proxy.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records store writes after a successful fetch.
	CacheOperationStore CacheOperation = "store"
	// CacheOperationInvalidate records explicit deletions.
	CacheOperationInvalidate CacheOperation = "invalidate"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates a fresh entry answered the request.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no entry was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupStale indicates an entry existed but was older than the caller tolerates.
	CacheLookupStale CacheLookupOutcome = "stale"
	// CacheLookupError indicates the store read failed and was treated as a miss.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the entry was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreSkipped indicates the fetcher's cache policy vetoed the write.
	CacheStoreSkipped CacheStoreOutcome = "skipped"
	// CacheStoreError indicates the write failed.
	CacheStoreError CacheStoreOutcome = "error"
)

// Recorder publishes Prometheus metrics for proxy, upstream and HTTP activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	upstreamRequests *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec

	sharedFetches *prometheus.CounterVec
	batchRanges   *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sparqlcache",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served by the query API.",
	}, []string{"route", "status_code"})

	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sparqlcache",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for query API requests.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"route"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sparqlcache",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Store operations executed by the query cache proxy.",
	}, []string{"endpoint", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sparqlcache",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"endpoint", "operation", "result"})

	upstreamRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sparqlcache",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Queries executed against upstream SPARQL endpoints.",
	}, []string{"endpoint", "outcome", "status_code"})

	upstreamLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sparqlcache",
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for upstream queries.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"endpoint", "outcome"})

	sharedFetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sparqlcache",
		Subsystem: "singleflight",
		Name:      "shared_total",
		Help:      "Callers that received an upstream outcome shared with concurrent callers.",
	}, []string{"endpoint"})

	batchRanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sparqlcache",
		Subsystem: "batch",
		Name:      "ranges_total",
		Help:      "Ranges processed by the batch preloader.",
	}, []string{"endpoint", "outcome"})

	reg.MustRegister(httpRequests, httpLatency, cacheOperations, cacheLatency,
		upstreamRequests, upstreamLatency, sharedFetches, batchRanges)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		httpRequests:     httpRequests,
		httpLatency:      httpLatency,
		cacheOperations:  cacheOperations,
		cacheLatency:     cacheLatency,
		upstreamRequests: upstreamRequests,
		upstreamLatency:  upstreamLatency,
		sharedFetches:    sharedFetches,
		batchRanges:      batchRanges,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveHTTP records a completed API request.
func (r *Recorder) ObserveHTTP(route string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	r.httpRequests.WithLabelValues(routeLabel, statusLabel(statusCode)).Inc()
	r.httpLatency.WithLabelValues(routeLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(endpoint string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(normalizeLabel(endpoint), CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(endpoint string, result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(normalizeLabel(endpoint), CacheOperationStore, resultLabel, duration)
}

// ObserveCacheInvalidate records an explicit entry deletion.
func (r *Recorder) ObserveCacheInvalidate(endpoint string, err error, duration time.Duration) {
	if r == nil {
		return
	}
	result := "deleted"
	if err != nil {
		result = "error"
	}
	r.observeCache(normalizeLabel(endpoint), CacheOperationInvalidate, result, duration)
}

// ObserveUpstream records one upstream query. statusCode is zero when no
// response was received.
func (r *Recorder) ObserveUpstream(endpoint, outcome string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	endpointLabel := normalizeLabel(endpoint)
	outcomeLabel := normalizeLabel(outcome)
	r.upstreamRequests.WithLabelValues(endpointLabel, outcomeLabel, statusLabel(statusCode)).Inc()
	r.upstreamLatency.WithLabelValues(endpointLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveSharedFetch counts a caller whose result came from a shared flight.
func (r *Recorder) ObserveSharedFetch(endpoint string) {
	if r == nil {
		return
	}
	r.sharedFetches.WithLabelValues(normalizeLabel(endpoint)).Inc()
}

// ObserveBatchRange counts one batch range outcome (ok, fail, error).
func (r *Recorder) ObserveBatchRange(endpoint, outcome string) {
	if r == nil {
		return
	}
	r.batchRanges.WithLabelValues(normalizeLabel(endpoint), normalizeLabel(outcome)).Inc()
}

func (r *Recorder) observeCache(endpoint string, operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(endpoint, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(endpoint, opLabel, resLabel).Observe(duration.Seconds())
}

func statusLabel(statusCode int) string {
	if statusCode <= 0 {
		return "none"
	}
	return strconv.Itoa(statusCode)
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
