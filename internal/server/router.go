package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/l0p7/sparqlcache/internal/logging"
	"github.com/l0p7/sparqlcache/internal/metrics"
	"github.com/l0p7/sparqlcache/internal/querycache"
	"github.com/l0p7/sparqlcache/internal/runtime"
)

const defaultCorrelationHeader = "X-Request-ID"

// QueryService is the surface the HTTP layer needs from the runtime.
type QueryService interface {
	Query(ctx context.Context, endpoint, queryText string, ttl time.Duration) (querycache.Result, error)
	Populate(ctx context.Context, endpoint, queryText string, ttl time.Duration) error
	Invalidate(ctx context.Context, endpoint, queryText string) error
	StorageKey(endpoint, queryText string) string
	Health(ctx context.Context) runtime.HealthSnapshot
}

// RouterOptions shapes middleware around the query API.
type RouterOptions struct {
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	CorrelationHeader string
	AllowedOrigins    []string
	// RateLimitRequests per RateLimitWindow per client IP. Zero disables it.
	RateLimitRequests int
	RateLimitWindow   time.Duration
	MaxQueryBytes     int64
}

type api struct {
	svc               QueryService
	logger            *slog.Logger
	metrics           *metrics.Recorder
	correlationHeader string
	maxQueryBytes     int64
}

// NewRouter mounts the query API, health and metrics endpoints.
func NewRouter(svc QueryService, opts RouterOptions) http.Handler {
	if svc == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	header := strings.TrimSpace(opts.CorrelationHeader)
	if header == "" {
		header = defaultCorrelationHeader
	}
	a := &api{
		svc:               svc,
		logger:            logger.With(slog.String("agent", "http")),
		metrics:           opts.Metrics,
		correlationHeader: header,
		maxQueryBytes:     opts.MaxQueryBytes,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(a.correlation)
	r.Use(a.instrument)

	r.Get("/healthz", a.serveHealth)
	r.Get("/health", a.serveHealth)
	r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Accept", header},
			ExposedHeaders: []string{cacheStatusHeader, cacheKeyHeader, header},
			MaxAge:         86400,
		}))
		if opts.RateLimitRequests > 0 && opts.RateLimitWindow > 0 {
			r.Use(httprate.Limit(opts.RateLimitRequests, opts.RateLimitWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				})))
		}
		r.Post("/sparql", a.serveQuery)
		r.Post("/preload", a.servePreload)
		r.Delete("/cache", a.serveInvalidate)
	})
	return r
}

// correlation propagates or mints the request correlation ID.
func (a *api) correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(a.correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(a.correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithCorrelationID(r.Context(), id)))
	})
}

func (a *api) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		a.metrics.ObserveHTTP(route, status, elapsed)
		a.logger.LogAttrs(r.Context(), slog.LevelDebug, "request served",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Int("bytes", ww.BytesWritten()),
			slog.String("correlation_id", logging.CorrelationID(r.Context())),
			slog.Float64("latency_ms", float64(elapsed)/float64(time.Millisecond)))
	})
}
