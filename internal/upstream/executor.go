package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/l0p7/sparqlcache/internal/expr"
	"github.com/l0p7/sparqlcache/internal/logging"
	"github.com/l0p7/sparqlcache/internal/metrics"
	"github.com/l0p7/sparqlcache/internal/querycache"
)

const (
	DefaultContentType  = "application/sparql-query"
	DefaultAccept       = "application/sparql-results+json"
	DefaultMaxBodyBytes = 64 << 20

	formContentType = "application/x-www-form-urlencoded"
	errorSnippetLen = 256
)

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// BreakerOptions tunes the per-endpoint circuit breaker. A zero
// FailureThreshold disables the breaker.
type BreakerOptions struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// RateLimitOptions throttles outbound queries. A zero RequestsPerSecond
// disables the limiter; Burst defaults to 1.
type RateLimitOptions struct {
	RequestsPerSecond float64
	Burst             int
}

// Options describes one upstream SPARQL endpoint.
type Options struct {
	ID  string
	URL string
	// Method is POST (default) or GET. POST sends the query as the body, or
	// as a "query" form field when ContentType is form encoded. GET sends it
	// as the "query" URL parameter.
	Method       string
	ContentType  string
	Accept       string
	Timeout      time.Duration
	MaxBodyBytes int64
	// StoreWhen is an optional CEL predicate deciding whether a successful
	// response may be cached.
	StoreWhen string
	Breaker   BreakerOptions
	RateLimit RateLimitOptions

	Client  httpDoer
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Executor runs queries against one endpoint. It implements
// querycache.Fetcher and querycache.CachePolicy.
type Executor struct {
	id           string
	endpoint     *url.URL
	method       string
	contentType  string
	accept       string
	timeout      time.Duration
	maxBodyBytes int64
	storeWhen    *expr.Program

	client  httpDoer
	breaker *gobreaker.CircuitBreaker[querycache.Payload]
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewExecutor validates opts and builds an executor.
func NewExecutor(opts Options) (*Executor, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return nil, errors.New("upstream: endpoint id required")
	}
	parsed, err := url.Parse(strings.TrimSpace(opts.URL))
	if err != nil {
		return nil, fmt.Errorf("upstream: endpoint %s url: %w", id, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("upstream: endpoint %s url must be absolute http(s), got %q", id, opts.URL)
	}
	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	switch method {
	case "":
		method = http.MethodPost
	case http.MethodPost, http.MethodGet:
	default:
		return nil, fmt.Errorf("upstream: endpoint %s method %q not supported", id, opts.Method)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		id:           id,
		endpoint:     parsed,
		method:       method,
		contentType:  firstNonEmpty(opts.ContentType, DefaultContentType),
		accept:       firstNonEmpty(opts.Accept, DefaultAccept),
		timeout:      opts.Timeout,
		maxBodyBytes: opts.MaxBodyBytes,
		client:       opts.Client,
		logger:       logger.With(slog.String("agent", "upstream"), slog.String("endpoint", id)),
		metrics:      opts.Metrics,
	}
	if e.maxBodyBytes <= 0 {
		e.maxBodyBytes = DefaultMaxBodyBytes
	}
	if e.client == nil {
		e.client = &http.Client{}
	}

	if source := strings.TrimSpace(opts.StoreWhen); source != "" {
		env, err := expr.NewResponseEnvironment()
		if err != nil {
			return nil, err
		}
		program, err := env.Compile(source)
		if err != nil {
			return nil, fmt.Errorf("upstream: endpoint %s storeWhen: %w", id, err)
		}
		e.storeWhen = &program
	}

	if opts.Breaker.FailureThreshold > 0 {
		e.breaker = newBreaker(id, opts.Breaker, e.logger)
	}
	if opts.RateLimit.RequestsPerSecond < 0 || opts.RateLimit.Burst < 0 {
		return nil, fmt.Errorf("upstream: endpoint %s rate limit must not be negative", id)
	}
	if opts.RateLimit.RequestsPerSecond > 0 {
		burst := opts.RateLimit.Burst
		if burst == 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit.RequestsPerSecond), burst)
	}
	return e, nil
}

func newBreaker(id string, opts BreakerOptions, logger *slog.Logger) *gobreaker.CircuitBreaker[querycache.Payload] {
	openTimeout := opts.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	threshold := opts.FailureThreshold
	return gobreaker.NewCircuitBreaker[querycache.Payload](gobreaker.Settings{
		Name:        "sparql-" + id,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Client errors say nothing about endpoint health.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var fetchErr *querycache.FetchError
			return errors.As(err, &fetchErr) && fetchErr.Kind == querycache.UpstreamRejected && fetchErr.StatusCode < 500
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

// ID returns the endpoint identifier used in cache keys and metrics.
func (e *Executor) ID() string { return e.id }

// URL returns the configured endpoint URL.
func (e *Executor) URL() string { return e.endpoint.String() }

// Fetch executes queryText once. Failures are *querycache.FetchError values.
func (e *Executor) Fetch(ctx context.Context, queryText string) (querycache.Payload, error) {
	start := time.Now()
	var status int
	call := func() (querycache.Payload, error) {
		payload, code, err := e.do(ctx, queryText)
		status = code
		return payload, err
	}

	var (
		payload querycache.Payload
		err     error
	)
	if err = e.throttle(ctx); err == nil {
		if e.breaker != nil {
			payload, err = e.breaker.Execute(call)
		} else {
			payload, err = call()
		}
	}

	outcome := "ok"
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "circuit_open"
			err = querycache.Unavailable(err)
		}
		fetchErr := querycache.ClassifyFetchError(ctx, err)
		if outcome == "ok" {
			outcome = fetchErr.Kind.String()
		}
		err = fetchErr
		e.logger.Debug("upstream query failed",
			slog.String("correlation_id", logging.CorrelationID(ctx)),
			slog.String("outcome", outcome),
			slog.Int("status", status),
			slog.Any("error", err))
	}
	e.metrics.ObserveUpstream(e.id, outcome, status, time.Since(start))
	return payload, err
}

// throttle blocks until the endpoint's limiter admits one query. A wait that
// cannot finish before the caller's deadline is a timeout.
func (e *Executor) throttle(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return querycache.TimedOut(fmt.Errorf("upstream rate limit: %w", err))
	}
	return nil
}

func (e *Executor) do(ctx context.Context, queryText string) (querycache.Payload, int, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	req, err := e.buildRequest(ctx, queryText)
	if err != nil {
		return querycache.Payload{}, 0, querycache.Unavailable(err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return querycache.Payload{}, 0, querycache.ClassifyFetchError(ctx, fmt.Errorf("upstream request: %w", err))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBodyBytes+1))
	closeErr := resp.Body.Close()
	if err != nil {
		return querycache.Payload{}, resp.StatusCode, querycache.ClassifyFetchError(ctx, fmt.Errorf("upstream read: %w", err))
	}
	if closeErr != nil {
		return querycache.Payload{}, resp.StatusCode, querycache.Unavailable(fmt.Errorf("upstream close: %w", closeErr))
	}
	if resp.StatusCode != http.StatusOK {
		return querycache.Payload{}, resp.StatusCode, querycache.Rejected(resp.StatusCode, errors.New(snippet(body)))
	}
	if int64(len(body)) > e.maxBodyBytes {
		return querycache.Payload{}, resp.StatusCode, querycache.Unavailable(fmt.Errorf("upstream response exceeds %d bytes", e.maxBodyBytes))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = e.accept
	}
	return querycache.Payload{Data: body, ContentType: contentType}, resp.StatusCode, nil
}

func (e *Executor) buildRequest(ctx context.Context, queryText string) (*http.Request, error) {
	target := *e.endpoint
	var body io.Reader
	switch {
	case e.method == http.MethodGet:
		values := target.Query()
		values.Set("query", queryText)
		target.RawQuery = values.Encode()
	case strings.HasPrefix(strings.ToLower(e.contentType), formContentType):
		body = strings.NewReader(url.Values{"query": {queryText}}.Encode())
	default:
		body = strings.NewReader(queryText)
	}

	req, err := http.NewRequestWithContext(ctx, e.method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("upstream request build: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", e.contentType)
	}
	req.Header.Set("Accept", e.accept)
	return req, nil
}

// Cacheable applies the endpoint's storeWhen predicate. Evaluation errors
// veto the write.
func (e *Executor) Cacheable(payload querycache.Payload) bool {
	if e.storeWhen == nil {
		return true
	}
	var decoded any
	if strings.Contains(strings.ToLower(payload.ContentType), "json") && len(payload.Data) > 0 {
		if err := json.NewDecoder(bytes.NewReader(payload.Data)).Decode(&decoded); err != nil {
			e.logger.Warn("storeWhen skipped undecodable body", slog.Any("error", err))
			return false
		}
	}
	activation := map[string]any{
		"endpoint": e.id,
		"response": map[string]any{
			"status":      int64(http.StatusOK),
			"contentType": payload.ContentType,
			"bytes":       int64(len(payload.Data)),
			"body":        decoded,
		},
	}
	ok, err := e.storeWhen.EvalBool(activation)
	if err != nil {
		e.logger.Warn("storeWhen evaluation failed", slog.String("expression", e.storeWhen.Source()), slog.Any("error", err))
		return false
	}
	return ok
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > errorSnippetLen {
		text = text[:errorSnippetLen] + "..."
	}
	if text == "" {
		return "empty response body"
	}
	return text
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
