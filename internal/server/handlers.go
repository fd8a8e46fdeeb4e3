package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/l0p7/sparqlcache/internal/logging"
	"github.com/l0p7/sparqlcache/internal/querycache"
	"github.com/l0p7/sparqlcache/internal/runtime"
)

const (
	cacheStatusHeader = "X-Cache-Status"
	cacheKeyHeader    = "X-Cache-Key"

	sparqlQueryContentType = "application/sparql-query"
	formContentType        = "application/x-www-form-urlencoded"
	defaultMaxQueryBytes   = 1 << 20
)

// queryRequest is the body of /api/sparql, /api/preload and /api/cache.
type queryRequest struct {
	Endpoint string `json:"endpoint" validate:"notblank,max=128"`
	Query    string `json:"query" validate:"notblank"`
	TTL      string `json:"ttl,omitempty" validate:"omitempty,duration"`
}

func (q queryRequest) ttl() time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(q.TTL))
	return d
}

type errorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status"`
	// Kind names the upstream failure class when the error came from a fetch.
	Kind string `json:"kind,omitempty"`
}

type preloadResponse struct {
	Status string `json:"status"`
	Key    string `json:"key"`
}

// serveQuery relays a query through the cache and returns the upstream body
// untouched.
func (a *api) serveQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decode(w, r)
	if !ok {
		return
	}
	res, err := a.svc.Query(r.Context(), req.Endpoint, req.Query, req.ttl())
	if err != nil {
		a.writeServiceError(w, r, req, err)
		return
	}
	contentType := res.Payload.ContentType
	if contentType == "" {
		contentType = "application/sparql-results+json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(cacheStatusHeader, strings.ToUpper(string(res.Status)))
	w.Header().Set(cacheKeyHeader, a.svc.StorageKey(req.Endpoint, req.Query))
	if !res.StoredAt.IsZero() {
		w.Header().Set("Last-Modified", res.StoredAt.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Payload.Data)
}

func (a *api) servePreload(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decode(w, r)
	if !ok {
		return
	}
	if err := a.svc.Populate(r.Context(), req.Endpoint, req.Query, req.ttl()); err != nil {
		a.writeServiceError(w, r, req, err)
		return
	}
	writeJSON(w, http.StatusOK, preloadResponse{Status: "preloaded", Key: a.svc.StorageKey(req.Endpoint, req.Query)})
}

func (a *api) serveInvalidate(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decode(w, r)
	if !ok {
		return
	}
	if err := a.svc.Invalidate(r.Context(), req.Endpoint, req.Query); err != nil {
		a.writeServiceError(w, r, req, err)
		return
	}
	writeJSON(w, http.StatusOK, preloadResponse{Status: "invalidated", Key: a.svc.StorageKey(req.Endpoint, req.Query)})
}

func (a *api) serveHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := a.svc.Health(r.Context())
	status := http.StatusOK
	if snapshot.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snapshot)
}

// decode accepts a JSON body, a raw SPARQL body or a form. For raw and form
// bodies the endpoint and ttl may come from the URL query.
func (a *api) decode(w http.ResponseWriter, r *http.Request) (queryRequest, bool) {
	limit := a.maxQueryBytes
	if limit <= 0 {
		limit = defaultMaxQueryBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	params := r.URL.Query()
	req := queryRequest{Endpoint: params.Get("endpoint"), TTL: params.Get("ttl")}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var err error
	switch mediaType {
	case sparqlQueryContentType:
		var body []byte
		body, err = io.ReadAll(r.Body)
		req.Query = string(body)
	case formContentType:
		if err = r.ParseForm(); err == nil {
			req.Query = r.PostForm.Get("query")
			req.Endpoint = firstNonEmpty(r.PostForm.Get("endpoint"), req.Endpoint)
			req.TTL = firstNonEmpty(r.PostForm.Get("ttl"), req.TTL)
		}
	default:
		var raw []byte
		if raw, err = io.ReadAll(r.Body); err != nil {
			break
		}
		if len(strings.TrimSpace(string(raw))) == 0 {
			err = errors.New("empty request body")
			break
		}
		var body queryRequest
		if err = json.Unmarshal(raw, &body); err == nil {
			req.Query = body.Query
			req.Endpoint = firstNonEmpty(body.Endpoint, req.Endpoint)
			req.TTL = firstNonEmpty(body.TTL, req.TTL)
		}
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("query exceeds %d bytes", tooLarge.Limit))
			return queryRequest{}, false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return queryRequest{}, false
	}
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	if err := validateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return queryRequest{}, false
	}
	return req, true
}

func (a *api) writeServiceError(w http.ResponseWriter, r *http.Request, req queryRequest, err error) {
	status, message := statusForError(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusGatewayTimeout {
		level = slog.LevelError
	}
	a.logger.LogAttrs(r.Context(), level, "query request failed",
		slog.String("endpoint", req.Endpoint),
		slog.String("correlation_id", logging.CorrelationID(r.Context())),
		slog.Int("status", status),
		slog.Any("error", err))
	w.Header().Set(cacheStatusHeader, strings.ToUpper(string(querycache.StatusError)))
	resp := errorResponse{Error: message, Status: "error"}
	var fetchErr *querycache.FetchError
	if errors.As(err, &fetchErr) {
		resp.Kind = fetchErr.Kind.String()
	}
	writeJSON(w, status, resp)
}

// statusForError maps the service error taxonomy onto HTTP.
func statusForError(err error) (int, string) {
	var fetchErr *querycache.FetchError
	switch {
	case errors.Is(err, querycache.ErrEmptyQuery):
		return http.StatusBadRequest, "missing query"
	case errors.Is(err, runtime.ErrUnknownEndpoint):
		return http.StatusNotFound, err.Error()
	case errors.As(err, &fetchErr):
		if fetchErr.Kind == querycache.Timeout {
			return http.StatusGatewayTimeout, fetchErr.Error()
		}
		return http.StatusBadGateway, fetchErr.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request deadline exceeded"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message, Status: "error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
