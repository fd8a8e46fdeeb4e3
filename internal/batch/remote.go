package batch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/l0p7/sparqlcache/internal/querycache"
)

// RemoteError is a non-2xx answer from a remote sparqlcache instance.
type RemoteError struct {
	StatusCode int
	Message    string
	// Kind is the upstream failure class the remote reported, if any.
	Kind string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote returned %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Message)
}

// Remote drives another instance's HTTP API instead of a local store.
type Remote struct {
	base   *url.URL
	client *http.Client
}

// NewRemote parses server as an absolute http(s) base URL.
func NewRemote(server string, client *http.Client) (*Remote, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(server), "/"))
	if err != nil {
		return nil, fmt.Errorf("batch: server url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("batch: server url %q must be absolute http(s)", server)
	}
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Remote{base: u, client: client}, nil
}

type remoteRequest struct {
	Endpoint string `json:"endpoint"`
	Query    string `json:"query"`
	TTL      string `json:"ttl,omitempty"`
}

func (r *Remote) Populate(ctx context.Context, endpoint, queryText string, ttl time.Duration) error {
	resp, err := r.post(ctx, "/api/preload", endpoint, queryText, ttl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (r *Remote) Query(ctx context.Context, endpoint, queryText string, ttl time.Duration) (querycache.Result, error) {
	resp, err := r.post(ctx, "/api/sparql", endpoint, queryText, ttl)
	if err != nil {
		return querycache.Result{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return querycache.Result{}, fmt.Errorf("batch: read remote body: %w", err)
	}
	return querycache.Result{
		Payload: querycache.Payload{Data: data, ContentType: resp.Header.Get("Content-Type")},
		Status:  querycache.Status(strings.ToLower(resp.Header.Get("X-Cache-Status"))),
	}, nil
}

func (r *Remote) post(ctx context.Context, path, endpoint, queryText string, ttl time.Duration) (*http.Response, error) {
	req := remoteRequest{Endpoint: endpoint, Query: queryText}
	if ttl > 0 {
		req.TTL = ttl.String()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base.JoinPath(path).String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("batch: post %s: %w", path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, remoteError(resp)
}

func remoteError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	remoteErr := &RemoteError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Error != "" {
			remoteErr.Message = payload.Error
		}
		remoteErr.Kind = payload.Kind
	}
	return remoteErr
}
