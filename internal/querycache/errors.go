package querycache

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrEmptyQuery is returned when a caller supplies no query text.
var ErrEmptyQuery = errors.New("querycache: query text required")

// FetchErrorKind classifies upstream failures.
type FetchErrorKind int

const (
	// UpstreamUnavailable covers connection and transport failures.
	UpstreamUnavailable FetchErrorKind = iota + 1
	// UpstreamRejected means the upstream answered with a non-200 status.
	UpstreamRejected
	// Timeout means the upstream call exceeded its deadline.
	Timeout
)

func (k FetchErrorKind) String() string {
	switch k {
	case UpstreamUnavailable:
		return "upstream_unavailable"
	case UpstreamRejected:
		return "upstream_rejected"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// FetchError is delivered identically to every caller waiting on a failed fetch.
type FetchError struct {
	Kind FetchErrorKind
	// StatusCode is set for UpstreamRejected.
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == UpstreamRejected && e.Err != nil:
		return fmt.Sprintf("querycache: %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	case e.Kind == UpstreamRejected:
		return fmt.Sprintf("querycache: %s (status %d)", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("querycache: %s: %v", e.Kind, e.Err)
	default:
		return "querycache: " + e.Kind.String()
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Unavailable wraps a transport failure.
func Unavailable(err error) *FetchError {
	return &FetchError{Kind: UpstreamUnavailable, Err: err}
}

// Rejected records a non-200 upstream answer.
func Rejected(status int, err error) *FetchError {
	return &FetchError{Kind: UpstreamRejected, StatusCode: status, Err: err}
}

// TimedOut wraps a deadline failure.
func TimedOut(err error) *FetchError {
	return &FetchError{Kind: Timeout, Err: err}
}

// StoreError reports a key-value store failure. Reads that fail degrade to a
// miss; writes that fail are logged while the caller keeps its payload.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("querycache: store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ClassifyFetchError maps an arbitrary fetcher error onto the taxonomy. ctx is
// the context the fetch ran under.
func ClassifyFetchError(ctx context.Context, err error) *FetchError {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return TimedOut(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TimedOut(err)
	}
	return Unavailable(err)
}
