package querycache

import (
	"context"
	"time"
)

// Status describes where a result came from.
type Status string

const (
	StatusHit   Status = "hit"
	StatusMiss  Status = "miss"
	StatusStale Status = "stale"
	// StatusError is never attached to a Result; the HTTP surface reports it
	// alongside a FetchError.
	StatusError Status = "error"
)

// Payload is an upstream response body plus the content type it was served with.
type Payload struct {
	Data        []byte
	ContentType string
}

// Entry is the envelope persisted in the store.
type Entry struct {
	Payload     []byte        `json:"payload" msgpack:"payload" cbor:"1,keyasint"`
	ContentType string        `json:"contentType,omitempty" msgpack:"contentType,omitempty" cbor:"2,keyasint,omitempty"`
	StoredAt    time.Time     `json:"storedAt" msgpack:"storedAt" cbor:"3,keyasint"`
	TTL         time.Duration `json:"ttl" msgpack:"ttl" cbor:"4,keyasint"`
}

// FreshAt reports whether the entry satisfies a caller that tolerates ttl of
// age at instant now.
func (e Entry) FreshAt(now time.Time, ttl time.Duration) bool {
	return !now.After(e.StoredAt.Add(ttl))
}

func (e Entry) payload() Payload {
	return Payload{Data: e.Payload, ContentType: e.ContentType}
}

// Result is what GetOrFetch hands back to callers. Payload bytes may be shared
// between concurrent callers and must be treated as read-only.
type Result struct {
	Key      Key
	Payload  Payload
	Status   Status
	StoredAt time.Time
	// Shared is set when the upstream outcome was delivered to more than one caller.
	Shared bool
}

// Fetcher executes a query against an upstream source.
type Fetcher interface {
	Fetch(ctx context.Context, queryText string) (Payload, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, queryText string) (Payload, error)

func (f FetcherFunc) Fetch(ctx context.Context, queryText string) (Payload, error) {
	return f(ctx, queryText)
}

// CachePolicy is an optional Fetcher extension that can veto storing a
// successfully fetched payload. Vetoed payloads are still returned.
type CachePolicy interface {
	Cacheable(Payload) bool
}
