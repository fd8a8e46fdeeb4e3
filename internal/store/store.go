// Package store holds the key-value backends that persist serialized query
// results. Every backend is byte-transparent: Get returns exactly the bytes
// handed to Set for the same key.
package store

import (
	"context"
	"time"
)

// Store is the persistent key-value contract consumed by the query cache proxy.
// Implementations must be safe for concurrent use and treat each key
// atomically. A store may drop entries once their TTL elapses; callers treat a
// dropped entry as a miss.
type Store interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key for at least ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Size reports the approximate number of live entries.
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// Pruner is implemented by stores whose expired rows are only reclaimed on
// demand.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
