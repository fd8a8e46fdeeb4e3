package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	rc "github.com/dgraph-io/ristretto"
)

// RistrettoOptions sizes the bounded in-process store. Cost is the payload
// length in bytes, so MaxCost is a memory budget.
type RistrettoOptions struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

type ristrettoStore struct {
	c *rc.Cache
}

// NewRistretto builds an admission-controlled store. Writes may be rejected
// under pressure, which the proxy observes as a later miss.
func NewRistretto(opts RistrettoOptions) (Store, error) {
	if opts.NumCounters <= 0 || opts.MaxCost <= 0 || opts.BufferItems <= 0 {
		return nil, errors.New("store: ristretto requires numCounters, maxCost and bufferItems")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: opts.NumCounters,
		MaxCost:     opts.MaxCost,
		BufferItems: opts.BufferItems,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: ristretto: %w", err)
	}
	return &ristrettoStore{c: c}, nil
}

func (s *ristrettoStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		s.c.Del(key)
		return nil, false, nil
	}
	return cloneBytes(b), true, nil
}

func (s *ristrettoStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("store: ristretto ttl required")
	}
	cost := int64(len(value))
	if cost == 0 {
		cost = 1
	}
	if !s.c.SetWithTTL(key, cloneBytes(value), cost, ttl) {
		return errors.New("store: ristretto rejected write")
	}
	// Sets are buffered; wait so a following Get observes the value.
	s.c.Wait()
	return nil
}

func (s *ristrettoStore) Delete(_ context.Context, key string) error {
	s.c.Del(key)
	// Deletes reach the policy through the same buffer as sets.
	s.c.Wait()
	return nil
}

// Size is admitted keys minus keys that left through eviction, Delete or TTL
// cleanup. Expired keys stay counted until ristretto's periodic cleanup runs,
// so the figure may run slightly high.
func (s *ristrettoStore) Size(context.Context) (int64, error) {
	m := s.c.Metrics
	if m == nil {
		return 0, errors.New("store: ristretto metrics disabled")
	}
	added, evicted := m.KeysAdded(), m.KeysEvicted()
	if evicted > added {
		return 0, nil
	}
	return int64(added - evicted), nil
}

func (s *ristrettoStore) Close(context.Context) error {
	s.c.Close()
	return nil
}
