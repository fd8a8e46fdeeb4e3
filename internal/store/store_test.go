package store

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// exerciseStore runs the byte-transparency contract shared by every backend.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "sparql:missing")
	require.NoError(t, err)
	require.False(t, ok, "expected miss for unknown key")

	payload := []byte(`{"results":{"bindings":[{"x":{"type":"literal","value":"1"}}]}}`)
	require.NoError(t, s.Set(ctx, "sparql:one", payload, time.Minute))

	got, ok, err := s.Get(ctx, "sparql:one")
	require.NoError(t, err)
	require.True(t, ok, "expected hit after set")
	require.Equal(t, payload, got)

	got[0] = 'X'
	again, _, err := s.Get(ctx, "sparql:one")
	require.NoError(t, err)
	require.Equal(t, payload, again, "store must not alias returned buffers")

	replacement := []byte("second")
	require.NoError(t, s.Set(ctx, "sparql:one", replacement, time.Minute))
	got, ok, err = s.Get(ctx, "sparql:one")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, replacement, got)

	require.NoError(t, s.Delete(ctx, "sparql:one"))
	_, ok, err = s.Get(ctx, "sparql:one")
	require.NoError(t, err)
	require.False(t, ok, "expected delete to remove key")
}

func TestMemoryStoreContract(t *testing.T) {
	s := NewMemory(MemoryOptions{})
	exerciseStore(t, s)
	require.NoError(t, s.Close(context.Background()))
}

func TestMemoryStoreExpiry(t *testing.T) {
	clock := newFakeClock()
	s := NewMemory(MemoryOptions{Now: clock.Now})
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 60*time.Second))
	clock.Advance(59 * time.Second)
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok, "entry should survive until its ttl")

	size, err := s.Size(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, size)

	clock.Advance(2 * time.Second)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok, "entry should expire after its ttl")

	size, err = s.Size(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, size)
}

func TestMemoryStoreDefaultTTL(t *testing.T) {
	clock := newFakeClock()
	s := NewMemory(MemoryOptions{DefaultTTL: time.Second, Now: clock.Now})
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	clock.Advance(2 * time.Second)
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStore(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skip("miniredis unavailable in sandbox")
		}
		require.NoError(t, err)
	}
	t.Cleanup(server.Close)

	s, err := NewRedis(RedisConfig{Address: server.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close(context.Background())) })

	exerciseStore(t, s)

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "sparql:ttl", []byte("v"), 500*time.Millisecond))
	size, err := s.Size(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, size)

	server.FastForward(time.Second)
	_, ok, err := s.Get(ctx, "sparql:ttl")
	require.NoError(t, err)
	require.False(t, ok, "expected redis entry to expire")

	require.Error(t, s.Set(ctx, "sparql:zero", []byte("v"), 0), "redis store requires a ttl")
}

func TestRedisStoreRequiresAddress(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	require.Error(t, err)
}

func TestRedisStoreGetErrorSurfaces(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Skip("miniredis unavailable in sandbox")
	}
	t.Cleanup(server.Close)
	s, err := NewRedis(RedisConfig{Address: server.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	server.SetError("READONLY simulated failure")
	defer server.SetError("")
	_, _, err = s.Get(context.Background(), "sparql:any")
	require.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	clock := newFakeClock()
	s, err := NewSQLite(SQLiteOptions{Path: filepath.Join(t.TempDir(), "cache.db"), Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close(context.Background())) })

	exerciseStore(t, s)

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), time.Hour))

	clock.Advance(2 * time.Minute)
	_, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok, "expected sqlite entry to expire")

	require.NoError(t, s.Set(ctx, "c", []byte("3"), time.Second))
	clock.Advance(2 * time.Second)

	pruner, ok := s.(Pruner)
	require.True(t, ok, "sqlite store should support pruning")
	removed, err := pruner.Prune(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	size, err := s.Size(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, size)
}

func TestSQLiteStoreKeepsFarFutureEntries(t *testing.T) {
	clock := newFakeClock()
	s, err := NewSQLite(SQLiteOptions{Path: filepath.Join(t.TempDir(), "cache.db"), Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close(context.Background())) })

	ctx := context.Background()
	// Past year 2262 the nanosecond expiry no longer fits in an int64.
	require.NoError(t, s.Set(ctx, "forever", []byte("rows"), time.Duration(math.MaxInt64)))
	value, ok, err := s.Get(ctx, "forever")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "rows", string(value))

	require.Equal(t, int64(math.MaxInt64), expiryNanos(clock.Now(), time.Duration(math.MaxInt64)))
	require.Equal(t, clock.Now().Add(time.Hour).UnixNano(), expiryNanos(clock.Now(), time.Hour))
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	_, err := NewSQLite(SQLiteOptions{})
	require.Error(t, err)
}

func TestBadgerStore(t *testing.T) {
	s, err := NewBadger(BadgerOptions{InMemory: true, Prefix: "sparqlcache/"})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close(context.Background())) })

	exerciseStore(t, s)

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "x", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "y", []byte("2"), time.Minute))
	size, err := s.Size(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, size)
}

func TestBadgerStoreOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBadger(BadgerOptions{Path: dir})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "persist", []byte("v"), time.Hour))
	require.NoError(t, s.Close(ctx))

	reopened, err := NewBadger(BadgerOptions{Path: dir})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, reopened.Close(ctx)) })
	got, ok, err := reopened.Get(ctx, "persist")
	require.NoError(t, err)
	require.True(t, ok, "entry should survive reopen")
	require.Equal(t, []byte("v"), got)
}

func TestBadgerStoreRequiresLocation(t *testing.T) {
	_, err := NewBadger(BadgerOptions{})
	require.Error(t, err)
}

func TestRistrettoStore(t *testing.T) {
	s, err := NewRistretto(RistrettoOptions{NumCounters: 1000, MaxCost: 1 << 20, BufferItems: 64})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close(context.Background())) })

	exerciseStore(t, s)
}

func TestRistrettoStoreSizeTracksDeletes(t *testing.T) {
	s, err := NewRistretto(RistrettoOptions{NumCounters: 1000, MaxCost: 1 << 20, BufferItems: 64})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close(context.Background())) })

	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, s.Set(ctx, key, []byte("rows"), time.Hour))
	}
	size, err := s.Size(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, size)

	require.NoError(t, s.Delete(ctx, "b"))
	size, err = s.Size(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, size)
}

func TestRistrettoStoreRejectsInvalidConfig(t *testing.T) {
	_, err := NewRistretto(RistrettoOptions{})
	require.Error(t, err)
}
