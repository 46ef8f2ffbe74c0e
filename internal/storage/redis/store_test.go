package redis

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Avinier/moff-tarkin/internal/fetch"
)

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeClient struct {
	mu      sync.Mutex
	values  map[string]string
	ttls    map[string]time.Duration
	hashes  map[string]map[string]string
	failGet error
	closed  bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		values: map[string]string{},
		ttls:   map[string]time.Duration{},
		hashes: map[string]map[string]string{},
	}
}

func (f *fakeClient) Get(_ context.Context, key string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return goredis.NewStringResult("", f.failGet)
	}
	v, ok := f.values[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (f *fakeClient) Set(_ context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	f.ttls[key] = expiration
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeClient) HSetNX(_ context.Context, key, field string, value any) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = map[string]string{}
		f.hashes[key] = h
	}
	if _, exists := h[field]; exists {
		return goredis.NewBoolResult(false, nil)
	}
	h[field] = value.(string)
	return goredis.NewBoolResult(true, nil)
}

func (f *fakeClient) HExists(_ context.Context, key, field string) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.hashes[key][field]
	return goredis.NewBoolResult(ok, nil)
}

func (f *fakeClient) HLen(_ context.Context, key string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return goredis.NewIntResult(int64(len(f.hashes[key])), nil)
}

// Scan pages one matching key at a time so callers must follow the cursor.
func (f *fakeClient) Scan(_ context.Context, cursor uint64, match string, _ int64) *goredis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for k := range f.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if int(cursor) >= len(keys) {
		return goredis.NewScanCmdResult(nil, 0, nil)
	}
	next := cursor + 1
	if int(next) >= len(keys) {
		next = 0
	}
	return goredis.NewScanCmdResult(keys[cursor:cursor+1], next, nil)
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func newStore() (*Store, *fakeClient, *stubClock) {
	rdb := newFakeClient()
	clk := &stubClock{now: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)}
	return NewWithClient(rdb, "", clk), rdb, clk
}

func TestCacheRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, rdb, clk := newStore()
	key := fetch.CacheKey{URL: "https://site.test", Method: "GET"}

	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put(ctx, key, []byte("<html/>"), time.Hour))
	require.Equal(t, time.Hour, rdb.ttls[s.cacheKey(key)])
	body, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "<html/>", string(body))

	clk.advance(time.Hour)
	_, ok, err = s.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok, "absolute expiry wins over a lingering server key")
}

func TestCacheKeyDependsOnMethod(t *testing.T) {
	t.Parallel()

	s, _, _ := newStore()
	get := s.cacheKey(fetch.CacheKey{URL: "https://site.test", Method: "GET"})
	post := s.cacheKey(fetch.CacheKey{URL: "https://site.test", Method: "POST"})
	require.NotEqual(t, get, post)
	require.Contains(t, get, "moff:fetchcache:")
}

func TestGetErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, rdb, _ := newStore()
	key := fetch.CacheKey{URL: "https://site.test", Method: "GET"}

	rdb.values[s.cacheKey(key)] = "not json"
	_, _, err := s.Get(ctx, key)
	require.ErrorContains(t, err, "decode cache entry")

	rdb.failGet = errors.New("connection refused")
	_, _, err = s.Get(ctx, key)
	require.ErrorContains(t, err, "connection refused")
}

func TestPutNonPositiveTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, rdb, _ := newStore()
	key := fetch.CacheKey{URL: "https://site.test", Method: "GET"}
	require.NoError(t, s.Put(ctx, key, []byte("x"), 0))
	require.Equal(t, time.Millisecond, rdb.ttls[s.cacheKey(key)])
	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProcessedIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, rdb, clk := newStore()
	u := "https://site.test/p"

	done, err := s.IsProcessed(ctx, u)
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, s.MarkProcessed(ctx, u))
	first := rdb.hashes["moff:processed"][u]
	clk.advance(time.Hour)
	require.NoError(t, s.MarkProcessed(ctx, u))
	require.Equal(t, first, rdb.hashes["moff:processed"][u])

	done, err = s.IsProcessed(ctx, u)
	require.NoError(t, err)
	require.True(t, done)
}

func TestSweepAndClose(t *testing.T) {
	t.Parallel()

	s, rdb, _ := newStore()
	n, err := s.SweepExpired(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, s.Close())
	require.True(t, rdb.closed)
}

func TestNewRequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, &stubClock{})
	require.ErrorContains(t, err, "store.redis_addr is required")
}

func TestStatsCountsKeysAndProcessed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, rdb, _ := newStore()
	for _, u := range []string{"https://site.test/a", "https://site.test/b", "https://site.test/c"} {
		require.NoError(t, s.Put(ctx, fetch.CacheKey{URL: u, Method: "GET"}, []byte("x"), time.Hour))
	}
	rdb.values["other:key"] = "ignored"
	require.NoError(t, s.MarkProcessed(ctx, "https://site.test/a"))
	require.NoError(t, s.MarkProcessed(ctx, "https://site.test/a"))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, fetch.StoreStats{CachedURLs: 3, ProcessedURLs: 1}, stats)
}
