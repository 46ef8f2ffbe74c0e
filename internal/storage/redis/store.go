// Package redis provides a Redis-backed response cache and dedup set.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Avinier/moff-tarkin/internal/fetch"
	"github.com/Avinier/moff-tarkin/internal/hash/sha256"
)

// Config controls the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key. Empty means "moff:".
	KeyPrefix string
}

type client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	HSetNX(ctx context.Context, key, field string, value any) *goredis.BoolCmd
	HExists(ctx context.Context, key, field string) *goredis.BoolCmd
	HLen(ctx context.Context, key string) *goredis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *goredis.ScanCmd
	Close() error
}

// envelope is the stored value. ExpiresAt is authoritative; the server TTL only reclaims space.
type envelope struct {
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Body      []byte    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store implements fetch.Store.
type Store struct {
	rdb    client
	clock  fetch.Clock
	prefix string
}

var _ fetch.Store = (*Store)(nil)

// New dials Redis and verifies the connection.
func New(ctx context.Context, cfg Config, clock fetch.Clock) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("store.redis_addr is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewWithClient(rdb, cfg.KeyPrefix, clock), nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(rdb client, prefix string, clock fetch.Clock) *Store {
	if prefix == "" {
		prefix = "moff:"
	}
	return &Store{rdb: rdb, clock: clock, prefix: prefix}
}

// Close releases the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) cacheKey(key fetch.CacheKey) string {
	return s.prefix + "fetchcache:" + sha256.String(key.String())
}

func (s *Store) processedKey() string {
	return s.prefix + "processed"
}

// Get returns a fresh cached body.
func (s *Store) Get(ctx context.Context, key fetch.CacheKey) ([]byte, bool, error) {
	raw, err := s.rdb.Get(ctx, s.cacheKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, fmt.Errorf("decode cache entry: %w", err)
	}
	if env.URL != key.URL || env.Method != key.Method {
		return nil, false, nil
	}
	if !s.clock.Now().Before(env.ExpiresAt) {
		return nil, false, nil
	}
	return env.Body, true, nil
}

// Put stores body with an absolute expiry of now+ttl and a matching server TTL.
func (s *Store) Put(ctx context.Context, key fetch.CacheKey, body []byte, ttl time.Duration) error {
	now := s.clock.Now()
	raw, err := json.Marshal(envelope{
		URL:       key.URL,
		Method:    key.Method,
		Body:      body,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if ttl <= 0 {
		// Already stale; a zero expiration would make Redis keep it forever.
		ttl = time.Millisecond
	}
	if err := s.rdb.Set(ctx, s.cacheKey(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// IsProcessed reports whether url was marked processed.
func (s *Store) IsProcessed(ctx context.Context, url string) (bool, error) {
	ok, err := s.rdb.HExists(ctx, s.processedKey(), url).Result()
	if err != nil {
		return false, fmt.Errorf("redis hexists: %w", err)
	}
	return ok, nil
}

// MarkProcessed records url with the current time; re-marking keeps the first value.
func (s *Store) MarkProcessed(ctx context.Context, url string) error {
	stamp := strconv.FormatInt(s.clock.Now().Unix(), 10)
	if err := s.rdb.HSetNX(ctx, s.processedKey(), url, stamp).Err(); err != nil {
		return fmt.Errorf("redis hsetnx: %w", err)
	}
	return nil
}

// SweepExpired is a no-op; Redis expires keys itself.
func (s *Store) SweepExpired(context.Context) (int, error) {
	return 0, nil
}

// Stats counts cache keys and processed URLs. Redis drops stale cache keys itself,
// so every key still present counts as fresh.
func (s *Store) Stats(ctx context.Context) (fetch.StoreStats, error) {
	processed, err := s.rdb.HLen(ctx, s.processedKey()).Result()
	if err != nil {
		return fetch.StoreStats{}, fmt.Errorf("redis hlen: %w", err)
	}
	var (
		cursor uint64
		cached int
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+"fetchcache:*", 500).Result()
		if err != nil {
			return fetch.StoreStats{}, fmt.Errorf("redis scan: %w", err)
		}
		cached += len(keys)
		if next == 0 {
			break
		}
		cursor = next
	}
	return fetch.StoreStats{CachedURLs: cached, ProcessedURLs: int(processed)}, nil
}
