// Package postgres provides a Postgres-backed response cache and dedup set.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Avinier/moff-tarkin/internal/fetch"
)

var validTablePrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table naming.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements fetch.Store on two tables: <prefix>fetch_cache and <prefix>processed_urls.
type Store struct {
	pool      querier
	clock     fetch.Clock
	cache     string
	processed string
}

var _ fetch.Store = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, clock fetch.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(pool, cfg.TablePrefix, clock)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool querier, prefix string, clock fetch.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if prefix != "" && !validTablePrefix.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &Store{
		pool:      pool,
		clock:     clock,
		cache:     prefix + "fetch_cache",
		processed: prefix + "processed_urls",
	}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	url TEXT NOT NULL,
	method TEXT NOT NULL,
	body BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (url, method)
)`, s.cache),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_expires_idx ON %s (expires_at)`, s.cache, s.cache),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	url TEXT PRIMARY KEY,
	processed_at TIMESTAMPTZ NOT NULL
)`, s.processed),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Get returns a fresh cached body.
func (s *Store) Get(ctx context.Context, key fetch.CacheKey) ([]byte, bool, error) {
	query := fmt.Sprintf(`SELECT body FROM %s WHERE url = $1 AND method = $2 AND expires_at > $3`, s.cache)
	var body []byte
	err := s.pool.QueryRow(ctx, query, key.URL, key.Method, s.clock.Now()).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select cache entry: %w", err)
	}
	return body, true, nil
}

// Put upserts body with an absolute expiry of now+ttl.
func (s *Store) Put(ctx context.Context, key fetch.CacheKey, body []byte, ttl time.Duration) error {
	now := s.clock.Now()
	query := fmt.Sprintf(`
INSERT INTO %s (url, method, body, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (url, method) DO UPDATE
SET body = EXCLUDED.body, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`, s.cache)
	if body == nil {
		body = []byte{}
	}
	if _, err := s.pool.Exec(ctx, query, key.URL, key.Method, body, now, now.Add(ttl)); err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// IsProcessed reports whether url was marked processed.
func (s *Store) IsProcessed(ctx context.Context, url string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE url = $1)`, s.processed)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, url).Scan(&exists); err != nil {
		return false, fmt.Errorf("select processed url: %w", err)
	}
	return exists, nil
}

// MarkProcessed records url; re-marking is a no-op.
func (s *Store) MarkProcessed(ctx context.Context, url string) error {
	query := fmt.Sprintf(`INSERT INTO %s (url, processed_at) VALUES ($1, $2) ON CONFLICT (url) DO NOTHING`, s.processed)
	if _, err := s.pool.Exec(ctx, query, url, s.clock.Now()); err != nil {
		return fmt.Errorf("insert processed url: %w", err)
	}
	return nil
}

// SweepExpired deletes stale cache rows.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, s.cache)
	tag, err := s.pool.Exec(ctx, query, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("sweep cache: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats counts fresh cache rows and processed URLs in one round trip.
func (s *Store) Stats(ctx context.Context) (fetch.StoreStats, error) {
	query := fmt.Sprintf(`SELECT
	(SELECT COUNT(*) FROM %s WHERE expires_at > $1),
	(SELECT COUNT(*) FROM %s)`, s.cache, s.processed)
	var cached, processed int64
	if err := s.pool.QueryRow(ctx, query, s.clock.Now()).Scan(&cached, &processed); err != nil {
		return fetch.StoreStats{}, fmt.Errorf("select stats: %w", err)
	}
	return fetch.StoreStats{CachedURLs: int(cached), ProcessedURLs: int(processed)}, nil
}
