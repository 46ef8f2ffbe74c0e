// Package memory provides an in-process response cache and dedup set.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Avinier/moff-tarkin/internal/fetch"
)

type entry struct {
	body      []byte
	createdAt time.Time
	expiresAt time.Time
}

// Store implements fetch.Store with mutex-guarded maps.
type Store struct {
	clock fetch.Clock

	mu        sync.RWMutex
	cache     map[fetch.CacheKey]entry
	processed map[string]time.Time
}

var _ fetch.Store = (*Store)(nil)

// New constructs a Store.
func New(clock fetch.Clock) *Store {
	return &Store{
		clock:     clock,
		cache:     make(map[fetch.CacheKey]entry),
		processed: make(map[string]time.Time),
	}
}

// Get returns the body for key while it is fresh.
func (s *Store) Get(_ context.Context, key fetch.CacheKey) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.cache[key]
	s.mu.RUnlock()
	if !ok || !s.clock.Now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return append([]byte(nil), e.body...), true, nil
}

// Put stores body under key until now+ttl, replacing any previous entry.
func (s *Store) Put(_ context.Context, key fetch.CacheKey, body []byte, ttl time.Duration) error {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = entry{
		body:      append([]byte(nil), body...),
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	return nil
}

// IsProcessed reports whether url was marked processed.
func (s *Store) IsProcessed(_ context.Context, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processed[url]
	return ok, nil
}

// MarkProcessed records url. Re-marking keeps the first timestamp.
func (s *Store) MarkProcessed(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[url]; !ok {
		s.processed[url] = s.clock.Now()
	}
	return nil
}

// ProcessedAt returns when url was first marked processed.
func (s *Store) ProcessedAt(url string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.processed[url]
	return at, ok
}

// SweepExpired removes stale cache entries and returns how many were dropped.
func (s *Store) SweepExpired(_ context.Context) (int, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.cache {
		if !now.Before(e.expiresAt) {
			delete(s.cache, key)
			removed++
		}
	}
	return removed, nil
}

// Stats counts fresh cache entries and processed URLs.
func (s *Store) Stats(_ context.Context) (fetch.StoreStats, error) {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := fetch.StoreStats{ProcessedURLs: len(s.processed)}
	for _, e := range s.cache {
		if now.Before(e.expiresAt) {
			stats.CachedURLs++
		}
	}
	return stats, nil
}

// Len reports the number of cache entries, fresh or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}
