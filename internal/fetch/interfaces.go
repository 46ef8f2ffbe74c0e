package fetch

import (
	"context"
	"time"

	"github.com/Avinier/moff-tarkin/internal/challenge"
)

// Strategy is one tier of the retrieval cascade.
type Strategy interface {
	Name() StrategyName
	Attempt(ctx context.Context, req Request) Outcome
}

// Doer performs a single raw HTTP exchange.
type Doer interface {
	Do(ctx context.Context, req RawRequest) (RawResponse, error)
}

// Browser opens headless browser sessions.
type Browser interface {
	Open(ctx context.Context, opts SessionOptions) (Session, error)
}

// Session is a single browser page. Close must always be called once Open succeeds.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Scroll(ctx context.Context, dy int) error
	MovePointer(ctx context.Context, x, y float64) error
	HTML(ctx context.Context) (string, error)
	Location(ctx context.Context) (string, error)
	SubmitToken(ctx context.Context, d challenge.Descriptor, token string) error
	Close() error
}

// ProxySource hands out proxies and accepts failure reports.
type ProxySource interface {
	Get(ctx context.Context) (string, bool)
	MarkFailed(address string)
}

// Challenges detects and resolves anti-bot challenges.
type Challenges interface {
	Detect(page []byte) bool
	Describe(page []byte, pageURL string) (challenge.Descriptor, bool)
	Resolve(ctx context.Context, d challenge.Descriptor) (string, bool)
	Bypass(ctx context.Context, url, proxy string) ([]byte, bool)
}

// Cache stores response bodies with an absolute expiry.
type Cache interface {
	Get(ctx context.Context, key CacheKey) ([]byte, bool, error)
	Put(ctx context.Context, key CacheKey, body []byte, ttl time.Duration) error
}

// Dedup records URLs whose downstream processing has completed.
type Dedup interface {
	IsProcessed(ctx context.Context, url string) (bool, error)
	MarkProcessed(ctx context.Context, url string) error
}

// Store combines the cache and the dedup set.
type Store interface {
	Cache
	Dedup
	SweepExpired(ctx context.Context) (int, error)
	Stats(ctx context.Context) (StoreStats, error)
}

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// RetryPolicy drives per-strategy retries.
type RetryPolicy interface {
	MaxAttempts() int
	Backoff(attempt int) time.Duration
	// MaxBackoff bounds every value Backoff may return for attempt.
	MaxBackoff(attempt int) time.Duration
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}
