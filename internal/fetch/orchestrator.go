// Package fetch orchestrates retrieval of bot-hostile URLs through an ordered cascade of strategies.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Avinier/moff-tarkin/internal/metrics"
)

// Config controls orchestrator defaults.
type Config struct {
	// AttemptTimeout bounds a single strategy invocation when the request sets none.
	AttemptTimeout time.Duration
	// CacheTTL is the default cache entry lifetime.
	CacheTTL time.Duration
}

// Orchestrator runs the cache check and the strategy cascade for each request.
type Orchestrator struct {
	cfg        Config
	cache      Cache
	strategies []Strategy
	limiter    Limiter
	logger     *zap.Logger

	mu     sync.Mutex
	failed map[string]struct{}
}

// New builds an Orchestrator. cache and limiter may be nil.
func New(cfg Config, cache Cache, strategies []Strategy, limiter Limiter, logger *zap.Logger) *Orchestrator {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		cache:      cache,
		strategies: append([]Strategy(nil), strategies...),
		limiter:    limiter,
		logger:     logger.Named("orchestrator"),
		failed:     make(map[string]struct{}),
	}
}

// Fetch returns the body for req, trying each strategy in order until one succeeds.
// Strategy failures are absorbed; only ErrInvalidRequest and ErrExhausted are returned.
// When ctx ends first the error also wraps ctx.Err() and the URL is not recorded as failed.
func (o *Orchestrator) Fetch(ctx context.Context, req Request) (Result, error) {
	req, err := normalize(req)
	if err != nil {
		return Result{}, err
	}
	key := CacheKey{URL: req.URL, Method: req.Method}
	if body, ok := o.lookup(ctx, key, req.Options.SkipCache); ok {
		return Result{URL: req.URL, Body: body, FromCache: true}, nil
	}

	attempts := make([]Attempt, 0, len(o.strategies))
	for _, strategy := range o.strategies {
		if ctx.Err() != nil {
			break
		}
		outcome, elapsed := o.run(ctx, strategy, req)
		if outcome.Kind == OutcomeSkipped {
			continue
		}
		attempts = append(attempts, Attempt{
			Strategy:   strategy.Name(),
			URL:        req.URL,
			Kind:       outcome.Kind,
			StatusCode: outcome.StatusCode,
			Err:        outcome.Err,
			Tries:      outcome.Tries,
			Elapsed:    elapsed,
		})
		metrics.ObserveAttempt(string(strategy.Name()), string(outcome.Kind), elapsed)

		if outcome.Kind == OutcomeSuccess {
			o.store(ctx, key, outcome.Body, req.Options.CacheTTL)
			o.clearFailed(req.URL)
			o.logger.Debug("fetched",
				zap.String("url", req.URL),
				zap.String("strategy", string(strategy.Name())),
				zap.Int("bytes", len(outcome.Body)),
			)
			return Result{
				URL:      req.URL,
				Body:     outcome.Body,
				Strategy: strategy.Name(),
				Attempts: attempts,
			}, nil
		}
		o.logger.Debug("strategy failed",
			zap.String("url", req.URL),
			zap.String("strategy", string(strategy.Name())),
			zap.String("outcome", string(outcome.Kind)),
			zap.Error(outcome.Err),
		)
	}

	if err := ctx.Err(); err != nil {
		o.logger.Debug("fetch abandoned", zap.String("url", req.URL), zap.Error(err))
		return Result{URL: req.URL, Attempts: attempts}, fmt.Errorf("%s: %w: %w", req.URL, ErrExhausted, err)
	}
	o.markFailed(req.URL)
	metrics.ObserveExhausted()
	o.logger.Warn("all strategies failed", zap.String("url", req.URL), zap.Int("attempts", len(attempts)))
	return Result{URL: req.URL, Attempts: attempts}, fmt.Errorf("%s: %w", req.URL, ErrExhausted)
}

// FailedURLs returns a sorted snapshot of URLs whose last fetch exhausted every strategy.
func (o *Orchestrator) FailedURLs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.failed))
	for u := range o.failed {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (o *Orchestrator) run(ctx context.Context, strategy Strategy, req Request) (Outcome, time.Duration) {
	start := time.Now()
	if o.limiter != nil && strategy.Name() != StrategyBrowser {
		if err := o.limiter.Wait(ctx, req.URL); err != nil {
			return Outcome{Kind: OutcomeSoftFailure, Err: err}, time.Since(start)
		}
	}
	timeout := req.Options.Timeout
	if timeout <= 0 {
		timeout = o.cfg.AttemptTimeout
	}
	req.Options.Timeout = timeout
	// Strategies retry internally, so the tier gets a budget covering its retries.
	budget := tierBudget(strategy.Name(), timeout)
	if b, ok := strategy.(budgeted); ok {
		budget = b.Budget(timeout)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	outcome := strategy.Attempt(attemptCtx, req)
	return outcome, time.Since(start)
}

// budgeted strategies know how long their own retry loop may take.
type budgeted interface {
	Budget(timeout time.Duration) time.Duration
}

func tierBudget(name StrategyName, timeout time.Duration) time.Duration {
	switch name {
	case StrategyEvasive, StrategyPlain:
		return 4 * timeout
	case StrategyBrowser:
		return 3 * timeout
	default:
		return 2 * timeout
	}
}

func (o *Orchestrator) lookup(ctx context.Context, key CacheKey, skip bool) ([]byte, bool) {
	if o.cache == nil || skip {
		return nil, false
	}
	body, ok, err := o.cache.Get(ctx, key)
	if err != nil {
		o.logger.Warn("cache lookup failed", zap.String("key", key.String()), zap.Error(err))
		metrics.ObserveCacheLookup("error")
		return nil, false
	}
	if !ok {
		metrics.ObserveCacheLookup("miss")
		return nil, false
	}
	metrics.ObserveCacheLookup("hit")
	return body, true
}

func (o *Orchestrator) store(ctx context.Context, key CacheKey, body []byte, ttl time.Duration) {
	if o.cache == nil {
		return
	}
	if ttl <= 0 {
		ttl = o.cfg.CacheTTL
	}
	if err := o.cache.Put(ctx, key, body, ttl); err != nil {
		o.logger.Warn("cache store failed", zap.String("key", key.String()), zap.Error(err))
	}
}

func (o *Orchestrator) markFailed(u string) {
	o.mu.Lock()
	o.failed[u] = struct{}{}
	o.mu.Unlock()
}

func (o *Orchestrator) clearFailed(u string) {
	o.mu.Lock()
	delete(o.failed, u)
	o.mu.Unlock()
}

func normalize(req Request) (Request, error) {
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return req, fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return req, fmt.Errorf("%w: parse url: %v", ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return req, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRequest, u.Scheme)
	}
	if u.Host == "" {
		return req, fmt.Errorf("%w: url has no host", ErrInvalidRequest)
	}
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	switch req.Method {
	case "":
		req.Method = http.MethodGet
	case http.MethodGet, http.MethodPost:
	default:
		return req, fmt.Errorf("%w: unsupported method %q", ErrInvalidRequest, req.Method)
	}
	return req, nil
}
