package fetch

import (
	"net/http"
	"time"
)

// StrategyName identifies one tier of the retrieval cascade.
type StrategyName string

// Strategy tiers in cascade order.
const (
	StrategyEvasive StrategyName = "evasive"
	StrategyBypass  StrategyName = "bypass"
	StrategyBrowser StrategyName = "browser"
	StrategyPlain   StrategyName = "plain"
)

// OutcomeKind classifies the result of a single strategy attempt.
type OutcomeKind string

const (
	// OutcomeSuccess carries a response body.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeSoftFailure means a retryable class of failure exhausted the strategy's budget.
	OutcomeSoftFailure OutcomeKind = "soft_failure"
	// OutcomeHardFailure means the strategy gave up without spending its budget.
	OutcomeHardFailure OutcomeKind = "hard_failure"
	// OutcomeSkipped means the strategy did not apply to the request.
	OutcomeSkipped OutcomeKind = "skipped"
)

// Options are the per-call knobs of a fetch.
type Options struct {
	// Heavy opts into the browser strategy.
	Heavy bool
	// Timeout bounds each network-level attempt. Zero uses the orchestrator default.
	Timeout time.Duration
	// CacheTTL overrides the cache entry lifetime. Zero uses the orchestrator default.
	CacheTTL  time.Duration
	SkipCache bool
}

// Request describes a single fetch.
type Request struct {
	URL     string
	Method  string
	Body    []byte
	Header  http.Header
	Options Options
}

// Outcome is what a strategy returns for one request.
type Outcome struct {
	Kind       OutcomeKind
	Body       []byte
	StatusCode int
	Err        error
	Tries      int
}

// Attempt records one strategy invocation during a fetch.
type Attempt struct {
	Strategy   StrategyName
	URL        string
	Kind       OutcomeKind
	StatusCode int
	Err        error
	Tries      int
	Elapsed    time.Duration
}

// Result is the successful output of a fetch.
type Result struct {
	URL       string
	Body      []byte
	Strategy  StrategyName
	FromCache bool
	Attempts  []Attempt
}

// CacheKey identifies a cached response. GET and POST for the same URL never collide.
type CacheKey struct {
	URL    string
	Method string
}

func (k CacheKey) String() string {
	return k.Method + " " + k.URL
}

// RawRequest is the input to an HTTP capability.
type RawRequest struct {
	Method string
	URL    string
	Header http.Header
	// HeaderOrder lists header names in wire order. Names missing from it are written after.
	HeaderOrder []string
	Body        []byte
	// Proxy is a proxy URL such as http://host:port or socks5://host:port. Empty means direct.
	Proxy   string
	Timeout time.Duration
}

// RawResponse is the output of an HTTP capability.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Proto      string
}

// Viewport is a browser window size in CSS pixels.
type Viewport struct {
	Width  int
	Height int
}

// SessionOptions configure a new browser session.
type SessionOptions struct {
	Proxy     string
	Viewport  Viewport
	UserAgent string
	Timeout   time.Duration
}

// StoreStats counts fresh cache entries and processed URLs.
type StoreStats struct {
	CachedURLs    int `json:"cached_urls"`
	ProcessedURLs int `json:"processed_urls"`
}
