package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Avinier/moff-tarkin/internal/challenge"
)

type scriptedStrategy struct {
	name     StrategyName
	outcomes []Outcome

	mu       sync.Mutex
	calls    int
	requests []Request
}

func (s *scriptedStrategy) Name() StrategyName { return s.name }

func (s *scriptedStrategy) Attempt(_ context.Context, req Request) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	i := s.calls
	s.calls++
	if len(s.outcomes) == 0 {
		return Outcome{Kind: OutcomeSoftFailure, Err: errors.New("no script")}
	}
	if i >= len(s.outcomes) {
		i = len(s.outcomes) - 1
	}
	return s.outcomes[i]
}

func (s *scriptedStrategy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type callLog struct {
	mu    sync.Mutex
	order []StrategyName
}

// loggingStrategy records the cascade order across strategies.
type loggingStrategy struct {
	*scriptedStrategy
	log *callLog
}

func (s loggingStrategy) Attempt(ctx context.Context, req Request) Outcome {
	s.log.mu.Lock()
	s.log.order = append(s.log.order, s.name)
	s.log.mu.Unlock()
	return s.scriptedStrategy.Attempt(ctx, req)
}

type memCache struct {
	mu      sync.Mutex
	entries map[CacheKey][]byte
	ttls    map[CacheKey]time.Duration
	getErr  error
}

func newMemCache() *memCache {
	return &memCache{entries: map[CacheKey][]byte{}, ttls: map[CacheKey]time.Duration{}}
}

func (c *memCache) Get(_ context.Context, key CacheKey) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	body, ok := c.entries[key]
	return body, ok, nil
}

func (c *memCache) Put(_ context.Context, key CacheKey, body []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = body
	c.ttls[key] = ttl
	return nil
}

type doerReply struct {
	resp RawResponse
	err  error
}

type fakeDoer struct {
	mu      sync.Mutex
	replies []doerReply
	seen    []RawRequest
}

func (d *fakeDoer) Do(_ context.Context, req RawRequest) (RawResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, req)
	i := len(d.seen) - 1
	if i >= len(d.replies) {
		i = len(d.replies) - 1
	}
	r := d.replies[i]
	return r.resp, r.err
}

func (d *fakeDoer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

type fakeProxies struct {
	addr string

	mu     sync.Mutex
	failed []string
}

func (p *fakeProxies) Get(context.Context) (string, bool) {
	return p.addr, p.addr != ""
}

func (p *fakeProxies) MarkFailed(address string) {
	p.mu.Lock()
	p.failed = append(p.failed, address)
	p.mu.Unlock()
}

type fakeChallenges struct {
	detect     bool
	descriptor *challenge.Descriptor
	token      string
	bypass     []byte

	bypassProxy string
	resolved    int
}

func (c *fakeChallenges) Detect([]byte) bool { return c.detect }

func (c *fakeChallenges) Describe(_ []byte, pageURL string) (challenge.Descriptor, bool) {
	if c.descriptor == nil {
		return challenge.Descriptor{}, false
	}
	d := *c.descriptor
	d.PageURL = pageURL
	return d, true
}

func (c *fakeChallenges) Resolve(context.Context, challenge.Descriptor) (string, bool) {
	c.resolved++
	return c.token, c.token != ""
}

func (c *fakeChallenges) Bypass(_ context.Context, _ string, proxy string) ([]byte, bool) {
	c.bypassProxy = proxy
	return c.bypass, c.bypass != nil
}

type fakeSession struct {
	pages       []string
	navigateErr error
	location    string

	navigated []string
	scrolls   int
	moves     int
	submitted []string
	closed    int
}

func (s *fakeSession) Navigate(_ context.Context, url string) error {
	s.navigated = append(s.navigated, url)
	return s.navigateErr
}

func (s *fakeSession) Scroll(context.Context, int) error {
	s.scrolls++
	return nil
}

func (s *fakeSession) MovePointer(context.Context, float64, float64) error {
	s.moves++
	return nil
}

func (s *fakeSession) HTML(context.Context) (string, error) {
	page := s.pages[0]
	if len(s.pages) > 1 {
		s.pages = s.pages[1:]
	}
	return page, nil
}

func (s *fakeSession) Location(context.Context) (string, error) { return s.location, nil }

func (s *fakeSession) SubmitToken(_ context.Context, _ challenge.Descriptor, token string) error {
	s.submitted = append(s.submitted, token)
	return nil
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

type fakeBrowser struct {
	session *fakeSession
	err     error
	opened  []SessionOptions
}

func (b *fakeBrowser) Open(_ context.Context, opts SessionOptions) (Session, error) {
	b.opened = append(b.opened, opts)
	if b.err != nil {
		return nil, b.err
	}
	return b.session, nil
}

// noWait retries without sleeping.
type noWait int

func (n noWait) MaxAttempts() int { return int(n) }
func (noWait) Backoff(int) time.Duration { return 0 }
func (noWait) MaxBackoff(int) time.Duration { return 0 }

type countingLimiter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (l *countingLimiter) Wait(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.err
}

func noSleep(context.Context, time.Duration) error { return nil }

func instantHumanizer() *Humanizer {
	return NewHumanizer(DefaultPacing(), noSleep)
}
