// Package proxypool keeps a health-checked, round-robin rotation of egress proxies.
package proxypool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Avinier/moff-tarkin/internal/metrics"
)

// State is the health of a proxy entry.
type State int

// Entry states.
const (
	StateUnknown State = iota
	StateHealthy
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one configured proxy candidate. Entries are never removed, only re-labeled.
type Entry struct {
	Address     string
	State       State
	LastChecked time.Time
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Config controls the Pool.
type Config struct {
	Candidates []string
	// CheckTimeout bounds a single probe. Zero means 10s.
	CheckTimeout time.Duration
	// RecheckInterval is the minimum time between automatic passes triggered by an
	// empty working set. Zero means every Get on an empty set triggers a pass.
	RecheckInterval time.Duration
}

// Pool rotates healthy proxies round-robin.
type Pool struct {
	checker Checker
	clock   Clock
	cfg     Config
	logger  *zap.Logger

	mu       sync.Mutex
	entries  map[string]*Entry
	order    []string
	working  []string
	next     int
	lastPass time.Time
	inflight chan struct{}
}

// New builds a Pool. Duplicate and blank candidates are dropped.
func New(cfg Config, checker Checker, clock Clock, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 10 * time.Second
	}
	p := &Pool{
		checker: checker,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("proxypool"),
		entries: make(map[string]*Entry, len(cfg.Candidates)),
	}
	for _, addr := range cfg.Candidates {
		if addr == "" {
			continue
		}
		if _, dup := p.entries[addr]; dup {
			continue
		}
		p.entries[addr] = &Entry{Address: addr}
		p.order = append(p.order, addr)
	}
	return p
}

// Get returns the next working proxy. An empty working set triggers a health-check
// pass first; ("", false) means the caller should proceed without a proxy.
func (p *Pool) Get(ctx context.Context) (string, bool) {
	p.healthCheck(ctx, true)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.working) == 0 {
		return "", false
	}
	if p.next >= len(p.working) {
		p.next = 0
	}
	addr := p.working[p.next]
	p.next = (p.next + 1) % len(p.working)
	return addr, true
}

// MarkFailed removes address from rotation until the next health-check pass.
func (p *Pool) MarkFailed(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[address]
	if !ok {
		return
	}
	entry.State = StateFailed
	for i, addr := range p.working {
		if addr != address {
			continue
		}
		p.working = append(p.working[:i], p.working[i+1:]...)
		if i < p.next {
			p.next--
		}
		if p.next >= len(p.working) {
			p.next = 0
		}
		break
	}
	metrics.SetWorkingProxies(len(p.working))
	p.logger.Debug("proxy marked failed", zap.String("proxy", address), zap.Int("working", len(p.working)))
}

type checkResult struct {
	address string
	err     error
	at      time.Time
}

// HealthCheckAll probes every candidate concurrently and rebuilds the working set in
// completion order. Concurrent callers share one pass, which is not canceled with the
// caller's ctx. It returns the working set size seen when the pass ends or ctx does.
func (p *Pool) HealthCheckAll(ctx context.Context) int {
	return p.healthCheck(ctx, false)
}

// healthCheck runs or joins a pass. With onlyIfEmpty it is a no-op unless the
// working set is empty and a pass is due.
func (p *Pool) healthCheck(ctx context.Context, onlyIfEmpty bool) int {
	p.mu.Lock()
	if onlyIfEmpty && p.inflight == nil && (len(p.working) > 0 || len(p.order) == 0 || !p.passDue()) {
		defer p.mu.Unlock()
		return len(p.working)
	}
	done := p.inflight
	if done == nil {
		done = make(chan struct{})
		p.inflight = done
		candidates := append([]string(nil), p.order...)
		// The pass outlives the caller that started it; its result is shared.
		go p.runPass(context.WithoutCancel(ctx), candidates, done)
	}
	p.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.working)
}

func (p *Pool) runPass(ctx context.Context, candidates []string, done chan struct{}) {
	results := make(chan checkResult, len(candidates))
	var wg sync.WaitGroup
	for _, addr := range candidates {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, p.cfg.CheckTimeout)
			defer cancel()
			err := p.checker.Check(checkCtx, addr)
			results <- checkResult{address: addr, err: err, at: p.clock.Now()}
		}(addr)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	working := make([]string, 0, len(candidates))
	for res := range results {
		p.mu.Lock()
		entry := p.entries[res.address]
		entry.LastChecked = res.at
		if res.err == nil {
			entry.State = StateHealthy
			working = append(working, res.address)
		} else {
			entry.State = StateFailed
			p.logger.Debug("proxy check failed", zap.String("proxy", res.address), zap.Error(res.err))
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.working = working
	p.next = 0
	p.lastPass = p.clock.Now()
	p.inflight = nil
	close(done)
	p.mu.Unlock()

	metrics.SetWorkingProxies(len(working))
	p.logger.Info("proxy health check complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("working", len(working)),
	)
}

// Entries returns a snapshot of every candidate in configuration order.
func (p *Pool) Entries() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, len(p.order))
	for _, addr := range p.order {
		out = append(out, *p.entries[addr])
	}
	return out
}

// Working returns a snapshot of the rotation.
func (p *Pool) Working() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.working...)
}

func (p *Pool) passDue() bool {
	if p.lastPass.IsZero() || p.cfg.RecheckInterval <= 0 {
		return true
	}
	return p.clock.Now().Sub(p.lastPass) >= p.cfg.RecheckInterval
}
