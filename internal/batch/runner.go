// Package batch fetches many URLs concurrently behind an admission gate.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Avinier/moff-tarkin/internal/fetch"
	"github.com/Avinier/moff-tarkin/internal/metrics"
)

// Fetcher performs one orchestrated fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (fetch.Result, error)
}

// IDGenerator names batch runs.
type IDGenerator interface {
	NewID() (string, error)
}

// Config controls the Runner.
type Config struct {
	// Options are applied to every request in the batch.
	Options fetch.Options
	// SkipProcessed consults the dedup set and reports already-processed URLs as skipped.
	SkipProcessed bool
}

// Item is the outcome for one input URL. Body is nil when the URL yielded nothing.
type Item struct {
	URL       string
	Body      []byte
	OK        bool
	Skipped   bool
	Strategy  fetch.StrategyName
	FromCache bool
	Err       error
}

// Report summarizes a batch. Items line up with the input slice.
type Report struct {
	RunID     string
	Items     []Item
	Succeeded int
	Failed    int
	Skipped   int
	Duration  time.Duration
}

// Runner fans a URL list out over a Fetcher.
type Runner struct {
	cfg     Config
	fetcher Fetcher
	dedup   fetch.Dedup
	ids     IDGenerator
	logger  *zap.Logger
}

// New builds a Runner. dedup may be nil when SkipProcessed is off; ids may be nil.
func New(cfg Config, fetcher Fetcher, dedup fetch.Dedup, ids IDGenerator, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:     cfg,
		fetcher: fetcher,
		dedup:   dedup,
		ids:     ids,
		logger:  logger.Named("batch"),
	}
}

// Run fetches urls with at most maxConcurrent in flight. A failing URL never
// cancels its siblings. Once ctx is done, URLs not yet admitted are reported
// absent with ctx.Err(); admitted ones finish under their own timeouts.
func (r *Runner) Run(ctx context.Context, urls []string, maxConcurrent int) (Report, error) {
	if maxConcurrent <= 0 {
		return Report{}, fmt.Errorf("%w: maxConcurrent must be > 0, got %d", fetch.ErrInvalidRequest, maxConcurrent)
	}
	start := time.Now()
	report := Report{RunID: r.runID(), Items: make([]Item, len(urls))}
	logger := r.logger.With(zap.String("run_id", report.RunID))
	logger.Info("batch started", zap.Int("urls", len(urls)), zap.Int("max_concurrent", maxConcurrent))

	sem := semaphore.NewWeighted(int64(maxConcurrent))
	// Admission follows ctx; an admitted fetch is bounded only by its own timeouts.
	itemCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i, u := range urls {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(urls); j++ {
				report.Items[j] = Item{URL: urls[j], Err: err}
			}
			break
		}
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			defer sem.Release(1)
			report.Items[i] = r.one(itemCtx, u, logger)
		}(i, u)
	}
	wg.Wait()

	for _, item := range report.Items {
		switch {
		case item.Skipped:
			report.Skipped++
		case item.OK:
			report.Succeeded++
		default:
			report.Failed++
		}
	}
	report.Duration = time.Since(start)
	metrics.ObserveBatch(report.Succeeded, report.Failed, report.Skipped)
	logger.Info("batch finished",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (r *Runner) one(ctx context.Context, u string, logger *zap.Logger) Item {
	if r.cfg.SkipProcessed && r.dedup != nil {
		done, err := r.dedup.IsProcessed(ctx, u)
		if err != nil {
			logger.Warn("dedup lookup failed", zap.String("url", u), zap.Error(err))
		} else if done {
			return Item{URL: u, Skipped: true}
		}
	}
	res, err := r.fetcher.Fetch(ctx, fetch.Request{URL: u, Options: r.cfg.Options})
	if err != nil {
		logger.Debug("url yielded nothing", zap.String("url", u), zap.Error(err))
		return Item{URL: u, Err: err}
	}
	return Item{
		URL:       u,
		Body:      res.Body,
		OK:        true,
		Strategy:  res.Strategy,
		FromCache: res.FromCache,
	}
}

func (r *Runner) runID() string {
	if r.ids == nil {
		return ""
	}
	id, err := r.ids.NewID()
	if err != nil {
		r.logger.Warn("run id generation failed", zap.Error(err))
		return ""
	}
	return id
}
