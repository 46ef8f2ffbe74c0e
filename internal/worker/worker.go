// Package worker persists the successful items of a finished batch.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Avinier/moff-tarkin/internal/batch"
	"github.com/Avinier/moff-tarkin/internal/fetch"
	"github.com/Avinier/moff-tarkin/internal/publisher"
)

// Archiver stores a body and returns its URI.
type Archiver interface {
	Save(ctx context.Context, rawURL string, body []byte) (string, error)
}

// Hasher digests a body for the published record.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock stamps published records.
type Clock interface {
	Now() time.Time
}

// Worker archives, announces and marks each successful URL. Any of
// archiver, pub and dedup may be nil to skip that step.
type Worker struct {
	archiver Archiver
	pub      publisher.Publisher
	dedup    fetch.Dedup
	hasher   Hasher
	clock    Clock
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	archiver Archiver,
	pub publisher.Publisher,
	dedup fetch.Dedup,
	hasher Hasher,
	clock Clock,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		archiver: archiver,
		pub:      pub,
		dedup:    dedup,
		hasher:   hasher,
		clock:    clock,
		logger:   logger.Named("worker"),
	}
}

// Persist handles every OK item of report and returns archive URIs by URL.
// A URL is marked processed only after its archive and publish steps succeed,
// so a failure leaves it eligible for the next run.
func (w *Worker) Persist(ctx context.Context, report batch.Report) map[string]string {
	uris := make(map[string]string)
	for _, item := range report.Items {
		if !item.OK {
			continue
		}
		if ctx.Err() != nil {
			w.logger.Warn("persist interrupted", zap.Error(ctx.Err()))
			break
		}
		uri, ok := w.persistOne(ctx, report.RunID, item)
		if uri != "" {
			uris[item.URL] = uri
		}
		if !ok || w.dedup == nil {
			continue
		}
		if err := w.dedup.MarkProcessed(ctx, item.URL); err != nil {
			w.logger.Warn("mark processed failed", zap.String("url", item.URL), zap.Error(err))
		}
	}
	return uris
}

func (w *Worker) persistOne(ctx context.Context, runID string, item batch.Item) (string, bool) {
	if w.archiver == nil {
		return "", true
	}
	uri, err := w.archiver.Save(ctx, item.URL, item.Body)
	if err != nil {
		w.logger.Warn("archive failed", zap.String("url", item.URL), zap.Error(err))
		return "", false
	}
	if w.pub == nil {
		return uri, true
	}

	var hash string
	if w.hasher != nil {
		if hash, err = w.hasher.Hash(item.Body); err != nil {
			w.logger.Warn("hash body failed", zap.String("url", item.URL), zap.Error(err))
		}
	}
	record := publisher.PageArchived{
		RunID:     runID,
		URL:       item.URL,
		URI:       uri,
		Strategy:  string(item.Strategy),
		FromCache: item.FromCache,
		Bytes:     len(item.Body),
		Hash:      hash,
	}
	if w.clock != nil {
		record.FetchedAt = w.clock.Now()
	}
	id, err := w.pub.Publish(ctx, record)
	if err != nil {
		w.logger.Warn("publish failed", zap.String("url", item.URL), zap.String("uri", uri), zap.Error(err))
		return uri, false
	}
	w.logger.Info("page published",
		zap.String("run_id", runID),
		zap.String("url", item.URL),
		zap.String("uri", uri),
		zap.String("message_id", id),
	)
	return uri, true
}
