package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Avinier/moff-tarkin/internal/batch"
	"github.com/Avinier/moff-tarkin/internal/fetch"
	"github.com/Avinier/moff-tarkin/internal/metrics"
	"github.com/Avinier/moff-tarkin/internal/middleware"
)

// Fetcher is the orchestrator surface the server needs.
type Fetcher interface {
	batch.Fetcher
	FailedURLs() []string
}

// Store is the dedup set plus its counters.
type Store interface {
	fetch.Dedup
	Stats(ctx context.Context) (fetch.StoreStats, error)
}

// Persister stores the successful items of a batch and returns archive URIs by URL.
type Persister interface {
	Persist(ctx context.Context, report batch.Report) map[string]string
}

// Config tunes request handling.
type Config struct {
	// APIKey, when set, is required in the X-API-Key header on /v1 routes.
	APIKey string
	// RequestTimeout caps every handler.
	RequestTimeout time.Duration
	// MaxBatchURLs rejects larger batch submissions.
	MaxBatchURLs int
	// MaxConcurrent is the default batch admission limit.
	MaxConcurrent int
	// SkipProcessed is the default for batch dedup.
	SkipProcessed bool
	// Defaults fill options a request leaves unset.
	Defaults fetch.Options
}

// Server wires HTTP handlers to the orchestrator and batch runner.
type Server struct {
	router    chi.Router
	cfg       Config
	fetcher   Fetcher
	dedup     Store
	persister Persister
	ids       batch.IDGenerator
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. dedup, persister and ids may be nil.
func NewServer(
	cfg Config,
	fetcher Fetcher,
	dedup Store,
	persister Persister,
	ids batch.IDGenerator,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	s := &Server{
		cfg:       cfg,
		fetcher:   fetcher,
		dedup:     dedup,
		persister: persister,
		ids:       ids,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Metrics)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
		if cfg.APIKey != "" {
			r.Use(middleware.APIKey(cfg.APIKey))
		}
		r.Post("/fetch", s.fetchOne)
		r.Post("/batch", s.runBatch)
		r.Get("/failed", s.failed)
		r.Get("/stats", s.stats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.fetcher == nil {
		writeError(w, http.StatusServiceUnavailable, "fetcher not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type fetchRequest struct {
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Body            string            `json:"body"`
	Headers         map[string]string `json:"headers"`
	Heavy           *bool             `json:"heavy"`
	SkipCache       bool              `json:"skip_cache"`
	TimeoutSeconds  *int              `json:"timeout_seconds"`
	CacheTTLSeconds *int              `json:"cache_ttl_seconds"`
}

type attemptView struct {
	Strategy  string `json:"strategy"`
	Outcome   string `json:"outcome"`
	Status    int    `json:"status,omitempty"`
	Tries     int    `json:"tries"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
}

type fetchResponse struct {
	URL       string        `json:"url"`
	Strategy  string        `json:"strategy,omitempty"`
	FromCache bool          `json:"from_cache"`
	Bytes     int           `json:"bytes"`
	Body      string        `json:"body,omitempty"`
	Attempts  []attemptView `json:"attempts"`
	Error     string        `json:"error,omitempty"`
}

func (s *Server) fetchOne(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}

	fr := fetch.Request{
		URL:     req.URL,
		Method:  req.Method,
		Options: s.options(req.Heavy, req.TimeoutSeconds, req.CacheTTLSeconds, req.SkipCache),
	}
	if req.Body != "" {
		fr.Body = []byte(req.Body)
	}
	if len(req.Headers) > 0 {
		fr.Header = make(http.Header, len(req.Headers))
		for k, v := range req.Headers {
			fr.Header.Set(k, v)
		}
	}

	res, err := s.fetcher.Fetch(r.Context(), fr)
	out := fetchResponse{
		URL:       res.URL,
		Strategy:  string(res.Strategy),
		FromCache: res.FromCache,
		Bytes:     len(res.Body),
		Body:      string(res.Body),
		Attempts:  viewAttempts(res.Attempts),
	}
	if out.URL == "" {
		out.URL = req.URL
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, out)
	case errors.Is(err, fetch.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(r.Context().Err(), context.DeadlineExceeded):
		out.Error = err.Error()
		writeJSON(w, http.StatusGatewayTimeout, out)
	default:
		out.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, out)
	}
}

type batchRequest struct {
	URLs           []string `json:"urls"`
	Heavy          *bool    `json:"heavy"`
	SkipCache      bool     `json:"skip_cache"`
	SkipProcessed  *bool    `json:"skip_processed"`
	MaxConcurrent  *int     `json:"max_concurrent"`
	TimeoutSeconds *int     `json:"timeout_seconds"`
	Persist        bool     `json:"persist"`
}

type batchItemView struct {
	URL       string `json:"url"`
	Status    string `json:"status"`
	Strategy  string `json:"strategy,omitempty"`
	FromCache bool   `json:"from_cache"`
	Bytes     int    `json:"bytes"`
	URI       string `json:"uri,omitempty"`
	Error     string `json:"error,omitempty"`
}

type batchResponse struct {
	RunID      string          `json:"run_id"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	DurationMs int64           `json:"duration_ms"`
	Items      []batchItemView `json:"items"`
}

func (s *Server) runBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if s.cfg.MaxBatchURLs > 0 && len(req.URLs) > s.cfg.MaxBatchURLs {
		writeError(w, http.StatusRequestEntityTooLarge, "too many urls")
		return
	}
	if req.Persist && s.persister == nil {
		writeError(w, http.StatusBadRequest, "persistence is not configured")
		return
	}
	maxConcurrent := valueOrDefault(req.MaxConcurrent, s.cfg.MaxConcurrent)
	if maxConcurrent <= 0 {
		writeError(w, http.StatusBadRequest, "max_concurrent must be > 0")
		return
	}

	runner := batch.New(batch.Config{
		Options:       s.options(req.Heavy, req.TimeoutSeconds, nil, req.SkipCache),
		SkipProcessed: valueOrDefault(req.SkipProcessed, s.cfg.SkipProcessed) && s.dedup != nil,
	}, s.fetcher, s.dedup, s.ids, s.logger)

	report, err := runner.Run(r.Context(), req.URLs, maxConcurrent)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var uris map[string]string
	if req.Persist {
		uris = s.persister.Persist(r.Context(), report)
	}
	writeJSON(w, http.StatusOK, viewReport(report, uris))
}

func (s *Server) failed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"urls": s.fetcher.FailedURLs()})
}

type statsResponse struct {
	fetch.StoreStats
	FailedURLs int `json:"failed_urls"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if s.dedup == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	stats, err := s.dedup.Stats(r.Context())
	if err != nil {
		s.logger.Error("store stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store stats failed")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{StoreStats: stats, FailedURLs: len(s.fetcher.FailedURLs())})
}

func (s *Server) options(heavy *bool, timeoutSeconds, ttlSeconds *int, skipCache bool) fetch.Options {
	opts := s.cfg.Defaults
	opts.Heavy = valueOrDefault(heavy, opts.Heavy)
	if timeoutSeconds != nil && *timeoutSeconds > 0 {
		opts.Timeout = time.Duration(*timeoutSeconds) * time.Second
	}
	if ttlSeconds != nil && *ttlSeconds > 0 {
		opts.CacheTTL = time.Duration(*ttlSeconds) * time.Second
	}
	opts.SkipCache = skipCache
	return opts
}

func viewAttempts(attempts []fetch.Attempt) []attemptView {
	out := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		v := attemptView{
			Strategy:  string(a.Strategy),
			Outcome:   string(a.Kind),
			Status:    a.StatusCode,
			Tries:     a.Tries,
			ElapsedMs: a.Elapsed.Milliseconds(),
		}
		if a.Err != nil {
			v.Error = a.Err.Error()
		}
		out = append(out, v)
	}
	return out
}

func viewReport(report batch.Report, uris map[string]string) batchResponse {
	out := batchResponse{
		RunID:      report.RunID,
		Succeeded:  report.Succeeded,
		Failed:     report.Failed,
		Skipped:    report.Skipped,
		DurationMs: report.Duration.Milliseconds(),
		Items:      make([]batchItemView, 0, len(report.Items)),
	}
	for _, item := range report.Items {
		v := batchItemView{
			URL:       item.URL,
			Status:    "failed",
			Strategy:  string(item.Strategy),
			FromCache: item.FromCache,
			Bytes:     len(item.Body),
			URI:       uris[item.URL],
		}
		switch {
		case item.Skipped:
			v.Status = "skipped"
		case item.OK:
			v.Status = "ok"
		}
		if item.Err != nil {
			v.Error = item.Err.Error()
		}
		out.Items = append(out.Items, v)
	}
	return out
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
