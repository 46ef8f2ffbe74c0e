package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/Avinier/moff-tarkin/internal/api"
	"github.com/Avinier/moff-tarkin/internal/batch"
	"github.com/Avinier/moff-tarkin/internal/clock/system"
	"github.com/Avinier/moff-tarkin/internal/config"
	"github.com/Avinier/moff-tarkin/internal/fetch"
	"github.com/Avinier/moff-tarkin/internal/id/uuid"
	"github.com/Avinier/moff-tarkin/internal/logging"
	"github.com/Avinier/moff-tarkin/internal/metrics"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("moff", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "Path to config file")
	heavy := fs.Bool("heavy", false, "Allow the headless browser tier")
	listPath := fs.String("file", "", "File with one URL per line")
	serveMode := fs.Bool("serve", false, "Serve the HTTP API instead of running a batch")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		fmt.Fprintf(stderr, "logger init failed: %v\n", err)
		return 1
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	var urls []string
	if !*serveMode {
		urls, err = collectURLs(*listPath, fs.Args())
		if err != nil {
			logger.Error("read url list failed", zap.Error(err))
			return 1
		}
		if len(urls) == 0 {
			fmt.Fprintln(stderr, "usage: moff [-config cfg.yaml] [-heavy] [-file urls.txt] [url ...] | moff -serve")
			return 2
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	deps, err := build(ctx, cfg, clock, logger)
	if err != nil {
		logger.Error("setup failed", zap.Error(err))
		return 1
	}
	defer deps.close()

	if *serveMode {
		return serve(ctx, cfg, *heavy, deps, logger)
	}

	srv := startMetrics(cfg.Metrics.Addr, logger, stop)

	runner := batch.New(batch.Config{
		Options: fetchOptions(cfg, *heavy),
		// Marking happens below, after archiving succeeds.
		SkipProcessed: cfg.Batch.SkipProcessed,
	}, deps.orchestrator, deps.store, uuid.New(), logger)

	report, err := runner.Run(ctx, urls, cfg.Batch.MaxConcurrent)
	if err != nil {
		logger.Error("batch failed", zap.Error(err))
		return 1
	}

	finishCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	uris := deps.worker.Persist(finishCtx, report)
	if n, err := deps.store.SweepExpired(finishCtx); err != nil {
		logger.Warn("cache sweep failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("expired cache entries removed", zap.Int("count", n))
	}
	if failed := deps.orchestrator.FailedURLs(); len(failed) > 0 {
		logger.Info("urls exhausted every strategy", zap.Strings("urls", failed))
	}

	printReport(stdout, report, uris)
	if stats, err := deps.store.Stats(finishCtx); err != nil {
		logger.Warn("store stats failed", zap.Error(err))
	} else {
		printStats(stdout, stats)
	}

	if srv != nil {
		if err := srv.Shutdown(finishCtx); err != nil {
			logger.Warn("metrics server shutdown error", zap.Error(err))
		}
	}
	return 0
}

// serve runs the HTTP API until ctx is canceled.
func serve(ctx context.Context, cfg config.Config, heavy bool, deps *dependencies, logger *zap.Logger) int {
	handler := api.NewServer(api.Config{
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		MaxBatchURLs:   cfg.Server.MaxBatchURLs,
		MaxConcurrent:  cfg.Batch.MaxConcurrent,
		SkipProcessed:  cfg.Batch.SkipProcessed,
		Defaults:       fetchOptions(cfg, heavy),
	}, deps.orchestrator, deps.store, deps.worker, uuid.New(), logger.Named("api"))

	metrics.Init()
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server started", zap.String("addr", cfg.Server.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server error", zap.Error(err))
			return 1
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown error", zap.Error(err))
	}
	if n, err := deps.store.SweepExpired(shutdownCtx); err != nil {
		logger.Warn("cache sweep failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("expired cache entries removed", zap.Int("count", n))
	}
	logger.Info("api server stopped")
	return 0
}

func startMetrics(addr string, logger *zap.Logger, stop context.CancelFunc) *http.Server {
	if addr == "" {
		return nil
	}
	metrics.Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
			stop()
		}
	}()
	return srv
}

// collectURLs merges the URL file (if any) with positional arguments, dropping blanks,
// comments and duplicates while keeping first-seen order.
func collectURLs(listPath string, args []string) ([]string, error) {
	var raw []string
	if listPath != "" {
		f, err := os.Open(listPath) // #nosec G304 -- operator-supplied path.
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", listPath, err)
		}
		defer f.Close()
		lines, err := readLines(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", listPath, err)
		}
		raw = append(raw, lines...)
	}
	raw = append(raw, args...)

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, u := range raw {
		u = strings.TrimSpace(u)
		if u == "" || strings.HasPrefix(u, "#") {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

func printReport(w io.Writer, report batch.Report, uris map[string]string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tSTRATEGY\tBYTES\tURL\tARCHIVE")
	for _, item := range report.Items {
		status, strategy := "failed", "-"
		switch {
		case item.Skipped:
			status = "skipped"
		case item.OK && item.FromCache:
			status, strategy = "ok", "cache"
		case item.OK:
			status, strategy = "ok", string(item.Strategy)
		}
		archived := uris[item.URL]
		if archived == "" {
			archived = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", status, strategy, len(item.Body), item.URL, archived)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\nrun %s: %d ok, %d failed, %d skipped in %s\n",
		report.RunID, report.Succeeded, report.Failed, report.Skipped, report.Duration.Round(time.Millisecond))
}

func printStats(w io.Writer, stats fetch.StoreStats) {
	fmt.Fprintf(w, "store: %d cached, %d processed\n", stats.CachedURLs, stats.ProcessedURLs)
}
