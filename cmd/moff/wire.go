package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Avinier/moff-tarkin/internal/archive"
	"github.com/Avinier/moff-tarkin/internal/archive/gcs"
	"github.com/Avinier/moff-tarkin/internal/archive/local"
	archivememory "github.com/Avinier/moff-tarkin/internal/archive/memory"
	"github.com/Avinier/moff-tarkin/internal/archive/s3"
	"github.com/Avinier/moff-tarkin/internal/browser"
	"github.com/Avinier/moff-tarkin/internal/challenge"
	"github.com/Avinier/moff-tarkin/internal/challenge/anticaptcha"
	"github.com/Avinier/moff-tarkin/internal/challenge/flaresolverr"
	"github.com/Avinier/moff-tarkin/internal/challenge/llm"
	"github.com/Avinier/moff-tarkin/internal/challenge/twocaptcha"
	"github.com/Avinier/moff-tarkin/internal/config"
	"github.com/Avinier/moff-tarkin/internal/fetch"
	"github.com/Avinier/moff-tarkin/internal/hash/sha256"
	"github.com/Avinier/moff-tarkin/internal/policy/ratelimit"
	"github.com/Avinier/moff-tarkin/internal/proxypool"
	"github.com/Avinier/moff-tarkin/internal/publisher"
	pubmemory "github.com/Avinier/moff-tarkin/internal/publisher/memory"
	"github.com/Avinier/moff-tarkin/internal/publisher/pubsub"
	"github.com/Avinier/moff-tarkin/internal/storage/memory"
	"github.com/Avinier/moff-tarkin/internal/storage/postgres"
	redisstore "github.com/Avinier/moff-tarkin/internal/storage/redis"
	"github.com/Avinier/moff-tarkin/internal/transport/collyclient"
	"github.com/Avinier/moff-tarkin/internal/transport/tlsclient"
	"github.com/Avinier/moff-tarkin/internal/worker"
)

type dependencies struct {
	store        fetch.Store
	orchestrator *fetch.Orchestrator
	archiver     *archive.Archiver
	publisher    publisher.Publisher
	worker       *worker.Worker
	closers      []func()
}

func (d *dependencies) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func build(ctx context.Context, cfg config.Config, clock fetch.Clock, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{}
	ok := false
	defer func() {
		if !ok {
			deps.close()
		}
	}()

	var err error

	deps.store, err = buildStore(ctx, cfg.Store, clock, deps, logger)
	if err != nil {
		return nil, err
	}
	deps.archiver, err = buildArchive(ctx, cfg.Archive, deps, logger)
	if err != nil {
		return nil, err
	}
	deps.publisher, err = buildPublisher(ctx, cfg.Publish, deps, logger)
	if err != nil {
		return nil, err
	}
	deps.worker = newWorker(deps, clock, logger)

	pool := proxypool.New(proxypool.Config{
		Candidates:      cfg.Proxy.Candidates,
		CheckTimeout:    time.Duration(cfg.Proxy.CheckTimeoutSeconds) * time.Second,
		RecheckInterval: time.Duration(cfg.Proxy.RecheckIntervalSeconds) * time.Second,
	}, proxypool.NewHTTPChecker(cfg.Proxy.CheckURL), clock, logger)
	if len(cfg.Proxy.Candidates) > 0 {
		working := pool.HealthCheckAll(ctx)
		logger.Info("proxy pool checked", zap.Int("candidates", len(cfg.Proxy.Candidates)), zap.Int("working", working))
	}

	challenges, hasBypass, err := buildChallenges(cfg.Challenge, logger)
	if err != nil {
		return nil, err
	}

	ids := fetch.NewIdentities(cfg.Fetch.UserAgents)
	initial, maxDelay := cfg.Backoff()
	timeout := cfg.RequestTimeout()

	evasiveClient := tlsclient.New(tlsclient.Config{Timeout: timeout, MaxBodyBytes: cfg.Fetch.MaxBodyBytes}, logger)
	plainClient := collyclient.New(collyclient.Config{Timeout: timeout, MaxBodyBytes: int(cfg.Fetch.MaxBodyBytes)}, logger)
	deps.closers = append(deps.closers, plainClient.Close)

	strategies := []fetch.Strategy{
		fetch.NewEvasiveStrategy(evasiveClient, pool, ids,
			fetch.NewExponentialRetryPolicy(cfg.Fetch.EvasiveMaxAttempts, initial, maxDelay), logger),
	}
	if hasBypass {
		strategies = append(strategies, fetch.NewBypassStrategy(challenges, pool, logger))
	}
	if cfg.Browser.Enabled {
		launcher, err := browser.New(browser.Config{
			MaxParallel:       cfg.Browser.MaxParallel,
			Headless:          cfg.Browser.Headless,
			ExecPath:          cfg.Browser.ExecPath,
			NavigationTimeout: time.Duration(cfg.Browser.NavTimeoutSeconds) * time.Second,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("browser: %w", err)
		}
		strategies = append(strategies, fetch.NewBrowserStrategy(launcher, pool, challenges, ids, nil, logger))
	}
	strategies = append(strategies, fetch.NewPlainStrategy(plainClient, pool, ids,
		fetch.NewExponentialRetryPolicy(cfg.Fetch.PlainMaxAttempts, initial, maxDelay), logger))

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Fetch.RateLimitRPS,
		DefaultBurst: cfg.Fetch.RateLimitBurst,
		HostRPS:      cfg.Fetch.HostRPS,
	})
	deps.orchestrator = fetch.New(fetch.Config{
		AttemptTimeout: timeout,
		CacheTTL:       cfg.CacheTTL(),
	}, deps.store, strategies, limiter, logger)

	names := make([]string, 0, len(strategies))
	for _, s := range strategies {
		names = append(names, string(s.Name()))
	}
	logger.Info("cascade ready", zap.Strings("strategies", names), zap.String("store", cfg.Store.Driver))
	ok = true
	return deps, nil
}

func buildStore(ctx context.Context, cfg config.StoreConfig, clock fetch.Clock, deps *dependencies, logger *zap.Logger) (fetch.Store, error) {
	switch cfg.Driver {
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:         cfg.DSN,
			TablePrefix: cfg.TablePrefix,
			MaxConns:    cfg.MaxConns,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		deps.closers = append(deps.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		return store, nil
	case "redis":
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisPrefix,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		deps.closers = append(deps.closers, func() {
			if err := store.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		})
		return store, nil
	default:
		return memory.New(clock), nil
	}
}

func buildArchive(ctx context.Context, cfg config.ArchiveConfig, deps *dependencies, logger *zap.Logger) (*archive.Archiver, error) {
	var store archive.BlobStore
	switch cfg.Provider {
	case "local":
		s, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive: %w", err)
		}
		store = s
	case "gcs":
		s, err := gcs.New(ctx, gcs.Config{Bucket: cfg.GCSBucket}, nil)
		if err != nil {
			return nil, fmt.Errorf("gcs archive: %w", err)
		}
		deps.closers = append(deps.closers, func() {
			if err := s.Close(); err != nil {
				logger.Warn("gcs close failed", zap.Error(err))
			}
		})
		store = s
	case "s3":
		s, err := s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 archive: %w", err)
		}
		store = s
	case "memory":
		store = archivememory.New()
	default:
		return nil, nil
	}
	return archive.New(store, cfg.Prefix, cfg.ContentType, logger), nil
}

func buildPublisher(ctx context.Context, cfg config.PublishConfig, deps *dependencies, logger *zap.Logger) (publisher.Publisher, error) {
	switch cfg.Provider {
	case "pubsub":
		p, err := pubsub.New(ctx, pubsub.Config{ProjectID: cfg.ProjectID, TopicID: cfg.Topic})
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher: %w", err)
		}
		deps.closers = append(deps.closers, func() {
			if err := p.Close(); err != nil {
				logger.Warn("pubsub close failed", zap.Error(err))
			}
		})
		return p, nil
	case "memory":
		return pubmemory.New(), nil
	default:
		return nil, nil
	}
}

// newWorker keeps nil dependencies as nil interfaces so the worker skips those steps.
func newWorker(deps *dependencies, clock fetch.Clock, logger *zap.Logger) *worker.Worker {
	var archiver worker.Archiver
	if deps.archiver != nil {
		archiver = deps.archiver
	}
	return worker.New(archiver, deps.publisher, deps.store, sha256.New(), clock, logger)
}

// buildChallenges wires every solver and bypasser with credentials. The bool reports whether a bypasser exists.
func buildChallenges(cfg config.ChallengeConfig, logger *zap.Logger) (*challenge.Service, bool, error) {
	poll := time.Duration(cfg.PollIntervalSeconds) * time.Second
	var solvers []challenge.Solver
	if cfg.TwoCaptchaKey != "" {
		s, err := twocaptcha.New(twocaptcha.Config{APIKey: cfg.TwoCaptchaKey, PollInterval: poll})
		if err != nil {
			return nil, false, fmt.Errorf("2captcha: %w", err)
		}
		solvers = append(solvers, s)
	}
	if cfg.AntiCaptchaKey != "" {
		s, err := anticaptcha.New(anticaptcha.Config{APIKey: cfg.AntiCaptchaKey, PollInterval: poll})
		if err != nil {
			return nil, false, fmt.Errorf("anticaptcha: %w", err)
		}
		solvers = append(solvers, s)
	}
	if cfg.LLMEndpoint != "" {
		s, err := llm.New(llm.Config{Endpoint: cfg.LLMEndpoint, APIKey: cfg.LLMAPIKey, Model: cfg.LLMModel})
		if err != nil {
			return nil, false, fmt.Errorf("llm solver: %w", err)
		}
		solvers = append(solvers, s)
	}
	var bypassers []challenge.Bypasser
	if cfg.FlareSolverrURL != "" {
		bypassers = append(bypassers, flaresolverr.New(flaresolverr.Config{
			Endpoint:   cfg.FlareSolverrURL,
			MaxTimeout: time.Duration(cfg.FlareSolverrTimeoutMs) * time.Millisecond,
		}))
	}
	svc := challenge.NewService(challenge.ServiceConfig{
		SolveTimeout: time.Duration(cfg.SolveTimeoutSeconds) * time.Second,
	}, solvers, bypassers, logger)
	return svc, len(bypassers) > 0, nil
}

func fetchOptions(cfg config.Config, heavy bool) fetch.Options {
	return fetch.Options{
		Heavy:    heavy || cfg.Fetch.Heavy,
		Timeout:  cfg.RequestTimeout(),
		CacheTTL: cfg.CacheTTL(),
	}
}
