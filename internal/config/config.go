// Package config loads and validates fetch configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
	Store     StoreConfig     `mapstructure:"store"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Server    ServerConfig    `mapstructure:"server"`
	Publish   PublishConfig   `mapstructure:"publish"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProxyConfig lists candidate proxies and how they are probed.
type ProxyConfig struct {
	Candidates             []string `mapstructure:"candidates"`
	CheckURL               string   `mapstructure:"check_url"`
	CheckTimeoutSeconds    int      `mapstructure:"check_timeout_seconds"`
	RecheckIntervalSeconds int      `mapstructure:"recheck_interval_seconds"`
}

// FetchConfig tunes the strategy cascade.
type FetchConfig struct {
	RequestTimeoutSeconds int                `mapstructure:"request_timeout_seconds"`
	EvasiveMaxAttempts    int                `mapstructure:"evasive_max_attempts"`
	PlainMaxAttempts      int                `mapstructure:"plain_max_attempts"`
	BackoffInitialMs      int                `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs          int                `mapstructure:"backoff_max_ms"`
	CacheTTLHours         int                `mapstructure:"cache_ttl_hours"`
	Heavy                 bool               `mapstructure:"heavy"`
	UserAgents            []string           `mapstructure:"user_agents"`
	RateLimitRPS          float64            `mapstructure:"rate_limit_rps"`
	RateLimitBurst        int                `mapstructure:"rate_limit_burst"`
	HostRPS               map[string]float64 `mapstructure:"host_rps"`
	MaxBodyBytes          int64              `mapstructure:"max_body_bytes"`
}

// BrowserConfig configures the headless browser tier.
type BrowserConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Headless          bool   `mapstructure:"headless"`
	ExecPath          string `mapstructure:"exec_path"`
	MaxParallel       int    `mapstructure:"max_parallel"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
}

// ChallengeConfig holds bypass and solver credentials. Empty endpoints or keys disable that backend.
type ChallengeConfig struct {
	FlareSolverrURL       string `mapstructure:"flaresolverr_url"`
	FlareSolverrTimeoutMs int    `mapstructure:"flaresolverr_timeout_ms"`
	TwoCaptchaKey         string `mapstructure:"twocaptcha_key"`
	AntiCaptchaKey        string `mapstructure:"anticaptcha_key"`
	LLMEndpoint           string `mapstructure:"llm_endpoint"`
	LLMAPIKey             string `mapstructure:"llm_api_key"`
	LLMModel              string `mapstructure:"llm_model"`
	SolveTimeoutSeconds   int    `mapstructure:"solve_timeout_seconds"`
	PollIntervalSeconds   int    `mapstructure:"poll_interval_seconds"`
}

// StoreConfig selects the cache/dedup backend.
type StoreConfig struct {
	Driver        string `mapstructure:"driver"`
	DSN           string `mapstructure:"dsn"`
	TablePrefix   string `mapstructure:"table_prefix"`
	MaxConns      int32  `mapstructure:"max_conns"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

// BatchConfig bounds the batch runner.
type BatchConfig struct {
	MaxConcurrent int  `mapstructure:"max_concurrent"`
	SkipProcessed bool `mapstructure:"skip_processed"`
}

// ArchiveConfig sets where fetched bodies are copied.
type ArchiveConfig struct {
	Provider    string `mapstructure:"provider"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3UseSSL    bool   `mapstructure:"s3_use_ssl"`
	S3Region    string `mapstructure:"s3_region"`
	S3Bucket    string `mapstructure:"s3_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ServerConfig configures the HTTP API started with -serve.
type ServerConfig struct {
	Addr                  string `mapstructure:"addr"`
	APIKey                string `mapstructure:"api_key"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	MaxBatchURLs          int    `mapstructure:"max_batch_urls"`
}

// PublishConfig selects where archived-page notices go.
type PublishConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MOFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("proxy.candidates", []string{})
	v.SetDefault("proxy.check_url", "http://httpbin.org/ip")
	v.SetDefault("proxy.check_timeout_seconds", 10)
	v.SetDefault("proxy.recheck_interval_seconds", 60)
	v.SetDefault("fetch.request_timeout_seconds", 30)
	v.SetDefault("fetch.evasive_max_attempts", 5)
	v.SetDefault("fetch.plain_max_attempts", 3)
	v.SetDefault("fetch.backoff_initial_ms", 500)
	v.SetDefault("fetch.backoff_max_ms", 8000)
	v.SetDefault("fetch.cache_ttl_hours", 24)
	v.SetDefault("fetch.heavy", false)
	v.SetDefault("fetch.rate_limit_rps", 0)
	v.SetDefault("fetch.rate_limit_burst", 1)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("challenge.flaresolverr_timeout_ms", 60000)
	v.SetDefault("challenge.solve_timeout_seconds", 120)
	v.SetDefault("challenge.poll_interval_seconds", 5)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.table_prefix", "moff_")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.redis_prefix", "moff:")
	v.SetDefault("batch.max_concurrent", 20)
	v.SetDefault("batch.skip_processed", true)
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.s3_use_ssl", true)
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.request_timeout_seconds", 300)
	v.SetDefault("server.max_batch_urls", 500)
	v.SetDefault("publish.provider", "none")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	for _, candidate := range c.Proxy.Candidates {
		if strings.TrimSpace(candidate) == "" {
			return fmt.Errorf("proxy.candidates must not contain blank entries")
		}
	}
	if c.Proxy.CheckTimeoutSeconds <= 0 {
		return fmt.Errorf("proxy.check_timeout_seconds must be > 0")
	}
	if c.Proxy.RecheckIntervalSeconds < 0 {
		return fmt.Errorf("proxy.recheck_interval_seconds must be >= 0")
	}
	if u, err := url.Parse(c.Proxy.CheckURL); err != nil || u.Host == "" {
		return fmt.Errorf("proxy.check_url must be an absolute URL")
	}
	if c.Fetch.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.request_timeout_seconds must be > 0")
	}
	if c.Fetch.EvasiveMaxAttempts <= 0 {
		return fmt.Errorf("fetch.evasive_max_attempts must be > 0")
	}
	if c.Fetch.PlainMaxAttempts <= 0 {
		return fmt.Errorf("fetch.plain_max_attempts must be > 0")
	}
	if c.Fetch.BackoffInitialMs <= 0 || c.Fetch.BackoffMaxMs < c.Fetch.BackoffInitialMs {
		return fmt.Errorf("fetch.backoff_max_ms must be >= fetch.backoff_initial_ms > 0")
	}
	if c.Fetch.CacheTTLHours <= 0 {
		return fmt.Errorf("fetch.cache_ttl_hours must be > 0")
	}
	if c.Fetch.RateLimitRPS < 0 {
		return fmt.Errorf("fetch.rate_limit_rps must be >= 0")
	}
	if c.Browser.Enabled && c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0 when the browser is enabled")
	}
	if c.Browser.NavTimeoutSeconds <= 0 {
		return fmt.Errorf("browser.nav_timeout_seconds must be > 0")
	}
	if c.Challenge.SolveTimeoutSeconds <= 0 {
		return fmt.Errorf("challenge.solve_timeout_seconds must be > 0")
	}
	if c.Challenge.PollIntervalSeconds <= 0 {
		return fmt.Errorf("challenge.poll_interval_seconds must be > 0")
	}
	if c.Challenge.LLMEndpoint != "" && c.Challenge.LLMModel == "" {
		return fmt.Errorf("challenge.llm_model must be set when challenge.llm_endpoint is set")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("store.driver must be one of memory, postgres, redis; got %q", c.Store.Driver)
	}
	if c.Batch.MaxConcurrent <= 0 {
		return fmt.Errorf("batch.max_concurrent must be > 0")
	}
	switch c.Archive.Provider {
	case "", "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local provider")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs provider")
		}
	case "s3":
		if c.Archive.S3Endpoint == "" || c.Archive.S3Bucket == "" {
			return fmt.Errorf("archive.s3_endpoint and archive.s3_bucket are required for the s3 provider")
		}
	default:
		return fmt.Errorf("archive.provider must be one of none, local, gcs, s3, memory; got %q", c.Archive.Provider)
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Server.MaxBatchURLs < 0 {
		return fmt.Errorf("server.max_batch_urls must be >= 0")
	}
	switch c.Publish.Provider {
	case "", "none", "memory":
	case "pubsub":
		if c.Publish.ProjectID == "" || c.Publish.Topic == "" {
			return fmt.Errorf("publish.project_id and publish.topic are required for the pubsub provider")
		}
	default:
		return fmt.Errorf("publish.provider must be one of none, memory, pubsub; got %q", c.Publish.Provider)
	}
	if c.Publish.Provider == "pubsub" && (c.Archive.Provider == "" || c.Archive.Provider == "none") {
		return fmt.Errorf("publish.provider requires an archive.provider")
	}
	return nil
}

// RequestTimeout is the per-attempt network timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Fetch.RequestTimeoutSeconds) * time.Second
}

// CacheTTL is the default cache entry lifetime.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Fetch.CacheTTLHours) * time.Hour
}

// Backoff returns the initial and maximum retry delays.
func (c Config) Backoff() (initial, maxDelay time.Duration) {
	return time.Duration(c.Fetch.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.Fetch.BackoffMaxMs) * time.Millisecond
}
