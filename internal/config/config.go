// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs for the archivum service.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Workers WorkersConfig `mapstructure:"workers"`
	Store   StoreConfig   `mapstructure:"store"`
	Blobs   BlobsConfig   `mapstructure:"blobs"`
	Enrich  EnrichConfig  `mapstructure:"enrich"`
	Search  SearchConfig  `mapstructure:"search"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the query API HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// CrawlConfig governs the crawl loop.
type CrawlConfig struct {
	Seeds         []string `mapstructure:"seeds"`
	SeedFile      string   `mapstructure:"seed_file"`
	Concurrency   int      `mapstructure:"concurrency"`
	MaxURLRetries int      `mapstructure:"max_url_retries"`
	StaleClaimSec int      `mapstructure:"stale_claim_seconds"`
}

// FetchConfig configures the HTTP fetcher's retry and politeness policy.
type FetchConfig struct {
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	MaxRetries        int    `mapstructure:"max_retries"`
	BackoffInitialMs  int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs      int    `mapstructure:"backoff_max_ms"`
	MaxConcurrent     int    `mapstructure:"max_concurrent"`
	PerHostIntervalMs int    `mapstructure:"per_host_interval_ms"`
	UserAgent         string `mapstructure:"user_agent"`
	MaxDocBytes       int64  `mapstructure:"max_doc_bytes"`
}

// QueueConfig controls the durable work queue's delivery semantics.
type QueueConfig struct {
	VisibilityTimeoutSec      int `mapstructure:"visibility_timeout_seconds"`
	VisibilityTimeoutLargeSec int `mapstructure:"visibility_timeout_large_seconds"`
	LargePayloadBytes         int `mapstructure:"large_payload_bytes"`
	MaxAttempts               int `mapstructure:"max_attempts"`
	NackDelayMs               int `mapstructure:"nack_delay_ms"`
	PollIntervalMs            int `mapstructure:"poll_interval_ms"`
}

// WorkersConfig sizes the processing worker pool.
type WorkersConfig struct {
	Count                int `mapstructure:"count"`
	EnrichTimeoutSeconds int `mapstructure:"enrich_timeout_seconds"`
}

// StoreConfig selects the durable store backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path   string `mapstructure:"path"`   // sqlite file
	DSN    string `mapstructure:"dsn"`    // postgres dsn
}

// BlobsConfig sets where extracted-text and raw payloads are written.
type BlobsConfig struct {
	Dir string `mapstructure:"dir"`
}

// EnrichConfig selects the summarize/embed collaborator implementations.
type EnrichConfig struct {
	Provider         string `mapstructure:"provider"` // "local" or "openai"
	BaseURL          string `mapstructure:"base_url"`
	APIKeyEnv        string `mapstructure:"api_key_env"`
	EmbedModel       string `mapstructure:"embed_model"`
	SummaryModel     string `mapstructure:"summary_model"`
	Dimension        int    `mapstructure:"dimension"`
	SummarySentences int    `mapstructure:"summary_sentences"`
	MinTextLen       int    `mapstructure:"min_text_len"`
	MaxPDFPages      int    `mapstructure:"max_pdf_pages"`
}

// SearchConfig controls the query surface and index refresh cadence.
type SearchConfig struct {
	DefaultTopK        int `mapstructure:"default_top_k"`
	RefreshIntervalSec int `mapstructure:"refresh_interval_seconds"`
}

// LoggingConfig selects the log level and zap development features.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHIVUM")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawl.concurrency", 4)
	v.SetDefault("crawl.max_url_retries", 3)
	v.SetDefault("crawl.stale_claim_seconds", 300)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_initial_ms", 250)
	v.SetDefault("fetch.backoff_max_ms", 5000)
	v.SetDefault("fetch.max_concurrent", 8)
	v.SetDefault("fetch.per_host_interval_ms", 1000)
	v.SetDefault("fetch.user_agent", "archivum-bot/0.1")
	v.SetDefault("fetch.max_doc_bytes", int64(25*1024*1024))
	v.SetDefault("queue.visibility_timeout_seconds", 60)
	v.SetDefault("queue.visibility_timeout_large_seconds", 300)
	v.SetDefault("queue.large_payload_bytes", 512*1024)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.nack_delay_ms", 1000)
	v.SetDefault("queue.poll_interval_ms", 200)
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.enrich_timeout_seconds", 60)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "archivum.db")
	v.SetDefault("blobs.dir", "archivum_blobs")
	v.SetDefault("enrich.provider", "local")
	v.SetDefault("enrich.dimension", 256)
	v.SetDefault("enrich.summary_sentences", 5)
	v.SetDefault("enrich.min_text_len", 100)
	v.SetDefault("enrich.max_pdf_pages", 100)
	v.SetDefault("search.default_top_k", 5)
	v.SetDefault("search.refresh_interval_seconds", 30)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.Concurrency <= 0 {
		return fmt.Errorf("crawl.concurrency must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxConcurrent <= 0 {
		return fmt.Errorf("fetch.max_concurrent must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Enrich.Provider {
	case "local":
	case "openai":
		if c.Enrich.BaseURL == "" {
			return fmt.Errorf("enrich.base_url is required for the openai provider")
		}
	default:
		return fmt.Errorf("unknown enrich.provider %q", c.Enrich.Provider)
	}
	if c.Search.DefaultTopK <= 0 {
		return fmt.Errorf("search.default_top_k must be > 0")
	}
	return nil
}

// FetchTimeout returns the per-request fetch budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// EnrichTimeout returns the per-document enrichment budget.
func (c Config) EnrichTimeout() time.Duration {
	return time.Duration(c.Workers.EnrichTimeoutSeconds) * time.Second
}
