// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/policy-news-crawler/internal/browser"
	"github.com/JakeFAU/policy-news-crawler/internal/download"
	"github.com/JakeFAU/policy-news-crawler/internal/pacing"
	"github.com/JakeFAU/policy-news-crawler/internal/remote"
	"github.com/JakeFAU/policy-news-crawler/internal/runlock"
	"github.com/JakeFAU/policy-news-crawler/internal/storage/gcs"
	"github.com/JakeFAU/policy-news-crawler/internal/storage/postgres"
)

// EnvPrefix prefixes every environment override, e.g. NEWSCRAWLER_SERVER_PORT.
const EnvPrefix = "NEWSCRAWLER"

// DefaultCrawlerKey is the shared secret used when none is configured.
const DefaultCrawlerKey = "zjzj-crawler-2026"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig        `mapstructure:"server"`
	Auth     AuthConfig          `mapstructure:"auth"`
	Target   TargetConfig        `mapstructure:"target"`
	Pacing   PacingConfig        `mapstructure:"pacing"`
	Browser  browser.Config      `mapstructure:"browser"`
	Download download.Config     `mapstructure:"download"`
	Breaker  BreakerConfig       `mapstructure:"breaker"`
	Storage  StorageConfig       `mapstructure:"storage"`
	DB       postgres.Config     `mapstructure:"db"`
	Redis    runlock.RedisConfig `mapstructure:"redis"`
	Remote   remote.Config       `mapstructure:"remote"`
	PubSub   PubSubConfig        `mapstructure:"pubsub"`
	Logging  LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	SyncTimeout  time.Duration `mapstructure:"sync_timeout"`
	ShutdownWait time.Duration `mapstructure:"shutdown_wait"`
}

// AuthConfig holds the bearer-token secret and the machine-to-machine key.
type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwt_secret"`
	CrawlerKey string `mapstructure:"crawler_key"`
}

// TargetConfig describes the listing and detail pages of the crawled site.
type TargetConfig struct {
	ListingURL    string   `mapstructure:"listing_url"`
	// BaseURL is the site root relative listing links resolve against. Empty
	// means the origin of ListingURL.
	BaseURL       string   `mapstructure:"base_url"`
	Source        string   `mapstructure:"source"`
	ItemSelector  string   `mapstructure:"item_selector"`
	TitleSelector string   `mapstructure:"title_selector"`
	DateSelector  string   `mapstructure:"date_selector"`
	Timezone      string   `mapstructure:"timezone"`
	BodySelectors []string `mapstructure:"body_selectors"`
	MinBodyLength int      `mapstructure:"min_body_length"`
	DefaultDays   int      `mapstructure:"default_days"`
}

// PacingConfig bounds the randomized human-like waits.
type PacingConfig struct {
	ReadDelay       pacing.Range `mapstructure:"read_delay"`
	DetailDelay     pacing.Range `mapstructure:"detail_delay"`
	AttachmentDelay pacing.Range `mapstructure:"attachment_delay"`
}

// BreakerConfig sets the consecutive-failure limit of a run.
type BreakerConfig struct {
	MaxFailures int `mapstructure:"max_failures"`
}

// StorageConfig selects record and attachment backends.
type StorageConfig struct {
	// Records is "memory" or "postgres".
	Records string `mapstructure:"records"`
	// Blobs is "local", "gcs" or "memory".
	Blobs    string     `mapstructure:"blobs"`
	LocalDir string     `mapstructure:"local_dir"`
	GCS      gcs.Config `mapstructure:"gcs"`
}

// PubSubConfig enables run notifications when ProjectID and Topic are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from .env, disk and environment, in increasing precedence.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("server.sync_timeout", "30m")
	v.SetDefault("server.shutdown_wait", "10s")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.crawler_key", DefaultCrawlerKey)

	v.SetDefault("target.listing_url", "https://www.zjzj.net/news/newsInfor/10")
	v.SetDefault("target.base_url", "")
	v.SetDefault("target.source", "浙江造价网")
	v.SetDefault("target.item_selector", ".news-ul a")
	v.SetDefault("target.title_selector", ".title")
	v.SetDefault("target.date_selector", ".time")
	v.SetDefault("target.timezone", "Asia/Shanghai")
	v.SetDefault("target.min_body_length", 50)
	v.SetDefault("target.default_days", 2)

	v.SetDefault("pacing.read_delay.min", "1500ms")
	v.SetDefault("pacing.read_delay.max", "3s")
	v.SetDefault("pacing.detail_delay.min", "3s")
	v.SetDefault("pacing.detail_delay.max", "6s")
	v.SetDefault("pacing.attachment_delay.min", "500ms")
	v.SetDefault("pacing.attachment_delay.max", "1500ms")

	v.SetDefault("browser.mode", "chrome")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.idle_settle", "10s")

	v.SetDefault("download.timeout", "60s")
	v.SetDefault("download.max_redirects", 5)
	v.SetDefault("download.prefix", "attachments")
	v.SetDefault("download.public_prefix", "/uploads")

	v.SetDefault("breaker.max_failures", 3)

	v.SetDefault("storage.records", "memory")
	v.SetDefault("storage.blobs", "local")
	v.SetDefault("storage.local_dir", "uploads")

	v.SetDefault("redis.url", "")
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.key", "")
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("remote.retries", 2)
	v.SetDefault("remote.rate_limit", 0)
	v.SetDefault("pubsub.topic", "news.synced")

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.CrawlerKey == "" {
		return fmt.Errorf("auth.crawler_key must be set")
	}
	if u, err := url.Parse(c.Target.ListingURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("target.listing_url must be an absolute URL")
	}
	if c.Target.BaseURL != "" {
		if u, err := url.Parse(c.Target.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("target.base_url must be an absolute URL")
		}
	}
	if _, err := time.LoadLocation(c.Target.Timezone); err != nil {
		return fmt.Errorf("target.timezone: %w", err)
	}
	if c.Target.DefaultDays < 1 || c.Target.DefaultDays > 365 {
		return fmt.Errorf("target.default_days must be within 1..365")
	}
	for name, r := range map[string]pacing.Range{
		"pacing.read_delay":       c.Pacing.ReadDelay,
		"pacing.detail_delay":     c.Pacing.DetailDelay,
		"pacing.attachment_delay": c.Pacing.AttachmentDelay,
	} {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Breaker.MaxFailures <= 0 {
		return fmt.Errorf("breaker.max_failures must be > 0")
	}
	switch c.Storage.Records {
	case "memory":
	case "postgres":
		if err := c.DB.WithDefaults().Validate(); err != nil {
			return fmt.Errorf("db: %w", err)
		}
	default:
		return fmt.Errorf("storage.records must be memory or postgres, got %q", c.Storage.Records)
	}
	switch c.Storage.Blobs {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for local blobs")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set for gcs blobs")
		}
	default:
		return fmt.Errorf("storage.blobs must be local, gcs or memory, got %q", c.Storage.Blobs)
	}
	return nil
}

// RemoteEnabled reports whether a remote submitter is configured.
func (c Config) RemoteEnabled() bool {
	return c.Remote.BaseURL != ""
}

// PubSubEnabled reports whether run events should be published.
func (c Config) PubSubEnabled() bool {
	return c.PubSub.ProjectID != "" && c.PubSub.Topic != ""
}
