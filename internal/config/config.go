// Package config loads and validates episode-sync configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	collyfetcher "github.com/JakeFAU/episode-sync/internal/fetcher/colly"
	"github.com/JakeFAU/episode-sync/internal/policy/ratelimit"
	"github.com/JakeFAU/episode-sync/internal/source"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Source   SourceConfig   `mapstructure:"source"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Rate     RateConfig     `mapstructure:"rate"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Cache    CacheConfig    `mapstructure:"cache"`
	DB       DBConfig       `mapstructure:"db"`
	Enrich   EnrichConfig   `mapstructure:"enrich"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// SourceConfig describes the source site.
type SourceConfig struct {
	BaseURL     string           `mapstructure:"base_url"`
	LatestPaths []string         `mapstructure:"latest_paths"`
	LatestLimit int              `mapstructure:"latest_limit"`
	SeriesPath  string           `mapstructure:"series_path"`
	Selectors   source.Selectors `mapstructure:"selectors"`
	// Aliases maps a series slug to the title used for metadata search.
	Aliases map[string]string `mapstructure:"aliases"`
}

// ProxyConfig controls the proxy pool.
type ProxyConfig struct {
	Direct              bool          `mapstructure:"direct"`
	List                []string      `mapstructure:"list"`
	File                string        `mapstructure:"file"`
	Validate            bool          `mapstructure:"validate"`
	ValidateMax         int           `mapstructure:"validate_max"`
	ValidateTimeout     time.Duration `mapstructure:"validate_timeout"`
	ValidateConcurrency int           `mapstructure:"validate_concurrency"`
	TestURL             string        `mapstructure:"test_url"`
}

// HTTPConfig configures the fetch layer.
type HTTPConfig struct {
	Timeout        time.Duration             `mapstructure:"timeout"`
	MaxAttempts    int                       `mapstructure:"max_attempts"`
	BaseDelay      time.Duration             `mapstructure:"base_delay"`
	UserAgents     []string                  `mapstructure:"user_agents"`
	AcceptLanguage string                    `mapstructure:"accept_language"`
	Headers        map[string]string         `mapstructure:"headers"`
	Cookies        []collyfetcher.CookieRule `mapstructure:"cookies"`
	MaxBodySize    int                       `mapstructure:"max_body_size"`
}

// RateConfig is the global request rate limit shared by every fetch.
type RateConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
	Scope string  `mapstructure:"scope"`
}

// ResolverConfig bounds embed resolution.
type ResolverConfig struct {
	EmbedDepth     int           `mapstructure:"embed_depth"`
	CandidateDelay time.Duration `mapstructure:"candidate_delay"`
	FetchAttempts  int           `mapstructure:"fetch_attempts"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
}

// MaxDepth is the deepest level the resolver fetches: the embed depth plus the episode
// page and the first player hop.
func (c ResolverConfig) MaxDepth() int {
	return c.EmbedDepth + 2
}

// SyncConfig controls the sync worker.
type SyncConfig struct {
	RetryIntervals    []time.Duration `mapstructure:"retry_intervals"`
	RetryMaxAttempts  int             `mapstructure:"retry_max_attempts"`
	ConfirmAttempts   int             `mapstructure:"confirm_attempts"`
	SeriesConcurrency int             `mapstructure:"series_concurrency"`
	AuditLatestLimit  int             `mapstructure:"audit_latest_limit"`
	AuditRecentWindow time.Duration   `mapstructure:"audit_recent_window"`
	AuditRecentLimit  int             `mapstructure:"audit_recent_limit"`
}

// CacheConfig locates the local durable cache. An empty Dir keeps it in memory.
type CacheConfig struct {
	Dir string `mapstructure:"dir"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// EnrichConfig selects the metadata provider ("tmdb" or "none").
type EnrichConfig struct {
	Provider string     `mapstructure:"provider"`
	TMDB     TMDBConfig `mapstructure:"tmdb"`
}

// TMDBConfig configures the TMDB client.
type TMDBConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	BaseURL          string        `mapstructure:"base_url"`
	ImageBaseURL     string        `mapstructure:"image_base_url"`
	Language         string        `mapstructure:"language"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. Without a topic,
// events are kept in memory.
type PubSubConfig struct {
	ProjectID   string `mapstructure:"project_id"`
	TopicName   string `mapstructure:"topic_name"`
	EventBuffer int    `mapstructure:"event_buffer"`
}

// ServerConfig controls the optional ops HTTP server. An empty Addr disables it.
type ServerConfig struct {
	Addr    string        `mapstructure:"addr"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EPISODESYNC")
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
	v.SetDefault("source.base_url", "")
	v.SetDefault("source.latest_paths", []string{"/"})
	v.SetDefault("source.latest_limit", 60)
	v.SetDefault("source.series_path", "/serie/%s/")
	v.SetDefault("source.selectors.title", source.DefaultSelectors.Title)
	v.SetDefault("source.selectors.overview", source.DefaultSelectors.Overview)
	v.SetDefault("source.selectors.poster", source.DefaultSelectors.Poster)
	v.SetDefault("source.selectors.thumbnail", source.DefaultSelectors.Thumbnail)
	v.SetDefault("source.selectors.genres", source.DefaultSelectors.Genres)
	v.SetDefault("proxy.direct", false)
	v.SetDefault("proxy.file", "")
	v.SetDefault("proxy.validate", false)
	v.SetDefault("proxy.validate_max", 0)
	v.SetDefault("proxy.validate_timeout", "10s")
	v.SetDefault("proxy.validate_concurrency", 8)
	v.SetDefault("proxy.test_url", "https://httpbin.org/ip")
	v.SetDefault("http.timeout", "15s")
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.base_delay", "1s")
	v.SetDefault("http.accept_language", "es-ES,es;q=0.9,en;q=0.8")
	v.SetDefault("http.max_body_size", 10<<20)
	v.SetDefault("rate.rps", 2.0)
	v.SetDefault("rate.burst", 1)
	v.SetDefault("rate.scope", ratelimit.ScopeGlobal)
	v.SetDefault("resolver.embed_depth", 3)
	v.SetDefault("resolver.candidate_delay", "500ms")
	v.SetDefault("resolver.fetch_attempts", 2)
	v.SetDefault("resolver.fetch_timeout", "10s")
	v.SetDefault("sync.retry_intervals", []string{"3h", "5h", "10h"})
	v.SetDefault("sync.retry_max_attempts", 3)
	v.SetDefault("sync.confirm_attempts", 3)
	v.SetDefault("sync.series_concurrency", 1)
	v.SetDefault("sync.audit_latest_limit", 100)
	v.SetDefault("sync.audit_recent_window", "24h")
	v.SetDefault("sync.audit_recent_limit", 100)
	v.SetDefault("cache.dir", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.migrate", true)
	v.SetDefault("enrich.provider", "none")
	v.SetDefault("enrich.tmdb.api_key", "")
	v.SetDefault("enrich.tmdb.base_url", "https://api.themoviedb.org/3")
	v.SetDefault("enrich.tmdb.image_base_url", "https://image.tmdb.org/t/p/original")
	v.SetDefault("enrich.tmdb.language", "es-ES")
	v.SetDefault("enrich.tmdb.timeout", "10s")
	v.SetDefault("enrich.tmdb.failure_threshold", 5)
	v.SetDefault("enrich.tmdb.open_timeout", "1m")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("pubsub.event_buffer", 500)
	v.SetDefault("server.addr", "")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.timeout", "30s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Source.BaseURL) == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be > 0")
	}
	if c.Rate.Scope != ratelimit.ScopeGlobal && c.Rate.Scope != ratelimit.ScopeDomain {
		return fmt.Errorf("rate.scope must be %q or %q", ratelimit.ScopeGlobal, ratelimit.ScopeDomain)
	}
	if c.Resolver.EmbedDepth < 0 {
		return fmt.Errorf("resolver.embed_depth must be >= 0")
	}
	if len(c.Sync.RetryIntervals) == 0 {
		return fmt.Errorf("sync.retry_intervals must not be empty")
	}
	for _, d := range c.Sync.RetryIntervals {
		if d <= 0 {
			return fmt.Errorf("sync.retry_intervals must be positive durations")
		}
	}
	if c.Sync.RetryMaxAttempts <= 0 {
		return fmt.Errorf("sync.retry_max_attempts must be > 0")
	}
	if c.Sync.ConfirmAttempts <= 0 {
		return fmt.Errorf("sync.confirm_attempts must be > 0")
	}
	if c.Sync.SeriesConcurrency <= 0 {
		return fmt.Errorf("sync.series_concurrency must be > 0")
	}
	switch c.Enrich.Provider {
	case "", "none":
	case "tmdb":
		if c.Enrich.TMDB.APIKey == "" {
			return fmt.Errorf("enrich.tmdb.api_key must be set when enrich.provider is tmdb")
		}
	default:
		return fmt.Errorf("enrich.provider %q is not supported", c.Enrich.Provider)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Proxy.Validate && c.Proxy.TestURL == "" {
		return fmt.Errorf("proxy.test_url must be set when proxy.validate is enabled")
	}
	return nil
}
