package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
source:
  base_url: https://site.example
  latest_paths: ["/", "/episodios/"]
  latest_limit: 20
  aliases:
    la-casa-de-papel: Money Heist
proxy:
  list: ["10.0.0.1:8080", "socks5://10.0.0.2:1080"]
  validate: true
  validate_concurrency: 4
http:
  timeout: 20s
  max_attempts: 4
  cookies:
    - host: site.example
      value: "cf_clearance=abc"
rate:
  rps: 0.5
  scope: domain
resolver:
  embed_depth: 4
  candidate_delay: 250ms
sync:
  retry_intervals: ["1h", "2h"]
  series_concurrency: 2
enrich:
  provider: tmdb
  tmdb:
    api_key: key
pubsub:
  project_id: proj
  topic_name: episodes
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Source.BaseURL != "https://site.example" || len(cfg.Source.LatestPaths) != 2 {
		t.Fatalf("expected source overrides to apply: %+v", cfg.Source)
	}
	if cfg.Source.Aliases["la-casa-de-papel"] != "Money Heist" {
		t.Fatalf("expected alias table to load: %+v", cfg.Source.Aliases)
	}
	if cfg.Source.Selectors.Title == "" {
		t.Fatalf("expected default selectors to survive")
	}
	if len(cfg.Proxy.List) != 2 || !cfg.Proxy.Validate || cfg.Proxy.ValidateConcurrency != 4 {
		t.Fatalf("expected proxy overrides to apply: %+v", cfg.Proxy)
	}
	if cfg.HTTP.Timeout != 20*time.Second || cfg.HTTP.MaxAttempts != 4 {
		t.Fatalf("expected http overrides to apply: %+v", cfg.HTTP)
	}
	if len(cfg.HTTP.Cookies) != 1 || cfg.HTTP.Cookies[0].Host != "site.example" {
		t.Fatalf("expected cookie rules to load: %+v", cfg.HTTP.Cookies)
	}
	if cfg.Rate.RPS != 0.5 || cfg.Rate.Scope != "domain" {
		t.Fatalf("expected rate overrides to apply: %+v", cfg.Rate)
	}
	if got := cfg.Resolver.MaxDepth(); got != 6 {
		t.Fatalf("expected max depth 6, got %d", got)
	}
	if cfg.Resolver.CandidateDelay != 250*time.Millisecond {
		t.Fatalf("expected candidate delay 250ms, got %v", cfg.Resolver.CandidateDelay)
	}
	if len(cfg.Sync.RetryIntervals) != 2 || cfg.Sync.RetryIntervals[1] != 2*time.Hour {
		t.Fatalf("expected retry intervals override: %v", cfg.Sync.RetryIntervals)
	}
	if cfg.Sync.SeriesConcurrency != 2 || cfg.Sync.RetryMaxAttempts != 3 {
		t.Fatalf("expected sync overrides and defaults: %+v", cfg.Sync)
	}
	if cfg.Enrich.TMDB.Language != "es-ES" || cfg.Enrich.TMDB.FailureThreshold != 5 {
		t.Fatalf("expected tmdb defaults: %+v", cfg.Enrich.TMDB)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EPISODESYNC_SOURCE_BASE_URL", "https://env.example")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Source.BaseURL != "https://env.example" {
		t.Fatalf("expected base url from env, got %q", cfg.Source.BaseURL)
	}
	want := []time.Duration{3 * time.Hour, 5 * time.Hour, 10 * time.Hour}
	if len(cfg.Sync.RetryIntervals) != len(want) {
		t.Fatalf("expected default retry intervals, got %v", cfg.Sync.RetryIntervals)
	}
	for i := range want {
		if cfg.Sync.RetryIntervals[i] != want[i] {
			t.Fatalf("expected default retry intervals, got %v", cfg.Sync.RetryIntervals)
		}
	}
	if cfg.Resolver.MaxDepth() != 5 {
		t.Fatalf("expected default max depth 5, got %d", cfg.Resolver.MaxDepth())
	}
	if cfg.Sync.ConfirmAttempts != 3 || cfg.Sync.SeriesConcurrency != 1 {
		t.Fatalf("unexpected sync defaults: %+v", cfg.Sync)
	}
	if cfg.Rate.Scope != "global" {
		t.Fatalf("expected global rate scope, got %q", cfg.Rate.Scope)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Source: SourceConfig{BaseURL: "https://site.example"},
		HTTP:   HTTPConfig{Timeout: time.Second, MaxAttempts: 1},
		Rate:   RateConfig{Scope: "global"},
		Sync: SyncConfig{
			RetryIntervals:    []time.Duration{time.Hour},
			RetryMaxAttempts:  3,
			ConfirmAttempts:   3,
			SeriesConcurrency: 1,
		},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected base config to be valid, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "missing base url", mutate: func(c *Config) { c.Source.BaseURL = " " }, want: "source.base_url"},
		{name: "invalid timeout", mutate: func(c *Config) { c.HTTP.Timeout = 0 }, want: "http.timeout"},
		{name: "invalid attempts", mutate: func(c *Config) { c.HTTP.MaxAttempts = 0 }, want: "http.max_attempts"},
		{name: "invalid scope", mutate: func(c *Config) { c.Rate.Scope = "host" }, want: "rate.scope"},
		{name: "negative embed depth", mutate: func(c *Config) { c.Resolver.EmbedDepth = -1 }, want: "resolver.embed_depth"},
		{name: "no retry intervals", mutate: func(c *Config) { c.Sync.RetryIntervals = nil }, want: "sync.retry_intervals"},
		{name: "zero retry interval", mutate: func(c *Config) { c.Sync.RetryIntervals = []time.Duration{0} }, want: "sync.retry_intervals"},
		{name: "no series workers", mutate: func(c *Config) { c.Sync.SeriesConcurrency = 0 }, want: "sync.series_concurrency"},
		{name: "tmdb without key", mutate: func(c *Config) { c.Enrich.Provider = "tmdb" }, want: "enrich.tmdb.api_key"},
		{name: "unknown provider", mutate: func(c *Config) { c.Enrich.Provider = "imdb" }, want: "enrich.provider"},
		{name: "topic without project", mutate: func(c *Config) { c.PubSub.TopicName = "t" }, want: "pubsub.project_id"},
		{name: "validate without test url", mutate: func(c *Config) { c.Proxy.Validate = true }, want: "proxy.test_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			c.Sync.RetryIntervals = append([]time.Duration(nil), base.Sync.RetryIntervals...)
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
