// Package server builds the episode-sync application from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/api"
	"github.com/JakeFAU/episode-sync/internal/cache"
	"github.com/JakeFAU/episode-sync/internal/catalog"
	"github.com/JakeFAU/episode-sync/internal/clock/system"
	"github.com/JakeFAU/episode-sync/internal/config"
	"github.com/JakeFAU/episode-sync/internal/enrich"
	"github.com/JakeFAU/episode-sync/internal/enrich/tmdb"
	collyfetcher "github.com/JakeFAU/episode-sync/internal/fetcher/colly"
	"github.com/JakeFAU/episode-sync/internal/id/uuid"
	"github.com/JakeFAU/episode-sync/internal/metrics"
	"github.com/JakeFAU/episode-sync/internal/policy/ratelimit"
	"github.com/JakeFAU/episode-sync/internal/proxy"
	memorypublisher "github.com/JakeFAU/episode-sync/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/episode-sync/internal/publisher/pubsub"
	"github.com/JakeFAU/episode-sync/internal/resolver"
	"github.com/JakeFAU/episode-sync/internal/source"
	memorystore "github.com/JakeFAU/episode-sync/internal/storage/memory"
	pgstore "github.com/JakeFAU/episode-sync/internal/storage/postgres"
	"github.com/JakeFAU/episode-sync/internal/worker"
)

const (
	memoryCacheDir  = "/cache"
	shutdownTimeout = 10 * time.Second
)

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	proxies   *proxy.Manager
	store     catalog.Store
	pg        *pgstore.Store
	events    *memorypublisher.Publisher
	pubsub    *gcppublisher.Publisher
	worker    *worker.Worker
	apiServer *api.Server
}

// Build wires every component described by cfg. Close must be called on the result.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.closeInfrastructure()
		}
	}()

	proxies, err := BuildProxyPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.proxies = proxies

	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.Rate.RPS,
		Burst: cfg.Rate.Burst,
		Scope: cfg.Rate.Scope,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgents:     cfg.HTTP.UserAgents,
		Timeout:        cfg.HTTP.Timeout,
		MaxAttempts:    cfg.HTTP.MaxAttempts,
		BaseDelay:      cfg.HTTP.BaseDelay,
		Headers:        cfg.HTTP.Headers,
		AcceptLanguage: cfg.HTTP.AcceptLanguage,
		Cookies:        cfg.HTTP.Cookies,
		MaxBodySize:    cfg.HTTP.MaxBodySize,
	}, proxies, limiter, logger.Named("fetch"))

	src, err := source.New(source.Config{
		BaseURL:     cfg.Source.BaseURL,
		LatestPaths: cfg.Source.LatestPaths,
		LatestLimit: cfg.Source.LatestLimit,
		SeriesPath:  cfg.Source.SeriesPath,
		Selectors:   cfg.Source.Selectors,
		Aliases:     source.Aliases(cfg.Source.Aliases),
	}, fetcher, logger.Named("source"))
	if err != nil {
		return nil, fmt.Errorf("build source: %w", err)
	}
	res := resolver.New(resolver.Config{
		MaxDepth:       cfg.Resolver.MaxDepth(),
		CandidateDelay: cfg.Resolver.CandidateDelay,
		FetchAttempts:  cfg.Resolver.FetchAttempts,
		FetchTimeout:   cfg.Resolver.FetchTimeout,
	}, fetcher, src.Site(), logger.Named("resolver"))

	if err := a.setupStore(ctx); err != nil {
		return nil, err
	}
	local, err := setupCache(cfg.Cache)
	if err != nil {
		return nil, err
	}
	enricher, err := setupEnricher(cfg.Enrich, logger)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	a.worker, err = worker.New(worker.Config{
		RetryIntervals:    cfg.Sync.RetryIntervals,
		RetryMaxAttempts:  cfg.Sync.RetryMaxAttempts,
		ConfirmAttempts:   cfg.Sync.ConfirmAttempts,
		SeriesConcurrency: cfg.Sync.SeriesConcurrency,
		AuditLatestLimit:  cfg.Sync.AuditLatestLimit,
		AuditRecentWindow: cfg.Sync.AuditRecentWindow,
		AuditRecentLimit:  cfg.Sync.AuditRecentLimit,
		Topic:             cfg.PubSub.TopicName,
	}, worker.Deps{
		Source:       src,
		Resolver:     res,
		Store:        a.store,
		SeriesCache:  local.Series(),
		EpisodeCache: local.Episodes(),
		Enricher:     enricher,
		Publisher:    publisher,
		Clock:        system.New(),
		IDs:          uuid.New(),
		Logger:       logger.Named("sync"),
	})
	if err != nil {
		return nil, fmt.Errorf("build worker: %w", err)
	}

	opts := api.Options{
		Proxies: proxies,
		Runs:    a.worker,
		Store:   a.store,
		Events:  a.events,
		APIKey:  cfg.Server.APIKey,
		Timeout: cfg.Server.Timeout,
		Logger:  logger.Named("api"),
	}
	if a.pg != nil {
		opts.Ready = a.pg
	}
	a.apiServer = api.NewServer(opts)

	logger.Info("application built",
		zap.String("source", cfg.Source.BaseURL),
		zap.Bool("postgres", a.pg != nil),
		zap.Bool("pubsub", a.pubsub != nil),
		zap.String("enrich", cfg.Enrich.Provider),
		zap.Int("proxies", proxies.Stats().Total),
	)
	ok = true
	return a, nil
}

// BuildProxyPool loads and optionally validates the proxy pool.
func BuildProxyPool(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*proxy.Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := proxy.NewManager(afero.NewOsFs(), logger.Named("proxy"))
	err := m.Initialize(ctx, proxy.Config{
		Direct:              cfg.Proxy.Direct,
		List:                cfg.Proxy.List,
		File:                cfg.Proxy.File,
		Validate:            cfg.Proxy.Validate,
		ValidateMax:         cfg.Proxy.ValidateMax,
		ValidateTimeout:     cfg.Proxy.ValidateTimeout,
		ValidateConcurrency: cfg.Proxy.ValidateConcurrency,
		TestURL:             cfg.Proxy.TestURL,
	})
	if err != nil {
		return nil, fmt.Errorf("init proxies: %w", err)
	}
	return m, nil
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("using in-memory catalog store")
		a.store = memorystore.NewStore()
		return nil
	}
	pg, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.pg = pg
	a.store = pg
	if a.cfg.DB.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

func setupCache(cfg config.CacheConfig) (*cache.Cache, error) {
	fs, dir := afero.NewMemMapFs(), memoryCacheDir
	if cfg.Dir != "" {
		fs, dir = afero.NewOsFs(), cfg.Dir
	}
	c, err := cache.New(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return c, nil
}

func setupEnricher(cfg config.EnrichConfig, logger *zap.Logger) (catalog.Enricher, error) {
	if cfg.Provider != "tmdb" {
		return enrich.Noop{}, nil
	}
	client, err := tmdb.New(tmdb.Config{
		APIKey:           cfg.TMDB.APIKey,
		BaseURL:          cfg.TMDB.BaseURL,
		ImageBaseURL:     cfg.TMDB.ImageBaseURL,
		Language:         cfg.TMDB.Language,
		Timeout:          cfg.TMDB.Timeout,
		FailureThreshold: cfg.TMDB.FailureThreshold,
		OpenTimeout:      cfg.TMDB.OpenTimeout,
	}, nil, logger.Named("tmdb"))
	if err != nil {
		return nil, fmt.Errorf("build tmdb client: %w", err)
	}
	return client, nil
}

// setupPublisher always keeps a bounded in-memory feed for the ops API. With a topic
// configured, events are also sent to Pub/Sub.
func (a *App) setupPublisher(ctx context.Context) (catalog.Publisher, error) {
	a.events = memorypublisher.New(a.cfg.PubSub.EventBuffer)
	if a.cfg.PubSub.TopicName == "" {
		return a.events, nil
	}
	p, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("open pubsub: %w", err)
	}
	a.pubsub = p
	return teePublisher{primary: p, feed: a.events}, nil
}

// teePublisher records every event in the local feed before handing it to primary.
type teePublisher struct {
	primary catalog.Publisher
	feed    *memorypublisher.Publisher
}

func (t teePublisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if _, err := t.feed.Publish(ctx, topic, payload); err != nil {
		return "", err
	}
	return t.primary.Publish(ctx, topic, payload)
}

// RunSync executes one full sync pass.
func (a *App) RunSync(ctx context.Context) (catalog.RunSummary, error) {
	return a.worker.RunPass(ctx)
}

// Handler exposes the ops API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Proxies returns the loaded proxy pool.
func (a *App) Proxies() *proxy.Manager {
	return a.proxies
}

// Serve runs the ops HTTP server on addr until ctx is canceled.
func (a *App) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(_ context.Context) error {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsub = nil
	}
	if a.pg != nil {
		a.pg.Close()
		a.pg = nil
	}
}
