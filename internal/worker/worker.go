// Package worker runs sync passes: it discovers episodes on the source site, resolves their
// servers, persists them idempotently and schedules retries for partially resolved episodes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/cache"
	"github.com/JakeFAU/episode-sync/internal/catalog"
	"github.com/JakeFAU/episode-sync/internal/clock/system"
	"github.com/JakeFAU/episode-sync/internal/enrich"
	"github.com/JakeFAU/episode-sync/internal/id/uuid"
	"github.com/JakeFAU/episode-sync/internal/metrics"
)

// Source is the upstream site.
type Source interface {
	Latest(ctx context.Context) ([]catalog.EpisodeRef, error)
	Series(ctx context.Context, slug string) (catalog.SeriesListing, error)
	Episode(ctx context.Context, ref catalog.EpisodeRef) (catalog.EpisodePage, error)
	SearchTitle(slug, title string) string
}

// Resolver turns server candidates into resolved servers.
type Resolver interface {
	ResolveCandidates(ctx context.Context, candidates []catalog.ServerCandidate, referer string) []catalog.ResolvedServer
}

// Config controls Worker behavior.
type Config struct {
	// RetryIntervals is indexed by the attempt count of a retry entry.
	RetryIntervals    []time.Duration
	RetryMaxAttempts  int
	ConfirmAttempts   int
	SeriesConcurrency int
	AuditLatestLimit  int
	AuditRecentWindow time.Duration
	AuditRecentLimit  int
	Topic             string
}

// DefaultRetryIntervals is the backoff schedule for partially resolved episodes.
var DefaultRetryIntervals = []time.Duration{3 * time.Hour, 5 * time.Hour, 10 * time.Hour}

// Deps are the Worker collaborators. Source, Resolver and Store are required.
type Deps struct {
	Source       Source
	Resolver     Resolver
	Store        catalog.Store
	SeriesCache  cache.Lookup[catalog.Series]
	EpisodeCache cache.Lookup[catalog.Episode]
	Enricher     catalog.Enricher
	Publisher    catalog.Publisher
	Clock        catalog.Clock
	IDs          catalog.IDGenerator
	Logger       *zap.Logger
}

// Worker is the sync orchestrator. One pass runs at a time; series within a pass may run
// concurrently up to SeriesConcurrency.
type Worker struct {
	cfg       Config
	source    Source
	resolver  Resolver
	store     catalog.Store
	series    cache.Lookup[catalog.Series]
	episodes  cache.Lookup[catalog.Episode]
	enricher  catalog.Enricher
	publisher catalog.Publisher
	clock     catalog.Clock
	ids       catalog.IDGenerator
	logger    *zap.Logger

	runMu sync.Mutex

	mu        sync.Mutex
	processed map[catalog.EpisodeKey]struct{}
	touched   map[string]struct{}
	summary   catalog.RunSummary
	last      *catalog.RunSummary
}

// New constructs a Worker. Missing optional dependencies get in-process defaults.
func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Source == nil || deps.Resolver == nil || deps.Store == nil {
		return nil, errors.New("worker requires a source, a resolver and a store")
	}
	if len(cfg.RetryIntervals) == 0 {
		cfg.RetryIntervals = DefaultRetryIntervals
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 3
	}
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = 3
	}
	if cfg.SeriesConcurrency <= 0 {
		cfg.SeriesConcurrency = 1
	}
	if cfg.AuditLatestLimit <= 0 {
		cfg.AuditLatestLimit = 100
	}
	if cfg.AuditRecentWindow <= 0 {
		cfg.AuditRecentWindow = 24 * time.Hour
	}
	if cfg.AuditRecentLimit <= 0 {
		cfg.AuditRecentLimit = 100
	}
	if deps.SeriesCache == nil || deps.EpisodeCache == nil {
		local, err := cache.New(afero.NewMemMapFs(), "/cache")
		if err != nil {
			return nil, fmt.Errorf("in-memory cache: %w", err)
		}
		if deps.SeriesCache == nil {
			deps.SeriesCache = local.Series()
		}
		if deps.EpisodeCache == nil {
			deps.EpisodeCache = local.Episodes()
		}
	}
	if deps.Enricher == nil {
		deps.Enricher = enrich.Noop{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Worker{
		cfg:       cfg,
		source:    deps.Source,
		resolver:  deps.Resolver,
		store:     deps.Store,
		series:    deps.SeriesCache,
		episodes:  deps.EpisodeCache,
		enricher:  deps.Enricher,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		ids:       deps.IDs,
		logger:    deps.Logger,
		processed: make(map[catalog.EpisodeKey]struct{}),
		touched:   make(map[string]struct{}),
	}, nil
}

// Summary returns the counters of the current (or most recent) pass.
func (w *Worker) Summary() catalog.RunSummary {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.summary
	s.Series = len(w.touched)
	return s
}

// LastRun returns the summary of the last finished pass.
func (w *Worker) LastRun() (catalog.RunSummary, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return catalog.RunSummary{}, false
	}
	return *w.last, true
}

// Reset clears the processed set and counters and starts a new run with runID.
func (w *Worker) Reset(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.processed = make(map[catalog.EpisodeKey]struct{})
	w.touched = make(map[string]struct{})
	w.summary = catalog.RunSummary{RunID: runID, StartedAt: w.now()}
}

func (w *Worker) now() time.Time {
	return w.clock.Now().UTC().Truncate(time.Microsecond)
}

// claim marks key as processed in this run. It reports false when the key was already
// processed and force is not set.
func (w *Worker) claim(key catalog.EpisodeKey, force bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.processed[key]; ok && !force {
		return false
	}
	w.processed[key] = struct{}{}
	return true
}

func (w *Worker) isProcessed(key catalog.EpisodeKey) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.processed[key]
	return ok
}

func (w *Worker) touch(slug string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.touched[slug] = struct{}{}
}

func (w *Worker) record(outcome catalog.Outcome, servers int) {
	w.mu.Lock()
	w.summary.Record(outcome, servers)
	w.mu.Unlock()
	metrics.ObserveItem(string(outcome))
}

func (w *Worker) count(fn func(*catalog.RunSummary)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(&w.summary)
}
