package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/catalog"
	"github.com/JakeFAU/episode-sync/internal/metrics"
)

// RunPass performs one full sync pass: due retries, the latest listing, a completeness pass
// over every series seen in the listing, and the two audits. Item failures are counted, not
// returned; only context cancellation or a failure to start the run ends it early.
func (w *Worker) RunPass(ctx context.Context) (catalog.RunSummary, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	runID, err := w.ids.NewID()
	if err != nil {
		return catalog.RunSummary{}, fmt.Errorf("generate run id: %w", err)
	}
	w.Reset(runID)
	logger := w.logger.With(zap.String("run_id", runID))
	logger.Info("sync pass started")

	err = w.pass(ctx, logger)
	summary := w.finish()
	logger.Info("sync pass finished",
		zap.Int("new", summary.New),
		zap.Int("updated", summary.Updated),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("servers", summary.Servers),
		zap.Int("series", summary.Series),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
	)
	return summary, err
}

func (w *Worker) pass(ctx context.Context, logger *zap.Logger) error {
	if err := w.processRetries(ctx); err != nil {
		return err
	}

	latest, err := w.source.Latest(ctx)
	if err != nil {
		logger.Error("latest listing failed", zap.Error(err))
	}
	for _, ref := range latest {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.ProcessItem(ctx, ref, false)
	}

	slugs := lo.Uniq(lo.Map(latest, func(ref catalog.EpisodeRef, _ int) string { return ref.Key.Slug }))
	w.completeSeries(ctx, slugs)
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := w.auditLatest(ctx); err != nil {
		return err
	}
	return w.auditRecent(ctx)
}

func (w *Worker) finish() catalog.RunSummary {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.summary.FinishedAt = w.now()
	w.summary.Series = len(w.touched)
	summary := w.summary
	w.last = &summary
	metrics.ObserveRun()
	return summary
}

func (w *Worker) processRetries(ctx context.Context) error {
	due, err := w.store.DueRetries(ctx, w.now(), w.cfg.RetryMaxAttempts)
	if err != nil {
		w.logger.Error("due retries lookup failed", zap.Error(err))
		return nil
	}
	for _, entry := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome := w.ProcessItem(ctx, catalog.EpisodeRef{Key: entry.Key, URL: entry.URL}, true)
		if outcome == catalog.OutcomeFailed {
			// A failed attempt still counts, or a dead source stays due forever.
			w.advanceRetry(ctx, entry)
		}
		w.count(func(s *catalog.RunSummary) { s.RetriesProcessed++ })
	}
	return nil
}

// completeSeries runs EnsureSeriesComplete for every slug with at most SeriesConcurrency
// running at once.
func (w *Worker) completeSeries(ctx context.Context, slugs []string) {
	sem := make(chan struct{}, w.cfg.SeriesConcurrency)
	var wg sync.WaitGroup
	for _, slug := range slugs {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(slug string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := w.EnsureSeriesComplete(ctx, slug); err != nil {
				w.logger.Warn("series completeness pass failed", zap.String("slug", slug), zap.Error(err))
			}
		}(slug)
	}
	wg.Wait()
}

// auditLatest verifies that every latest-index entry has a stored episode.
func (w *Worker) auditLatest(ctx context.Context) error {
	items, err := w.store.ListLatest(ctx, w.cfg.AuditLatestLimit)
	if err != nil {
		w.logger.Warn("latest audit listing failed", zap.Error(err))
		return nil
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := w.store.GetEpisode(ctx, item.Key)
		if err == nil {
			continue
		}
		if !errors.Is(err, catalog.ErrNotFound) {
			w.logger.Warn("latest audit lookup failed", zap.Stringer("key", item.Key), zap.Error(err))
			continue
		}
		w.count(func(s *catalog.RunSummary) { s.AuditMissing++ })
		w.logger.Warn("latest item missing from store", zap.Stringer("key", item.Key))
		if !w.isProcessed(item.Key) {
			w.ProcessItem(ctx, catalog.EpisodeRef{Key: item.Key, URL: item.URL}, true)
		}
	}
	return nil
}

// auditRecent re-processes recently written episodes that have no usable server.
func (w *Worker) auditRecent(ctx context.Context) error {
	since := w.now().Add(-w.cfg.AuditRecentWindow)
	episodes, err := w.store.RecentEpisodes(ctx, since, w.cfg.AuditRecentLimit)
	if err != nil {
		w.logger.Warn("recent audit listing failed", zap.Error(err))
		return nil
	}
	for _, ep := range episodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if catalog.CountUsable(ep.Servers) > 0 {
			continue
		}
		w.count(func(s *catalog.RunSummary) { s.AuditEmpty++ })
		if !w.isProcessed(ep.Key()) {
			w.ProcessItem(ctx, catalog.EpisodeRef{Key: ep.Key(), URL: ep.URL}, true)
		}
	}
	return nil
}
