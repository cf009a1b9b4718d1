package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/cache"
	"github.com/JakeFAU/episode-sync/internal/catalog"
)

// EnsureSeriesComplete backfills a series: every episode listed upstream that is missing or
// incomplete in the store is processed with force. Complete episodes are counted as skipped
// and written to the local cache. Running it again with nothing missing changes nothing.
func (w *Worker) EnsureSeriesComplete(ctx context.Context, slug string) error {
	logger := w.logger.With(zap.String("slug", slug))
	listing, err := w.source.Series(ctx, slug)
	if err != nil {
		return fmt.Errorf("series listing: %w", err)
	}
	w.touch(slug)
	series := w.refreshSeries(ctx, listing.Series)
	if err := w.series.Set(slug, series); err != nil {
		logger.Warn("series cache write failed", zap.Error(err))
	}

	stored, err := w.store.ListEpisodes(ctx, slug)
	if err != nil {
		return fmt.Errorf("list stored episodes: %w", err)
	}
	have := lo.SliceToMap(stored, func(ep catalog.Episode) (catalog.EpisodeKey, catalog.Episode) {
		return ep.Key(), ep
	})
	complete := lo.CountValuesBy(lo.Filter(stored, func(ep catalog.Episode, _ int) bool {
		return ep.Complete()
	}), func(ep catalog.Episode) int { return ep.Season })
	for season, upstream := range listing.SeasonCounts() {
		if complete[season] < upstream {
			logger.Info("season incomplete",
				zap.Int("season", season),
				zap.Int("upstream", upstream),
				zap.Int("complete", complete[season]),
			)
		}
	}

	for _, ref := range listing.Episodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.isProcessed(ref.Key) {
			continue
		}
		if ep, ok := have[ref.Key]; ok && ep.Complete() {
			if !w.claim(ref.Key, false) {
				continue
			}
			if err := w.episodes.Set(ref.Key.String(), ep); err != nil {
				logger.Warn("episode cache write failed", zap.Stringer("key", ref.Key), zap.Error(err))
			}
			w.record(catalog.OutcomeSkipped, 0)
			continue
		}
		w.ProcessItem(ctx, ref, true)
	}
	return nil
}

// seriesRecord returns the series for slug from the local cache, the store, or a fresh
// fetch and enrichment, in that order. Failures yield a zero Series.
func (w *Worker) seriesRecord(ctx context.Context, slug string) catalog.Series {
	series, _, err := cache.Aside(ctx, w.series, slug, func(ctx context.Context) (catalog.Series, error) {
		s, err := w.store.GetSeries(ctx, slug)
		if !errors.Is(err, catalog.ErrNotFound) {
			return s, err
		}
		listing, err := w.source.Series(ctx, slug)
		if err != nil {
			return catalog.Series{}, err
		}
		return w.refreshSeries(ctx, listing.Series), nil
	}, nil)
	if err != nil {
		w.logger.Warn("series lookup failed", zap.String("slug", slug), zap.Error(err))
	}
	return series
}

// refreshSeries merges an upstream series with the stored record, enriches it when it has
// no external ID yet and upserts it.
func (w *Worker) refreshSeries(ctx context.Context, upstream catalog.Series) catalog.Series {
	current, err := w.store.GetSeries(ctx, upstream.Slug)
	switch {
	case err == nil:
		upstream = mergeSeries(current, upstream)
	case !errors.Is(err, catalog.ErrNotFound):
		w.logger.Warn("series read failed", zap.String("slug", upstream.Slug), zap.Error(err))
	}
	if upstream.ExternalID == "" {
		upstream = w.enrichSeries(ctx, upstream)
	}
	upstream.UpdatedAt = w.now()
	if err := w.store.UpsertSeries(ctx, upstream); err != nil {
		w.logger.Warn("series upsert failed", zap.String("slug", upstream.Slug), zap.Error(err))
	}
	return upstream
}

// mergeSeries keeps enrichment from current where the upstream page has nothing.
func mergeSeries(current, upstream catalog.Series) catalog.Series {
	upstream.ExternalID = lo.CoalesceOrEmpty(upstream.ExternalID, current.ExternalID)
	upstream.Overview = lo.CoalesceOrEmpty(current.Overview, upstream.Overview)
	upstream.Poster = lo.CoalesceOrEmpty(current.Poster, upstream.Poster)
	upstream.Backdrop = lo.CoalesceOrEmpty(upstream.Backdrop, current.Backdrop)
	upstream.Rating = lo.CoalesceOrEmpty(upstream.Rating, current.Rating)
	if len(current.Genres) > 0 {
		upstream.Genres = current.Genres
	}
	upstream.SeasonCount = lo.CoalesceOrEmpty(upstream.SeasonCount, current.SeasonCount)
	upstream.EpisodeCount = lo.CoalesceOrEmpty(upstream.EpisodeCount, current.EpisodeCount)
	return upstream
}

func (w *Worker) enrichSeries(ctx context.Context, s catalog.Series) catalog.Series {
	logger := w.logger.With(zap.String("slug", s.Slug))
	id, err := w.enricher.Search(ctx, w.source.SearchTitle(s.Slug, s.Title), catalog.KindSeries)
	if err != nil {
		logger.Warn("metadata search failed", zap.Error(err))
		return s
	}
	if id == "" {
		logger.Debug("no metadata match")
		return s
	}
	s.ExternalID = id
	details, err := w.enricher.Details(ctx, id, catalog.KindSeries)
	if err != nil {
		logger.Warn("metadata details failed", zap.Error(err))
		return s
	}
	if details == nil {
		return s
	}
	s.Overview = lo.CoalesceOrEmpty(details.Overview, s.Overview)
	if len(details.Images) > 0 {
		s.Poster = details.Images[0]
	}
	if len(details.Images) > 1 {
		s.Backdrop = details.Images[1]
	}
	s.Rating = lo.CoalesceOrEmpty(details.Rating, s.Rating)
	if len(details.Genres) > 0 {
		s.Genres = details.Genres
	}
	s.SeasonCount = lo.CoalesceOrEmpty(s.SeasonCount, details.SeasonCount)
	s.EpisodeCount = lo.CoalesceOrEmpty(s.EpisodeCount, details.EpisodeCount)
	return s
}
