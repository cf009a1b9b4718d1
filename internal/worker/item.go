package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/cache"
	"github.com/JakeFAU/episode-sync/internal/catalog"
)

// ProcessItem syncs one episode. Without force an episode already processed in this run,
// cached locally, or complete in the store is skipped. The outcome is also counted in the
// run summary, except for repeats within the same run.
func (w *Worker) ProcessItem(ctx context.Context, ref catalog.EpisodeRef, force bool) catalog.Outcome {
	key := ref.Key
	logger := w.logger.With(zap.Stringer("key", key), zap.Bool("force", force))
	if !key.Valid() || ref.URL == "" {
		logger.Warn("invalid episode reference", zap.String("url", ref.URL))
		w.record(catalog.OutcomeFailed, 0)
		return catalog.OutcomeFailed
	}
	if !w.claim(key, force) {
		logger.Debug("already processed in this run")
		return catalog.OutcomeSkipped
	}

	existing, done, err := w.lookup(ctx, key, force)
	if err != nil {
		logger.Error("episode lookup failed", zap.Error(err))
		w.record(catalog.OutcomeFailed, 0)
		return catalog.OutcomeFailed
	}
	if done {
		logger.Debug("episode already complete")
		w.record(catalog.OutcomeSkipped, 0)
		return catalog.OutcomeSkipped
	}

	outcome := catalog.OutcomeNew
	if existing != nil {
		outcome = catalog.OutcomeUpdated
	}

	ep, err := w.persist(ctx, ref, existing)
	if err != nil {
		logger.Error("episode sync failed", zap.Error(err))
		w.record(catalog.OutcomeFailed, 0)
		return catalog.OutcomeFailed
	}
	usable := catalog.CountUsable(ep.Servers)

	w.scheduleRetry(ctx, ep)
	if ep.Complete() {
		if err := w.episodes.Set(key.String(), ep); err != nil {
			logger.Warn("episode cache write failed", zap.Error(err))
		}
	}
	if err := w.store.UpsertLatest(ctx, catalog.LatestItem{
		Key:       key,
		Title:     ep.Title,
		URL:       ep.URL,
		Thumbnail: ep.Thumbnail,
		Servers:   usable,
		UpdatedAt: ep.UpdatedAt,
	}); err != nil {
		logger.Warn("latest index write failed", zap.Error(err))
	}
	w.publish(ctx, ep, outcome)

	logger.Info("episode synced",
		zap.String("outcome", string(outcome)),
		zap.Int("servers", usable),
		zap.Int("candidates", len(ep.Servers)),
	)
	w.record(outcome, usable)
	return outcome
}

// lookup returns the stored episode when it exists. done reports that nothing needs doing.
func (w *Worker) lookup(ctx context.Context, key catalog.EpisodeKey, force bool) (*catalog.Episode, bool, error) {
	if force {
		ep, err := w.store.GetEpisode(ctx, key)
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			return nil, false, nil
		case err != nil:
			return nil, false, fmt.Errorf("get episode: %w", err)
		}
		return &ep, false, nil
	}

	ep, hit, err := cache.Aside(ctx, w.episodes, key.String(), func(ctx context.Context) (catalog.Episode, error) {
		return w.store.GetEpisode(ctx, key)
	}, catalog.Episode.Complete)
	switch {
	case hit:
		return &ep, true, nil
	case errors.Is(err, catalog.ErrNotFound):
		return nil, false, nil
	case errors.Is(err, cache.ErrBackfill):
		w.logger.Warn("episode cache backfill failed", zap.Stringer("key", key), zap.Error(err))
	case err != nil:
		return nil, false, fmt.Errorf("get episode: %w", err)
	}
	if ep.Complete() {
		return &ep, true, nil
	}
	return &ep, false, nil
}

// persist builds and upserts the episode, then reads it back. A failed write or a read
// that does not reflect it repeats the whole cycle up to ConfirmAttempts times.
func (w *Worker) persist(ctx context.Context, ref catalog.EpisodeRef, existing *catalog.Episode) (catalog.Episode, error) {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.ConfirmAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return catalog.Episode{}, err
		}
		ep, err := w.build(ctx, ref, existing)
		if err != nil {
			return catalog.Episode{}, err
		}
		if err := w.store.UpsertEpisode(ctx, ep); err != nil {
			lastErr = fmt.Errorf("upsert episode: %w", err)
			w.logger.Warn("episode upsert failed", zap.Stringer("key", ref.Key), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		stored, err := w.store.GetEpisode(ctx, ref.Key)
		if err != nil {
			lastErr = fmt.Errorf("confirm episode: %w", err)
			w.logger.Warn("episode confirm failed", zap.Stringer("key", ref.Key), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if !sameWrite(stored, ep) {
			lastErr = fmt.Errorf("confirm episode %s: stored record does not match write", ref.Key)
			w.logger.Warn("episode confirm mismatch", zap.Stringer("key", ref.Key), zap.Int("attempt", attempt))
			continue
		}
		return ep, nil
	}
	return catalog.Episode{}, lastErr
}

func sameWrite(stored, written catalog.Episode) bool {
	return stored.UpdatedAt.Equal(written.UpdatedAt) &&
		catalog.CountUsable(stored.Servers) == catalog.CountUsable(written.Servers) &&
		stored.Thumbnail == written.Thumbnail
}

// build fetches the episode page, resolves its servers and assembles the record.
func (w *Worker) build(ctx context.Context, ref catalog.EpisodeRef, existing *catalog.Episode) (catalog.Episode, error) {
	key := ref.Key
	w.touch(key.Slug)
	series := w.seriesRecord(ctx, key.Slug)

	page, err := w.source.Episode(ctx, ref)
	if err != nil {
		return catalog.Episode{}, err
	}
	servers := w.resolver.ResolveCandidates(ctx, page.Candidates, ref.URL)
	if catalog.CountUsable(servers) == 0 && existing != nil && catalog.CountUsable(existing.Servers) > 0 {
		w.logger.Warn("resolution found no servers, keeping stored ones", zap.Stringer("key", key))
		servers = existing.Servers
	}

	ep := catalog.Episode{
		Slug:      key.Slug,
		Season:    key.Season,
		Episode:   key.Episode,
		URL:       ref.URL,
		Title:     strings.TrimSpace(page.Title),
		Thumbnail: page.Thumbnail,
		Servers:   servers,
		UpdatedAt: w.now(),
	}
	if ep.Title == "" {
		ep.Title = fmt.Sprintf("%s %dx%d", lo.CoalesceOrEmpty(series.Title, key.Slug), key.Season, key.Episode)
	}
	if ep.Thumbnail == "" && series.ExternalID != "" {
		img, err := w.enricher.EpisodeImage(ctx, series.ExternalID, key.Season, key.Episode)
		if err != nil {
			w.logger.Warn("episode image lookup failed", zap.Stringer("key", key), zap.Error(err))
		}
		ep.Thumbnail = img
	}
	if ep.Thumbnail == "" {
		ep.Thumbnail = series.Poster
	}
	if ep.Thumbnail == "" && existing != nil {
		ep.Thumbnail = existing.Thumbnail
	}
	if ep.Servers == nil {
		ep.Servers = []catalog.ResolvedServer{}
	}
	return ep, nil
}
