package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/catalog"
	"github.com/JakeFAU/episode-sync/internal/metrics"
)

// scheduleRetry updates the retry entry for a persisted episode. Two or more usable servers
// clear it. Exactly one schedules the next attempt from RetryIntervals. Zero only advances
// an entry that already exists. Attempts stop growing at RetryMaxAttempts, after which the
// entry is no longer due.
func (w *Worker) scheduleRetry(ctx context.Context, ep catalog.Episode) {
	key := ep.Key()
	logger := w.logger.With(zap.Stringer("key", key))
	usable := catalog.CountUsable(ep.Servers)

	entry, err := w.store.GetRetry(ctx, key)
	exists := err == nil
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		logger.Warn("retry lookup failed", zap.Error(err))
		return
	}

	if usable >= 2 {
		if !exists {
			return
		}
		if err := w.store.DeleteRetry(ctx, key); err != nil {
			logger.Warn("retry clear failed", zap.Error(err))
			return
		}
		metrics.ObserveRetry("cleared")
		logger.Debug("retry cleared")
		return
	}
	if usable == 0 && !exists {
		return
	}

	if !exists {
		entry = catalog.RetryEntry{Key: key, Attempts: -1}
	}
	entry.URL = ep.URL
	w.advanceRetry(ctx, entry)
}

// advanceRetry counts one more attempt for entry and pushes NextAttempt out by the
// matching interval. A new entry passed with Attempts -1 is stored at attempt 0.
func (w *Worker) advanceRetry(ctx context.Context, entry catalog.RetryEntry) {
	logger := w.logger.With(zap.Stringer("key", entry.Key))
	now := w.now()
	entry.Attempts = min(entry.Attempts+1, w.cfg.RetryMaxAttempts)
	entry.NextAttempt = now.Add(w.retryInterval(entry.Attempts))
	entry.UpdatedAt = now
	if err := w.store.UpsertRetry(ctx, entry); err != nil {
		logger.Warn("retry schedule failed", zap.Error(err))
		return
	}
	action := "scheduled"
	if entry.Attempts >= w.cfg.RetryMaxAttempts {
		action = "exhausted"
	}
	metrics.ObserveRetry(action)
	logger.Info("retry "+action,
		zap.Int("attempts", entry.Attempts),
		zap.Time("next_attempt", entry.NextAttempt),
	)
}

func (w *Worker) retryInterval(attempts int) time.Duration {
	idx := min(max(attempts, 0), len(w.cfg.RetryIntervals)-1)
	return w.cfg.RetryIntervals[idx]
}
