package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/episode-sync/internal/catalog"
)

func TestEnsureSeriesComplete_Scenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil, nil)
	keys := []catalog.EpisodeKey{epKey("x", 1, 1), epKey("x", 1, 2), epKey("x", 1, 3), epKey("x", 1, 4), epKey("x", 1, 5)}
	h.source.addSeries("x", keys...)
	for _, k := range keys[:3] {
		require.NoError(t, h.store.UpsertEpisode(ctx, storedEpisode(k, 2)))
	}
	require.NoError(t, h.store.UpsertEpisode(ctx, storedEpisode(keys[3], 0)))
	h.source.addEpisode(h.resolver, keys[3], 2, 2)
	h.source.addEpisode(h.resolver, keys[4], 2, 2)

	h.worker.Reset("run-1")
	require.NoError(t, h.worker.EnsureSeriesComplete(ctx, "x"))

	s := h.worker.Summary()
	require.Equal(t, 1, s.New)
	require.Equal(t, 1, s.Updated)
	require.Equal(t, 3, s.Skipped)
	require.Zero(t, s.Failed)
	require.Equal(t, 1, s.Series)

	unchanged, err := h.store.GetEpisode(ctx, keys[0])
	require.NoError(t, err)
	require.Equal(t, storedEpisode(keys[0], 2), unchanged)
	episodes, _ := h.source.calls()
	require.Equal(t, 2, episodes)
}

func TestEnsureSeriesComplete_BackfillIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil, nil)
	keys := []catalog.EpisodeKey{epKey("x", 1, 1), epKey("x", 1, 2), epKey("x", 1, 3)}
	h.source.addSeries("x", keys...)
	for _, k := range keys[:2] {
		require.NoError(t, h.store.UpsertEpisode(ctx, storedEpisode(k, 1)))
	}
	h.source.addEpisode(h.resolver, keys[2], 2, 2)

	h.worker.Reset("run-1")
	require.NoError(t, h.worker.EnsureSeriesComplete(ctx, "x"))
	stored, err := h.store.ListEpisodes(ctx, "x")
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for i, ep := range stored {
		require.Equal(t, keys[i], ep.Key())
	}
	require.Equal(t, storedEpisode(keys[0], 1), stored[0])
	require.Equal(t, storedEpisode(keys[1], 1), stored[1])

	require.NoError(t, h.worker.EnsureSeriesComplete(ctx, "x"))
	require.Equal(t, 1, h.worker.Summary().New, "same run is a no-op")

	h.worker.Reset("run-2")
	require.NoError(t, h.worker.EnsureSeriesComplete(ctx, "x"))
	s := h.worker.Summary()
	require.Zero(t, s.New)
	require.Zero(t, s.Updated)
	require.Equal(t, 3, s.Skipped)
	episodes, _ := h.source.calls()
	require.Equal(t, 1, episodes)

	again, err := h.store.ListEpisodes(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, stored, again)
}

func TestEnsureSeriesComplete_ListingFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	h.worker.Reset("run-1")
	require.ErrorIs(t, h.worker.EnsureSeriesComplete(context.Background(), "missing"), catalog.ErrUnavailable)
}

func TestRunPass(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil, func(c *Config, _ *Deps) { c.SeriesConcurrency = 2 })

	// a-1x1 has a due retry and now resolves to two servers.
	a := epKey("a", 1, 1)
	require.NoError(t, h.store.UpsertEpisode(ctx, storedEpisode(a, 1)))
	require.NoError(t, h.store.UpsertRetry(ctx, catalog.RetryEntry{
		Key: a, URL: refFor(a).URL, NextAttempt: baseTime.Add(-time.Hour), UpdatedAt: baseTime.Add(-4 * time.Hour),
	}))
	h.source.addSeries("a", a)
	h.source.addEpisode(h.resolver, a, 2, 2)

	// b-1x1 is on the latest listing and b-1x2 is only on the series page.
	b1, b2 := epKey("b", 1, 1), epKey("b", 1, 2)
	h.source.addSeries("b", b1, b2)
	h.source.latest = []catalog.EpisodeRef{h.source.addEpisode(h.resolver, b1, 2, 2)}
	h.source.addEpisode(h.resolver, b2, 2, 2)

	// z-1x1 is indexed as latest but missing from the store.
	z := epKey("z", 1, 1)
	require.NoError(t, h.store.UpsertLatest(ctx, catalog.LatestItem{Key: z, URL: refFor(z).URL, UpdatedAt: baseTime.Add(-time.Hour)}))
	h.source.addEpisode(h.resolver, z, 2, 2)

	// c-1x1 was written recently with no usable server.
	c := epKey("c", 1, 1)
	empty := storedEpisode(c, 0)
	empty.UpdatedAt = baseTime.Add(-time.Hour)
	require.NoError(t, h.store.UpsertEpisode(ctx, empty))
	h.source.addEpisode(h.resolver, c, 1, 1)

	summary, err := h.worker.RunPass(ctx)
	require.NoError(t, err)
	require.Equal(t, "id-1", summary.RunID)
	require.Equal(t, 1, summary.RetriesProcessed)
	require.Equal(t, 3, summary.New)
	require.Equal(t, 2, summary.Updated)
	require.Zero(t, summary.Failed)
	require.Zero(t, summary.Skipped)
	require.Equal(t, 1, summary.AuditMissing)
	require.Equal(t, 1, summary.AuditEmpty)
	require.Equal(t, 9, summary.Servers)
	require.Equal(t, 4, summary.Series)
	require.Equal(t, baseTime, summary.StartedAt)

	_, err = h.store.GetRetry(ctx, a)
	require.ErrorIs(t, err, catalog.ErrNotFound)
	entry, err := h.store.GetRetry(ctx, c)
	require.NoError(t, err)
	require.Zero(t, entry.Attempts)
	for _, k := range []catalog.EpisodeKey{b1, b2, z} {
		_, err := h.store.GetEpisode(ctx, k)
		require.NoError(t, err, k.String())
	}

	last, ok := h.worker.LastRun()
	require.True(t, ok)
	require.Equal(t, summary, last)
}

func TestRunPass_SecondPassSkipsEverything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil, nil)
	b1 := epKey("b", 1, 1)
	h.source.addSeries("b", b1)
	h.source.latest = []catalog.EpisodeRef{h.source.addEpisode(h.resolver, b1, 2, 2)}

	first, err := h.worker.RunPass(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.New)

	second, err := h.worker.RunPass(ctx)
	require.NoError(t, err)
	require.Equal(t, "id-2", second.RunID)
	require.Zero(t, second.New)
	require.Equal(t, 1, second.Skipped)
	require.Equal(t, 1, h.resolver.callCount())
}

func TestRunPass_StopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := newHarness(t, nil, nil)
	b1 := epKey("b", 1, 1)
	h.source.latest = []catalog.EpisodeRef{h.source.addEpisode(h.resolver, b1, 1, 1)}

	summary, err := h.worker.RunPass(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, summary.New)
	_, ok := h.worker.LastRun()
	require.True(t, ok)
}

func TestRunPass_FailedRetryAdvancesUntilExhausted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil, nil)

	// gone-1x1 has one usable server stored and its page is no longer served.
	k := epKey("gone", 1, 1)
	require.NoError(t, h.store.UpsertEpisode(ctx, storedEpisode(k, 1)))
	require.NoError(t, h.store.UpsertRetry(ctx, catalog.RetryEntry{
		Key: k, URL: refFor(k).URL, NextAttempt: baseTime.Add(-time.Minute), UpdatedAt: baseTime.Add(-3 * time.Hour),
	}))

	first, err := h.worker.RunPass(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.RetriesProcessed)
	require.Equal(t, 1, first.Failed)
	entry, err := h.store.GetRetry(ctx, k)
	require.NoError(t, err)
	require.Equal(t, 1, entry.Attempts)
	require.Equal(t, baseTime.Add(5*time.Hour), entry.NextAttempt)

	processed := first.RetriesProcessed
	for range 5 {
		h.clock.Advance(11 * time.Hour)
		summary, err := h.worker.RunPass(ctx)
		require.NoError(t, err)
		processed += summary.RetriesProcessed
	}
	require.Equal(t, 3, processed)

	entry, err = h.store.GetRetry(ctx, k)
	require.NoError(t, err)
	require.Equal(t, 3, entry.Attempts)

	h.clock.Advance(24 * time.Hour)
	last, err := h.worker.RunPass(ctx)
	require.NoError(t, err)
	require.Zero(t, last.RetriesProcessed)
}
