// Package memory provides in-memory store implementations for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/JakeFAU/episode-sync/internal/catalog"
)

// Store implements catalog.Store with maps. Reads return copies.
type Store struct {
	mu       sync.RWMutex
	series   map[string]catalog.Series
	episodes map[catalog.EpisodeKey]catalog.Episode
	retries  map[catalog.EpisodeKey]catalog.RetryEntry
	latest   map[catalog.EpisodeKey]catalog.LatestItem
}

var _ catalog.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		series:   make(map[string]catalog.Series),
		episodes: make(map[catalog.EpisodeKey]catalog.Episode),
		retries:  make(map[catalog.EpisodeKey]catalog.RetryEntry),
		latest:   make(map[catalog.EpisodeKey]catalog.LatestItem),
	}
}

// GetSeries loads a series by slug.
func (s *Store) GetSeries(_ context.Context, slug string) (catalog.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series, ok := s.series[slug]
	if !ok {
		return catalog.Series{}, catalog.ErrNotFound
	}
	series.Genres = append([]string(nil), series.Genres...)
	return series, nil
}

// UpsertSeries inserts or replaces a series.
func (s *Store) UpsertSeries(_ context.Context, series catalog.Series) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	series.Genres = append([]string(nil), series.Genres...)
	s.series[series.Slug] = series
	return nil
}

// GetEpisode loads an episode by identity.
func (s *Store) GetEpisode(_ context.Context, key catalog.EpisodeKey) (catalog.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.episodes[key]
	if !ok {
		return catalog.Episode{}, catalog.ErrNotFound
	}
	return copyEpisode(ep), nil
}

// UpsertEpisode inserts or replaces an episode.
func (s *Store) UpsertEpisode(_ context.Context, ep catalog.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.episodes[ep.Key()] = copyEpisode(ep)
	return nil
}

// ListEpisodes returns a series' episodes ordered by season and episode.
func (s *Store) ListEpisodes(_ context.Context, slug string) ([]catalog.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []catalog.Episode
	for key, ep := range s.episodes {
		if key.Slug == slug {
			out = append(out, copyEpisode(ep))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Season != out[j].Season {
			return out[i].Season < out[j].Season
		}
		return out[i].Episode < out[j].Episode
	})
	return out, nil
}

// RecentEpisodes returns episodes updated at or after since, newest first.
func (s *Store) RecentEpisodes(_ context.Context, since time.Time, limit int) ([]catalog.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := lo.FilterMap(lo.Values(s.episodes), func(ep catalog.Episode, _ int) (catalog.Episode, bool) {
		return copyEpisode(ep), !ep.UpdatedAt.Before(since)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

// GetRetry loads the retry entry for an episode.
func (s *Store) GetRetry(_ context.Context, key catalog.EpisodeKey) (catalog.RetryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.retries[key]
	if !ok {
		return catalog.RetryEntry{}, catalog.ErrNotFound
	}
	return entry, nil
}

// UpsertRetry inserts or replaces a retry entry.
func (s *Store) UpsertRetry(_ context.Context, entry catalog.RetryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[entry.Key] = entry
	return nil
}

// DeleteRetry removes a retry entry if present.
func (s *Store) DeleteRetry(_ context.Context, key catalog.EpisodeKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retries, key)
	return nil
}

// DueRetries returns due entries below maxAttempts, earliest first.
func (s *Store) DueRetries(_ context.Context, now time.Time, maxAttempts int) ([]catalog.RetryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := lo.Filter(lo.Values(s.retries), func(e catalog.RetryEntry, _ int) bool {
		return !e.NextAttempt.After(now) && e.Attempts < maxAttempts
	})
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttempt.Before(out[j].NextAttempt) })
	return out, nil
}

// UpsertLatest inserts or replaces a row of the latest index.
func (s *Store) UpsertLatest(_ context.Context, item catalog.LatestItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[item.Key] = item
	return nil
}

// ListLatest returns the newest rows of the latest index.
func (s *Store) ListLatest(_ context.Context, limit int) ([]catalog.LatestItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := lo.Values(s.latest)
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

func copyEpisode(ep catalog.Episode) catalog.Episode {
	ep.Servers = append([]catalog.ResolvedServer(nil), ep.Servers...)
	return ep
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
