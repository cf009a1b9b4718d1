// Package cache keeps a durable local copy of what the store already holds so repeat
// runs can skip items without a remote round trip.
package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/JakeFAU/episode-sync/internal/catalog"
)

const (
	seriesFile   = "series_cache.json"
	episodesFile = "episodes_cache.json"
)

// Cache holds the series and episode tables.
type Cache struct {
	series   *Table[catalog.Series]
	episodes *Table[catalog.Episode]
}

// New opens (or creates) the cache files under dir on fs.
func New(fs afero.Fs, dir string) (*Cache, error) {
	if fs == nil {
		fs = afero.NewMemMapFs()
	}
	if dir == "" {
		dir = "."
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{
		series:   newTable[catalog.Series](fs, filepath.Join(dir, seriesFile)),
		episodes: newTable[catalog.Episode](fs, filepath.Join(dir, episodesFile)),
	}, nil
}

// Series is the table keyed by series slug.
func (c *Cache) Series() *Table[catalog.Series] {
	return c.series
}

// Episodes is the table keyed by EpisodeKey.String().
func (c *Cache) Episodes() *Table[catalog.Episode] {
	return c.episodes
}

// ErrBackfill wraps failures writing a loaded value back to the local cache.
var ErrBackfill = errors.New("cache backfill failed")

// Lookup is the subset of Table used by Aside.
type Lookup[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T) error
}

// Aside returns the locally cached value for key or calls load and writes the result back
// when keep accepts it (a nil keep accepts everything). hit reports a local hit.
// Backfill failures are returned alongside the loaded value.
func Aside[T any](ctx context.Context, local Lookup[T], key string, load func(context.Context) (T, error), keep func(T) bool) (value T, hit bool, err error) {
	if v, ok := local.Get(key); ok {
		return v, true, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, false, err
	}
	if keep == nil || keep(v) {
		if err := local.Set(key, v); err != nil {
			return v, false, fmt.Errorf("%w %s: %w", ErrBackfill, key, err)
		}
	}
	return v, false, nil
}
