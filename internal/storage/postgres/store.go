// Package postgres provides the Postgres-backed catalog store.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/episode-sync/internal/catalog"
)

//go:embed schema.sql
var schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements catalog.Store on Postgres. Every write is an upsert on the natural key.
type Store struct {
	pool pool
}

var _ catalog.Store = (*Store)(nil)

// New connects to Postgres using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// GetSeries loads a series by slug.
func (s *Store) GetSeries(ctx context.Context, slug string) (catalog.Series, error) {
	query := `
		SELECT slug, title, url, overview, poster, backdrop, genres, rating,
			season_count, episode_count, external_id, updated_at
		FROM series
		WHERE slug = $1;
	`
	var (
		series catalog.Series
		genres []byte
	)
	err := s.pool.QueryRow(ctx, query, slug).Scan(
		&series.Slug,
		&series.Title,
		&series.URL,
		&series.Overview,
		&series.Poster,
		&series.Backdrop,
		&genres,
		&series.Rating,
		&series.SeasonCount,
		&series.EpisodeCount,
		&series.ExternalID,
		&series.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Series{}, catalog.ErrNotFound
		}
		return catalog.Series{}, fmt.Errorf("get series %s: %w", slug, err)
	}
	if err := unmarshalJSON(genres, &series.Genres); err != nil {
		return catalog.Series{}, fmt.Errorf("decode genres for %s: %w", slug, err)
	}
	return series, nil
}

// UpsertSeries inserts or replaces a series.
func (s *Store) UpsertSeries(ctx context.Context, series catalog.Series) error {
	genres, err := json.Marshal(nonNil(series.Genres))
	if err != nil {
		return fmt.Errorf("marshal genres: %w", err)
	}
	query := `
		INSERT INTO series (
			slug, title, url, overview, poster, backdrop, genres, rating,
			season_count, episode_count, external_id, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (slug) DO UPDATE SET
			title = EXCLUDED.title,
			url = EXCLUDED.url,
			overview = EXCLUDED.overview,
			poster = EXCLUDED.poster,
			backdrop = EXCLUDED.backdrop,
			genres = EXCLUDED.genres,
			rating = EXCLUDED.rating,
			season_count = EXCLUDED.season_count,
			episode_count = EXCLUDED.episode_count,
			external_id = EXCLUDED.external_id,
			updated_at = EXCLUDED.updated_at;
	`
	_, err = s.pool.Exec(ctx, query,
		series.Slug,
		series.Title,
		series.URL,
		series.Overview,
		series.Poster,
		series.Backdrop,
		genres,
		series.Rating,
		series.SeasonCount,
		series.EpisodeCount,
		series.ExternalID,
		series.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert series %s: %w", series.Slug, err)
	}
	return nil
}

const episodeColumns = `slug, season, episode, url, title, thumbnail, servers, updated_at`

// GetEpisode loads an episode by identity.
func (s *Store) GetEpisode(ctx context.Context, key catalog.EpisodeKey) (catalog.Episode, error) {
	query := `SELECT ` + episodeColumns + `
		FROM episodes
		WHERE slug = $1 AND season = $2 AND episode = $3;`
	ep, err := scanEpisode(s.pool.QueryRow(ctx, query, key.Slug, key.Season, key.Episode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Episode{}, catalog.ErrNotFound
		}
		return catalog.Episode{}, fmt.Errorf("get episode %s: %w", key, err)
	}
	return ep, nil
}

// UpsertEpisode inserts or replaces an episode.
func (s *Store) UpsertEpisode(ctx context.Context, ep catalog.Episode) error {
	servers, err := json.Marshal(nonNil(ep.Servers))
	if err != nil {
		return fmt.Errorf("marshal servers: %w", err)
	}
	query := `
		INSERT INTO episodes (
			slug, season, episode, url, title, thumbnail, servers, server_count, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (slug, season, episode) DO UPDATE SET
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			thumbnail = EXCLUDED.thumbnail,
			servers = EXCLUDED.servers,
			server_count = EXCLUDED.server_count,
			updated_at = EXCLUDED.updated_at;
	`
	_, err = s.pool.Exec(ctx, query,
		ep.Slug,
		ep.Season,
		ep.Episode,
		ep.URL,
		ep.Title,
		ep.Thumbnail,
		servers,
		catalog.CountUsable(ep.Servers),
		ep.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert episode %s: %w", ep.Key(), err)
	}
	return nil
}

// ListEpisodes returns every stored episode of a series ordered by season and episode.
func (s *Store) ListEpisodes(ctx context.Context, slug string) ([]catalog.Episode, error) {
	query := `SELECT ` + episodeColumns + `
		FROM episodes
		WHERE slug = $1
		ORDER BY season, episode;`
	return s.queryEpisodes(ctx, query, slug)
}

// RecentEpisodes returns episodes updated at or after since, newest first.
func (s *Store) RecentEpisodes(ctx context.Context, since time.Time, limit int) ([]catalog.Episode, error) {
	query := `SELECT ` + episodeColumns + `
		FROM episodes
		WHERE updated_at >= $1
		ORDER BY updated_at DESC
		LIMIT $2;`
	return s.queryEpisodes(ctx, query, since, limit)
}

func (s *Store) queryEpisodes(ctx context.Context, query string, args ...any) ([]catalog.Episode, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	var out []catalog.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan episode row: %w", err)
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	return out, nil
}

func scanEpisode(row pgx.Row) (catalog.Episode, error) {
	var (
		ep      catalog.Episode
		servers []byte
	)
	if err := row.Scan(
		&ep.Slug,
		&ep.Season,
		&ep.Episode,
		&ep.URL,
		&ep.Title,
		&ep.Thumbnail,
		&servers,
		&ep.UpdatedAt,
	); err != nil {
		return catalog.Episode{}, err
	}
	if err := unmarshalJSON(servers, &ep.Servers); err != nil {
		return catalog.Episode{}, fmt.Errorf("decode servers: %w", err)
	}
	return ep, nil
}

// GetRetry loads the retry entry for an episode.
func (s *Store) GetRetry(ctx context.Context, key catalog.EpisodeKey) (catalog.RetryEntry, error) {
	query := `
		SELECT slug, season, episode, url, next_attempt, attempts, updated_at
		FROM retry_schedule
		WHERE slug = $1 AND season = $2 AND episode = $3;
	`
	entry, err := scanRetry(s.pool.QueryRow(ctx, query, key.Slug, key.Season, key.Episode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.RetryEntry{}, catalog.ErrNotFound
		}
		return catalog.RetryEntry{}, fmt.Errorf("get retry %s: %w", key, err)
	}
	return entry, nil
}

// UpsertRetry inserts or replaces a retry entry.
func (s *Store) UpsertRetry(ctx context.Context, entry catalog.RetryEntry) error {
	query := `
		INSERT INTO retry_schedule (slug, season, episode, url, next_attempt, attempts, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (slug, season, episode) DO UPDATE SET
			url = EXCLUDED.url,
			next_attempt = EXCLUDED.next_attempt,
			attempts = EXCLUDED.attempts,
			updated_at = EXCLUDED.updated_at;
	`
	_, err := s.pool.Exec(ctx, query,
		entry.Key.Slug,
		entry.Key.Season,
		entry.Key.Episode,
		entry.URL,
		entry.NextAttempt,
		entry.Attempts,
		entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert retry %s: %w", entry.Key, err)
	}
	return nil
}

// DeleteRetry removes the retry entry for an episode. Deleting a missing entry is not an error.
func (s *Store) DeleteRetry(ctx context.Context, key catalog.EpisodeKey) error {
	query := `DELETE FROM retry_schedule WHERE slug = $1 AND season = $2 AND episode = $3;`
	if _, err := s.pool.Exec(ctx, query, key.Slug, key.Season, key.Episode); err != nil {
		return fmt.Errorf("delete retry %s: %w", key, err)
	}
	return nil
}

// DueRetries returns entries whose next attempt is due and whose attempt count is below maxAttempts.
func (s *Store) DueRetries(ctx context.Context, now time.Time, maxAttempts int) ([]catalog.RetryEntry, error) {
	query := `
		SELECT slug, season, episode, url, next_attempt, attempts, updated_at
		FROM retry_schedule
		WHERE next_attempt <= $1 AND attempts < $2
		ORDER BY next_attempt;
	`
	rows, err := s.pool.Query(ctx, query, now, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	defer rows.Close()

	var out []catalog.RetryEntry
	for rows.Next() {
		entry, err := scanRetry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retry row: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	return out, nil
}

func scanRetry(row pgx.Row) (catalog.RetryEntry, error) {
	var entry catalog.RetryEntry
	err := row.Scan(
		&entry.Key.Slug,
		&entry.Key.Season,
		&entry.Key.Episode,
		&entry.URL,
		&entry.NextAttempt,
		&entry.Attempts,
		&entry.UpdatedAt,
	)
	return entry, err
}

// UpsertLatest inserts or replaces a row of the latest index.
func (s *Store) UpsertLatest(ctx context.Context, item catalog.LatestItem) error {
	query := `
		INSERT INTO latest_items (slug, season, episode, title, url, thumbnail, servers, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (slug, season, episode) DO UPDATE SET
			title = EXCLUDED.title,
			url = EXCLUDED.url,
			thumbnail = EXCLUDED.thumbnail,
			servers = EXCLUDED.servers,
			updated_at = EXCLUDED.updated_at;
	`
	_, err := s.pool.Exec(ctx, query,
		item.Key.Slug,
		item.Key.Season,
		item.Key.Episode,
		item.Title,
		item.URL,
		item.Thumbnail,
		item.Servers,
		item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert latest %s: %w", item.Key, err)
	}
	return nil
}

// ListLatest returns the newest rows of the latest index.
func (s *Store) ListLatest(ctx context.Context, limit int) ([]catalog.LatestItem, error) {
	query := `
		SELECT slug, season, episode, title, url, thumbnail, servers, updated_at
		FROM latest_items
		ORDER BY updated_at DESC
		LIMIT $1;
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list latest: %w", err)
	}
	defer rows.Close()

	var out []catalog.LatestItem
	for rows.Next() {
		var item catalog.LatestItem
		if err := rows.Scan(
			&item.Key.Slug,
			&item.Key.Season,
			&item.Key.Episode,
			&item.Title,
			&item.URL,
			&item.Thumbnail,
			&item.Servers,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan latest row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list latest: %w", err)
	}
	return out, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func unmarshalJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
