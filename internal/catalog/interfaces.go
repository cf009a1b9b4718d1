package catalog

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable means a resource could not be fetched after every attempt; it may still exist.
	ErrUnavailable = errors.New("resource unavailable")
	// ErrUnresolved is returned when a candidate did not resolve to a URL.
	ErrUnresolved = errors.New("unresolved")
)

// Store persists series, episodes, retry schedule and the latest index.
type Store interface {
	GetSeries(ctx context.Context, slug string) (Series, error)
	UpsertSeries(ctx context.Context, series Series) error
	GetEpisode(ctx context.Context, key EpisodeKey) (Episode, error)
	UpsertEpisode(ctx context.Context, episode Episode) error
	ListEpisodes(ctx context.Context, slug string) ([]Episode, error)
	GetRetry(ctx context.Context, key EpisodeKey) (RetryEntry, error)
	UpsertRetry(ctx context.Context, entry RetryEntry) error
	DeleteRetry(ctx context.Context, key EpisodeKey) error
	DueRetries(ctx context.Context, now time.Time, maxAttempts int) ([]RetryEntry, error)
	UpsertLatest(ctx context.Context, item LatestItem) error
	ListLatest(ctx context.Context, limit int) ([]LatestItem, error)
	RecentEpisodes(ctx context.Context, since time.Time, limit int) ([]Episode, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Enricher looks up third-party metadata. Empty results are not errors.
type Enricher interface {
	Search(ctx context.Context, title string, kind Kind) (string, error)
	Details(ctx context.Context, id string, kind Kind) (*Details, error)
	EpisodeImage(ctx context.Context, id string, season, episode int) (string, error)
}

// Publisher pushes item events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
