// Package catalog defines core types shared across the sync pipeline.
package catalog

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Kind identifies the catalog type used for metadata lookups.
type Kind string

// Supported catalog kinds.
const (
	KindSeries Kind = "tv"
	KindMovie  Kind = "movie"
)

// EpisodeKey is the identity of an episode: (slug, season, episode).
type EpisodeKey struct {
	Slug    string `json:"slug"`
	Season  int    `json:"season"`
	Episode int    `json:"episode"`
}

// String renders the key the same way the source site names episode pages.
func (k EpisodeKey) String() string {
	return fmt.Sprintf("%s-%dx%d", k.Slug, k.Season, k.Episode)
}

// Valid reports whether every identity component is set.
func (k EpisodeKey) Valid() bool {
	return strings.TrimSpace(k.Slug) != "" && k.Season > 0 && k.Episode > 0
}

// ServerCandidate is a playable-source reference found on an episode page.
type ServerCandidate struct {
	Name     string `json:"name"`
	Ordinal  int    `json:"ordinal"`
	URL      string `json:"url"`
	External bool   `json:"external"`
}

// ResolvedServer is the terminal output of resolving one candidate.
// An empty URL means resolution failed for that candidate.
type ResolvedServer struct {
	Name    string `json:"name"`
	Ordinal int    `json:"ordinal"`
	URL     string `json:"url,omitempty"`
	Source  string `json:"source"`
}

// Usable reports whether the server carries a resolved URL.
func (s ResolvedServer) Usable() bool {
	return strings.TrimSpace(s.URL) != ""
}

// CountUsable returns how many servers resolved to a URL.
func CountUsable(servers []ResolvedServer) int {
	return lo.CountBy(servers, func(s ResolvedServer) bool { return s.Usable() })
}

// Series is the canonical record for a show.
type Series struct {
	Slug         string    `json:"slug"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	Overview     string    `json:"overview,omitempty"`
	Poster       string    `json:"poster,omitempty"`
	Backdrop     string    `json:"backdrop,omitempty"`
	Genres       []string  `json:"genres,omitempty"`
	Rating       float64   `json:"rating,omitempty"`
	SeasonCount  int       `json:"season_count,omitempty"`
	EpisodeCount int       `json:"episode_count,omitempty"`
	ExternalID   string    `json:"external_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Episode is the canonical sync item persisted per (slug, season, episode).
type Episode struct {
	Slug      string           `json:"slug"`
	Season    int              `json:"season"`
	Episode   int              `json:"episode"`
	URL       string           `json:"url"`
	Title     string           `json:"title"`
	Thumbnail string           `json:"thumbnail,omitempty"`
	Servers   []ResolvedServer `json:"servers"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Key returns the episode identity.
func (e Episode) Key() EpisodeKey {
	return EpisodeKey{Slug: e.Slug, Season: e.Season, Episode: e.Episode}
}

// Complete reports whether the episode has at least one usable server and a thumbnail.
func (e Episode) Complete() bool {
	return CountUsable(e.Servers) >= 1 && strings.TrimSpace(e.Thumbnail) != ""
}

// EpisodeRef points at an episode page discovered upstream.
type EpisodeRef struct {
	Key EpisodeKey `json:"key"`
	URL string     `json:"url"`
}

// SeriesListing is the upstream view of a series and every episode it lists.
type SeriesListing struct {
	Series   Series       `json:"series"`
	Episodes []EpisodeRef `json:"episodes"`
}

// SeasonCounts returns the number of upstream episodes per season.
func (l SeriesListing) SeasonCounts() map[int]int {
	return lo.CountValuesBy(l.Episodes, func(ref EpisodeRef) int { return ref.Key.Season })
}

// EpisodePage is what the source site exposes for a single episode.
type EpisodePage struct {
	Title      string            `json:"title"`
	Thumbnail  string            `json:"thumbnail,omitempty"`
	Candidates []ServerCandidate `json:"candidates"`
}

// RetryEntry schedules a future re-resolution for a partially resolved episode.
type RetryEntry struct {
	Key         EpisodeKey `json:"key"`
	URL         string     `json:"url"`
	NextAttempt time.Time  `json:"next_attempt"`
	Attempts    int        `json:"attempts"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// LatestItem is the denormalized "recently updated" index row.
type LatestItem struct {
	Key       EpisodeKey `json:"key"`
	Title     string     `json:"title"`
	URL       string     `json:"url"`
	Thumbnail string     `json:"thumbnail,omitempty"`
	Servers   int        `json:"servers"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Details is the enrichment payload for a catalog entry.
type Details struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Overview     string   `json:"overview,omitempty"`
	Images       []string `json:"images,omitempty"`
	Rating       float64  `json:"rating,omitempty"`
	Genres       []string `json:"genres,omitempty"`
	SeasonCount  int      `json:"season_count,omitempty"`
	EpisodeCount int      `json:"episode_count,omitempty"`
}

// FetchRequest describes a single page fetch.
type FetchRequest struct {
	URL         string
	Referer     string
	Timeout     time.Duration
	Headers     http.Header
	MaxAttempts int
}

// FetchResponse captures the result of a fetch.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
	Proxy      string
}

// Outcome is the per-item result of one orchestrator call.
type Outcome string

// Outcome values counted in the run summary.
const (
	OutcomeNew     Outcome = "new"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// RunSummary aggregates counters for one sync pass.
type RunSummary struct {
	RunID            string    `json:"run_id"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	New              int       `json:"new"`
	Updated          int       `json:"updated"`
	Failed           int       `json:"failed"`
	Skipped          int       `json:"skipped"`
	Servers          int       `json:"servers"`
	Series           int       `json:"series"`
	RetriesProcessed int       `json:"retries_processed"`
	AuditMissing     int       `json:"audit_missing"`
	AuditEmpty       int       `json:"audit_empty"`
}

// Record adds one outcome to the counters.
func (s *RunSummary) Record(outcome Outcome, servers int) {
	switch outcome {
	case OutcomeNew:
		s.New++
	case OutcomeUpdated:
		s.Updated++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
	s.Servers += servers
}
