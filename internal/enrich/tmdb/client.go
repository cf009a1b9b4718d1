// Package tmdb implements catalog.Enricher against the TMDB v3 API.
package tmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/catalog"
	"github.com/JakeFAU/episode-sync/internal/metrics"
)

const (
	defaultBaseURL      = "https://api.themoviedb.org/3"
	defaultImageBaseURL = "https://image.tmdb.org/t/p/original"
)

// Config controls the TMDB client.
type Config struct {
	APIKey       string
	BaseURL      string
	ImageBaseURL string
	Language     string
	Timeout      time.Duration
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// Client is a breaker-guarded TMDB client.
type Client struct {
	cfg    Config
	http   *http.Client
	cb     *gobreaker.CircuitBreaker[[]byte]
	logger *zap.Logger
}

var _ catalog.Enricher = (*Client)(nil)

// New builds a Client. An empty API key is rejected.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("enrich.api_key is required for tmdb")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.ImageBaseURL == "" {
		cfg.ImageBaseURL = defaultImageBaseURL
	}
	if cfg.Language == "" {
		cfg.Language = "es-ES"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Minute
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{cfg: cfg, http: httpClient, logger: logger}
	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "tmdb",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, catalog.ErrNotFound)
		},
	})
	return c, nil
}

type searchResponse struct {
	Results []struct {
		ID int `json:"id"`
	} `json:"results"`
}

type detailsResponse struct {
	ID               int     `json:"id"`
	Name             string  `json:"name"`
	Title            string  `json:"title"`
	Overview         string  `json:"overview"`
	PosterPath       string  `json:"poster_path"`
	BackdropPath     string  `json:"backdrop_path"`
	VoteAverage      float64 `json:"vote_average"`
	NumberOfSeasons  int     `json:"number_of_seasons"`
	NumberOfEpisodes int     `json:"number_of_episodes"`
	Genres           []struct {
		Name string `json:"name"`
	} `json:"genres"`
}

type episodeResponse struct {
	StillPath string `json:"still_path"`
}

// Search returns the id of the best match for title, or "" when nothing matches.
func (c *Client) Search(ctx context.Context, title string, kind catalog.Kind) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", nil
	}
	var resp searchResponse
	ok, err := c.get(ctx, "search", "/search/"+kindPath(kind), url.Values{"query": {title}}, &resp)
	if err != nil || !ok || len(resp.Results) == 0 {
		return "", err
	}
	return strconv.Itoa(resp.Results[0].ID), nil
}

// Details returns catalog details for id, or nil when TMDB has none.
func (c *Client) Details(ctx context.Context, id string, kind catalog.Kind) (*catalog.Details, error) {
	if id == "" {
		return nil, nil
	}
	var resp detailsResponse
	ok, err := c.get(ctx, "details", "/"+kindPath(kind)+"/"+url.PathEscape(id), nil, &resp)
	if err != nil || !ok {
		return nil, err
	}
	details := &catalog.Details{
		ID:           strconv.Itoa(resp.ID),
		Title:        firstNonEmpty(resp.Name, resp.Title),
		Overview:     resp.Overview,
		Rating:       resp.VoteAverage,
		SeasonCount:  resp.NumberOfSeasons,
		EpisodeCount: resp.NumberOfEpisodes,
	}
	for _, p := range []string{resp.PosterPath, resp.BackdropPath} {
		if img := c.image(p); img != "" {
			details.Images = append(details.Images, img)
		}
	}
	for _, g := range resp.Genres {
		details.Genres = append(details.Genres, g.Name)
	}
	return details, nil
}

// EpisodeImage returns the still image of an episode, or "".
func (c *Client) EpisodeImage(ctx context.Context, id string, season, episode int) (string, error) {
	if id == "" {
		return "", nil
	}
	path := fmt.Sprintf("/tv/%s/season/%d/episode/%d", url.PathEscape(id), season, episode)
	var resp episodeResponse
	ok, err := c.get(ctx, "episode_image", path, nil, &resp)
	if err != nil || !ok {
		return "", err
	}
	return c.image(resp.StillPath), nil
}

// get decodes a TMDB response into dst. ok is false when TMDB has no such resource
// or the breaker is open; neither is an error.
func (c *Client) get(ctx context.Context, operation, path string, query url.Values, dst any) (bool, error) {
	body, err := c.cb.Execute(func() ([]byte, error) {
		return c.do(ctx, path, query)
	})
	switch {
	case err == nil:
	case errors.Is(err, catalog.ErrNotFound):
		metrics.ObserveEnrichment(operation, "miss")
		return false, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.ObserveEnrichment(operation, "rejected")
		c.logger.Debug("tmdb request rejected by breaker", zap.String("operation", operation))
		return false, nil
	default:
		metrics.ObserveEnrichment(operation, "error")
		return false, fmt.Errorf("tmdb %s: %w", operation, err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		metrics.ObserveEnrichment(operation, "error")
		return false, fmt.Errorf("decode tmdb %s: %w", operation, err)
	}
	metrics.ObserveEnrichment(operation, "ok")
	return true, nil
}

func (c *Client) do(ctx context.Context, path string, query url.Values) ([]byte, error) {
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("api_key", c.cfg.APIKey)
	q.Set("language", c.cfg.Language)
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, catalog.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

func (c *Client) image(path string) string {
	if path == "" {
		return ""
	}
	return strings.TrimRight(c.cfg.ImageBaseURL, "/") + path
}

func kindPath(kind catalog.Kind) string {
	if kind == catalog.KindMovie {
		return "movie"
	}
	return "tv"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
