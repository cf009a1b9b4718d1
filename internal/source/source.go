// Package source reads listings, series pages and episode pages from the source site.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/catalog"
	"github.com/JakeFAU/episode-sync/internal/extract"
)

var episodeSegment = regexp.MustCompile(`^(.+)-(\d+)x(\d+)$`)

// Selectors locate page fields. Each value is a goquery selector; the first match with
// content wins.
type Selectors struct {
	Title     string `mapstructure:"title"`
	Overview  string `mapstructure:"overview"`
	Poster    string `mapstructure:"poster"`
	Thumbnail string `mapstructure:"thumbnail"`
	Genres    string `mapstructure:"genres"`
}

// DefaultSelectors match the common WordPress streaming theme layout.
var DefaultSelectors = Selectors{
	Title:     "h1.entry-title, .data h1, h1",
	Overview:  ".description p, .wp-content p, meta[property='og:description']",
	Poster:    ".poster img, meta[property='og:image']",
	Thumbnail: "meta[property='og:image'], .post-thumbnail img, .poster img",
	Genres:    ".sgeneros a, .genres a",
}

// Config controls the adapter.
type Config struct {
	BaseURL     string
	LatestPaths []string
	LatestLimit int
	// SeriesPath is a format string taking the slug, e.g. "/serie/%s/".
	SeriesPath string
	Selectors  Selectors
	Aliases    Aliases
}

// Source is the source-site adapter.
type Source struct {
	cfg     Config
	site    extract.Site
	fetcher catalog.Fetcher
	logger  *zap.Logger
}

// New builds a Source.
func New(cfg Config, fetcher catalog.Fetcher, logger *zap.Logger) (*Source, error) {
	site, err := extract.NewSite(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if len(cfg.LatestPaths) == 0 {
		cfg.LatestPaths = []string{"/"}
	}
	if cfg.SeriesPath == "" {
		cfg.SeriesPath = "/serie/%s/"
	}
	cfg.Selectors = withDefaults(cfg.Selectors)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{cfg: cfg, site: site, fetcher: fetcher, logger: logger}, nil
}

// Site returns the parsed source site.
func (s *Source) Site() extract.Site {
	return s.site
}

// SearchTitle returns the metadata search title for a series (see Aliases.SearchTitle).
func (s *Source) SearchTitle(slug, title string) string {
	return s.cfg.Aliases.SearchTitle(slug, title)
}

// SeriesURL returns the canonical series page for slug.
func (s *Source) SeriesURL(slug string) string {
	return s.site.Base() + fmt.Sprintf(s.cfg.SeriesPath, url.PathEscape(slug))
}

// Latest returns the episode references on the listing pages, newest first as listed,
// capped at LatestLimit. A listing page that fails is skipped; all failing is an error.
func (s *Source) Latest(ctx context.Context) ([]catalog.EpisodeRef, error) {
	var (
		refs    []catalog.EpisodeRef
		lastErr error
		okPages int
	)
	for _, p := range s.cfg.LatestPaths {
		pageURL := s.site.Base() + "/" + strings.TrimLeft(p, "/")
		doc, err := s.document(ctx, pageURL, s.site.Base()+"/")
		if err != nil {
			lastErr = err
			s.logger.Warn("listing page failed", zap.String("url", pageURL), zap.Error(err))
			continue
		}
		okPages++
		refs = append(refs, episodeLinks(doc, pageURL)...)
	}
	if okPages == 0 && lastErr != nil {
		return nil, fmt.Errorf("fetch listings: %w", lastErr)
	}
	refs = lo.UniqBy(refs, func(r catalog.EpisodeRef) catalog.EpisodeKey { return r.Key })
	if s.cfg.LatestLimit > 0 && len(refs) > s.cfg.LatestLimit {
		refs = refs[:s.cfg.LatestLimit]
	}
	return refs, nil
}

// Series fetches a series page and every episode it lists.
func (s *Source) Series(ctx context.Context, slug string) (catalog.SeriesListing, error) {
	pageURL := s.SeriesURL(slug)
	doc, err := s.document(ctx, pageURL, s.site.Base()+"/")
	if err != nil {
		return catalog.SeriesListing{}, fmt.Errorf("fetch series %s: %w", slug, err)
	}
	series := catalog.Series{
		Slug:     slug,
		URL:      pageURL,
		Title:    lo.CoalesceOrEmpty(text(doc, s.cfg.Selectors.Title), TitleFromSlug(slug)),
		Overview: text(doc, s.cfg.Selectors.Overview),
		Poster:   image(doc, pageURL, s.cfg.Selectors.Poster),
		Genres:   texts(doc, s.cfg.Selectors.Genres),
	}
	episodes := lo.Filter(episodeLinks(doc, pageURL), func(r catalog.EpisodeRef, _ int) bool {
		return r.Key.Slug == slug
	})
	episodes = lo.UniqBy(episodes, func(r catalog.EpisodeRef) catalog.EpisodeKey { return r.Key })
	sort.Slice(episodes, func(i, j int) bool {
		a, b := episodes[i].Key, episodes[j].Key
		if a.Season != b.Season {
			return a.Season < b.Season
		}
		return a.Episode < b.Episode
	})
	series.SeasonCount = len(lo.Uniq(lo.Map(episodes, func(r catalog.EpisodeRef, _ int) int { return r.Key.Season })))
	series.EpisodeCount = len(episodes)
	return catalog.SeriesListing{Series: series, Episodes: episodes}, nil
}

// Episode fetches an episode page and extracts its title, thumbnail and server candidates.
func (s *Source) Episode(ctx context.Context, ref catalog.EpisodeRef) (catalog.EpisodePage, error) {
	doc, err := s.document(ctx, ref.URL, s.SeriesURL(ref.Key.Slug))
	if err != nil {
		return catalog.EpisodePage{}, fmt.Errorf("fetch episode %s: %w", ref.Key, err)
	}
	return catalog.EpisodePage{
		Title:      text(doc, s.cfg.Selectors.Title),
		Thumbnail:  image(doc, ref.URL, s.cfg.Selectors.Thumbnail),
		Candidates: extract.Candidates(doc, ref.URL, s.site),
	}, nil
}

func (s *Source) document(ctx context.Context, pageURL, referer string) (*goquery.Document, error) {
	resp, err := s.fetcher.Fetch(ctx, catalog.FetchRequest{URL: pageURL, Referer: referer})
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	return doc, nil
}

// ParseEpisodeURL derives the episode identity from the last path segment
// ("{slug}-{season}x{episode}").
func ParseEpisodeURL(raw string) (catalog.EpisodeKey, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return catalog.EpisodeKey{}, false
	}
	segment := path.Base(strings.TrimRight(u.Path, "/"))
	m := episodeSegment.FindStringSubmatch(segment)
	if m == nil {
		return catalog.EpisodeKey{}, false
	}
	season, err1 := strconv.Atoi(m[2])
	episode, err2 := strconv.Atoi(m[3])
	key := catalog.EpisodeKey{Slug: m[1], Season: season, Episode: episode}
	if err1 != nil || err2 != nil || !key.Valid() {
		return catalog.EpisodeKey{}, false
	}
	return key, true
}

func episodeLinks(doc *goquery.Document, pageURL string) []catalog.EpisodeRef {
	var refs []catalog.EpisodeRef
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		abs := extract.Absolute(pageURL, a.AttrOr("href", ""))
		if abs == "" {
			return
		}
		if key, ok := ParseEpisodeURL(abs); ok {
			refs = append(refs, catalog.EpisodeRef{Key: key, URL: abs})
		}
	})
	return refs
}

func text(doc *goquery.Document, selector string) string {
	var out string
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if goquery.NodeName(s) == "meta" {
			out = strings.TrimSpace(s.AttrOr("content", ""))
		} else {
			out = strings.Join(strings.Fields(s.Text()), " ")
		}
		return out == ""
	})
	return out
}

func texts(doc *goquery.Document, selector string) []string {
	var out []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			out = append(out, t)
		}
	})
	return lo.Uniq(out)
}

func image(doc *goquery.Document, pageURL, selector string) string {
	var out string
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		ref := lo.CoalesceOrEmpty(s.AttrOr("content", ""), s.AttrOr("data-src", ""), s.AttrOr("src", ""))
		out = extract.Absolute(pageURL, ref)
		return out == ""
	})
	return out
}

func withDefaults(sel Selectors) Selectors {
	return Selectors{
		Title:     lo.CoalesceOrEmpty(sel.Title, DefaultSelectors.Title),
		Overview:  lo.CoalesceOrEmpty(sel.Overview, DefaultSelectors.Overview),
		Poster:    lo.CoalesceOrEmpty(sel.Poster, DefaultSelectors.Poster),
		Thumbnail: lo.CoalesceOrEmpty(sel.Thumbnail, DefaultSelectors.Thumbnail),
		Genres:    lo.CoalesceOrEmpty(sel.Genres, DefaultSelectors.Genres),
	}
}
