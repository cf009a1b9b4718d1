// Package resolver walks embed and redirection chains until it reaches a playable URL.
package resolver

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/catalog"
	"github.com/JakeFAU/episode-sync/internal/clock/system"
	"github.com/JakeFAU/episode-sync/internal/extract"
	"github.com/JakeFAU/episode-sync/internal/metrics"
)

// Config controls resolution bounds.
type Config struct {
	// MaxDepth is the deepest recursion level fetched (embed depth + 2).
	MaxDepth       int
	CandidateDelay time.Duration
	FetchAttempts  int
	FetchTimeout   time.Duration
}

// Result is the outcome of one top-level resolution.
type Result struct {
	URL     string
	Fetches int
	Trail   []string
}

// Resolver turns intermediate references into playable URLs.
type Resolver struct {
	cfg     Config
	fetcher catalog.Fetcher
	site    extract.Site
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error
}

// New builds a Resolver for the given source site.
func New(cfg Config, fetcher catalog.Fetcher, site extract.Site, logger *zap.Logger) *Resolver {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 5
	}
	if cfg.CandidateDelay < 0 {
		cfg.CandidateDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cfg:     cfg,
		fetcher: fetcher,
		site:    site,
		logger:  logger,
		sleep:   system.SleepContext,
	}
}

// Resolve follows rawURL until it reaches a terminal URL. A broken chain returns
// catalog.ErrUnresolved. Hitting the depth bound or a cycle is not an error: the
// frontier URL is returned and callers must check it with Accept.
func (r *Resolver) Resolve(ctx context.Context, rawURL, referer string) (Result, error) {
	rc := NewContext(r.cfg.MaxDepth, referer)
	resolved := r.resolve(ctx, rc, rawURL, 0)
	res := Result{URL: resolved, Fetches: rc.Fetches(), Trail: rc.Trail()}
	if resolved == "" {
		return res, fmt.Errorf("resolve %s: %w", rawURL, catalog.ErrUnresolved)
	}
	return res, nil
}

// Accept reports whether a resolved URL may be stored as a usable server.
func (r *Resolver) Accept(u string) bool {
	return extract.IsVideo(u) || r.site.IsExternal(u)
}

// ResolveCandidates resolves candidates one at a time, pausing CandidateDelay between them.
// Unusable results keep their slot with an empty URL so ordinals stay stable.
func (r *Resolver) ResolveCandidates(ctx context.Context, candidates []catalog.ServerCandidate, referer string) []catalog.ResolvedServer {
	out := make([]catalog.ResolvedServer, 0, len(candidates))
	for i, c := range candidates {
		server := catalog.ResolvedServer{Name: c.Name, Ordinal: c.Ordinal, Source: c.URL}
		if ctx.Err() != nil {
			out = append(out, server)
			continue
		}
		if i > 0 && !c.External && r.cfg.CandidateDelay > 0 {
			if err := r.sleep(ctx, r.cfg.CandidateDelay); err != nil {
				out = append(out, server)
				continue
			}
		}
		server.URL = r.resolveCandidate(ctx, c, referer)
		out = append(out, server)
	}
	return out
}

func (r *Resolver) resolveCandidate(ctx context.Context, c catalog.ServerCandidate, referer string) string {
	if c.External {
		metrics.ObserveResolution("external")
		return c.URL
	}
	res, err := r.Resolve(ctx, c.URL, referer)
	if err != nil {
		metrics.ObserveResolution("broken")
		r.logger.Debug("candidate unresolved", zap.String("url", c.URL), zap.Error(err))
		return ""
	}
	if !r.Accept(res.URL) {
		metrics.ObserveResolution("rejected")
		r.logger.Debug("candidate resolved to non-media url",
			zap.String("url", c.URL),
			zap.String("frontier", res.URL),
			zap.Int("fetches", res.Fetches),
		)
		return ""
	}
	metrics.ObserveResolution("resolved")
	return res.URL
}

func (r *Resolver) resolve(ctx context.Context, rc *Context, u string, depth int) string {
	if u == "" {
		return ""
	}
	if rc.Visited(u) || depth > rc.MaxDepth() || ctx.Err() != nil {
		return u
	}
	if !rc.spend() {
		return u
	}
	rc.Visit(u)

	doc, err := r.fetch(ctx, u, rc.Referer())
	if err != nil {
		r.logger.Debug("resolution chain broken", zap.String("url", u), zap.Int("depth", depth), zap.Error(err))
		return ""
	}
	rc.push(u)
	defer rc.pop()

	direct := extract.DirectMedia(doc, u)
	if direct != "" && extract.IsVideo(direct) {
		return direct
	}

	if iframe := extract.PickIframe(doc, u, rc.Visited); iframe != "" {
		sameSite := r.site.SameSite(iframe)
		switch {
		case !sameSite && (extract.IsKnownPlayer(iframe) || extract.IsVideo(iframe)):
			return iframe
		case sameSite || extract.HasRedirectMarker(iframe):
			if got := r.resolve(ctx, rc, iframe, depth+1); got != "" {
				return got
			}
		default:
			// Unknown external hosts are returned as-is. This also accepts ad
			// and tracker frames.
			return iframe
		}
	}

	var follow string
	for _, m := range extract.ScriptURLs(doc, u) {
		if extract.IsVideo(m.URL) {
			return m.URL
		}
		if follow == "" && !rc.Visited(m.URL) && extract.NeedsFollow(m.URL) {
			follow = m.URL
		}
	}
	if follow != "" && depth < rc.MaxDepth() {
		if got := r.resolve(ctx, rc, follow, depth+1); got != "" {
			return got
		}
	}

	if direct != "" {
		return direct
	}
	return u
}

func (r *Resolver) fetch(ctx context.Context, u, referer string) (*goquery.Document, error) {
	metrics.ObserveResolutionFetch()
	resp, err := r.fetcher.Fetch(ctx, catalog.FetchRequest{
		URL:         u,
		Referer:     referer,
		Timeout:     r.cfg.FetchTimeout,
		MaxAttempts: r.cfg.FetchAttempts,
	})
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", u, err)
	}
	return doc, nil
}
