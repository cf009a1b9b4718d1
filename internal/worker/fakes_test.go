package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/catalog"
	"github.com/JakeFAU/episode-sync/internal/storage/memory"
)

var baseTime = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu           sync.Mutex
	latest       []catalog.EpisodeRef
	listings     map[string]catalog.SeriesListing
	pages        map[string]catalog.EpisodePage
	episodeCalls int
	seriesCalls  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		listings: make(map[string]catalog.SeriesListing),
		pages:    make(map[string]catalog.EpisodePage),
	}
}

func (s *fakeSource) Latest(context.Context) ([]catalog.EpisodeRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]catalog.EpisodeRef(nil), s.latest...), nil
}

func (s *fakeSource) Series(_ context.Context, slug string) (catalog.SeriesListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seriesCalls++
	listing, ok := s.listings[slug]
	if !ok {
		return catalog.SeriesListing{}, fmt.Errorf("fetch series %s: %w", slug, catalog.ErrUnavailable)
	}
	return listing, nil
}

func (s *fakeSource) Episode(_ context.Context, ref catalog.EpisodeRef) (catalog.EpisodePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.episodeCalls++
	page, ok := s.pages[ref.URL]
	if !ok {
		return catalog.EpisodePage{}, fmt.Errorf("fetch episode %s: %w", ref.Key, catalog.ErrUnavailable)
	}
	return page, nil
}

func (s *fakeSource) SearchTitle(_, title string) string {
	return title
}

func (s *fakeSource) calls() (episodes, series int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.episodeCalls, s.seriesCalls
}

// addEpisode registers an episode page with n server candidates and makes the resolver
// resolve the first resolvable of them.
func (s *fakeSource) addEpisode(res *fakeResolver, key catalog.EpisodeKey, candidates, resolvable int) catalog.EpisodeRef {
	ref := refFor(key)
	page := catalog.EpisodePage{Title: key.String(), Thumbnail: "https://img.example/" + key.String() + ".jpg"}
	for i := 1; i <= candidates; i++ {
		u := fmt.Sprintf("https://embed.example/%s/%d", key, i)
		page.Candidates = append(page.Candidates, catalog.ServerCandidate{Name: fmt.Sprintf("Server %d", i), Ordinal: i, URL: u})
		if i <= resolvable {
			res.set(u, fmt.Sprintf("https://cdn.example/%s/%d.m3u8", key, i))
		}
	}
	s.mu.Lock()
	s.pages[ref.URL] = page
	s.mu.Unlock()
	return ref
}

func (s *fakeSource) addSeries(slug string, keys ...catalog.EpisodeKey) {
	listing := catalog.SeriesListing{Series: catalog.Series{Slug: slug, Title: slug, URL: "https://site.example/serie/" + slug + "/"}}
	for _, k := range keys {
		listing.Episodes = append(listing.Episodes, refFor(k))
	}
	s.mu.Lock()
	s.listings[slug] = listing
	s.mu.Unlock()
}

type fakeResolver struct {
	mu       sync.Mutex
	resolved map[string]string
	calls    int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{resolved: make(map[string]string)}
}

func (r *fakeResolver) set(candidate, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved[candidate] = target
}

func (r *fakeResolver) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = make(map[string]string)
}

func (r *fakeResolver) ResolveCandidates(_ context.Context, candidates []catalog.ServerCandidate, _ string) []catalog.ResolvedServer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	out := make([]catalog.ResolvedServer, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, catalog.ResolvedServer{Name: c.Name, Ordinal: c.Ordinal, URL: r.resolved[c.URL], Source: c.URL})
	}
	return out
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

// flakyStore fails the first upserts and serves stale confirmation reads on demand.
type flakyStore struct {
	*memory.Store
	mu         sync.Mutex
	upsertErrs int
	staleReads int
	upserts    int
	gets       int
	confirming bool
}

func (s *flakyStore) UpsertEpisode(ctx context.Context, ep catalog.Episode) error {
	s.mu.Lock()
	s.upserts++
	if s.upsertErrs != 0 {
		if s.upsertErrs > 0 {
			s.upsertErrs--
		}
		s.mu.Unlock()
		return fmt.Errorf("connection reset")
	}
	s.confirming = true
	s.mu.Unlock()
	return s.Store.UpsertEpisode(ctx, ep)
}

func (s *flakyStore) GetEpisode(ctx context.Context, key catalog.EpisodeKey) (catalog.Episode, error) {
	s.mu.Lock()
	s.gets++
	stale := s.confirming && s.staleReads > 0
	if stale {
		s.staleReads--
	}
	s.confirming = false
	s.mu.Unlock()
	ep, err := s.Store.GetEpisode(ctx, key)
	if err == nil && stale {
		ep.UpdatedAt = ep.UpdatedAt.Add(-time.Hour)
	}
	return ep, err
}

func (s *flakyStore) counts() (upserts, gets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts, s.gets
}

type mockEnricher struct {
	mock.Mock
}

func (m *mockEnricher) Search(ctx context.Context, title string, kind catalog.Kind) (string, error) {
	args := m.Called(ctx, title, kind)
	return args.String(0), args.Error(1)
}

func (m *mockEnricher) Details(ctx context.Context, id string, kind catalog.Kind) (*catalog.Details, error) {
	args := m.Called(ctx, id, kind)
	details, _ := args.Get(0).(*catalog.Details)
	return details, args.Error(1)
}

func (m *mockEnricher) EpisodeImage(ctx context.Context, id string, season, episode int) (string, error) {
	args := m.Called(ctx, id, season, episode)
	return args.String(0), args.Error(1)
}

func epKey(slug string, season, episode int) catalog.EpisodeKey {
	return catalog.EpisodeKey{Slug: slug, Season: season, Episode: episode}
}

func refFor(k catalog.EpisodeKey) catalog.EpisodeRef {
	return catalog.EpisodeRef{Key: k, URL: "https://site.example/episodio/" + k.String() + "/"}
}

// storedEpisode is an episode written before the test run with the given number of usable servers.
func storedEpisode(k catalog.EpisodeKey, usable int) catalog.Episode {
	ep := catalog.Episode{
		Slug:      k.Slug,
		Season:    k.Season,
		Episode:   k.Episode,
		URL:       refFor(k).URL,
		Title:     k.String(),
		Servers:   []catalog.ResolvedServer{},
		UpdatedAt: baseTime.Add(-48 * time.Hour),
	}
	if usable > 0 {
		ep.Thumbnail = "https://img.example/old/" + k.String() + ".jpg"
	}
	for i := 1; i <= usable; i++ {
		ep.Servers = append(ep.Servers, catalog.ResolvedServer{
			Name:    fmt.Sprintf("Server %d", i),
			Ordinal: i,
			URL:     fmt.Sprintf("https://cdn.example/old/%s/%d.mp4", k, i),
			Source:  fmt.Sprintf("https://embed.example/%s/%d", k, i),
		})
	}
	return ep
}

type harness struct {
	source   *fakeSource
	resolver *fakeResolver
	store    catalog.Store
	clock    *fakeClock
	ids      *seqIDs
	worker   *Worker
}

func newHarness(t *testing.T, store catalog.Store, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	h := &harness{
		source:   newFakeSource(),
		resolver: newFakeResolver(),
		store:    store,
		clock:    &fakeClock{now: baseTime},
		ids:      &seqIDs{},
	}
	if h.store == nil {
		h.store = memory.NewStore()
	}
	cfg := Config{}
	deps := Deps{
		Source:   h.source,
		Resolver: h.resolver,
		Store:    h.store,
		Clock:    h.clock,
		IDs:      h.ids,
		Logger:   zap.NewNop(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	w, err := New(cfg, deps)
	require.NoError(t, err)
	h.worker = w
	return h
}
