package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/catalog"
	"github.com/JakeFAU/episode-sync/internal/proxy"
	pubmemory "github.com/JakeFAU/episode-sync/internal/publisher/memory"
	"github.com/JakeFAU/episode-sync/internal/storage/memory"
)

type fakePool struct{ stats proxy.Stats }

func (p fakePool) Stats() proxy.Stats { return p.stats }

type fakeRuns struct {
	summary catalog.RunSummary
	ok      bool
}

func (r fakeRuns) LastRun() (catalog.RunSummary, bool) { return r.summary, r.ok }

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func serve(t *testing.T, s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	s := NewServer(Options{Ready: fakePinger{}, Logger: zap.NewNop()})
	rec := serve(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(t, s, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	down := NewServer(Options{Ready: fakePinger{err: errors.New("db down")}})
	rec = serve(t, down, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	s := NewServer(Options{})
	serve(t, s, http.MethodGet, "/healthz", nil)
	rec := serve(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_Proxies(t *testing.T) {
	t.Parallel()

	s := NewServer(Options{Proxies: fakePool{stats: proxy.Stats{Total: 3, Failed: 1, Active: 2, Enabled: true}}})
	rec := serve(t, s, http.MethodGet, "/v1/proxies", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got proxy.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, proxy.Stats{Total: 3, Failed: 1, Active: 2, Enabled: true}, got)
}

func TestServer_LastRun(t *testing.T) {
	t.Parallel()

	none := NewServer(Options{Runs: fakeRuns{}})
	require.Equal(t, http.StatusNotFound, serve(t, none, http.MethodGet, "/v1/runs/last", nil).Code)

	summary := catalog.RunSummary{RunID: "run-1", New: 2, Skipped: 5, StartedAt: time.Unix(100, 0).UTC()}
	s := NewServer(Options{Runs: fakeRuns{summary: summary, ok: true}})
	rec := serve(t, s, http.MethodGet, "/v1/runs/last", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Run catalog.RunSummary `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "run-1", body.Run.RunID)
	require.Equal(t, 5, body.Run.Skipped)
}

func TestServer_Events(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New(10)
	for i := 0; i < 3; i++ {
		_, err := pub.Publish(context.Background(), "episodes", map[string]int{"n": i})
		require.NoError(t, err)
	}
	s := NewServer(Options{Events: pub})
	rec := serve(t, s, http.MethodGet, "/v1/events?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []pubmemory.Message `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	require.Equal(t, "memory-2", body.Events[0].ID)

	require.Equal(t, http.StatusBadRequest, serve(t, s, http.MethodGet, "/v1/events?limit=x", nil).Code)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	s := NewServer(Options{APIKey: "secret"})
	require.Equal(t, http.StatusForbidden, serve(t, s, http.MethodGet, "/v1/proxies", nil).Code)
	require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/v1/proxies", http.Header{"X-Api-Key": {"secret"}}).Code)
	require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/healthz", nil).Code)
}

func TestCatalogRoutes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	key := catalog.EpisodeKey{Slug: "show", Season: 1, Episode: 2}
	require.NoError(t, store.UpsertSeries(ctx, catalog.Series{Slug: "show", Title: "Show"}))
	require.NoError(t, store.UpsertEpisode(ctx, catalog.Episode{Slug: "show", Season: 1, Episode: 2, Title: "Pilot"}))
	require.NoError(t, store.UpsertLatest(ctx, catalog.LatestItem{Key: key, Title: "Pilot", Servers: 2}))

	s := NewServer(Options{Store: store})

	rec := serve(t, s, http.MethodGet, "/v1/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"Pilot"`)

	rec = serve(t, s, http.MethodGet, "/v1/latest?offset=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"items":[]}`, rec.Body.String())

	rec = serve(t, s, http.MethodGet, "/v1/series/show", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"Show"`)

	require.Equal(t, http.StatusNotFound, serve(t, s, http.MethodGet, "/v1/series/missing", nil).Code)

	rec = serve(t, s, http.MethodGet, "/v1/series/show/episodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"Pilot"`)

	rec = serve(t, s, http.MethodGet, "/v1/series/show/episodes/1/2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, http.StatusNotFound, serve(t, s, http.MethodGet, "/v1/series/show/episodes/1/3", nil).Code)
	require.Equal(t, http.StatusBadRequest, serve(t, s, http.MethodGet, "/v1/series/show/episodes/0/x", nil).Code)
}

func TestCatalogRoutesWithoutStore(t *testing.T) {
	t.Parallel()

	s := NewServer(Options{})
	require.Equal(t, http.StatusServiceUnavailable, serve(t, s, http.MethodGet, "/v1/latest", nil).Code)
}
