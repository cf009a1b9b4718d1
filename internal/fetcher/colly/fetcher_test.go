package collyfetcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/catalog"
	"github.com/JakeFAU/episode-sync/internal/proxy"
)

type fakeRotator struct {
	mu      sync.Mutex
	entries []*proxy.Entry
	next    int
	failed  []string
}

func (r *fakeRotator) Next() *proxy.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.entries) {
		return nil
	}
	e := r.entries[r.next]
	r.next++
	return e
}

func (r *fakeRotator) MarkFailed(e *proxy.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, e.Key())
}

func (r *fakeRotator) TransportFor(e *proxy.Entry) http.RoundTripper {
	if e == nil {
		return nil
	}
	t, err := proxy.NewTransport(*e)
	if err != nil {
		return nil
	}
	return t
}

func (r *fakeRotator) Failed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failed...)
}

type countingWaiter struct{ calls atomic.Int32 }

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls.Add(1)
	return nil
}

func deadProxy(t *testing.T) *proxy.Entry {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	e, err := proxy.ParseEntry(addr)
	require.NoError(t, err)
	return &e
}

func newTestFetcher(rot Rotator, waiter Waiter) *Fetcher {
	f := New(Config{MaxAttempts: 3, BaseDelay: time.Millisecond, Timeout: 2 * time.Second}, rot, waiter, zap.NewNop())
	return f
}

func TestFetchSucceedsDirect(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	waiter := &countingWaiter{}
	f := newTestFetcher(nil, waiter)
	resp, err := f.Fetch(context.Background(), catalog.FetchRequest{URL: srv.URL + "/page"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html>ok</html>", string(resp.Body))
	require.Equal(t, 1, resp.Attempts)
	require.Equal(t, "text/html", resp.Headers.Get("Content-Type"))
	require.Equal(t, int32(1), waiter.calls.Load())
}

func TestFetchRetriesStatusErrorsThenSucceeds(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("third time"))
	}))
	defer srv.Close()

	f := newTestFetcher(nil, nil)
	resp, err := f.Fetch(context.Background(), catalog.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, 3, resp.Attempts)
	require.Equal(t, "third time", string(resp.Body))
}

func TestFetchRedirectStatusIsSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	f := newTestFetcher(nil, nil)
	resp, err := f.Fetch(context.Background(), catalog.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestFetchExhaustionIsUnavailable(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(nil, nil)
	_, err := f.Fetch(context.Background(), catalog.FetchRequest{URL: srv.URL, MaxAttempts: 2})
	require.ErrorIs(t, err, catalog.ErrUnavailable)
	require.ErrorContains(t, err, "status 404")
	require.Equal(t, int32(2), hits.Load())
}

func TestFetchTombstonesProxyOnConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("direct"))
	}))
	defer srv.Close()

	dead := deadProxy(t)
	rot := &fakeRotator{entries: []*proxy.Entry{dead}}
	f := newTestFetcher(rot, nil)

	resp, err := f.Fetch(context.Background(), catalog.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, 2, resp.Attempts, "second attempt takes a fresh (direct) assignment")
	require.Equal(t, "direct", string(resp.Body))
	require.Equal(t, []string{dead.Key()}, rot.Failed())
}

func TestFetchStatusErrorDoesNotTombstoneProxy(t *testing.T) {
	t.Parallel()

	// Acts as a forward proxy that always answers 403.
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer proxySrv.Close()

	entry, err := proxy.ParseEntry(proxySrv.Listener.Addr().String())
	require.NoError(t, err)
	rot := &fakeRotator{entries: []*proxy.Entry{&entry, &entry, &entry}}
	f := newTestFetcher(rot, nil)

	_, err = f.Fetch(context.Background(), catalog.FetchRequest{URL: "http://origin.test/episode"})
	require.ErrorIs(t, err, catalog.ErrUnavailable)
	require.Empty(t, rot.Failed())
}

func TestFetchSendsPlausibleHeaders(t *testing.T) {
	t.Parallel()

	got := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(Config{
		UserAgents: []string{"agent-one"},
		Headers:    map[string]string{"X-Requested-With": "XMLHttpRequest"},
		Cookies:    []CookieRule{{Host: "127.0.0.1", Value: "cf_clearance=abc"}},
	}, nil, nil, zap.NewNop())

	_, err := f.Fetch(context.Background(), catalog.FetchRequest{
		URL:     srv.URL,
		Referer: "https://site.example/serie/x-1x1/",
		Headers: http.Header{"Accept": {"*/*"}},
	})
	require.NoError(t, err)

	h := <-got
	require.Equal(t, "agent-one", h.Get("User-Agent"))
	require.Equal(t, "https://site.example/serie/x-1x1/", h.Get("Referer"))
	require.Equal(t, "https://site.example", h.Get("Origin"))
	require.Equal(t, "cf_clearance=abc", h.Get("Cookie"))
	require.Equal(t, "XMLHttpRequest", h.Get("X-Requested-With"))
	require.Equal(t, "*/*", h.Get("Accept"))
	require.NotEmpty(t, h.Get("Accept-Language"))
}

func TestFetchStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := newTestFetcher(nil, nil)
	_, err := f.Fetch(ctx, catalog.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	require.False(t, errors.Is(err, catalog.ErrUnavailable))
}

func TestFetchRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(nil, nil)
	_, err := f.Fetch(context.Background(), catalog.FetchRequest{URL: "not a url"})
	require.Error(t, err)
}

func TestIsConnectionFailure(t *testing.T) {
	t.Parallel()

	require.False(t, isConnectionFailure(nil))
	require.False(t, isConnectionFailure(&StatusError{StatusCode: 500}))
	require.True(t, isConnectionFailure(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	require.True(t, isConnectionFailure(context.DeadlineExceeded))
	require.False(t, isConnectionFailure(errors.New("boom")))
}
