// Package collyfetcher implements catalog.Fetcher using gocolly with proxy rotation and bounded retries.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/catalog"
	"github.com/JakeFAU/episode-sync/internal/clock/system"
	"github.com/JakeFAU/episode-sync/internal/metrics"
	"github.com/JakeFAU/episode-sync/internal/proxy"
)

// DefaultUserAgents is the pool used when no user agents are configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

// CookieRule attaches a cookie header to requests for a host and its subdomains.
type CookieRule struct {
	Host  string `mapstructure:"host"`
	Value string `mapstructure:"value"`
}

// Config controls collector behavior.
type Config struct {
	UserAgents     []string
	Timeout        time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
	Headers        map[string]string
	AcceptLanguage string
	Cookies        []CookieRule
	MaxBodySize    int
}

// Rotator hands out proxies per attempt.
type Rotator interface {
	Next() *proxy.Entry
	MarkFailed(entry *proxy.Entry)
	TransportFor(entry *proxy.Entry) http.RoundTripper
}

// Waiter throttles outbound requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements catalog.Fetcher using a fresh Colly collector per attempt.
type Fetcher struct {
	cfg     Config
	proxies Rotator
	limiter Waiter
	direct  http.RoundTripper
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error
}

// New builds a Fetcher. proxies and limiter may be nil.
func New(cfg Config, proxies Rotator, limiter Waiter, logger *zap.Logger) *Fetcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents
	}
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = "es-ES,es;q=0.9,en;q=0.8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:     cfg,
		proxies: proxies,
		limiter: limiter,
		direct:  proxy.NewDirectTransport(),
		logger:  logger,
		sleep:   system.SleepContext,
	}
}

// Fetch retrieves request.URL, retrying up to MaxAttempts with linear backoff.
// Each attempt takes a fresh proxy. Exhaustion returns an error wrapping catalog.ErrUnavailable.
func (f *Fetcher) Fetch(ctx context.Context, request catalog.FetchRequest) (catalog.FetchResponse, error) {
	if _, err := url.ParseRequestURI(request.URL); err != nil {
		return catalog.FetchResponse{}, fmt.Errorf("invalid fetch url %q: %w", request.URL, err)
	}
	attempts := request.MaxAttempts
	if attempts <= 0 {
		attempts = f.cfg.MaxAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, entry, err := f.attempt(ctx, request)
		if err == nil {
			resp.Attempts = attempt
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return catalog.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, ctx.Err())
		}
		if entry != nil && f.proxies != nil && isConnectionFailure(err) {
			f.proxies.MarkFailed(entry)
		}
		f.logger.Debug("fetch attempt failed",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
		if attempt < attempts {
			if err := f.sleep(ctx, f.cfg.BaseDelay*time.Duration(attempt)); err != nil {
				return catalog.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, err)
			}
		}
	}
	return catalog.FetchResponse{}, fmt.Errorf("%w: %s after %d attempts: %s",
		catalog.ErrUnavailable, request.URL, attempts, lastErr.Error())
}

func (f *Fetcher) attempt(ctx context.Context, request catalog.FetchRequest) (catalog.FetchResponse, *proxy.Entry, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, request.URL); err != nil {
			return catalog.FetchResponse{}, nil, err
		}
	}
	var entry *proxy.Entry
	var transport http.RoundTripper
	if f.proxies != nil {
		entry = f.proxies.Next()
		transport = f.proxies.TransportFor(entry)
	}
	if transport == nil {
		transport = f.direct
	}

	start := time.Now()
	var (
		result   catalog.FetchResponse
		received bool
	)
	collector := f.buildCollector(ctx, request, transport)
	collector.OnResponse(func(r *colly.Response) {
		received = true
		result = catalog.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    cloneHeader(r.Headers),
			Body:       append([]byte(nil), r.Body...),
		}
	})

	err := collector.Request(http.MethodGet, request.URL, nil, nil, f.headers(request))
	result.Duration = time.Since(start)
	if entry != nil {
		result.Proxy = entry.String()
	}
	switch {
	case err != nil:
		metrics.ObserveFetch(request.URL, "error", result.Duration)
		return catalog.FetchResponse{}, entry, fmt.Errorf("colly request failed: %w", err)
	case !received:
		metrics.ObserveFetch(request.URL, "empty", result.Duration)
		return catalog.FetchResponse{}, entry, errors.New("no response received")
	case result.StatusCode < 200 || result.StatusCode >= 400:
		metrics.ObserveFetch(request.URL, "status", result.Duration)
		return catalog.FetchResponse{}, entry, &StatusError{URL: request.URL, StatusCode: result.StatusCode}
	}
	metrics.ObserveFetch(request.URL, "ok", result.Duration)
	return result, entry, nil
}

func (f *Fetcher) buildCollector(ctx context.Context, request catalog.FetchRequest, transport http.RoundTripper) *colly.Collector {
	opts := []colly.CollectorOption{
		colly.StdlibContext(ctx),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	}
	if f.cfg.MaxBodySize > 0 {
		opts = append(opts, colly.MaxBodySize(f.cfg.MaxBodySize))
	}
	collector := colly.NewCollector(opts...)
	collector.WithTransport(transport)
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	collector.SetRequestTimeout(timeout)
	return collector
}

func (f *Fetcher) headers(request catalog.FetchRequest) http.Header {
	h := http.Header{}
	h.Set("User-Agent", f.cfg.UserAgents[rand.IntN(len(f.cfg.UserAgents))])
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", f.cfg.AcceptLanguage)
	for k, v := range f.cfg.Headers {
		h.Set(k, v)
	}
	if request.Referer != "" {
		h.Set("Referer", request.Referer)
		if origin := originOf(request.Referer); origin != "" {
			h.Set("Origin", origin)
		}
	}
	if cookie := f.cookieFor(request.URL); cookie != "" {
		h.Set("Cookie", cookie)
	}
	for k, values := range request.Headers {
		h.Del(k)
		for _, v := range values {
			h.Add(k, v)
		}
	}
	return h
}

func (f *Fetcher) cookieFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	for _, rule := range f.cfg.Cookies {
		ruleHost := strings.ToLower(strings.TrimPrefix(rule.Host, "."))
		if host == ruleHost || strings.HasSuffix(host, "."+ruleHost) {
			return rule.Value
		}
	}
	return ""
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func cloneHeader(h *http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}
