package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/catalog"
	"github.com/JakeFAU/episode-sync/internal/metrics"
	"github.com/JakeFAU/episode-sync/internal/proxy"
	pubmemory "github.com/JakeFAU/episode-sync/internal/publisher/memory"
)

// ProxyPool reports proxy pool stats.
type ProxyPool interface {
	Stats() proxy.Stats
}

// RunReporter returns the last finished sync pass.
type RunReporter interface {
	LastRun() (catalog.RunSummary, bool)
}

// Pinger checks a downstream dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EventFeed returns recently published events.
type EventFeed interface {
	Recent(n int) []pubmemory.Message
}

// Options configures the Server. Nil collaborators disable their routes' data (503).
type Options struct {
	Proxies ProxyPool
	Runs    RunReporter
	Store   catalog.Store
	Ready   Pinger
	Events  EventFeed
	APIKey  string
	Timeout time.Duration
	Logger  *zap.Logger
}

// Server wires HTTP handlers to the sync service.
type Server struct {
	router chi.Router
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	s := &Server{opts: opts, logger: opts.Logger}
	catalogHandler := NewCatalogHandler(opts.Store, opts.Logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.Timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/proxies", s.proxies)
		r.Get("/runs/last", s.lastRun)
		r.Get("/events", s.events)
		r.Get("/latest", catalogHandler.ListLatest)
		r.Route("/series/{slug}", func(r chi.Router) {
			r.Get("/", catalogHandler.GetSeries)
			r.Get("/episodes", catalogHandler.ListEpisodes)
			r.Get("/episodes/{season}/{episode}", catalogHandler.GetEpisode)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) proxies(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Proxies == nil {
		writeJSON(w, http.StatusOK, proxy.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Proxies.Stats())
}

func (s *Server) lastRun(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "sync worker unavailable")
		return
	}
	summary, ok := s.opts.Runs.LastRun()
	if !ok {
		writeError(w, http.StatusNotFound, "no finished run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": summary})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed unavailable")
		return
	}
	limit, _, err := parseLimitOffset(r, defaultEventLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.opts.Events.Recent(limit)})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
