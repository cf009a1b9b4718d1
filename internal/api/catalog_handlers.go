package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/catalog"
)

const (
	defaultLatestLimit = 50
	maxLatestLimit     = 500
	defaultEventLimit  = 50
	maxEventLimit      = 500
	catalogTimeout     = 3 * time.Second
)

// CatalogHandler exposes read-only catalog endpoints.
type CatalogHandler struct {
	store   catalog.Store
	timeout time.Duration
	logger  *zap.Logger
}

// NewCatalogHandler wires the store and logger.
func NewCatalogHandler(store catalog.Store, logger *zap.Logger) *CatalogHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogHandler{store: store, timeout: catalogTimeout, logger: logger}
}

// ListLatest handles GET /v1/latest?limit=. It returns {"items": [...]}.
func (h *CatalogHandler) ListLatest(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultLatestLimit, maxLatestLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	items, err := h.store.ListLatest(ctx, limit+offset)
	if err != nil {
		h.logger.Error("list latest failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list latest items")
		return
	}
	if offset >= len(items) {
		items = []catalog.LatestItem{}
	} else {
		items = items[offset:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetSeries handles GET /v1/series/{slug}. 404 when the series is unknown.
func (h *CatalogHandler) GetSeries(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	series, err := h.store.GetSeries(ctx, chi.URLParam(r, "slug"))
	if err != nil {
		h.notFoundOr500(w, err, "series")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": series})
}

// ListEpisodes handles GET /v1/series/{slug}/episodes.
func (h *CatalogHandler) ListEpisodes(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	episodes, err := h.store.ListEpisodes(ctx, chi.URLParam(r, "slug"))
	if err != nil {
		h.logger.Error("list episodes failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list episodes")
		return
	}
	if episodes == nil {
		episodes = []catalog.Episode{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"episodes": episodes})
}

// GetEpisode handles GET /v1/series/{slug}/episodes/{season}/{episode}.
func (h *CatalogHandler) GetEpisode(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	key, err := parseEpisodeKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ep, err := h.store.GetEpisode(ctx, key)
	if err != nil {
		h.notFoundOr500(w, err, "episode")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"episode": ep})
}

func (h *CatalogHandler) notFoundOr500(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	h.logger.Error("get "+what+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load "+what)
}

func parseEpisodeKey(r *http.Request) (catalog.EpisodeKey, error) {
	season, err := strconv.Atoi(chi.URLParam(r, "season"))
	if err != nil || season <= 0 {
		return catalog.EpisodeKey{}, errors.New("invalid season")
	}
	episode, err := strconv.Atoi(chi.URLParam(r, "episode"))
	if err != nil || episode <= 0 {
		return catalog.EpisodeKey{}, errors.New("invalid episode")
	}
	slug := strings.TrimSpace(chi.URLParam(r, "slug"))
	if slug == "" {
		return catalog.EpisodeKey{}, errors.New("slug is required")
	}
	return catalog.EpisodeKey{Slug: slug, Season: season, Episode: episode}, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
