// Package service exposes the search engine over HTTP: single-page and
// aggregated search, cache introspection, and purge.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/newsdex/newsdex/internal/analytics"
	"github.com/newsdex/newsdex/internal/search"
	pkgerrors "github.com/newsdex/newsdex/pkg/errors"
	"github.com/newsdex/newsdex/pkg/logger"
	"github.com/newsdex/newsdex/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// Searcher is the engine surface the handler drives.
type Searcher interface {
	Search(ctx context.Context, p search.Params) (*search.SearchResponse, error)
	SearchAll(ctx context.Context, p search.Params) (*search.Aggregate, error)
}

// Handler implements the search API endpoints.
type Handler struct {
	engine    Searcher
	cache     *search.QueryCache
	collector *analytics.Collector
	metrics   *metrics.Metrics
	group     singleflight.Group
	logger    *slog.Logger
}

// New creates a Handler. collector may be nil when event publishing is
// disabled.
func New(engine Searcher, queryCache *search.QueryCache, collector *analytics.Collector, m *metrics.Metrics) *Handler {
	return &Handler{
		engine:    engine,
		cache:     queryCache,
		collector: collector,
		metrics:   m,
		logger:    slog.Default().With("component", "service-handler"),
	}
}

// Search serves GET /api/v1/search: one page against the remote index.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	params, err := parseParams(r)
	if err != nil {
		h.metrics.SearchQueriesTotal.WithLabelValues("error").Inc()
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.engine.Search(ctx, params)
	if err != nil {
		h.metrics.SearchQueriesTotal.WithLabelValues("error").Inc()
		log.Error("search failed", "query", params.Query, "error", err)
		h.writeSearchError(w, err)
		return
	}

	latencyMs := time.Since(start).Milliseconds()
	log.Info("search completed",
		"query", params.Query,
		"page", params.Page,
		"returned", len(result.Items),
		"total", result.Total,
		"latency_ms", latencyMs,
	)
	h.metrics.SearchQueriesTotal.WithLabelValues("success").Inc()
	h.track(ctx, analytics.QueryEvent{
		Type:      analytics.EventSearch,
		Query:     params.Query,
		Items:     len(result.Items),
		Total:     result.Total,
		Pages:     1,
		LatencyMs: latencyMs,
	})

	h.writeJSON(w, http.StatusOK, result)
}

// aggregateResponse is an aggregated result plus out-of-band fields that
// tell the caller how the aggregation went.
type aggregateResponse struct {
	*search.SearchResponse
	PagesFetched int    `json:"pages_fetched"`
	Partial      bool   `json:"partial,omitempty"`
	Diagnostic   string `json:"diagnostic,omitempty"`
}

// SearchAll serves GET /api/v1/search/all: the bounded multi-page
// aggregation. Concurrent identical requests share one loop.
func (h *Handler) SearchAll(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	params, err := parseParams(r)
	if err != nil {
		h.metrics.SearchQueriesTotal.WithLabelValues("error").Inc()
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	params.Page = 1

	v, err, shared := h.group.Do("all|"+params.CacheKey(), func() (any, error) {
		return h.engine.SearchAll(ctx, params)
	})
	if err != nil {
		h.metrics.SearchQueriesTotal.WithLabelValues("error").Inc()
		log.Error("aggregated search failed", "query", params.Query, "error", err)
		h.writeSearchError(w, err)
		return
	}
	agg := v.(*search.Aggregate)

	outcome := "success"
	if agg.Partial {
		outcome = "partial"
	}
	latencyMs := time.Since(start).Milliseconds()
	log.Info("aggregated search completed",
		"query", params.Query,
		"pages_fetched", agg.Pages,
		"returned", len(agg.Response.Items),
		"partial", agg.Partial,
		"shared", shared,
		"latency_ms", latencyMs,
	)
	h.metrics.SearchQueriesTotal.WithLabelValues(outcome).Inc()
	h.track(ctx, analytics.QueryEvent{
		Type:      analytics.EventSearchAll,
		Query:     params.Query,
		Items:     len(agg.Response.Items),
		Total:     agg.Response.Total,
		Pages:     agg.Pages,
		Partial:   agg.Partial,
		LatencyMs: latencyMs,
	})

	h.writeJSON(w, http.StatusOK, &aggregateResponse{
		SearchResponse: agg.Response,
		PagesFetched:   agg.Pages,
		Partial:        agg.Partial,
		Diagnostic:     agg.Diagnostic(),
	})
}

// CacheStats serves GET /api/v1/cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats := h.cache.Stats()
	total := stats.Hits + stats.Misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":      stats.Hits,
		"misses":    stats.Misses,
		"evictions": stats.Evictions,
		"entries":   stats.Entries,
		"ttl":       stats.TTL,
		"hit_rate":  fmt.Sprintf("%.1f%%", hitRate),
	})
}

// CachePurge serves POST /api/v1/cache/purge.
func (h *Handler) CachePurge(w http.ResponseWriter, r *http.Request) {
	removed := h.cache.Purge()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "purged",
		"entries_removed": removed,
	})
}

func (h *Handler) track(ctx context.Context, event analytics.QueryEvent) {
	if h.collector == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	if id, ok := logger.RequestIDFromContext(ctx); ok {
		event.RequestID = id
	}
	h.collector.Track(event)
}

// parseParams reads the search fields from the query string. Only the
// primary sort is caller-controllable; the engine fills in the rest.
func parseParams(r *http.Request) (search.Params, error) {
	var p search.Params
	q := r.URL.Query()

	p.Query = strings.TrimSpace(q.Get("q"))
	if p.Query == "" {
		return p, errors.New("query parameter 'q' is required")
	}
	if v := q.Get("page"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			return p, errors.New("page must be a positive integer")
		}
		p.Page = parsed
	}
	if v := q.Get("per_page"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			return p, errors.New("per_page must be a positive integer")
		}
		p.PerPage = parsed
	}
	if v := q.Get("sort"); v != "" {
		key, err := parseSortKey(v)
		if err != nil {
			return p, err
		}
		dir := search.SortDesc
		if d := q.Get("dir"); d != "" {
			parsed, err := parseSortDir(d)
			if err != nil {
				return p, err
			}
			dir = parsed
		}
		p.Sort1 = search.SortSpec{Key: key, Dir: dir}
	}
	return p, nil
}

func parseSortKey(value string) (search.SortKey, error) {
	switch value {
	case "size":
		return search.SortSize, nil
	case "relevance":
		return search.SortRelevance, nil
	case "date":
		return search.SortDate, nil
	default:
		return "", fmt.Errorf("unknown sort key %q (want size, relevance, or date)", value)
	}
}

func parseSortDir(value string) (search.SortDir, error) {
	switch value {
	case "asc":
		return search.SortAsc, nil
	case "desc":
		return search.SortDesc, nil
	default:
		return "", fmt.Errorf("unknown sort direction %q (want asc or desc)", value)
	}
}

// writeSearchError maps an engine error onto the API surface, surfacing the
// upstream status when one exists.
func (h *Handler) writeSearchError(w http.ResponseWriter, err error) {
	msg := "search failed"
	var appErr *pkgerrors.AppError
	switch {
	case errors.As(err, &appErr):
		msg = appErr.Message
	case errors.Is(err, pkgerrors.ErrRequestTimedOut):
		msg = "upstream request timed out"
	case errors.Is(err, pkgerrors.ErrTransportError):
		msg = "upstream unreachable"
	}

	body := map[string]any{"error": msg}
	if code, ok := pkgerrors.UpstreamStatus(err); ok {
		body["upstream_status"] = code
	}
	h.writeJSON(w, pkgerrors.HTTPStatusCode(err), body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
