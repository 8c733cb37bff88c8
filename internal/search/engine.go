package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/newsdex/newsdex/internal/upstream"
	pkgerrors "github.com/newsdex/newsdex/pkg/errors"
	"github.com/newsdex/newsdex/pkg/metrics"
)

// Config bounds the multi-page aggregation loop. Zero values fall back to
// the defaults.
type Config struct {
	// MaxPerPage caps what a single page may request from the upstream.
	MaxPerPage int
	// MaxTotalResults caps how many items SearchAll ever returns.
	MaxTotalResults int
	// MaxPages caps loop iterations regardless of MaxTotalResults.
	MaxPages int
}

const (
	defaultMaxPerPage      = 250
	defaultMaxTotalResults = 500
	defaultMaxPages        = 10
)

func (c Config) withDefaults() Config {
	if c.MaxPerPage <= 0 {
		c.MaxPerPage = defaultMaxPerPage
	}
	if c.MaxTotalResults <= 0 {
		c.MaxTotalResults = defaultMaxTotalResults
	}
	if c.MaxPages <= 0 {
		c.MaxPages = defaultMaxPages
	}
	return c
}

// Engine is the search aggregator. Search serves single pages through the
// query cache; SearchAll drives a bounded loop that stitches consecutive
// pages into one combined result.
type Engine struct {
	client  *upstream.Client
	cache   *QueryCache
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEngine composes the aggregator from its collaborators. Each engine
// owns the cache it is given, so independently configured engines can
// coexist in one process.
func NewEngine(client *upstream.Client, cache *QueryCache, cfg Config, m *metrics.Metrics) *Engine {
	return &Engine{
		client:  client,
		cache:   cache,
		cfg:     cfg.withDefaults(),
		metrics: m,
		logger:  slog.Default().With("component", "search-engine"),
	}
}

// Aggregate is the outcome of a multi-page search. Partial marks a result
// truncated by a mid-flight failure; Cause then holds the error that was
// downgraded.
type Aggregate struct {
	Response *SearchResponse
	Pages    int
	Partial  bool
	Cause    error
}

// Diagnostic describes why an aggregate is partial, or "" when it is not.
func (a *Aggregate) Diagnostic() string {
	if a.Cause == nil {
		return ""
	}
	return a.Cause.Error()
}

// Search runs one page against the remote index, answering from the cache
// when a fresh entry exists. An empty query fails before any cache access
// or network activity. Every failure surfaces to the caller, and nothing
// is cached on a failure path.
func (e *Engine) Search(ctx context.Context, p Params) (*SearchResponse, error) {
	if strings.TrimSpace(p.Query) == "" {
		return nil, pkgerrors.New(pkgerrors.ErrInvalidArgument, http.StatusBadRequest, "query must not be empty")
	}
	cp := p.normalized(e.cfg.MaxPerPage)
	key := cp.CacheKey()

	start := time.Now()
	if cached, ok := e.cache.Get(key); ok {
		e.metrics.CacheHitsTotal.Inc()
		e.metrics.SearchLatency.WithLabelValues("hit").Observe(time.Since(start).Seconds())
		return cached, nil
	}
	e.metrics.CacheMissesTotal.Inc()

	fetchStart := time.Now()
	res, err := e.client.Fetch(ctx, cp.Values())
	e.metrics.UpstreamRequestDuration.Observe(time.Since(fetchStart).Seconds())
	if err != nil {
		e.metrics.UpstreamRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	e.metrics.UpstreamRequestsTotal.WithLabelValues(strconv.Itoa(res.StatusCode)).Inc()

	if res.StatusCode == http.StatusUnauthorized {
		appErr := pkgerrors.New(pkgerrors.ErrAuthenticationFailed, http.StatusBadGateway, "upstream rejected credentials")
		appErr.UpstreamStatus = res.StatusCode
		return nil, appErr
	}
	if !res.OK() {
		appErr := pkgerrors.Newf(pkgerrors.ErrRemoteRequestFailed, http.StatusBadGateway, "upstream answered %s", res.Status)
		appErr.UpstreamStatus = res.StatusCode
		return nil, appErr
	}

	var sr SearchResponse
	if err := res.Decode(&sr); err != nil {
		return nil, fmt.Errorf("%w: decoding upstream response: %w", pkgerrors.ErrTransportError, err)
	}

	e.cache.Put(key, &sr)
	e.metrics.SearchLatency.WithLabelValues("miss").Observe(time.Since(start).Seconds())
	e.logger.Debug("page fetched",
		"query", cp.Query,
		"page", cp.Page,
		"items", len(sr.Items),
	)
	return &sr, nil
}

// SearchAll fetches successive pages starting at page 1 and returns one
// combined result of up to MaxTotalResults items. Every page, including
// the first, is sized to min(MaxPerPage, remaining) so the loop never
// requests more than it still needs. It stops when the upstream is
// exhausted, repeats a page, or a ceiling is reached.
//
// A failure after at least one item has been collected is downgraded to a
// partial Aggregate carrying the cause; a failure before any item exists
// propagates unchanged.
func (e *Engine) SearchAll(ctx context.Context, p Params) (*Aggregate, error) {
	if strings.TrimSpace(p.Query) == "" {
		return nil, pkgerrors.New(pkgerrors.ErrInvalidArgument, http.StatusBadRequest, "query must not be empty")
	}
	cp := p.normalized(e.cfg.MaxPerPage)

	var (
		collected []Item
		last      *SearchResponse
		firstID   string
		pages     int
	)
	page := 1
	for pages < e.cfg.MaxPages {
		remaining := e.cfg.MaxTotalResults - len(collected)
		if remaining <= 0 {
			break
		}
		req := cp
		req.Page = page
		req.PerPage = min(e.cfg.MaxPerPage, remaining)

		resp, err := e.Search(ctx, req)
		if err != nil {
			if len(collected) == 0 {
				return nil, err
			}
			e.logger.Warn("aggregation degraded to partial result",
				"query", cp.Query,
				"pages_fetched", pages,
				"items_collected", len(collected),
				"error", err,
			)
			e.metrics.AggregationPartialTotal.Inc()
			e.observeAggregation(pages, len(collected))
			return &Aggregate{
				Response: combine(last, collected),
				Pages:    pages,
				Partial:  true,
				Cause:    err,
			}, nil
		}
		last = resp
		pages++

		if len(resp.Items) == 0 {
			break
		}
		if len(collected) > 0 && resp.FirstID() == firstID {
			e.metrics.DuplicatePagesTotal.Inc()
			e.logger.Warn("upstream repeated a page, stopping",
				"query", cp.Query,
				"page", page,
			)
			break
		}
		if len(collected) == 0 {
			firstID = resp.FirstID()
		}
		collected = append(collected, resp.Items...)
		if len(collected) >= e.cfg.MaxTotalResults {
			collected = collected[:e.cfg.MaxTotalResults]
			break
		}
		page++
	}
	e.observeAggregation(pages, len(collected))
	return &Aggregate{Response: combine(last, collected), Pages: pages}, nil
}

func (e *Engine) observeAggregation(pages, items int) {
	e.metrics.AggregationPagesFetched.Observe(float64(pages))
	e.metrics.AggregationItemsReturned.Observe(float64(items))
}

// combine returns the latest page's metadata with its item list replaced by
// the full collected sequence.
func combine(last *SearchResponse, items []Item) *SearchResponse {
	if items == nil {
		items = []Item{}
	}
	if last == nil {
		return &SearchResponse{Items: items, Returned: len(items)}
	}
	out := *last
	out.Items = items
	return &out
}
