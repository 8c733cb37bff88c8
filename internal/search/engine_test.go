package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/newsdex/newsdex/internal/upstream"
	"github.com/newsdex/newsdex/pkg/config"
	pkgerrors "github.com/newsdex/newsdex/pkg/errors"
	"github.com/newsdex/newsdex/pkg/metrics"
)

// testMetrics is shared across the package; collectors register on the
// process-global registry exactly once.
var testMetrics = metrics.New()

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// pageBody renders one upstream result page holding the given item ids.
func pageBody(total int, ids ...string) string {
	rows := make([]string, len(ids))
	for i, id := range ids {
		rows[i] = fmt.Sprintf(`[%q,"release-%s",20480]`, id, id)
	}
	return fmt.Sprintf(`{"data":[%s],"returned":%d,"results":%d,"unfilteredResults":%d}`,
		strings.Join(rows, ","), len(ids), total, total+7)
}

// newTestClient starts a stub upstream and returns a client aimed at it plus
// a counter of the requests it received.
func newTestClient(t *testing.T, handler http.Handler) (*upstream.Client, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	client := upstream.NewClient(config.UpstreamConfig{
		BaseURL:        srv.URL,
		Username:       "subscriber",
		Password:       "hunter2",
		RequestTimeout: 5 * time.Second,
	})
	return client, &calls
}

func newTestEngine(t *testing.T, handler http.Handler, cfg Config) (*Engine, *atomic.Int32) {
	t.Helper()
	client, calls := newTestClient(t, handler)
	return NewEngine(client, NewQueryCache(time.Hour), cfg, testMetrics), calls
}

// pagedUpstream serves endless distinct pages sized exactly as requested.
func pagedUpstream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("pno"))
		size, _ := strconv.Atoi(r.URL.Query().Get("pby"))
		ids := make([]string, size)
		for i := range ids {
			ids[i] = fmt.Sprintf("p%d-i%d", page, i)
		}
		fmt.Fprint(w, pageBody(1000, ids...))
	})
}

// ---------------------------------------------------------------------------
// Search
// ---------------------------------------------------------------------------

// TestSearchRejectsEmptyQuery verifies a blank query fails before the cache
// or the network is touched.
func TestSearchRejectsEmptyQuery(t *testing.T) {
	client, calls := newTestClient(t, pagedUpstream())
	cache := NewQueryCache(time.Hour)
	engine := NewEngine(client, cache, Config{}, testMetrics)

	for _, q := range []string{"", "   ", "\t\n"} {
		_, err := engine.Search(t.Context(), Params{Query: q})
		if !errors.Is(err, pkgerrors.ErrInvalidArgument) {
			t.Errorf("query %q: expected invalid-argument, got %v", q, err)
		}
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("expected no upstream requests, got %d", got)
	}
	if stats := cache.Stats(); stats.Hits != 0 || stats.Misses != 0 {
		t.Error("expected the cache to stay untouched")
	}
}

// TestSearchDecodesPage verifies a successful page comes back with its items
// and counters mapped from the wire payload.
func TestSearchDecodesPage(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pageBody(321, "n1", "n2", "n3"))
	})
	engine, _ := newTestEngine(t, handler, Config{})

	resp, err := engine.Search(t.Context(), Params{Query: "nebula"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(resp.Items))
	}
	if got := resp.Items[0].ID(); got != "n1" {
		t.Errorf("expected first item id n1, got %q", got)
	}
	if resp.Returned != 3 || resp.Total != 321 || resp.Unfiltered != 328 {
		t.Errorf("unexpected counters: returned=%d results=%d unfiltered=%d",
			resp.Returned, resp.Total, resp.Unfiltered)
	}
}

// TestSearchServesRepeatsFromCache verifies that a repeated request, whether
// it spells out the defaults or omits them, answers from the cache with the
// same data and no second upstream call.
func TestSearchServesRepeatsFromCache(t *testing.T) {
	engine, calls := newTestEngine(t, pagedUpstream(), Config{})

	first, err := engine.Search(t.Context(), Params{Query: "quasar"})
	if err != nil {
		t.Fatalf("first search: %v", err)
	}
	second, err := engine.Search(t.Context(), Params{
		Query:   "quasar",
		Page:    1,
		PerPage: DefaultPerPage,
		Sort1:   SortSpec{Key: SortSize, Dir: SortDesc},
		Sort2:   SortSpec{Key: SortRelevance, Dir: SortDesc},
		Sort3:   SortSpec{Key: SortDate, Dir: SortDesc},
	})
	if err != nil {
		t.Fatalf("second search: %v", err)
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 upstream request, got %d", got)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("expected identical data from the cached repeat")
	}
}

// TestSearchFailureNotCached verifies a 401 maps to the authentication
// failure and that nothing was cached: the retry hits the network again.
func TestSearchFailureNotCached(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	})
	engine, calls := newTestEngine(t, handler, Config{})

	_, err := engine.Search(t.Context(), Params{Query: "locked"})
	if !errors.Is(err, pkgerrors.ErrAuthenticationFailed) {
		t.Fatalf("expected authentication failure, got %v", err)
	}
	if status, ok := pkgerrors.UpstreamStatus(err); !ok || status != http.StatusUnauthorized {
		t.Errorf("expected upstream status 401, got %d (ok=%v)", status, ok)
	}

	_, err = engine.Search(t.Context(), Params{Query: "locked"})
	if !errors.Is(err, pkgerrors.ErrAuthenticationFailed) {
		t.Fatalf("expected authentication failure on retry, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected the retry to reach upstream, got %d requests", got)
	}
}

// TestSearchRemoteFailureCarriesStatus verifies non-2xx answers other than
// 401 map to the remote-request failure and expose the status.
func TestSearchRemoteFailureCarriesStatus(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index offline", http.StatusServiceUnavailable)
	})
	engine, _ := newTestEngine(t, handler, Config{})

	_, err := engine.Search(t.Context(), Params{Query: "offline"})
	if !errors.Is(err, pkgerrors.ErrRemoteRequestFailed) {
		t.Fatalf("expected remote-request failure, got %v", err)
	}
	if status, ok := pkgerrors.UpstreamStatus(err); !ok || status != http.StatusServiceUnavailable {
		t.Errorf("expected upstream status 503, got %d (ok=%v)", status, ok)
	}
}

// TestSearchMalformedPayloadNotCached verifies an undecodable body surfaces
// as a transport error and leaves the cache empty.
func TestSearchMalformedPayloadNotCached(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": [[`)
	})
	engine, calls := newTestEngine(t, handler, Config{})

	_, err := engine.Search(t.Context(), Params{Query: "garbled"})
	if !errors.Is(err, pkgerrors.ErrTransportError) {
		t.Fatalf("expected transport error, got %v", err)
	}
	engine.Search(t.Context(), Params{Query: "garbled"})
	if got := calls.Load(); got != 2 {
		t.Errorf("expected the retry to reach upstream, got %d requests", got)
	}
}

// TestSearchTimeout verifies that an unresponsive upstream maps to the
// request-timed-out failure once the request budget expires.
func TestSearchTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})
	client := upstream.NewClient(config.UpstreamConfig{
		BaseURL:        srv.URL,
		RequestTimeout: 50 * time.Millisecond,
	})
	engine := NewEngine(client, NewQueryCache(time.Hour), Config{}, testMetrics)

	_, err := engine.Search(t.Context(), Params{Query: "slow"})
	if !errors.Is(err, pkgerrors.ErrRequestTimedOut) {
		t.Fatalf("expected request-timed-out, got %v", err)
	}
}

// TestSearchCancellation verifies caller cancellation surfaces as the
// timeout failure rather than a bare context error.
func TestSearchCancellation(t *testing.T) {
	engine, _ := newTestEngine(t, pagedUpstream(), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.Search(ctx, Params{Query: "cancelled"})
	if !errors.Is(err, pkgerrors.ErrRequestTimedOut) {
		t.Fatalf("expected request-timed-out, got %v", err)
	}
}

// TestSearchExpiredEntryRefetches verifies an entry past its TTL triggers a
// fresh upstream fetch and is evicted.
func TestSearchExpiredEntryRefetches(t *testing.T) {
	client, calls := newTestClient(t, pagedUpstream())
	clock := newFakeClock()
	cache := newQueryCache(30*time.Minute, clock.Now)
	engine := NewEngine(client, cache, Config{}, testMetrics)

	if _, err := engine.Search(t.Context(), Params{Query: "stale"}); err != nil {
		t.Fatalf("first search: %v", err)
	}
	clock.Advance(31 * time.Minute)
	if _, err := engine.Search(t.Context(), Params{Query: "stale"}); err != nil {
		t.Fatalf("second search: %v", err)
	}

	if got := calls.Load(); got != 2 {
		t.Errorf("expected a refetch after expiry, got %d upstream requests", got)
	}
	if stats := cache.Stats(); stats.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", stats.Evictions)
	}
}

// ---------------------------------------------------------------------------
// SearchAll
// ---------------------------------------------------------------------------

// TestSearchAllRejectsEmptyQuery verifies blank queries fail before any page
// is fetched.
func TestSearchAllRejectsEmptyQuery(t *testing.T) {
	engine, calls := newTestEngine(t, pagedUpstream(), Config{})

	_, err := engine.SearchAll(t.Context(), Params{Query: "  "})
	if !errors.Is(err, pkgerrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid-argument, got %v", err)
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("expected no upstream requests, got %d", got)
	}
}

// TestSearchAllCollectsUpToItemCeiling verifies the loop sizes every page,
// the first included, to what it still needs and stops exactly at the item
// ceiling.
func TestSearchAllCollectsUpToItemCeiling(t *testing.T) {
	var mu sync.Mutex
	var sizes []string
	paged := pagedUpstream()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sizes = append(sizes, r.URL.Query().Get("pby"))
		mu.Unlock()
		paged.ServeHTTP(w, r)
	})
	engine, calls := newTestEngine(t, handler, Config{
		MaxPerPage:      5,
		MaxTotalResults: 10,
		MaxPages:        10,
	})

	agg, err := engine.SearchAll(t.Context(), Params{Query: "ceiling"})
	if err != nil {
		t.Fatalf("search all: %v", err)
	}
	if len(agg.Response.Items) != 10 {
		t.Errorf("expected exactly 10 items, got %d", len(agg.Response.Items))
	}
	if agg.Pages != 2 {
		t.Errorf("expected 2 pages, got %d", agg.Pages)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 upstream requests, got %d", got)
	}
	if agg.Partial {
		t.Error("expected a complete result")
	}
	mu.Lock()
	requested := append([]string(nil), sizes...)
	mu.Unlock()
	if !reflect.DeepEqual(requested, []string{"5", "5"}) {
		t.Errorf("expected page sizes [5 5], got %v", requested)
	}
	// Counters ride along from the latest fetched page.
	if agg.Response.Total != 1000 {
		t.Errorf("expected total 1000 from the latest page, got %d", agg.Response.Total)
	}
}

// TestSearchAllStopsOnRepeatedPage verifies that an upstream echoing the
// same page again ends the loop without appending duplicates.
func TestSearchAllStopsOnRepeatedPage(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pageBody(50, "dup-a", "dup-b", "dup-c"))
	})
	engine, calls := newTestEngine(t, handler, Config{
		MaxPerPage:      3,
		MaxTotalResults: 12,
		MaxPages:        10,
	})

	agg, err := engine.SearchAll(t.Context(), Params{Query: "echo"})
	if err != nil {
		t.Fatalf("search all: %v", err)
	}
	if len(agg.Response.Items) != 3 {
		t.Errorf("expected only the first page's 3 items, got %d", len(agg.Response.Items))
	}
	if agg.Pages != 2 {
		t.Errorf("expected 2 pages fetched, got %d", agg.Pages)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 upstream requests, got %d", got)
	}
	if got := agg.Response.Items[0].ID(); got != "dup-a" {
		t.Errorf("expected first item dup-a, got %q", got)
	}
}

// TestSearchAllStopsOnEmptyPage verifies an empty page ends the loop with
// everything collected so far.
func TestSearchAllStopsOnEmptyPage(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pno") == "1" {
			fmt.Fprint(w, pageBody(4, "a", "b", "c", "d"))
			return
		}
		fmt.Fprint(w, pageBody(4))
	})
	engine, _ := newTestEngine(t, handler, Config{
		MaxPerPage:      10,
		MaxTotalResults: 100,
		MaxPages:        10,
	})

	agg, err := engine.SearchAll(t.Context(), Params{Query: "short"})
	if err != nil {
		t.Fatalf("search all: %v", err)
	}
	if len(agg.Response.Items) != 4 {
		t.Errorf("expected 4 items, got %d", len(agg.Response.Items))
	}
	if agg.Pages != 2 {
		t.Errorf("expected 2 pages fetched, got %d", agg.Pages)
	}
	// The empty page is the latest snapshot, so its counters ride along.
	if agg.Response.Returned != 0 {
		t.Errorf("expected returned 0 from the final empty page, got %d", agg.Response.Returned)
	}
}

// TestSearchAllHonorsPageCeiling verifies the loop stops at the page ceiling
// even while items and pages remain.
func TestSearchAllHonorsPageCeiling(t *testing.T) {
	engine, calls := newTestEngine(t, pagedUpstream(), Config{
		MaxPerPage:      4,
		MaxTotalResults: 500,
		MaxPages:        3,
	})

	agg, err := engine.SearchAll(t.Context(), Params{Query: "endless"})
	if err != nil {
		t.Fatalf("search all: %v", err)
	}
	if agg.Pages != 3 {
		t.Errorf("expected 3 pages, got %d", agg.Pages)
	}
	if len(agg.Response.Items) != 12 {
		t.Errorf("expected 12 items, got %d", len(agg.Response.Items))
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 upstream requests, got %d", got)
	}
}

// TestSearchAllTruncatesOversizedPage verifies a page larger than requested
// is truncated at the item ceiling.
func TestSearchAllTruncatesOversizedPage(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("pno")
		ids := make([]string, 7)
		for i := range ids {
			ids[i] = fmt.Sprintf("p%s-%d", page, i)
		}
		fmt.Fprint(w, pageBody(100, ids...))
	})
	engine, _ := newTestEngine(t, handler, Config{
		MaxPerPage:      5,
		MaxTotalResults: 10,
		MaxPages:        10,
	})

	agg, err := engine.SearchAll(t.Context(), Params{Query: "overshoot"})
	if err != nil {
		t.Fatalf("search all: %v", err)
	}
	if len(agg.Response.Items) != 10 {
		t.Errorf("expected truncation at 10 items, got %d", len(agg.Response.Items))
	}
}

// TestSearchAllPartialAfterFirstPage verifies a mid-flight failure after
// items were collected downgrades to a partial result carrying the cause.
func TestSearchAllPartialAfterFirstPage(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pno") == "1" {
			fmt.Fprint(w, pageBody(30, "a", "b", "c"))
			return
		}
		http.Error(w, "index shard lost", http.StatusInternalServerError)
	})
	engine, _ := newTestEngine(t, handler, Config{
		MaxPerPage:      3,
		MaxTotalResults: 30,
		MaxPages:        10,
	})

	agg, err := engine.SearchAll(t.Context(), Params{Query: "fragile"})
	if err != nil {
		t.Fatalf("expected the failure to be swallowed, got %v", err)
	}
	if !agg.Partial {
		t.Fatal("expected a partial result")
	}
	if !errors.Is(agg.Cause, pkgerrors.ErrRemoteRequestFailed) {
		t.Errorf("expected remote-request failure as cause, got %v", agg.Cause)
	}
	if len(agg.Response.Items) != 3 {
		t.Errorf("expected the 3 collected items, got %d", len(agg.Response.Items))
	}
	if agg.Pages != 1 {
		t.Errorf("expected 1 completed page, got %d", agg.Pages)
	}
	if diag := agg.Diagnostic(); !strings.Contains(diag, "500") {
		t.Errorf("expected diagnostic naming the upstream status, got %q", diag)
	}
}

// TestSearchAllFirstPageFailurePropagates verifies a failure before any item
// was collected surfaces unchanged.
func TestSearchAllFirstPageFailurePropagates(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index shard lost", http.StatusInternalServerError)
	})
	engine, _ := newTestEngine(t, handler, Config{})

	agg, err := engine.SearchAll(t.Context(), Params{Query: "doomed"})
	if !errors.Is(err, pkgerrors.ErrRemoteRequestFailed) {
		t.Fatalf("expected remote-request failure, got %v", err)
	}
	if agg != nil {
		t.Error("expected no aggregate on first-page failure")
	}
}

// TestSearchAllReusesCachedPages verifies a repeated aggregation answers
// entirely from cached pages.
func TestSearchAllReusesCachedPages(t *testing.T) {
	engine, calls := newTestEngine(t, pagedUpstream(), Config{
		MaxPerPage:      5,
		MaxTotalResults: 10,
		MaxPages:        10,
	})

	first, err := engine.SearchAll(t.Context(), Params{Query: "replay"})
	if err != nil {
		t.Fatalf("first aggregation: %v", err)
	}
	second, err := engine.SearchAll(t.Context(), Params{Query: "replay"})
	if err != nil {
		t.Fatalf("second aggregation: %v", err)
	}

	if got := calls.Load(); got != 2 {
		t.Errorf("expected the repeat to fetch nothing, got %d upstream requests", got)
	}
	if !reflect.DeepEqual(first.Response, second.Response) {
		t.Error("expected identical aggregates from cached pages")
	}
}
