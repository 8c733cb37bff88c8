package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/newsdex/newsdex/pkg/kafka"
)

// latencySampleCap sizes the initial latency buffer; the slice still grows
// past it under sustained traffic.
const latencySampleCap = 10000

// topQueryLimit caps how many queries each leaderboard reports.
const topQueryLimit = 10

// AggregatedStats is the rolling view of query traffic since startup.
type AggregatedStats struct {
	TotalSearches       int64        `json:"total_searches"`
	TotalAggregations   int64        `json:"total_aggregations"`
	PartialAggregations int64        `json:"partial_aggregations"`
	ZeroResultCount     int64        `json:"zero_result_count"`
	AvgLatencyMs        float64      `json:"avg_latency_ms"`
	P50LatencyMs        int64        `json:"p50_latency_ms"`
	P95LatencyMs        int64        `json:"p95_latency_ms"`
	P99LatencyMs        int64        `json:"p99_latency_ms"`
	TopQueries          []QueryCount `json:"top_queries"`
	ZeroResultQueries   []QueryCount `json:"zero_result_queries"`
	QueriesPerMinute    float64      `json:"queries_per_minute"`
}

// QueryCount is one leaderboard row.
type QueryCount struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

// Aggregator folds query events into AggregatedStats. It is fed either by
// a Kafka consumer running HandleEvent or by calling Record directly.
type Aggregator struct {
	mu          sync.RWMutex
	searches    atomic.Int64
	multiPage   atomic.Int64
	partials    atomic.Int64
	zeroResults atomic.Int64
	latencies   []int64
	byQuery     map[string]int64
	zeroByQuery map[string]int64
	startedAt   time.Time

	logger *slog.Logger
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies:   make([]int64, 0, latencySampleCap),
		byQuery:     make(map[string]int64),
		zeroByQuery: make(map[string]int64),
		startedAt:   time.Now(),
		logger:      slog.Default().With("component", "analytics-aggregator"),
	}
}

// HandleEvent adapts an Aggregator into the consumer's message callback.
// Undecodable events are logged and dropped so one bad message cannot
// wedge the partition.
func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[QueryEvent](value)
		if err != nil {
			agg.logger.Error("failed to decode query event", "error", err)
			return nil
		}
		agg.Record(event)
		return nil
	}
}

// Record folds one event into the rolling stats.
func (a *Aggregator) Record(event QueryEvent) {
	if event.Type == EventSearchAll {
		a.multiPage.Add(1)
	} else {
		a.searches.Add(1)
	}
	if event.Partial {
		a.partials.Add(1)
	}
	if event.Items == 0 {
		a.zeroResults.Add(1)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.latencies = append(a.latencies, event.LatencyMs)
	a.byQuery[event.Query]++
	if event.Items == 0 {
		a.zeroByQuery[event.Query]++
	}
}

// Stats returns a snapshot of the aggregated view.
func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := AggregatedStats{
		TotalSearches:       a.searches.Load(),
		TotalAggregations:   a.multiPage.Load(),
		PartialAggregations: a.partials.Load(),
		ZeroResultCount:     a.zeroResults.Load(),
		TopQueries:          topN(a.byQuery, topQueryLimit),
		ZeroResultQueries:   topN(a.zeroByQuery, topQueryLimit),
	}

	if n := len(a.latencies); n > 0 {
		sorted := append(make([]int64, 0, n), a.latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var total int64
		for _, ms := range sorted {
			total += ms
		}
		stats.AvgLatencyMs = float64(total) / float64(n)
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}

	if elapsed := time.Since(a.startedAt).Minutes(); elapsed > 0 {
		stats.QueriesPerMinute = float64(stats.TotalSearches+stats.TotalAggregations) / elapsed
	}
	return stats
}

// percentile picks the pct-th value from an ascending sample. The index
// rounds down and clamps to the last element.
func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := min(pct*len(sorted)/100, len(sorted)-1)
	return sorted[idx]
}

// topN returns the n highest-count queries, most frequent first.
func topN(counts map[string]int64, n int) []QueryCount {
	ranked := make([]QueryCount, 0, len(counts))
	for q, c := range counts {
		ranked = append(ranked, QueryCount{Query: q, Count: c})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Count > ranked[j].Count })
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
