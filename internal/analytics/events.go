// Package analytics tracks served queries end to end: a batching collector
// publishes events to Kafka, an aggregator consumes them into rolling
// stats, and a store snapshots those stats to PostgreSQL.
package analytics

import "time"

type EventType string

const (
	EventSearch    EventType = "search"
	EventSearchAll EventType = "search_all"
)

// QueryEvent describes one served search request.
type QueryEvent struct {
	Type      EventType `json:"type"`
	Query     string    `json:"query"`
	Items     int       `json:"items"`
	Total     int       `json:"total"`
	Pages     int       `json:"pages"`
	Partial   bool      `json:"partial"`
	LatencyMs int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}
