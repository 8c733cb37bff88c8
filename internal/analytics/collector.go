package analytics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/newsdex/newsdex/pkg/kafka"
)

const collectorBuffer = 10000

// Collector accepts query events without blocking the request path and
// publishes them to Kafka in batches, flushed when the batch fills or the
// interval elapses, whichever comes first. Events are dropped when the
// buffer is full rather than stalling a search.
type Collector struct {
	producer  *kafka.Producer
	eventCh   chan QueryEvent
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
	done      chan struct{}
	dropped   atomic.Int64
}

// NewCollector creates a Collector that flushes every batchSize events or
// every flushInterval.
func NewCollector(producer *kafka.Producer, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Collector{
		producer:  producer,
		eventCh:   make(chan QueryEvent, collectorBuffer),
		batchSize: batchSize,
		interval:  flushInterval,
		logger:    slog.Default().With("component", "analytics-collector"),
		done:      make(chan struct{}),
	}
}

// Start launches the background publish loop, which runs until ctx is
// cancelled. Buffered events are drained and flushed on shutdown.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		batch := make([]kafka.Event, 0, c.batchSize)

		flush := func(fctx context.Context) {
			if len(batch) == 0 {
				return
			}
			if err := c.producer.Publish(fctx, batch...); err != nil {
				c.logger.Error("batch publish failed", "events", len(batch), "error", err)
			}
			batch = batch[:0]
		}

		for {
			select {
			case event := <-c.eventCh:
				batch = append(batch, kafka.Event{Key: event.Query, Value: event})
				if len(batch) >= c.batchSize {
					flush(ctx)
				}
			case <-ticker.C:
				flush(ctx)
			case <-ctx.Done():
				for {
					select {
					case event := <-c.eventCh:
						batch = append(batch, kafka.Event{Key: event.Query, Value: event})
					default:
						flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						flush(flushCtx)
						cancel()
						return
					}
				}
			}
		}
	}()
	c.logger.Info("analytics collector started",
		"batch_size", c.batchSize,
		"flush_interval", c.interval,
	)
}

// Track queues an event for publishing. It never blocks; when the buffer is
// full the event is counted as dropped.
func (c *Collector) Track(event QueryEvent) {
	select {
	case c.eventCh <- event:
	default:
		if n := c.dropped.Add(1); n%1000 == 1 {
			c.logger.Warn("analytics events dropped, buffer full", "total_dropped", n)
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

// Close waits for the publish loop to drain and exit. Cancel the context
// passed to Start first.
func (c *Collector) Close() {
	<-c.done
}
