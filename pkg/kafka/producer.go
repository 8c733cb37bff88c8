// Package kafka moves query events between the API process and the
// analytics pipeline, as thin wrappers over segmentio/kafka-go. Events
// are published as JSON and decoded back through a MessageHandler.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/newsdex/newsdex/pkg/config"
	"github.com/segmentio/kafka-go"
)

// Writer tuning. Events within a flush window share one produce request;
// RequireAll keeps query counts durable across broker restarts.
const (
	writerBatchSize   = 100
	writerBatchWindow = 10 * time.Millisecond
	writerMaxAttempts = 3
)

// Event is one unit of published data. Key selects the partition via hash,
// Value is marshalled to JSON on publish.
type Event struct {
	Key   string
	Value any
}

// Producer writes JSON-encoded events to a single topic.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewProducer builds a synchronous producer for topic.
func NewProducer(cfg config.KafkaConfig, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    writerBatchSize,
			BatchTimeout: writerBatchWindow,
			MaxAttempts:  writerMaxAttempts,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
		},
		logger: slog.Default().With("component", "kafka-producer", "topic", topic),
	}
}

// Publish marshals the events and writes them in one call. Publishing
// nothing is a no-op, so callers can flush unconditionally.
func (p *Producer) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		body, err := json.Marshal(ev.Value)
		if err != nil {
			return fmt.Errorf("marshaling event %q: %w", ev.Key, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(ev.Key), Value: body})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error("publishing events", "count", len(msgs), "error", err)
		return fmt.Errorf("publishing %d events: %w", len(msgs), err)
	}
	p.logger.Debug("events published", "count", len(msgs))
	return nil
}

// Close flushes pending writes and releases the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
