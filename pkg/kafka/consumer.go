package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/newsdex/newsdex/pkg/config"
	"github.com/segmentio/kafka-go"
)

// Fetch sizing for the consumer. Query events are small JSON documents, so
// the reader batches rather than polling per message.
const (
	fetchMinBytes = 1e3
	fetchMaxBytes = 10e6
)

// MessageHandler processes one consumed message. Returning an error leaves
// the offset uncommitted, so the message is redelivered after a rebalance.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// Consumer feeds every message on a topic through a MessageHandler and
// commits offsets only after the handler succeeds.
type Consumer struct {
	reader  *kafka.Reader
	handler MessageHandler
	logger  *slog.Logger
}

// NewConsumer builds a group consumer for topic. Consumption starts at the
// tail: the aggregator tracks live traffic and has no use for old events.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     cfg.ConsumerGroup,
			Topic:       topic,
			StartOffset: kafka.LastOffset,
			MinBytes:    fetchMinBytes,
			MaxBytes:    fetchMaxBytes,
		}),
		handler: handler,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
	}
}

// Start consumes until ctx is cancelled. A handler failure skips the commit
// for that message and moves on; only cancellation ends the loop.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consuming query events")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return c.reader.Close()
			}
			c.logger.Error("fetching message", "error", err)
			continue
		}
		c.dispatch(ctx, msg)
	}
}

// dispatch runs the handler for one message and commits its offset on
// success.
func (c *Consumer) dispatch(ctx context.Context, msg kafka.Message) {
	c.logger.Debug("message received",
		"partition", msg.Partition,
		"offset", msg.Offset,
		"value_size", len(msg.Value),
	)
	if err := c.handler(ctx, msg.Key, msg.Value); err != nil {
		c.logger.Error("handling message",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return
	}
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Error("committing offset",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
	}
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON unmarshals a message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var v T
	if err := json.Unmarshal(value, &v); err != nil {
		return v, fmt.Errorf("decoding query event: %w", err)
	}
	return v, nil
}
