package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// Handler processes one consumed record. A nil return commits the offset;
// an error leaves it uncommitted so the record is redelivered after a
// rebalance or restart.
type Handler func(ctx context.Context, msg kafka.Message) error

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerStats are consumer counters.
type ConsumerStats struct {
	Messages   int64 `json:"messages"`
	Failed     int64 `json:"failed"`
	FetchErrs  int64 `json:"fetch_errors"`
	LastOffset int64 `json:"last_offset"`
}

// Consumer reads one topic as part of a consumer group.
type Consumer struct {
	reader       messageReader
	topic        string
	fetchBackoff time.Duration
	logger       *slog.Logger
	closed       atomic.Bool

	messages   atomic.Int64
	failed     atomic.Int64
	fetchErrs  atomic.Int64
	lastOffset atomic.Int64
}

// NewConsumer creates a group consumer for topic.
func NewConsumer(cfg Config, topic string, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New("kafka: consumer group is required")
	}
	dialer, err := cfg.Dialer()
	if err != nil {
		return nil, err
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          topic,
		Dialer:         dialer,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		MaxWait:        cfg.MaxWait,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    cfg.StartOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		Logger:         debugLogger(logger, "kafka-reader"),
		ErrorLogger:    errorLogger(logger, "kafka-reader"),
	})

	logger.Info("kafka consumer initialized", "brokers", cfg.Brokers, "topic", topic, "group", cfg.ConsumerGroup)
	return newConsumer(r, topic, time.Second, logger), nil
}

func newConsumer(r messageReader, topic string, fetchBackoff time.Duration, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{reader: r, topic: topic, fetchBackoff: fetchBackoff, logger: logger}
	c.lastOffset.Store(-1)
	return c
}

// Run fetches records and hands them to h until ctx is canceled or the
// consumer is closed. It returns nil on a clean shutdown.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("kafka: handler is required")
	}
	c.logger.Info("kafka consumer started", "topic", c.topic)

	for {
		if c.closed.Load() {
			return ErrConsumerClosed
		}
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) || c.closed.Load() {
				return ErrConsumerClosed
			}
			c.fetchErrs.Add(1)
			c.logger.Error("failed to fetch message", "topic", c.topic, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.fetchBackoff):
			}
			continue
		}

		if err := h(ctx, msg); err != nil {
			c.failed.Add(1)
			c.logger.Warn("failed to process message",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit offset", "offset", msg.Offset, "error", err)
		}
		c.messages.Add(1)
		c.lastOffset.Store(msg.Offset)
	}
}

// Stats returns consumer counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Messages:   c.messages.Load(),
		Failed:     c.failed.Load(),
		FetchErrs:  c.fetchErrs.Load(),
		LastOffset: c.lastOffset.Load(),
	}
}

// Close stops the reader. A blocked Run returns ErrConsumerClosed.
func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.logger.Info("stopping kafka consumer", "topic", c.topic, "messages", c.messages.Load())
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: close consumer: %w", err)
	}
	return nil
}
