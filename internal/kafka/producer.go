package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProducerStats are producer counters.
type ProducerStats struct {
	Messages int64 `json:"messages"`
	Bytes    int64 `json:"bytes"`
	Errors   int64 `json:"errors"`
	Retries  int64 `json:"retries"`
}

// Producer writes JSON records to one topic with bounded retries.
type Producer struct {
	writer  messageWriter
	topic   string
	retries int
	backoff time.Duration
	logger  *slog.Logger
	closed  atomic.Bool

	messages atomic.Int64
	bytes    atomic.Int64
	errs     atomic.Int64
	retried  atomic.Int64
}

// NewProducer creates a producer for topic.
func NewProducer(cfg Config, topic string, logger *slog.Logger) (*Producer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	dialer, err := cfg.Dialer()
	if err != nil {
		return nil, err
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  1,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  cfg.compression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		Logger:      debugLogger(logger, "kafka-writer"),
		ErrorLogger: errorLogger(logger, "kafka-writer"),
	}

	logger.Info("kafka producer initialized", "brokers", cfg.Brokers, "topic", topic, "compression", cfg.Compression)
	return newProducer(w, topic, cfg.MaxRetries, cfg.RetryBackoff, logger), nil
}

func newProducer(w messageWriter, topic string, retries int, backoff time.Duration, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{writer: w, topic: topic, retries: retries, backoff: backoff, logger: logger}
}

// Topic returns the destination topic.
func (p *Producer) Topic() string { return p.topic }

// PublishJSON marshals value and writes it under key. Records with the same
// key land on the same partition, so per-key order is kept.
func (p *Producer) PublishJSON(ctx context.Context, key string, value any, headers ...kafka.Header) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kafka: marshal: %w", err)
	}
	return p.Write(ctx, kafka.Message{Key: []byte(key), Value: data, Headers: headers, Time: time.Now()})
}

// Write sends messages, retrying transient failures with exponential backoff.
func (p *Producer) Write(ctx context.Context, msgs ...kafka.Message) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	backoff := p.backoff
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			p.retried.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, msgs...)
		if err == nil {
			for _, m := range msgs {
				p.messages.Add(1)
				p.bytes.Add(int64(len(m.Key) + len(m.Value)))
			}
			return nil
		}

		lastErr = err
		p.errs.Add(1)
		p.logger.Warn("kafka write failed", "topic", p.topic, "attempt", attempt+1, "error", err)
		if permanent(err) || ctx.Err() != nil {
			return fmt.Errorf("kafka: %w", err)
		}
	}
	return fmt.Errorf("kafka: failed after %d attempts: %w", p.retries+1, lastErr)
}

// Stats returns producer counters.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		Messages: p.messages.Load(),
		Bytes:    p.bytes.Load(),
		Errors:   p.errs.Load(),
		Retries:  p.retried.Load(),
	}
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.logger.Info("closing kafka producer", "topic", p.topic, "messages", p.messages.Load())
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: close producer: %w", err)
	}
	return nil
}

func permanent(err error) bool {
	switch {
	case errors.Is(err, kafka.MessageSizeTooLarge),
		errors.Is(err, kafka.InvalidTopic),
		errors.Is(err, kafka.TopicAuthorizationFailed),
		errors.Is(err, kafka.ClusterAuthorizationFailed):
		return true
	}
	return false
}
