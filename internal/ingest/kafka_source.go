package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	akafka "aegis-core/internal/kafka"
)

// MessageConsumer runs a handler over consumed records.
type MessageConsumer interface {
	Run(ctx context.Context, h akafka.Handler) error
}

// KafkaSource feeds events from a Kafka topic through the same decode and
// validation path as HTTP. Each record carries one event or an array of
// events.
type KafkaSource struct {
	handler *Handler
	logger  *slog.Logger
}

// NewKafkaSource creates a source that ingests through h.
func NewKafkaSource(h *Handler, logger *slog.Logger) *KafkaSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSource{handler: h, logger: logger}
}

// Handle ingests one record. Invalid events are quarantined and the record
// is committed. A stopped pipeline returns an error so the offset stays
// uncommitted and the record is redelivered after restart.
func (s *KafkaSource) Handle(ctx context.Context, msg kafka.Message) error {
	raws, err := splitBatch(msg.Value)
	if err != nil {
		raws = []json.RawMessage{msg.Value}
	}
	if len(raws) == 0 {
		return nil
	}

	origin := fmt.Sprintf("%s/%d@%d", msg.Topic, msg.Partition, msg.Offset)
	res := s.handler.Ingest(ctx, raws, origin, "kafka")
	if res.Unavailable > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if res.Accepted == 0 {
			return fmt.Errorf("%d event(s) not enqueued: %s", res.Unavailable, res.Errors[len(res.Errors)-1])
		}
		s.logger.Warn("kafka record partially enqueued",
			"origin", origin,
			"accepted", res.Accepted,
			"unavailable", res.Unavailable,
		)
	}
	if res.Rejected > res.Unavailable {
		s.logger.Debug("kafka record contained invalid events",
			"origin", origin,
			"invalid", res.Rejected-res.Unavailable,
		)
	}
	return nil
}

// Run consumes until ctx is done or the consumer closes.
func (s *KafkaSource) Run(ctx context.Context, c MessageConsumer) error {
	return c.Run(ctx, s.Handle)
}
