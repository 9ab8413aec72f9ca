package sink

import (
	"context"

	kafkago "github.com/segmentio/kafka-go"
)

// jsonPublisher is satisfied by *kafka.Producer.
type jsonPublisher interface {
	PublishJSON(ctx context.Context, key string, value any, headers ...kafkago.Header) error
	Close() error
}

// KafkaSink writes transitions to the incident topic keyed by source
// identity, so every transition of a source stays in one partition.
type KafkaSink struct {
	producer jsonPublisher
}

// NewKafkaSink wraps a producer.
func NewKafkaSink(p jsonPublisher) *KafkaSink { return &KafkaSink{producer: p} }

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, t Transition) error {
	return s.producer.PublishJSON(ctx, t.SourceIdentity, t,
		kafkago.Header{Key: "kind", Value: []byte(t.Kind)},
		kafkago.Header{Key: "incident_id", Value: []byte(t.IncidentID.String())},
	)
}

func (s *KafkaSink) Close() error { return s.producer.Close() }
