package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// HealthStatus is the result of a broker reachability check.
type HealthStatus struct {
	Healthy     bool          `json:"healthy"`
	LastCheck   time.Time     `json:"last_check"`
	Latency     time.Duration `json:"latency"`
	Error       string        `json:"error,omitempty"`
	BrokerCount int           `json:"broker_count"`
}

// TopicSpec describes a topic to create at startup.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	RetentionMs       int64
}

// Ping dials the first broker and lists the cluster.
func Ping(ctx context.Context, cfg Config) HealthStatus {
	status := HealthStatus{LastCheck: time.Now()}
	start := time.Now()

	conn, err := dial(ctx, cfg)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer conn.Close()

	brokers, err := conn.Brokers()
	if err != nil {
		status.Error = fmt.Sprintf("list brokers: %v", err)
		return status
	}
	status.Latency = time.Since(start)
	status.BrokerCount = len(brokers)
	status.Healthy = true
	return status
}

// EnsureTopics creates any topic in specs that does not exist yet.
func EnsureTopics(ctx context.Context, cfg Config, logger *slog.Logger, specs ...TopicSpec) error {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("kafka: read partitions: %w", err)
	}
	existing := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		existing[p.Topic] = true
	}

	var missing []kafka.TopicConfig
	for _, s := range specs {
		if s.Name == "" || existing[s.Name] {
			continue
		}
		tc := kafka.TopicConfig{
			Topic:             s.Name,
			NumPartitions:     max(s.Partitions, 1),
			ReplicationFactor: max(s.ReplicationFactor, 1),
		}
		if s.RetentionMs > 0 {
			tc.ConfigEntries = []kafka.ConfigEntry{{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(s.RetentionMs, 10)}}
		}
		missing = append(missing, tc)
	}
	if len(missing) == 0 {
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: get controller: %w", err)
	}
	dialer, err := cfg.Dialer()
	if err != nil {
		return err
	}
	cc, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: connect to controller: %w", err)
	}
	defer cc.Close()

	if err := cc.CreateTopics(missing...); err != nil {
		return fmt.Errorf("kafka: create topics: %w", err)
	}
	for _, tc := range missing {
		logger.Info("kafka topic created", "topic", tc.Topic, "partitions", tc.NumPartitions)
	}
	return nil
}

func dial(ctx context.Context, cfg Config) (*kafka.Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer, err := cfg.Dialer()
	if err != nil {
		return nil, err
	}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: connect to broker: %w", err)
	}
	return conn, nil
}
