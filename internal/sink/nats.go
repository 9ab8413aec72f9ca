package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds the live fan-out connection settings.
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

// DefaultNATSConfig returns the default NATS settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "aegis.incidents",
		Timeout:       5 * time.Second,
		MaxReconnects: 60,
	}
}

type natsConn interface {
	PublishMsg(m *nats.Msg) error
	Drain() error
}

// NATSSink publishes each transition on <prefix>.<kind>, lower-cased, for
// live subscribers such as dashboards.
type NATSSink struct {
	conn   natsConn
	prefix string
}

// DialNATS connects and returns a sink.
func DialNATS(cfg NATSConfig, logger *slog.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("aegis-core"),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("sink: connect to nats: %w", err)
	}
	logger.Info("nats sink connected", "url", nc.ConnectedUrl(), "prefix", cfg.SubjectPrefix)
	return NewNATSSink(nc, cfg.SubjectPrefix), nil
}

// NewNATSSink wraps an existing connection.
func NewNATSSink(conn natsConn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultNATSConfig().SubjectPrefix
	}
	return &NATSSink{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject a transition kind is published on.
func (s *NATSSink) Subject(k Kind) string {
	return s.prefix + "." + strings.ToLower(string(k))
}

func (s *NATSSink) Publish(_ context.Context, t Transition) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("sink: marshal transition: %w", err)
	}
	msg := nats.NewMsg(s.Subject(t.Kind))
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set("Aegis-Source", t.SourceIdentity)
	if t.Kind != KindCandidateDropped {
		msg.Header.Set("Aegis-Incident", t.IncidentID.String())
	}
	return s.conn.PublishMsg(msg)
}

func (s *NATSSink) Close() error { return s.conn.Drain() }
