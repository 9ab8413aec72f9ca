// Package kafka wraps segmentio/kafka-go for the incident transition stream
// and the event source topic.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

var (
	ErrProducerClosed = errors.New("kafka: producer is closed")
	ErrConsumerClosed = errors.New("kafka: consumer is closed")
)

// Config holds broker connection settings shared by producer and consumer.
type Config struct {
	Brokers       []string `yaml:"brokers"`
	IncidentTopic string   `yaml:"incident_topic"`
	EventTopic    string   `yaml:"event_topic"`
	ConsumerGroup string   `yaml:"consumer_group"`

	// Compression: none, gzip, snappy, lz4, zstd.
	Compression string `yaml:"compression"`

	// SecurityProtocol: PLAINTEXT, SSL, SASL_PLAINTEXT, SASL_SSL.
	SecurityProtocol string `yaml:"security_protocol"`
	SASLMechanism    string `yaml:"sasl_mechanism,omitempty"`
	SASLUsername     string `yaml:"sasl_username,omitempty"`
	SASLPassword     string `yaml:"sasl_password,omitempty"`

	TLSCAFile     string `yaml:"tls_ca_file,omitempty"`
	TLSCertFile   string `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile    string `yaml:"tls_key_file,omitempty"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify,omitempty"`

	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	RequiredAcks int           `yaml:"required_acks"` // -1 all, 0 none, 1 leader

	MaxWait        time.Duration `yaml:"max_wait"`
	CommitInterval time.Duration `yaml:"commit_interval"`
	StartOffset    int64         `yaml:"start_offset"` // -1 latest, -2 earliest

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the default broker settings.
func DefaultConfig() Config {
	return Config{
		Brokers:          []string{"localhost:9092"},
		IncidentTopic:    "aegis.incidents",
		EventTopic:       "aegis.events",
		ConsumerGroup:    "aegis-core",
		Compression:      "lz4",
		SecurityProtocol: "PLAINTEXT",
		BatchSize:        100,
		BatchTimeout:     10 * time.Millisecond,
		MaxRetries:       3,
		RetryBackoff:     100 * time.Millisecond,
		RequiredAcks:     -1,
		MaxWait:          500 * time.Millisecond,
		CommitInterval:   time.Second,
		StartOffset:      kafka.LastOffset,
		DialTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}

	switch c.SecurityProtocol {
	case "PLAINTEXT", "SSL":
	case "SASL_PLAINTEXT", "SASL_SSL":
		switch c.SASLMechanism {
		case "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			return fmt.Errorf("kafka: invalid SASL mechanism: %q", c.SASLMechanism)
		}
		if c.SASLUsername == "" || c.SASLPassword == "" {
			return errors.New("kafka: SASL username and password are required")
		}
	default:
		return fmt.Errorf("kafka: invalid security protocol: %q", c.SecurityProtocol)
	}

	switch c.Compression {
	case "", "none", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("kafka: invalid compression: %q", c.Compression)
	}
	if c.MaxRetries < 0 {
		return errors.New("kafka: max_retries must not be negative")
	}
	return nil
}

func (c Config) compression() kafka.Compression {
	switch c.Compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	}
	return 0
}

func (c Config) usesTLS() bool {
	return c.SecurityProtocol == "SSL" || c.SecurityProtocol == "SASL_SSL"
}

func (c Config) usesSASL() bool {
	return c.SecurityProtocol == "SASL_PLAINTEXT" || c.SecurityProtocol == "SASL_SSL"
}

// Dialer builds a dialer with TLS and SASL applied.
func (c Config) Dialer() (*kafka.Dialer, error) {
	d := &kafka.Dialer{Timeout: c.DialTimeout, DualStack: true}
	if c.usesTLS() {
		t, err := c.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("kafka: tls: %w", err)
		}
		d.TLS = t
	}
	if c.usesSASL() {
		m, err := c.saslMechanism()
		if err != nil {
			return nil, fmt.Errorf("kafka: sasl: %w", err)
		}
		d.SASLMechanism = m
	}
	return d, nil
}

func (c Config) tlsConfig() (*tls.Config, error) {
	if c.TLSSkipVerify {
		slog.Warn("kafka TLS certificate verification is disabled")
	}
	t := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.TLSSkipVerify}

	if c.TLSCAFile != "" {
		pem, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates in CA file")
		}
		t.RootCAs = pool
	}
	if c.TLSCertFile != "" && c.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		t.Certificates = []tls.Certificate{cert}
	}
	return t, nil
}

func (c Config) saslMechanism() (sasl.Mechanism, error) {
	switch c.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{Username: c.SASLUsername, Password: c.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	}
	return nil, fmt.Errorf("unsupported mechanism %q", c.SASLMechanism)
}

func debugLogger(logger *slog.Logger, component string) kafka.LoggerFunc {
	return func(msg string, args ...interface{}) {
		logger.Debug(fmt.Sprintf(msg, args...), "component", component)
	}
}

func errorLogger(logger *slog.Logger, component string) kafka.LoggerFunc {
	return func(msg string, args ...interface{}) {
		logger.Error(fmt.Sprintf(msg, args...), "component", component)
	}
}
