// Package config handles configuration loading for aegis-core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"aegis-core/internal/detection"
	"aegis-core/internal/incident"
	"aegis-core/internal/kafka"
	"aegis-core/internal/pipeline"
	"aegis-core/internal/queue"
	"aegis-core/internal/response"
	"aegis-core/internal/simulate"
	"aegis-core/internal/sink"
	"aegis-core/internal/storage"
	"aegis-core/internal/storage/s3"
)

// DefaultPath is read when AEGIS_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Config holds the complete application configuration.
type Config struct {
	// ProductionMode strips paths, addresses and credentials from reasons
	// published to sinks.
	ProductionMode bool `yaml:"production_mode"`

	Server     ServerConfig     `yaml:"server"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Queue      QueueConfig      `yaml:"queue"`
	Validation ValidationConfig `yaml:"validation"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`

	Window     WindowConfig     `yaml:"window"`
	Pipeline   pipeline.Config  `yaml:"pipeline"`
	Detectors  detection.Config `yaml:"detectors"`
	Correlator incident.Config  `yaml:"correlator"`
	Response   ResponseConfig   `yaml:"response"`

	Sinks    SinksConfig     `yaml:"sinks"`
	Kafka    kafka.Config    `yaml:"kafka"`
	Storage  StorageConfig   `yaml:"storage"`
	Archive  s3.Config       `yaml:"archive"`
	Simulate simulate.Config `yaml:"simulate"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int  `yaml:"max_batch_size"`
	MaxPayloadSize int  `yaml:"max_payload_size"`
	KafkaEnabled   bool `yaml:"kafka_enabled"`
	// QuarantineRejected stores rejected events in ClickHouse when storage is enabled.
	QuarantineRejected bool `yaml:"quarantine_rejected"`

	TCP  StreamConfig `yaml:"tcp"`
	DTLS DTLSConfig   `yaml:"dtls"`
}

// StreamConfig configures the newline-delimited JSON listener for sensors
// that hold a long-lived TCP connection.
type StreamConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	TLSEnabled     bool          `yaml:"tls_enabled"`
	TLSCertFile    string        `yaml:"tls_cert_file"`
	TLSKeyFile     string        `yaml:"tls_key_file"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLineLength  int           `yaml:"max_line_length"`
}

// DTLSConfig configures the datagram listener. Each datagram carries one
// event or a JSON array of events.
type DTLSConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Address           string        `yaml:"address"`
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	CAFile            string        `yaml:"ca_file"`
	RequireClientCert bool          `yaml:"require_client_cert"`
	Workers           int           `yaml:"workers"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	// AllowInsecure falls back to plain UDP when no certificate is configured.
	AllowInsecure bool `yaml:"allow_insecure"`
}

// QueueConfig holds the ingestion queue settings.
type QueueConfig struct {
	Size   int          `yaml:"size"`
	Policy queue.Policy `yaml:"policy"`
}

// ValidationConfig holds event validation settings.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
}

// RateLimitConfig holds per-client request limits for the HTTP boundary.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	MaxClients    int           `yaml:"max_clients"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// WindowConfig holds sliding-window aggregator settings.
type WindowConfig struct {
	Retention time.Duration `yaml:"retention"`
	MaxSkew   time.Duration `yaml:"max_skew"`
}

// ResponseConfig holds responder settings and the action plan, keyed by
// severity name.
type ResponseConfig struct {
	response.Config `yaml:",inline"`
	Plan      map[string][]string `yaml:"plan"`
	MockDelay time.Duration       `yaml:"mock_delay"`
}

// SinksConfig selects where incident transitions are published.
type SinksConfig struct {
	Log        bool                  `yaml:"log"`
	Kafka      bool                  `yaml:"kafka"`
	ClickHouse bool                  `yaml:"clickhouse"`
	Archive    bool                  `yaml:"archive"`
	NATS       sink.NATSConfig       `yaml:"nats"`
	Redis      sink.RedisConfig      `yaml:"redis"`
	Dispatcher sink.DispatcherConfig `yaml:"dispatcher"`
}

// StorageConfig holds the ClickHouse audit storage settings.
type StorageConfig struct {
	ClickHouse  storage.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter storage.BatchWriterConfig `yaml:"batch_writer"`
	Retention   storage.RetentionConfig   `yaml:"retention"`
	Migrate     bool                      `yaml:"migrate"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	plan := make(map[string][]string)
	for sev, actions := range response.DefaultPlan() {
		plan[sev.String()] = append([]string(nil), actions...)
	}

	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:       1000,
			MaxPayloadSize:     10 * 1024 * 1024, // 10MB
			QuarantineRejected: true,
			TCP: StreamConfig{
				Address:        ":5515",
				MaxConnections: 1000,
				IdleTimeout:    5 * time.Minute,
				MaxLineLength:  65535,
			},
			DTLS: DTLSConfig{
				Address:           ":5516",
				Workers:           8,
				MaxMessageSize:    65535,
				ConnectionTimeout: 30 * time.Second,
				IdleTimeout:       5 * time.Minute,
			},
		},
		Queue: QueueConfig{
			Size:   100000,
			Policy: queue.PolicyBlock,
		},
		Validation: ValidationConfig{
			MaxEventAge: time.Hour,
			MaxFuture:   5 * time.Minute,
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 1000,
			WindowSize:    time.Minute,
			BurstSize:     50,
			MaxClients:    10000,
			ExemptPaths:   []string{"/health", "/metrics"},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Window: WindowConfig{
			Retention: 10 * time.Minute,
			MaxSkew:   5 * time.Minute,
		},
		Pipeline:   pipeline.DefaultConfig(),
		Detectors:  detection.DefaultConfig(),
		Correlator: incident.DefaultConfig(),
		Response: ResponseConfig{
			Config: response.DefaultConfig(),
			Plan:   plan,
		},
		Sinks: SinksConfig{
			Log:        true,
			NATS:       sink.DefaultNATSConfig(),
			Redis:      sink.DefaultRedisConfig(),
			Dispatcher: sink.DefaultDispatcherConfig(),
		},
		Kafka: kafka.DefaultConfig(),
		Storage: StorageConfig{
			ClickHouse:  storage.DefaultClickHouseConfig(),
			BatchWriter: storage.DefaultBatchWriterConfig(),
			Retention: storage.RetentionConfig{
				TransitionsTTL: 180 * 24 * time.Hour,
				QuarantineTTL:  30 * 24 * time.Hour,
			},
			Migrate: true,
		},
		Archive:  s3.DefaultConfig(),
		Simulate: simulate.DefaultConfig(),
	}
}

// Load reads the file named by AEGIS_CONFIG_PATH (or DefaultPath), applies
// environment overrides and validates the result. A missing file yields the
// defaults.
func Load() (*Config, error) {
	path := os.Getenv("AEGIS_CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile is Load for an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("AEGIS_HTTP_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if level := os.Getenv("AEGIS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if apiKey := os.Getenv("AEGIS_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}
	if size := os.Getenv("AEGIS_QUEUE_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return fmt.Errorf("AEGIS_QUEUE_SIZE: %w", err)
		}
		c.Queue.Size = n
	}
	if prod := os.Getenv("AEGIS_PRODUCTION_MODE"); prod != "" {
		b, err := strconv.ParseBool(prod)
		if err != nil {
			return fmt.Errorf("AEGIS_PRODUCTION_MODE: %w", err)
		}
		c.ProductionMode = b
	}

	if brokers := os.Getenv("AEGIS_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Sinks.Kafka = true
	}
	if host := os.Getenv("AEGIS_CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
		c.Storage.ClickHouse.Enabled = true
		c.Sinks.ClickHouse = true
	}
	if pass := os.Getenv("AEGIS_CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}
	if addr := os.Getenv("AEGIS_REDIS_ADDR"); addr != "" {
		c.Sinks.Redis.Addr = addr
		c.Sinks.Redis.Enabled = true
	}
	if url := os.Getenv("AEGIS_NATS_URL"); url != "" {
		c.Sinks.NATS.URL = url
		c.Sinks.NATS.Enabled = true
	}
	if bucket := os.Getenv("AEGIS_S3_BUCKET"); bucket != "" {
		c.Archive.Bucket = bucket
		c.Archive.Enabled = true
		c.Sinks.Archive = true
	}
	return nil
}

// splitAndTrim splits s by sep and drops empty parts.
func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// ResponsePlan converts the configured plan to severity keys.
func (c *Config) ResponsePlan() (response.Plan, error) {
	plan := make(response.Plan, len(c.Response.Plan))
	for name, actions := range c.Response.Plan {
		sev, err := incident.ParseSeverity(name)
		if err != nil {
			return nil, fmt.Errorf("response.plan: %w", err)
		}
		plan[sev] = append([]string(nil), actions...)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if _, err := queue.ParsePolicy(string(c.Queue.Policy)); err != nil {
		return fmt.Errorf("queue.policy: %w", err)
	}
	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}
	if c.Ingest.MaxPayloadSize <= 0 {
		return fmt.Errorf("max_payload_size must be positive")
	}
	if t := c.Ingest.TCP; t.Enabled {
		if t.Address == "" || t.MaxConnections <= 0 || t.MaxLineLength <= 0 {
			return fmt.Errorf("ingest.tcp requires address, max_connections and max_line_length")
		}
		if t.TLSEnabled && (t.TLSCertFile == "" || t.TLSKeyFile == "") {
			return fmt.Errorf("ingest.tcp.tls_enabled requires tls_cert_file and tls_key_file")
		}
	}
	if d := c.Ingest.DTLS; d.Enabled {
		if d.Address == "" || d.Workers <= 0 || d.MaxMessageSize <= 0 {
			return fmt.Errorf("ingest.dtls requires address, workers and max_message_size")
		}
		if !d.AllowInsecure && (d.CertFile == "" || d.KeyFile == "") {
			return fmt.Errorf("ingest.dtls requires cert_file and key_file")
		}
		if d.RequireClientCert && d.CAFile == "" {
			return fmt.Errorf("ingest.dtls.require_client_cert requires ca_file")
		}
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth is enabled but no api_keys are configured")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerIP <= 0 || c.RateLimit.WindowSize <= 0) {
		return fmt.Errorf("rate_limit requires positive requests_per_ip and window_size")
	}
	if c.Window.Retention <= 0 {
		return fmt.Errorf("window.retention must be positive")
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := c.Detectors.Validate(); err != nil {
		return fmt.Errorf("detectors: %w", err)
	}
	if err := c.Correlator.Validate(); err != nil {
		return fmt.Errorf("correlator: %w", err)
	}
	if err := c.Response.Config.Validate(); err != nil {
		return fmt.Errorf("response: %w", err)
	}
	if _, err := c.ResponsePlan(); err != nil {
		return err
	}
	if c.Sinks.Kafka || c.Ingest.KafkaEnabled {
		if err := c.Kafka.Validate(); err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
	}
	if c.Sinks.ClickHouse && !c.Storage.ClickHouse.Enabled {
		return fmt.Errorf("sinks.clickhouse requires storage.clickhouse.enabled")
	}
	if c.Sinks.Archive {
		if !c.Archive.Enabled {
			return fmt.Errorf("sinks.archive requires archive.enabled")
		}
		if err := c.Archive.Validate(); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}
	if err := c.Simulate.Validate(); err != nil {
		return fmt.Errorf("simulate: %w", err)
	}
	return nil
}
