package sink

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the incident state cache settings.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	TTL          time.Duration `yaml:"ttl"`
}

// DefaultRedisConfig returns the default cache settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		TTL:          24 * time.Hour,
	}
}

// StateStore is the subset of Redis operations the state sink needs.
type StateStore interface {
	// PutIncident stores the incident JSON and indexes it under its source.
	PutIncident(ctx context.Context, key string, data []byte, indexKey, member string, ttl time.Duration) error
	Close() error
}

// GoRedisStore implements StateStore over go-redis.
type GoRedisStore struct {
	client *redis.Client
}

// NewGoRedisStore connects and pings Redis.
func NewGoRedisStore(ctx context.Context, cfg RedisConfig) (*GoRedisStore, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("sink: connect to redis: %w", err)
	}
	return &GoRedisStore{client: client}, nil
}

// PutIncident writes the record and the source index in one transaction.
func (g *GoRedisStore) PutIncident(ctx context.Context, key string, data []byte, indexKey, member string, ttl time.Duration) error {
	_, err := g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, ttl)
		pipe.SAdd(ctx, indexKey, member)
		pipe.Expire(ctx, indexKey, ttl)
		return nil
	})
	return err
}

// Close closes the client.
func (g *GoRedisStore) Close() error { return g.client.Close() }

// RedisSink keeps the latest snapshot of each incident in Redis at
// aegis:incident:<id> and indexes incident ids per source at
// aegis:source:<source>:incidents.
type RedisSink struct {
	store StateStore
	ttl   time.Duration
}

// NewRedisSink wraps a store.
func NewRedisSink(store StateStore, ttl time.Duration) *RedisSink {
	if ttl <= 0 {
		ttl = DefaultRedisConfig().TTL
	}
	return &RedisSink{store: store, ttl: ttl}
}

func (s *RedisSink) Name() string { return "redis" }

// IncidentKey returns the key holding an incident snapshot.
func IncidentKey(id string) string { return "aegis:incident:" + id }

// SourceIndexKey returns the key of a source's incident set.
func SourceIndexKey(source string) string { return "aegis:source:" + source + ":incidents" }

// Publish stores snapshot-carrying transitions; others are ignored.
func (s *RedisSink) Publish(ctx context.Context, t Transition) error {
	if t.Incident == nil {
		return nil
	}
	data, err := json.Marshal(t.Incident)
	if err != nil {
		return fmt.Errorf("sink: marshal incident: %w", err)
	}
	id := t.IncidentID.String()
	return s.store.PutIncident(ctx, IncidentKey(id), data, SourceIndexKey(t.SourceIdentity), id, s.ttl)
}

func (s *RedisSink) Close() error { return s.store.Close() }
