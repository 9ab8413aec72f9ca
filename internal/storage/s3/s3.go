// Package s3 stores resolved incident records in an S3 bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds S3 connection settings.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Region   string `yaml:"region"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint,omitempty"` // S3-compatible storage

	// Static credentials; the default AWS chain is used when unset.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`

	StorageClass         string        `yaml:"storage_class"`
	ServerSideEncryption string        `yaml:"server_side_encryption,omitempty"` // AES256 or aws:kms
	KMSKeyID             string        `yaml:"kms_key_id,omitempty"`
	UsePathStyle         bool          `yaml:"use_path_style"`
	RetryMaxAttempts     int           `yaml:"retry_max_attempts"`
	Timeout              time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default archive settings.
func DefaultConfig() Config {
	return Config{
		Region:           "us-east-1",
		Bucket:           "aegis-incidents",
		Prefix:           "incidents",
		StorageClass:     "STANDARD_IA",
		RetryMaxAttempts: 3,
		Timeout:          30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	switch c.ServerSideEncryption {
	case "", "AES256", "aws:kms":
	default:
		return fmt.Errorf("s3: invalid server_side_encryption %q", c.ServerSideEncryption)
	}
	return nil
}

func (c Config) storageClass() types.StorageClass {
	switch strings.ToUpper(c.StorageClass) {
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "ONEZONE_IA":
		return types.StorageClassOnezoneIa
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	case "GLACIER":
		return types.StorageClassGlacier
	case "GLACIER_IR":
		return types.StorageClassGlacierIr
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	}
	return types.StorageClassStandard
}

// objectAPI is the subset of *s3.Client the archive uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Metrics are client counters.
type Metrics struct {
	ObjectsUploaded int64 `json:"objects_uploaded"`
	BytesUploaded   int64 `json:"bytes_uploaded"`
	Errors          int64 `json:"errors"`
}

// Client stores objects under the configured bucket and prefix.
type Client struct {
	api    objectAPI
	config Config
	logger *slog.Logger

	uploaded atomic.Int64
	bytes    atomic.Int64
	errs     atomic.Int64
}

// NewClient loads AWS configuration and creates a client.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info("s3 client initialized", "bucket", cfg.Bucket, "region", cfg.Region, "prefix", cfg.Prefix)
	return newClient(api, cfg, logger), nil
}

func newClient(api objectAPI, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{api: api, config: cfg, logger: logger}
}

// Key joins the configured prefix and name.
func (c *Client) Key(name string) string {
	p := strings.Trim(c.config.Prefix, "/")
	if p == "" {
		return name
	}
	return p + "/" + name
}

// Put uploads data at Key(name) and returns the full key.
func (c *Client) Put(ctx context.Context, name string, data []byte, contentType string, metadata map[string]string) (string, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	key := c.Key(name)
	in := &s3.PutObjectInput{
		Bucket:       aws.String(c.config.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		StorageClass: c.config.storageClass(),
		Metadata:     metadata,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	switch c.config.ServerSideEncryption {
	case "AES256":
		in.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if c.config.KMSKeyID != "" {
			in.SSEKMSKeyId = aws.String(c.config.KMSKeyID)
		}
	}

	if _, err := c.api.PutObject(ctx, in); err != nil {
		c.errs.Add(1)
		return "", fmt.Errorf("s3: put %s: %w", key, err)
	}
	c.uploaded.Add(1)
	c.bytes.Add(int64(len(data)))
	c.logger.Debug("uploaded object", "key", key, "size", len(data))
	return key, nil
}

// Get downloads the object at Key(name).
func (c *Client) Get(ctx context.Context, name string) ([]byte, error) {
	key := c.Key(name)
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		c.errs.Add(1)
		return nil, fmt.Errorf("s3: get %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// HealthStatus is the result of a bucket reachability check.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// HealthCheck issues HeadBucket against the configured bucket.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.config.Bucket)})
	status := HealthStatus{Latency: time.Since(start), Healthy: err == nil}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// Bucket returns the configured bucket.
func (c *Client) Bucket() string { return c.config.Bucket }

// Metrics returns client counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		ObjectsUploaded: c.uploaded.Load(),
		BytesUploaded:   c.bytes.Load(),
		Errors:          c.errs.Load(),
	}
}
