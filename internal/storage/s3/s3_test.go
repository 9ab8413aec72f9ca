package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeAPI struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []*s3.PutObjectInput
	putErr  error
	headErr error
}

func newFakeAPI() *fakeAPI { return &fakeAPI{objects: make(map[string][]byte)} }

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeAPI) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty region", func(c *Config) { c.Region = "" }, true},
		{"empty bucket", func(c *Config) { c.Bucket = "" }, true},
		{"kms", func(c *Config) { c.ServerSideEncryption = "aws:kms" }, false},
		{"bad sse", func(c *Config) { c.ServerSideEncryption = "rot13" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClient_Key(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"incidents", "incidents/a.json"},
		{"/incidents/", "incidents/a.json"},
		{"", "a.json"},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.Prefix = tt.prefix
		c := newClient(newFakeAPI(), cfg, nil)
		if got := c.Key("a.json"); got != tt.want {
			t.Errorf("Key with prefix %q = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func TestClient_PutGet(t *testing.T) {
	api := newFakeAPI()
	cfg := DefaultConfig()
	cfg.ServerSideEncryption = "AES256"
	c := newClient(api, cfg, nil)
	ctx := context.Background()

	key, err := c.Put(ctx, "2026/10/14/x.json", []byte(`{"ok":true}`), "application/json", map[string]string{"severity": "HIGH"})
	if err != nil {
		t.Fatal(err)
	}
	if key != "incidents/2026/10/14/x.json" {
		t.Errorf("unexpected key %s", key)
	}
	in := api.puts[0]
	if in.StorageClass != types.StorageClassStandardIa {
		t.Errorf("expected STANDARD_IA, got %s", in.StorageClass)
	}
	if in.ServerSideEncryption != types.ServerSideEncryptionAes256 {
		t.Errorf("expected AES256, got %s", in.ServerSideEncryption)
	}
	if aws.ToString(in.ContentType) != "application/json" || in.Metadata["severity"] != "HIGH" {
		t.Errorf("unexpected put input %+v", in)
	}

	data, err := c.Get(ctx, "2026/10/14/x.json")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("unexpected object %s", data)
	}
	if m := c.Metrics(); m.ObjectsUploaded != 1 || m.BytesUploaded != 11 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestClient_PutError(t *testing.T) {
	api := newFakeAPI()
	api.putErr = errors.New("access denied")
	c := newClient(api, DefaultConfig(), nil)

	if _, err := c.Put(context.Background(), "x", nil, "", nil); err == nil {
		t.Fatal("expected error")
	}
	if m := c.Metrics(); m.Errors != 1 {
		t.Errorf("expected 1 error, got %d", m.Errors)
	}
}

func TestClient_HealthCheck(t *testing.T) {
	api := newFakeAPI()
	c := newClient(api, DefaultConfig(), nil)
	if s := c.HealthCheck(context.Background()); !s.Healthy {
		t.Errorf("expected healthy, got %+v", s)
	}
	api.headErr = errors.New("no such bucket")
	if s := c.HealthCheck(context.Background()); s.Healthy || s.Error == "" {
		t.Errorf("expected unhealthy, got %+v", s)
	}
}
