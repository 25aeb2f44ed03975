// Package storage archives trigger extracts in S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store writes extract objects.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Ping(ctx context.Context) error
}

// ExtractKey returns the object key of an extract.
func ExtractKey(subscriptionID, triggerID, name string) string {
	return path.Join("extracts", subscriptionID, triggerID, path.Base(name))
}

// S3Config configures an S3Store.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// S3Store stores objects in a single bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// NewS3 creates an S3Store. A custom endpoint switches to path-style
// addressing for S3-compatible servers.
func NewS3(cfg S3Config, logger *slog.Logger) *S3Store {
	opts := s3.Options{
		Region: cfg.Region,
	}
	if cfg.AccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}

	return &S3Store{
		client: s3.New(opts),
		bucket: cfg.Bucket,
		logger: logger.With("component", "storage.s3"),
	}
}

// Put uploads data under key.
func (s *S3Store) Put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}

	s.logger.Debug("extract stored", "key", key, "bytes", len(data))
	return nil
}

// Ping checks the bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Object is a stored MemoryStore entry.
type Object struct {
	ContentType string
	Data        []byte
}

// MemoryStore keeps objects in memory. Used in tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]Object
	err     error
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

// FailWith makes every later call return err.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.objects[key] = Object{ContentType: contentType, Data: bytes.Clone(data)}
	return nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Get returns a stored object.
func (m *MemoryStore) Get(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	return o, ok
}

// Keys returns every stored key, sorted.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
