// Package objectstore is a typed wrapper over an S3-compatible blob
// store (MinIO). It owns bucket lifecycle, object CRUD, JSON get/put,
// prefix listing, and streaming download to a local cache directory.
//
// Grounded on original_source/backend/services/minio_service.py for
// operation contracts and on the teacher's internal/storage/qdrant.go
// for Go wrapper shape (config struct, constructor, metrics, wrapped
// errors).
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"ragspace/internal/circuitbreaker"
	"ragspace/internal/logging"
	"ragspace/internal/sanitize"
)

// Client is the capability interface downstream packages (space,
// session, bm25, ingest) depend on, so tests can swap in an in-memory
// fake per spec.md §9's "capability interfaces" design note.
type Client interface {
	EnsureBucket(ctx context.Context, name string) (string, error)
	ListBuckets(ctx context.Context) ([]string, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
	PutBytes(ctx context.Context, bucket, key string, data []byte, contentType string) error
	PutJSON(ctx context.Context, bucket, key string, v any) error
	GetBytes(ctx context.Context, bucket, key string) ([]byte, error)
	GetJSON(ctx context.Context, bucket, key string, out any)
	RemoveObject(ctx context.Context, bucket, key string) error
	DeleteBucket(ctx context.Context, bucket string) error
	DownloadPrefix(ctx context.Context, bucket, prefix, localDir string) error
}

var _ Client = (*Store)(nil)

// Config configures the S3/MinIO-compatible client.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseTLS    bool
	Region    string
}

// Metrics tracks per-operation counters, mirroring the teacher's
// StorageMetrics.
type Metrics struct {
	mu              sync.Mutex
	OperationCounts map[string]int64
	ErrorCounts     map[string]int64
}

func newMetrics() *Metrics {
	return &Metrics{OperationCounts: map[string]int64{}, ErrorCounts: map[string]int64{}}
}

func (m *Metrics) record(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OperationCounts[op]++
	if err != nil {
		m.ErrorCounts[op]++
	}
}

// Store is the ObjectStore implementation.
type Store struct {
	client  *s3.S3
	cfg     Config
	log     logging.Logger
	metrics *Metrics
	cb      *circuitbreaker.Breaker
}

// New constructs a Store bound to the given endpoint. Call Initialize
// before use.
func New(cfg Config) *Store {
	return &Store{
		cfg:     cfg,
		log:     logging.New("objectstore"),
		metrics: newMetrics(),
		cb:      circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
}

// Initialize builds the underlying S3 client against the configured
// MinIO endpoint.
func (s *Store) Initialize() error {
	scheme := "http"
	if s.cfg.UseTLS {
		scheme = "https"
	}
	region := s.cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	sess, err := session.NewSession(&aws.Config{
		Credentials:      credentials.NewStaticCredentials(s.cfg.AccessKey, s.cfg.SecretKey, ""),
		Endpoint:         aws.String(fmt.Sprintf("%s://%s", scheme, s.cfg.Endpoint)),
		Region:           aws.String(region),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("objectstore: create session: %w", err)
	}
	s.client = s3.New(sess)
	return nil
}

// EnsureBucket idempotently creates a bucket for the sanitized storage
// key derived from name, returning the storage key used.
func (s *Store) EnsureBucket(ctx context.Context, name string) (string, error) {
	key := sanitize.BucketName(name)
	start := time.Now()
	var err error
	defer func() { s.metrics.record("ensure_bucket", err); _ = start }()

	exists, existsErr := s.bucketExists(ctx, key)
	if existsErr != nil {
		err = existsErr
		return "", fmt.Errorf("objectstore: check bucket %s: %w", key, err)
	}
	if exists {
		return key, nil
	}

	_, err = s.client.CreateBucketWithContext(ctx, &s3.CreateBucketInput{Bucket: aws.String(key)})
	if err != nil {
		return "", fmt.Errorf("objectstore: create bucket %s: %w", key, err)
	}
	return key, nil
}

func (s *Store) bucketExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(key)})
	if err == nil {
		return true, nil
	}
	if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
		return false, nil
	}
	return false, err
}

// ListBuckets returns every bucket's storage key.
func (s *Store) ListBuckets(ctx context.Context) ([]string, error) {
	out, err := s.client.ListBucketsWithContext(ctx, &s3.ListBucketsInput{})
	s.metrics.record("list_buckets", err)
	if err != nil {
		return nil, fmt.Errorf("objectstore: list buckets: %w", err)
	}
	names := make([]string, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		names = append(names, aws.StringValue(b.Name))
	}
	sort.Strings(names)
	return names, nil
}

// ListObjects recursively lists every key under prefix in bucket.
func (s *Store) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	var err error
	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket), Prefix: aws.String(prefix)}
	listErr := s.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	err = listErr
	s.metrics.record("list_objects", err)
	if err != nil {
		return nil, fmt.Errorf("objectstore: list objects %s/%s: %w", bucket, prefix, err)
	}
	return keys, nil
}

// PutBytes uploads raw bytes to bucket/key.
func (s *Store) PutBytes(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	err := s.cb.Execute(ctx, func(ctx context.Context) error {
		_, putErr := s.client.PutObjectWithContext(ctx, input)
		return putErr
	})
	s.metrics.record("put_bytes", err)
	if err != nil {
		return fmt.Errorf("objectstore: put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PutJSON marshals v and uploads it as application/json.
func (s *Store) PutJSON(ctx context.Context, bucket, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("objectstore: marshal %s/%s: %w", bucket, key, err)
	}
	return s.PutBytes(ctx, bucket, key, data, "application/json")
}

// GetBytes downloads bucket/key. Returns ErrNotFound if absent.
func (s *Store) GetBytes(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		s.metrics.record("get_bytes", err)
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("objectstore: get %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	s.metrics.record("get_bytes", err)
	if err != nil {
		return nil, fmt.Errorf("objectstore: read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// GetJSON unmarshals the object at bucket/key into out. It reports no
// failure of any kind: on absence or a transport error out is left
// untouched, and a JSON decode error is ignored. Consumers MUST treat an
// unchanged (zero-valued) out as absence, matching
// minio_service.get_json's exception-swallowing contract.
func (s *Store) GetJSON(ctx context.Context, bucket, key string, out any) {
	data, err := s.GetBytes(ctx, bucket, key)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, out)
}

// RemoveObject deletes a single object.
func (s *Store) RemoveObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	s.metrics.record("remove_object", err)
	if err != nil {
		return fmt.Errorf("objectstore: remove %s/%s: %w", bucket, key, err)
	}
	return nil
}

// DeleteBucket recursively empties bucket then removes it.
func (s *Store) DeleteBucket(ctx context.Context, bucket string) error {
	keys, err := s.ListObjects(ctx, bucket, "")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.RemoveObject(ctx, bucket, key); err != nil {
			return err
		}
	}
	_, err = s.client.DeleteBucketWithContext(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
	s.metrics.record("delete_bucket", err)
	if err != nil {
		return fmt.Errorf("objectstore: delete bucket %s: %w", bucket, err)
	}
	return nil
}

// DownloadPrefix streams every object under prefix in bucket to
// localDir/<key>, creating intermediate directories as needed.
func (s *Store) DownloadPrefix(ctx context.Context, bucket, prefix, localDir string) error {
	keys, err := s.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return err
	}

	downloader := s3manager.NewDownloaderWithClient(s.client)
	for _, key := range keys {
		if strings.HasSuffix(key, "/") {
			continue
		}
		dest := filepath.Join(localDir, key)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("objectstore: mkdir for %s: %w", dest, err)
		}
		f, err := os.Create(dest)
		if err != nil {
			return fmt.Errorf("objectstore: create %s: %w", dest, err)
		}
		_, err = downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		f.Close()
		s.metrics.record("download_object", err)
		if err != nil {
			return fmt.Errorf("objectstore: download %s/%s: %w", bucket, key, err)
		}
	}
	return nil
}

// ErrNotFound is returned by GetBytes when the object does not exist.
var ErrNotFound = fmt.Errorf("objectstore: object not found")
