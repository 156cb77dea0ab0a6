package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mikeyg42/precam/internal/recorder/config"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

const (
	defaultMaxUploads     = 2
	defaultConnectTimeout = 30 * time.Second
)

// MinIOStore implements ObjectStore using MinIO
type MinIOStore struct {
	client     *minio.Client
	bucket     string
	logger     recorderlog.Logger
	config     config.MinIOConfig
	uploadPool chan struct{}

	metrics MinIOMetrics
}

// MinIOMetrics tracks MinIO operations
type MinIOMetrics struct {
	TotalUploads  atomic.Uint64
	UploadBytes   atomic.Uint64
	UploadErrors  atomic.Uint64
	UploadRetries atomic.Uint64
	ActiveUploads atomic.Int32
}

// NewMinIOStore connects to the configured endpoint and creates the bucket
// when it is missing.
func NewMinIOStore(ctx context.Context, cfg config.MinIOConfig, logger recorderlog.Logger) (*MinIOStore, error) {
	if logger == nil {
		logger = recorderlog.L()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &MinIOStore{
		client:     client,
		bucket:     cfg.Bucket,
		logger:     logger.Named("minio"),
		config:     cfg,
		uploadPool: make(chan struct{}, defaultMaxUploads),
	}
	for i := 0; i < defaultMaxUploads; i++ {
		store.uploadPool <- struct{}{}
	}

	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		store.logger.Info("created bucket", recorderlog.String("bucket", cfg.Bucket))
	}
	return store, nil
}

func (s *MinIOStore) newBackoff(ctx context.Context) backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if s.config.RetryBackoff > 0 {
		ebo.InitialInterval = s.config.RetryBackoff
	}
	ebo.Reset()
	var bo backoff.BackOff = ebo
	if s.config.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
	}
	return backoff.WithContext(bo, ctx)
}

// Put uploads an object. Seekable readers are rewound and retried with
// exponential backoff; other readers get a single attempt.
func (s *MinIOStore) Put(ctx context.Context, key string, reader io.Reader, size int64, opts ...PutOption) error {
	options := collectPutOptions(opts)
	if options.ContentType == "" {
		options.ContentType = "application/octet-stream"
	}

	select {
	case <-s.uploadPool:
		defer func() { s.uploadPool <- struct{}{} }()
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.ActiveUploads.Add(1)
	defer s.metrics.ActiveUploads.Add(-1)

	putOpts := minio.PutObjectOptions{
		ContentType:  options.ContentType,
		UserMetadata: options.Metadata,
		CacheControl: options.CacheControl,
	}

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			rs, ok := reader.(io.ReadSeeker)
			if !ok {
				return backoff.Permanent(fmt.Errorf("reader not seekable; not retrying"))
			}
			if _, err := rs.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
			}
			s.metrics.UploadRetries.Add(1)
		}

		body := reader
		if options.ProgressFn != nil {
			body = &progressReader{reader: reader, total: size, progressFn: options.ProgressFn}
		}

		info, err := s.client.PutObject(ctx, s.bucket, key, body, size, putOpts)
		if err != nil {
			s.metrics.UploadErrors.Add(1)
			s.logger.Warn("upload attempt failed",
				recorderlog.String("key", key),
				recorderlog.Int("attempt", attempt),
				recorderlog.Error(err))
			if code := getMinioStatusCode(err); code == 403 || code == 400 {
				return backoff.Permanent(err)
			}
			return err
		}

		s.metrics.TotalUploads.Add(1)
		s.metrics.UploadBytes.Add(uint64(info.Size))
		s.logger.Debug("object uploaded",
			recorderlog.String("key", key),
			recorderlog.Int64("size", info.Size),
			recorderlog.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, s.newBackoff(ctx)); err != nil {
		return &StorageError{
			Op:         "put",
			Key:        key,
			Err:        err,
			StatusCode: getMinioStatusCode(err),
			Retryable:  true,
		}
	}
	return nil
}

// PutFile uploads a file, deriving the content type from its extension when
// none is given.
func (s *MinIOStore) PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error {
	file, err := os.Open(filePath)
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}

	if collectPutOptions(opts).ContentType == "" {
		opts = append(opts, WithContentType(detectContentType(filePath)))
	}
	return s.Put(ctx, key, file, stat.Size(), opts...)
}

// Exists checks if an object exists
func (s *MinIOStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, &StorageError{Op: "exists", Key: key, Err: err, StatusCode: getMinioStatusCode(err)}
	}
	return true, nil
}

// GeneratePresignedURL generates a pre-signed URL for downloading
func (s *MinIOStore) GeneratePresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", &StorageError{Op: "generate_url", Key: key, Err: err}
	}
	return u.String(), nil
}

// HealthCheck verifies the storage is accessible
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return &StorageError{Op: "health_check", Err: err}
	}
	if !exists {
		return &StorageError{Op: "health_check", Err: fmt.Errorf("bucket %s does not exist", s.bucket), StatusCode: 404}
	}
	return nil
}

func (s *MinIOStore) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"total_uploads":  s.metrics.TotalUploads.Load(),
		"upload_bytes":   s.metrics.UploadBytes.Load(),
		"upload_errors":  s.metrics.UploadErrors.Load(),
		"upload_retries": s.metrics.UploadRetries.Load(),
		"active_uploads": s.metrics.ActiveUploads.Load(),
	}
}

// progressReader reports per-read progress.
type progressReader struct {
	reader     io.Reader
	total      int64
	read       int64
	progressFn ProgressFunc
	mu         sync.Mutex
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.reader.Read(b)
	p.mu.Lock()
	p.read += int64(n)
	p.progressFn(p.read, p.total)
	p.mu.Unlock()
	return n, err
}

// detectContentType maps clip extensions to MIME types.
func detectContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".webm":
		return "video/webm"
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	default:
		return "application/octet-stream"
	}
}

// getMinioStatusCode extracts HTTP status code from MinIO error
func getMinioStatusCode(err error) int {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode != 0 {
		return resp.StatusCode
	}
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return 404
	case "AccessDenied":
		return 403
	case "InvalidArgument":
		return 400
	case "":
		return 0
	default:
		return 500
	}
}
