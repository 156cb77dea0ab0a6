// Package storage archives finished clips: object upload to MinIO/S3 and a
// PostgreSQL catalog of what was saved.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ObjectStore is the object storage the archiver uploads clips to.
type ObjectStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, opts ...PutOption) error
	PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error
	Exists(ctx context.Context, key string) (bool, error)

	GeneratePresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	HealthCheck(ctx context.Context) error
}

// PutOption configures Put operations
type PutOption interface {
	applyPut(*putOptions)
}

type putOptions struct {
	ContentType  string
	Metadata     map[string]string
	CacheControl string
	ProgressFn   ProgressFunc
}

// ProgressFunc is called to report upload progress
type ProgressFunc func(bytesTransferred int64, totalBytes int64)

type contentTypeOption string

func (o contentTypeOption) applyPut(opts *putOptions) { opts.ContentType = string(o) }

type metadataOption map[string]string

func (o metadataOption) applyPut(opts *putOptions) {
	if opts.Metadata == nil {
		opts.Metadata = make(map[string]string, len(o))
	}
	for k, v := range o {
		opts.Metadata[k] = v
	}
}

type cacheControlOption string

func (o cacheControlOption) applyPut(opts *putOptions) { opts.CacheControl = string(o) }

type progressOption struct{ fn ProgressFunc }

func (o progressOption) applyPut(opts *putOptions) { opts.ProgressFn = o.fn }

func WithContentType(contentType string) PutOption { return contentTypeOption(contentType) }

// WithMetadata adds user metadata; repeated options merge.
func WithMetadata(metadata map[string]string) PutOption { return metadataOption(metadata) }

func WithCacheControl(cacheControl string) PutOption { return cacheControlOption(cacheControl) }

func WithProgress(fn ProgressFunc) PutOption { return progressOption{fn: fn} }

func collectPutOptions(opts []PutOption) *putOptions {
	o := &putOptions{}
	for _, opt := range opts {
		opt.applyPut(o)
	}
	return o
}

// StorageError represents a storage operation error
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsAccessDenied returns true if the error indicates access was denied
func IsAccessDenied(err error) bool {
	var serr *StorageError
	return errors.As(err, &serr) && serr.StatusCode == 403
}
