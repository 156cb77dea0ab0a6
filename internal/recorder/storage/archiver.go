package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gomp4 "github.com/abema/go-mp4"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/mikeyg42/precam/internal/recorder/circular"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

// clipCacheControl is set on uploaded clips; an object key is never rewritten.
const clipCacheControl = "private, max-age=31536000, immutable"

// ArchiverConfig controls where clips go once saved.
type ArchiverConfig struct {
	Prefix      string // object key prefix
	DeleteLocal bool   // remove the local file after a verified upload
	QueueSize   int
}

type archiveJob struct {
	path   string
	status circular.Status
	at     time.Time
}

// Archiver is a circular.Sink that catalogs finished clips and uploads them.
// Either store or catalog may be nil.
type Archiver struct {
	store   ObjectStore
	catalog ClipCatalog
	cfg     ArchiverConfig
	logger  recorderlog.Logger
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	jobs   chan archiveJob

	archived atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64

	// progress of the upload in flight
	uploadDone  atomic.Int64
	uploadTotal atomic.Int64
}

func NewArchiver(store ObjectStore, catalog ClipCatalog, cfg ArchiverConfig, logger recorderlog.Logger) *Archiver {
	if logger == nil {
		logger = recorderlog.L()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	return &Archiver{
		store:   store,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger.Named("archiver"),
		now:     time.Now,
		jobs:    make(chan archiveJob, cfg.QueueSize),
	}
}

// SaveComplete queues the clip. It never blocks the caller.
func (a *Archiver) SaveComplete(p string, status circular.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.jobs <- archiveJob{path: p, status: status, at: a.now()}:
	default:
		a.dropped.Add(1)
		a.logger.Warn("archive queue full, clip left local", recorderlog.String("path", p))
	}
}

func (a *Archiver) BufferStatus(time.Duration) {}

// Close stops accepting clips. Run returns once the queue is drained.
func (a *Archiver) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.jobs)
	}
}

// Run archives queued clips until Close is called or ctx is done.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := len(a.jobs); n > 0 {
				a.logger.Warn("archiver stopped with clips pending", recorderlog.Int("pending", n))
			}
			return nil
		case j, ok := <-a.jobs:
			if !ok {
				return nil
			}
			if err := a.archive(ctx, j); err != nil {
				a.failed.Add(1)
				a.logger.Error("archive clip", recorderlog.String("path", j.path), recorderlog.Error(err))
				continue
			}
			a.archived.Add(1)
		}
	}
}

func (a *Archiver) archive(ctx context.Context, j archiveJob) error {
	if j.status == circular.StatusNoContainer {
		a.logger.Debug("save ended before a file was opened", recorderlog.String("path", j.path))
		return nil
	}

	clip := &Clip{
		ID:         uuid.NewString(),
		Path:       j.path,
		Container:  strings.TrimPrefix(strings.ToLower(filepath.Ext(j.path)), "."),
		SaveStatus: j.status.String(),
		Status:     ClipSaved,
		CreatedAt:  j.at.UTC(),
	}

	if j.status != circular.StatusOK {
		clip.Status = ClipFailed
		clip.LastError = sql.NullString{String: "save ended with " + j.status.String(), Valid: true}
		if st, err := os.Stat(j.path); err == nil {
			clip.SizeBytes = st.Size()
		}
		return a.saveClip(ctx, clip)
	}

	if err := inspectClip(clip); err != nil {
		clip.Status = ClipFailed
		clip.LastError = sql.NullString{String: err.Error(), Valid: true}
		return multierr.Append(err, a.saveClip(ctx, clip))
	}
	if err := a.saveClip(ctx, clip); err != nil {
		return err
	}
	if a.store == nil {
		return nil
	}

	key := a.objectKey(j.path, j.at)
	err := a.store.PutFile(ctx, key, j.path,
		WithMetadata(map[string]string{
			"clip-id":     clip.ID,
			"sha256":      clip.SHA256,
			"duration-ms": fmt.Sprint(clip.DurationMs),
		}),
		WithCacheControl(clipCacheControl),
		WithProgress(a.trackUpload),
	)
	if err != nil {
		if IsAccessDenied(err) {
			a.logger.Error("object store denied the upload, check the access key", recorderlog.String("key", key))
		}
		var errs error
		errs = multierr.Append(errs, fmt.Errorf("upload %s: %w", key, err))
		if a.catalog != nil {
			errs = multierr.Append(errs, a.catalog.MarkFailed(ctx, clip.ID, err))
		}
		return errs
	}

	a.logger.Info("clip archived",
		recorderlog.String("key", key),
		recorderlog.Int64("size", clip.SizeBytes),
		recorderlog.Int64("duration_ms", clip.DurationMs))

	if a.catalog != nil {
		if err := a.catalog.MarkUploaded(ctx, clip.ID, key); err != nil {
			return err
		}
	}
	if a.cfg.DeleteLocal {
		ok, err := a.store.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("verify upload: %w", err)
		}
		if !ok {
			return fmt.Errorf("verify upload: %s not found after put", key)
		}
		if err := os.Remove(j.path); err != nil {
			return fmt.Errorf("remove local clip: %w", err)
		}
	}
	return nil
}

func (a *Archiver) trackUpload(done, total int64) {
	a.uploadDone.Store(done)
	a.uploadTotal.Store(total)
}

func (a *Archiver) saveClip(ctx context.Context, clip *Clip) error {
	if a.catalog == nil {
		return nil
	}
	return a.catalog.SaveClip(ctx, clip)
}

// objectKey is prefix/yyyy/mm/dd/<file name>.
func (a *Archiver) objectKey(p string, at time.Time) string {
	return path.Join(a.cfg.Prefix, at.UTC().Format("2006/01/02"), filepath.Base(p))
}

// inspectClip fills size, checksum and, for MP4, duration.
func inspectClip(clip *Clip) error {
	f, err := os.Open(clip.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("hash clip: %w", err)
	}
	clip.SizeBytes = n
	clip.SHA256 = hex.EncodeToString(h.Sum(nil))

	if clip.Container != "mp4" {
		return nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	info, err := gomp4.Probe(f)
	if err != nil {
		return fmt.Errorf("probe clip: %w", err)
	}
	if info.Timescale > 0 {
		clip.DurationMs = int64(info.Duration * 1000 / uint64(info.Timescale))
	}
	return nil
}

func (a *Archiver) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"archived": a.archived.Load(),
		"failed":   a.failed.Load(),
		"dropped":  a.dropped.Load(),
		"pending":  len(a.jobs),

		"upload_bytes_done":  a.uploadDone.Load(),
		"upload_bytes_total": a.uploadTotal.Load(),
	}
}
