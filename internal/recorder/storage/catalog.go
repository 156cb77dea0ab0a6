package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mikeyg42/precam/internal/recorder/config"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

// ClipStatus tracks a clip through the archive.
type ClipStatus string

const (
	ClipSaved    ClipStatus = "saved"    // written locally, upload pending
	ClipUploaded ClipStatus = "uploaded" // in object storage
	ClipFailed   ClipStatus = "failed"   // the save or the upload failed
)

// ErrClipNotFound is returned when a catalog lookup misses.
var ErrClipNotFound = errors.New("clip not found")

// Clip is one saved recording.
type Clip struct {
	ID         string         `db:"id" json:"id"`
	Path       string         `db:"path" json:"path"`
	ObjectKey  string         `db:"object_key" json:"object_key,omitempty"`
	Container  string         `db:"container" json:"container"`
	SizeBytes  int64          `db:"size_bytes" json:"size_bytes"`
	SHA256     string         `db:"sha256" json:"sha256,omitempty"`
	DurationMs int64          `db:"duration_ms" json:"duration_ms"`
	SaveStatus string         `db:"save_status" json:"save_status"`
	Status     ClipStatus     `db:"status" json:"status"`
	LastError  sql.NullString `db:"last_error" json:"-"`
	Tags       pq.StringArray `db:"tags" json:"tags,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	UploadedAt sql.NullTime   `db:"uploaded_at" json:"-"`
}

// ClipCatalog records clips and their upload state.
type ClipCatalog interface {
	SaveClip(ctx context.Context, clip *Clip) error
	MarkUploaded(ctx context.Context, id, objectKey string) error
	MarkFailed(ctx context.Context, id string, cause error) error
	GetClip(ctx context.Context, id string) (*Clip, error)
	RecentClips(ctx context.Context, limit int) ([]*Clip, error)
	HealthCheck(ctx context.Context) error
}

// PostgresClipStore implements ClipCatalog using PostgreSQL
type PostgresClipStore struct {
	db     *sqlx.DB
	logger recorderlog.Logger
}

// NewPostgresClipStore connects, applies pool settings and creates the schema.
func NewPostgresClipStore(ctx context.Context, cfg *config.Config, logger recorderlog.Logger) (*PostgresClipStore, error) {
	if logger == nil {
		logger = recorderlog.L()
	}
	pg := cfg.Storage.Postgres

	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if pg.MaxConnections > 0 {
		db.SetMaxOpenConns(pg.MaxConnections)
	}
	if pg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pg.MaxIdleConns)
	}
	if pg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresClipStore{db: db, logger: logger.Named("catalog")}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresClipStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS clips (
		id UUID PRIMARY KEY,
		path TEXT NOT NULL,
		object_key VARCHAR(500) NOT NULL DEFAULT '',
		container VARCHAR(10) NOT NULL,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		sha256 VARCHAR(64) NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL DEFAULT 0,
		save_status VARCHAR(20) NOT NULL,
		status VARCHAR(20) NOT NULL CHECK (status IN ('saved', 'uploaded', 'failed')),
		last_error TEXT,
		tags TEXT[] DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		uploaded_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_clips_created_at ON clips(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_clips_status ON clips(status);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveClip inserts a clip, or refreshes it when the id already exists.
func (s *PostgresClipStore) SaveClip(ctx context.Context, clip *Clip) error {
	query := `
		INSERT INTO clips (
			id, path, object_key, container, size_bytes, sha256, duration_ms,
			save_status, status, last_error, tags, created_at
		) VALUES (
			:id, :path, :object_key, :container, :size_bytes, :sha256, :duration_ms,
			:save_status, :status, :last_error, :tags, :created_at
		)
		ON CONFLICT (id) DO UPDATE SET
			size_bytes = EXCLUDED.size_bytes,
			sha256 = EXCLUDED.sha256,
			duration_ms = EXCLUDED.duration_ms,
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error
	`
	if clip.CreatedAt.IsZero() {
		clip.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.NamedExecContext(ctx, query, clip); err != nil {
		return fmt.Errorf("failed to save clip: %w", err)
	}
	s.logger.Info("clip cataloged",
		recorderlog.String("id", clip.ID),
		recorderlog.String("path", clip.Path),
		recorderlog.String("status", string(clip.Status)))
	return nil
}

func (s *PostgresClipStore) MarkUploaded(ctx context.Context, id, objectKey string) error {
	return s.update(ctx,
		`UPDATE clips SET status = $1, object_key = $2, uploaded_at = NOW(), last_error = NULL WHERE id = $3`,
		id, ClipUploaded, objectKey, id)
}

func (s *PostgresClipStore) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.update(ctx,
		`UPDATE clips SET status = $1, last_error = $2 WHERE id = $3`,
		id, ClipFailed, msg, id)
}

func (s *PostgresClipStore) update(ctx context.Context, query, id string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update clip: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrClipNotFound, id)
	}
	return nil
}

// GetClip retrieves a clip by ID
func (s *PostgresClipStore) GetClip(ctx context.Context, id string) (*Clip, error) {
	var clip Clip
	err := s.db.GetContext(ctx, &clip, `SELECT * FROM clips WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrClipNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get clip: %w", err)
	}
	return &clip, nil
}

// RecentClips returns the newest clips first.
func (s *PostgresClipStore) RecentClips(ctx context.Context, limit int) ([]*Clip, error) {
	if limit <= 0 {
		limit = 50
	}
	var clips []*Clip
	if err := s.db.SelectContext(ctx, &clips, `SELECT * FROM clips ORDER BY created_at DESC LIMIT $1`, limit); err != nil {
		return nil, fmt.Errorf("failed to list clips: %w", err)
	}
	return clips, nil
}

// HealthCheck verifies database connectivity
func (s *PostgresClipStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresClipStore) Close() error {
	return s.db.Close()
}
