package storage

import (
	"context"
	"time"

	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

const defaultURLExpiry = time.Hour

// ClipView is a catalog entry as shown to clients, with a time-limited
// download link once the clip is uploaded.
type ClipView struct {
	*Clip
	Error      string     `json:"error,omitempty"`
	UploadedAt *time.Time `json:"uploaded_at,omitempty"`
	URL        string     `json:"url,omitempty"`
}

// Library answers clip queries from the catalog. store may be nil, in which
// case no links are generated.
type Library struct {
	store     ObjectStore
	catalog   ClipCatalog
	urlExpiry time.Duration
	logger    recorderlog.Logger
}

func NewLibrary(store ObjectStore, catalog ClipCatalog, urlExpiry time.Duration, logger recorderlog.Logger) *Library {
	if logger == nil {
		logger = recorderlog.L()
	}
	if urlExpiry <= 0 {
		urlExpiry = defaultURLExpiry
	}
	return &Library{
		store:     store,
		catalog:   catalog,
		urlExpiry: urlExpiry,
		logger:    logger.Named("library"),
	}
}

// RecentClips returns up to limit clips, newest first.
func (l *Library) RecentClips(ctx context.Context, limit int) ([]ClipView, error) {
	clips, err := l.catalog.RecentClips(ctx, limit)
	if err != nil {
		return nil, err
	}
	views := make([]ClipView, 0, len(clips))
	for _, c := range clips {
		views = append(views, l.view(ctx, c))
	}
	return views, nil
}

// Clip looks one clip up by ID. A miss wraps ErrClipNotFound.
func (l *Library) Clip(ctx context.Context, id string) (ClipView, error) {
	c, err := l.catalog.GetClip(ctx, id)
	if err != nil {
		return ClipView{}, err
	}
	return l.view(ctx, c), nil
}

func (l *Library) view(ctx context.Context, c *Clip) ClipView {
	v := ClipView{Clip: c}
	if c.LastError.Valid {
		v.Error = c.LastError.String
	}
	if c.UploadedAt.Valid {
		t := c.UploadedAt.Time
		v.UploadedAt = &t
	}
	if l.store == nil || c.Status != ClipUploaded || c.ObjectKey == "" {
		return v
	}
	u, err := l.store.GeneratePresignedURL(ctx, c.ObjectKey, l.urlExpiry)
	if err != nil {
		l.logger.Warn("presign clip", recorderlog.String("key", c.ObjectKey), recorderlog.Error(err))
		return v
	}
	v.URL = u
	return v
}
