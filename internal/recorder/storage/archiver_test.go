package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/precam/internal/recorder/circular"
	"github.com/mikeyg42/precam/internal/recorder/container"
	"github.com/mikeyg42/precam/internal/recorder/encoder"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

type putCall struct {
	key          string
	path         string
	metadata     map[string]string
	cacheControl string
}

type fakeStore struct {
	mu   sync.Mutex
	puts []putCall
	err  error
	// lost makes uploads succeed without the object appearing
	lost bool
}

func (s *fakeStore) Put(ctx context.Context, key string, r io.Reader, size int64, opts ...PutOption) error {
	return errors.New("not used")
}

func (s *fakeStore) PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	o := collectPutOptions(opts)
	if o.ProgressFn != nil {
		st, err := os.Stat(filePath)
		if err != nil {
			return err
		}
		o.ProgressFn(st.Size()/2, st.Size())
		o.ProgressFn(st.Size(), st.Size())
	}
	s.puts = append(s.puts, putCall{key: key, path: filePath, metadata: o.Metadata, cacheControl: o.CacheControl})
	return nil
}

func (s *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		return false, nil
	}
	for _, p := range s.puts {
		if p.key == key {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) GeneratePresignedURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("https://minio.local/clips/%s?expires=%d", key, int(expiry.Seconds())), nil
}

func (s *fakeStore) HealthCheck(context.Context) error { return nil }

type fakeCatalog struct {
	mu    sync.Mutex
	clips map[string]*Clip
}

func newFakeCatalog() *fakeCatalog { return &fakeCatalog{clips: map[string]*Clip{}} }

func (c *fakeCatalog) SaveClip(_ context.Context, clip *Clip) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *clip
	c.clips[clip.ID] = &cp
	return nil
}

func (c *fakeCatalog) MarkUploaded(_ context.Context, id, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clip, ok := c.clips[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrClipNotFound, id)
	}
	clip.Status = ClipUploaded
	clip.ObjectKey = key
	return nil
}

func (c *fakeCatalog) MarkFailed(_ context.Context, id string, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clip, ok := c.clips[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrClipNotFound, id)
	}
	clip.Status = ClipFailed
	clip.LastError.String, clip.LastError.Valid = cause.Error(), true
	return nil
}

func (c *fakeCatalog) GetClip(_ context.Context, id string) (*Clip, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	clip, ok := c.clips[id]
	if !ok {
		return nil, ErrClipNotFound
	}
	return clip, nil
}

func (c *fakeCatalog) RecentClips(_ context.Context, limit int) ([]*Clip, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Clip, 0, len(c.clips))
	for _, clip := range c.clips {
		out = append(out, clip)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *fakeCatalog) HealthCheck(context.Context) error { return nil }

func (c *fakeCatalog) only(t *testing.T) *Clip {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.clips, 1)
	for _, clip := range c.clips {
		return clip
	}
	return nil
}

func writeMP4(t *testing.T, path string) {
	t.Helper()
	m, err := container.Open(container.FormatMP4, path, recorderlog.Nop())
	require.NoError(t, err)
	vt, err := m.AddTrack(encoder.Format{Kind: encoder.KindVideo, Codec: encoder.CodecVP8, Width: 320, Height: 240, FrameRate: 25})
	require.NoError(t, err)
	require.NoError(t, m.Start())
	for i := 0; i < 50; i++ {
		flags := encoder.Flags(0)
		if i%25 == 0 {
			flags = encoder.FlagSync
		}
		require.NoError(t, m.WriteSample(vt, encoder.Packet{Data: []byte{byte(i), 1, 2}, Flags: flags, PTS: int64(i) * 40_000}))
	}
	require.NoError(t, m.Stop())
}

// runArchiver archives the given events and waits for the worker to finish.
func runArchiver(t *testing.T, a *Archiver, events ...archiveJob) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	for _, e := range events {
		a.SaveComplete(e.path, e.status)
	}
	a.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("archiver did not drain")
	}
}

func TestArchiveUploadsAndCatalogs(t *testing.T) {
	dir := t.TempDir()
	clipPath := filepath.Join(dir, "VID_20260102_030405.mp4")
	writeMP4(t, clipPath)

	store := &fakeStore{}
	catalog := newFakeCatalog()
	a := NewArchiver(store, catalog, ArchiverConfig{Prefix: "cam1", DeleteLocal: true}, recorderlog.Nop())
	a.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	data, err := os.ReadFile(clipPath)
	require.NoError(t, err)
	sum := sha256.Sum256(data)

	runArchiver(t, a, archiveJob{path: clipPath, status: circular.StatusOK})

	require.Len(t, store.puts, 1)
	put := store.puts[0]
	require.Equal(t, "cam1/2026/01/02/VID_20260102_030405.mp4", put.key)
	require.Equal(t, hex.EncodeToString(sum[:]), put.metadata["sha256"])
	require.Equal(t, clipCacheControl, put.cacheControl)

	clip := catalog.only(t)
	require.Equal(t, ClipUploaded, clip.Status)
	require.Equal(t, put.key, clip.ObjectKey)
	require.Equal(t, "mp4", clip.Container)
	require.Equal(t, int64(len(data)), clip.SizeBytes)
	require.Equal(t, put.metadata["clip-id"], clip.ID)
	require.InDelta(t, 2000, clip.DurationMs, 100)

	_, err = os.Stat(clipPath)
	require.True(t, os.IsNotExist(err), "local clip should be removed after upload")
	require.Equal(t, uint64(1), a.Metrics()["archived"])
	require.Equal(t, int64(len(data)), a.Metrics()["upload_bytes_done"])
	require.Equal(t, int64(len(data)), a.Metrics()["upload_bytes_total"])
}

func TestArchiveKeepsLocalFileWhenUploadIsMissing(t *testing.T) {
	clipPath := filepath.Join(t.TempDir(), "clip.webm")
	require.NoError(t, os.WriteFile(clipPath, []byte("webm bytes"), 0o644))

	store := &fakeStore{lost: true}
	catalog := newFakeCatalog()
	a := NewArchiver(store, catalog, ArchiverConfig{DeleteLocal: true}, recorderlog.Nop())

	runArchiver(t, a, archiveJob{path: clipPath, status: circular.StatusOK})

	require.Len(t, store.puts, 1)
	require.FileExists(t, clipPath)
	require.Equal(t, uint64(1), a.Metrics()["failed"])
}

func TestArchiveUploadFailureKeepsLocalFile(t *testing.T) {
	clipPath := filepath.Join(t.TempDir(), "clip.webm")
	require.NoError(t, os.WriteFile(clipPath, []byte("webm bytes"), 0o644))

	store := &fakeStore{err: &StorageError{Op: "put", Err: errors.New("bucket gone"), StatusCode: 404}}
	catalog := newFakeCatalog()
	a := NewArchiver(store, catalog, ArchiverConfig{DeleteLocal: true}, recorderlog.Nop())

	runArchiver(t, a, archiveJob{path: clipPath, status: circular.StatusOK})

	clip := catalog.only(t)
	require.Equal(t, ClipFailed, clip.Status)
	require.Contains(t, clip.LastError.String, "bucket gone")
	require.Zero(t, clip.DurationMs)
	require.FileExists(t, clipPath)
	require.Equal(t, uint64(1), a.Metrics()["failed"])
}

func TestArchiveFailedSaves(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, "partial.mp4")
	require.NoError(t, os.WriteFile(partial, []byte("half"), 0o644))

	store := &fakeStore{}
	catalog := newFakeCatalog()
	a := NewArchiver(store, catalog, ArchiverConfig{}, recorderlog.Nop())

	runArchiver(t, a,
		archiveJob{path: filepath.Join(dir, "never.mp4"), status: circular.StatusNoContainer},
		archiveJob{path: partial, status: circular.StatusWriteFailed},
	)

	require.Empty(t, store.puts)
	clip := catalog.only(t)
	require.Equal(t, ClipFailed, clip.Status)
	require.Equal(t, "write_failed", clip.SaveStatus)
	require.Equal(t, int64(4), clip.SizeBytes)
}

func TestArchiverDropsWhenFullOrClosed(t *testing.T) {
	a := NewArchiver(nil, nil, ArchiverConfig{QueueSize: 1}, recorderlog.Nop())
	a.SaveComplete("a.mp4", circular.StatusOK)
	a.SaveComplete("b.mp4", circular.StatusOK)
	require.Equal(t, uint64(1), a.Metrics()["dropped"])

	a.Close()
	a.Close()
	a.SaveComplete("c.mp4", circular.StatusOK)
	require.Equal(t, 1, a.Metrics()["pending"])
}

func TestStorageErrorClassification(t *testing.T) {
	notFound := fmt.Errorf("wrapped: %w", &StorageError{Op: "get", Key: "k", Err: errors.New("x"), StatusCode: 404})
	require.False(t, IsAccessDenied(notFound))
	require.True(t, IsAccessDenied(fmt.Errorf("upload: %w", &StorageError{Op: "put", Err: errors.New("x"), StatusCode: 403})))
	require.Equal(t, "get k: x", errors.Unwrap(notFound).Error())
}

func TestArchiveAccessDeniedMarksFailed(t *testing.T) {
	clipPath := filepath.Join(t.TempDir(), "clip.webm")
	require.NoError(t, os.WriteFile(clipPath, []byte("webm bytes"), 0o644))

	store := &fakeStore{err: &StorageError{Op: "put", Err: errors.New("AccessDenied"), StatusCode: 403}}
	catalog := newFakeCatalog()
	a := NewArchiver(store, catalog, ArchiverConfig{}, recorderlog.Nop())

	runArchiver(t, a, archiveJob{path: clipPath, status: circular.StatusOK})

	clip := catalog.only(t)
	require.Equal(t, ClipFailed, clip.Status)
	require.Contains(t, clip.LastError.String, "AccessDenied")
}

func TestLibraryLinksUploadedClips(t *testing.T) {
	catalog := newFakeCatalog()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, catalog.SaveClip(ctx, &Clip{ID: "old", Path: "a.mp4", Status: ClipSaved, CreatedAt: base}))
	require.NoError(t, catalog.SaveClip(ctx, &Clip{ID: "new", Path: "b.mp4", Status: ClipSaved, CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, catalog.MarkUploaded(ctx, "new", "cam1/2026/01/02/b.mp4"))
	require.NoError(t, catalog.MarkFailed(ctx, "old", errors.New("disk full")))

	lib := NewLibrary(&fakeStore{}, catalog, 10*time.Minute, recorderlog.Nop())

	clips, err := lib.RecentClips(ctx, 10)
	require.NoError(t, err)
	require.Len(t, clips, 2)
	require.Equal(t, "new", clips[0].ID)
	require.Equal(t, "https://minio.local/clips/cam1/2026/01/02/b.mp4?expires=600", clips[0].URL)
	require.Equal(t, "old", clips[1].ID)
	require.Empty(t, clips[1].URL)
	require.Equal(t, "disk full", clips[1].Error)

	one, err := lib.Clip(ctx, "new")
	require.NoError(t, err)
	require.NotEmpty(t, one.URL)

	_, err = lib.Clip(ctx, "missing")
	require.ErrorIs(t, err, ErrClipNotFound)

	noStore := NewLibrary(nil, catalog, 0, nil)
	one, err = noStore.Clip(ctx, "new")
	require.NoError(t, err)
	require.Empty(t, one.URL)
}

func TestDetectContentType(t *testing.T) {
	require.Equal(t, "video/mp4", detectContentType("a/VID_1.MP4"))
	require.Equal(t, "video/webm", detectContentType("b.webm"))
	require.Equal(t, "application/octet-stream", detectContentType("c.bin"))
}

func TestMetadataOptionsMerge(t *testing.T) {
	o := collectPutOptions([]PutOption{
		WithMetadata(map[string]string{"a": "1"}),
		WithMetadata(map[string]string{"b": "2"}),
		WithContentType("video/mp4"),
	})
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, o.Metadata)
	require.Equal(t, "video/mp4", o.ContentType)
}
