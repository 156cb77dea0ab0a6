package recorder

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/precam/internal/recorder/circular"
	"github.com/mikeyg42/precam/internal/recorder/config"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

type fakeController struct {
	mu        sync.Mutex
	saving    bool
	started   []string
	stopped   int
	shutdowns int
	sink      circular.Sink
	orient    circular.OrientationProvider
}

func (f *fakeController) StartSaving(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saving {
		return circular.ErrAlreadySaving
	}
	f.saving = true
	f.started = append(f.started, path)
	return nil
}

func (f *fakeController) StopSaving(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.saving {
		return circular.ErrNotSaving
	}
	f.stopped++
	return nil
}

func (f *fakeController) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func (f *fakeController) IsSaving() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saving
}

func (f *fakeController) IsStopping() bool { return false }

func (f *fakeController) State() circular.State {
	if f.IsSaving() {
		return circular.StateSaveDirect
	}
	return circular.StateCacheCircular
}

func (f *fakeController) Metrics() map[string]interface{} {
	return map[string]interface{}{"fake": true}
}

// finish simulates the controller delivering a save result.
func (f *fakeController) finish(path string, status circular.Status) {
	f.mu.Lock()
	f.saving = false
	f.mu.Unlock()
	f.sink.SaveComplete(path, status)
}

type recordedEvents struct {
	mu    sync.Mutex
	saves []string
	spans []time.Duration
}

func (r *recordedEvents) SaveComplete(path string, status circular.Status) {
	r.mu.Lock()
	r.saves = append(r.saves, path+":"+status.String())
	r.mu.Unlock()
}

func (r *recordedEvents) BufferStatus(span time.Duration) {
	r.mu.Lock()
	r.spans = append(r.spans, span)
	r.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *fakeController) {
	t.Helper()
	cfg := config.Default()
	cfg.Service.OutputDir = filepath.Join(t.TempDir(), "clips")

	fc := &fakeController{}
	svc, err := NewService(cfg, func(sink circular.Sink, o circular.OrientationProvider) (Controller, error) {
		fc.sink, fc.orient = sink, o
		return fc, nil
	}, recorderlog.Nop())
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.Local) }
	return svc, fc
}

func TestServiceNamesClips(t *testing.T) {
	svc, fc := newTestService(t)

	path, err := svc.StartSaving("")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(svc.cfg.Service.OutputDir, "VID_20260304_050607.mp4"), path)
	require.DirExists(t, svc.cfg.Service.OutputDir)
	require.Equal(t, []string{path}, fc.started)

	st := svc.Status()
	require.True(t, st.Saving)
	require.Equal(t, path, st.Path)
	require.Equal(t, "save_direct", st.State)

	_, err = svc.StartSaving("")
	require.ErrorIs(t, err, circular.ErrAlreadySaving)
	require.Equal(t, uint64(1), svc.Metrics()["start_rejected"])
}

func TestServiceFansOutEvents(t *testing.T) {
	svc, fc := newTestService(t)
	events := &recordedEvents{}
	svc.Subscribe(events)

	path, err := svc.StartSaving(filepath.Join(t.TempDir(), "a.mp4"))
	require.NoError(t, err)

	fc.sink.BufferStatus(3 * time.Second)
	require.Equal(t, int64(3000), svc.Status().BufferedMs)

	fc.finish(path, circular.StatusOK)
	require.Empty(t, svc.Status().Path)
	require.Equal(t, []string{path + ":ok"}, events.saves)
	require.Equal(t, []time.Duration{3 * time.Second}, events.spans)

	_, err = svc.StartSaving(filepath.Join(t.TempDir(), "b.mp4"))
	require.NoError(t, err)
	fc.finish(filepath.Join(t.TempDir(), "b.mp4"), circular.StatusWriteFailed)

	m := svc.Metrics()
	require.Equal(t, uint64(2), m["saves_started"])
	require.Equal(t, uint64(1), m["saves_completed"])
	require.Equal(t, uint64(1), m["saves_failed"])
	require.Equal(t, map[string]interface{}{"fake": true}, m["controller"])
}

func TestServiceRotation(t *testing.T) {
	svc, fc := newTestService(t)

	require.NoError(t, svc.SetRotation(-90))
	require.Equal(t, 270, fc.orient.Rotation())
	require.Equal(t, 270, svc.Status().Rotation)
	require.Error(t, svc.SetRotation(45))
	require.Equal(t, 270, fc.orient.Rotation())
}

func TestServiceStopAndClose(t *testing.T) {
	svc, fc := newTestService(t)

	require.ErrorIs(t, svc.StopSaving(context.Background()), circular.ErrNotSaving)
	_, err := svc.StartSaving("")
	require.NoError(t, err)
	require.NoError(t, svc.StopSaving(context.Background()))
	require.Equal(t, 1, fc.stopped)

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
	require.Equal(t, 1, fc.shutdowns)
}

func TestServiceFactoryError(t *testing.T) {
	boom := errors.New("no camera")
	_, err := NewService(config.Default(), func(circular.Sink, circular.OrientationProvider) (Controller, error) {
		return nil, boom
	}, nil)
	require.ErrorIs(t, err, boom)
}

func TestServiceRunStopsOnContext(t *testing.T) {
	svc, _ := newTestService(t)
	svc.cfg.Service.MetricsInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, svc.Run(ctx))
}
