// Package recorder composes the circular controller with clip naming, event
// fan-out and periodic metrics.
package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mikeyg42/precam/internal/recorder/circular"
	"github.com/mikeyg42/precam/internal/recorder/config"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

// minFreeBytes is the free space below which a save start is logged as at risk.
const minFreeBytes = 512 << 20

// Controller is what the service needs from circular.Controller.
type Controller interface {
	StartSaving(path string) error
	StopSaving(ctx context.Context) error
	Shutdown() error
	IsSaving() bool
	IsStopping() bool
	State() circular.State
	Metrics() map[string]interface{}
}

// ControllerFactory builds the controller wired to the service's sink and
// rotation source.
type ControllerFactory func(sink circular.Sink, orientation circular.OrientationProvider) (Controller, error)

// Status is a point-in-time view of the recorder.
type Status struct {
	State        string `json:"state"`
	Saving       bool   `json:"saving"`
	Stopping     bool   `json:"stopping"`
	Path         string `json:"path,omitempty"`
	Rotation     int    `json:"rotation"`
	BufferedMs   int64  `json:"buffered_ms"`
	DirectRecord bool   `json:"direct_record"`
}

// Service is the recording service: one controller, any number of event
// subscribers and named metric sources.
type Service struct {
	cfg         *config.Config
	logger      recorderlog.Logger
	ctrl        Controller
	orientation *circular.AtomicOrientation
	now         func() time.Time

	subMu sync.RWMutex
	subs  []circular.Sink

	metricsMu sync.Mutex
	sources   map[string]func() map[string]interface{}

	mu       sync.Mutex
	current  string
	bufferUs atomic.Int64

	metrics   Metrics
	closeOnce sync.Once
	closeErr  error
}

// Metrics tracks service performance
type Metrics struct {
	SavesStarted   atomic.Uint64
	SavesCompleted atomic.Uint64
	SavesFailed    atomic.Uint64
	StartRejected  atomic.Uint64
}

// NewService builds the controller through factory and returns the service
// that owns it.
func NewService(cfg *config.Config, factory ControllerFactory, logger recorderlog.Logger) (*Service, error) {
	if logger == nil {
		logger = recorderlog.L()
	}
	s := &Service{
		cfg:         cfg,
		logger:      logger.Named("service"),
		orientation: &circular.AtomicOrientation{},
		now:         time.Now,
		sources:     make(map[string]func() map[string]interface{}),
	}
	ctrl, err := factory(s, s.orientation)
	if err != nil {
		return nil, fmt.Errorf("create controller: %w", err)
	}
	s.ctrl = ctrl
	s.AddMetrics("controller", ctrl.Metrics)
	return s, nil
}

// Subscribe adds a receiver of save results and buffer telemetry.
func (s *Service) Subscribe(sink circular.Sink) {
	s.subMu.Lock()
	s.subs = append(s.subs, sink)
	s.subMu.Unlock()
}

// AddMetrics registers a source reported by Run under name.
func (s *Service) AddMetrics(name string, fn func() map[string]interface{}) {
	s.metricsMu.Lock()
	s.sources[name] = fn
	s.metricsMu.Unlock()
}

// StartSaving opens a new clip. An empty path names it after the current time
// in the output directory. The chosen path is returned.
func (s *Service) StartSaving(path string) (string, error) {
	if path == "" {
		path = s.cfg.ClipPath(s.now())
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	s.checkDiskSpace(filepath.Dir(path))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctrl.StartSaving(path); err != nil {
		s.metrics.StartRejected.Add(1)
		return "", err
	}
	s.current = path
	s.metrics.SavesStarted.Add(1)
	s.logger.Info("save started", recorderlog.String("path", path))
	return path, nil
}

func (s *Service) StopSaving(ctx context.Context) error {
	return s.ctrl.StopSaving(ctx)
}

// SetRotation records the device rotation applied to the next opened clip.
func (s *Service) SetRotation(deg int) error {
	return s.orientation.Set(deg)
}

func (s *Service) Status() Status {
	s.mu.Lock()
	path := s.current
	s.mu.Unlock()
	return Status{
		State:        s.ctrl.State().String(),
		Saving:       s.ctrl.IsSaving(),
		Stopping:     s.ctrl.IsStopping(),
		Path:         path,
		Rotation:     s.orientation.Rotation(),
		BufferedMs:   s.bufferUs.Load() / 1000,
		DirectRecord: s.cfg.DirectRecord(),
	}
}

// SaveComplete implements circular.Sink.
func (s *Service) SaveComplete(path string, status circular.Status) {
	s.mu.Lock()
	if s.current == path {
		s.current = ""
	}
	s.mu.Unlock()

	if status == circular.StatusOK {
		s.metrics.SavesCompleted.Add(1)
		s.logger.Info("save complete", recorderlog.String("path", path))
	} else {
		s.metrics.SavesFailed.Add(1)
		s.logger.Warn("save failed", recorderlog.String("path", path), recorderlog.String("status", status.String()))
	}

	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, sub := range s.subs {
		sub.SaveComplete(path, status)
	}
}

// BufferStatus implements circular.Sink.
func (s *Service) BufferStatus(span time.Duration) {
	s.bufferUs.Store(span.Microseconds())

	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, sub := range s.subs {
		sub.BufferStatus(span)
	}
}

// Run reports metrics every MetricsInterval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	interval := s.cfg.Service.MetricsInterval
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reportMetrics()
		}
	}
}

func (s *Service) Metrics() map[string]interface{} {
	out := map[string]interface{}{
		"saves_started":   s.metrics.SavesStarted.Load(),
		"saves_completed": s.metrics.SavesCompleted.Load(),
		"saves_failed":    s.metrics.SavesFailed.Load(),
		"start_rejected":  s.metrics.StartRejected.Load(),
	}
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	for name, fn := range s.sources {
		out[name] = fn()
	}
	return out
}

func (s *Service) reportMetrics() {
	m := s.Metrics()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]recorderlog.Field, 0, len(keys)+1)
	fields = append(fields, recorderlog.String("state", s.ctrl.State().String()))
	for _, k := range keys {
		fields = append(fields, recorderlog.Any(k, m[k]))
	}
	s.logger.Info("recorder metrics", fields...)
}

// Close finishes any save in progress and shuts the controller down.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.ctrl.Shutdown()
	})
	return s.closeErr
}

// checkDiskSpace warns when the output directory is nearly full. A full disk
// still ends the save with a write failure.
func (s *Service) checkDiskSpace(dir string) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		s.logger.Debug("statfs failed", recorderlog.String("dir", dir), recorderlog.Error(err))
		return
	}
	free := stat.Bavail * uint64(stat.Bsize)
	if free < minFreeBytes {
		s.logger.Warn("low disk space for recording",
			recorderlog.String("dir", dir),
			recorderlog.Uint64("available_mb", free>>20))
	}
}
