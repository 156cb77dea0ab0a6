package circular

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/precam/internal/recorder/buffer"
	"github.com/mikeyg42/precam/internal/recorder/container"
	"github.com/mikeyg42/precam/internal/recorder/encoder"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

// muxSession owns the container writer and both ring buffers. mu is the one
// lock held while a chunk is classified and dispatched, and for each step of
// the buffered drain. Lock order: mu, then the controller's state lock.
type muxSession struct {
	c      *Controller
	logger recorderlog.Logger

	mu sync.Mutex

	videoRing *buffer.RingBuffer // nil in direct record
	audioRing *buffer.RingBuffer
	info      buffer.ChunkInfo

	videoFormat *encoder.Format
	audioFormat *encoder.Format

	active     bool
	path       string
	startUs    int64 // -1 when not saving
	muxer      container.Muxer
	videoTrack int
	audioTrack int

	firstVideoPTS int64
	lastVideoPTS  int64
	videoSynced   bool
	videoPackets  int

	sessions      atomic.Uint64
	opens         atomic.Uint64
	videoWritten  atomic.Uint64
	audioWritten  atomic.Uint64
	videoDropped  atomic.Uint64
	audioDropped  atomic.Uint64
	drainSteps    atomic.Uint64
	faults        atomic.Uint64
	encoderErrors atomic.Uint64
}

func newMuxSession(c *Controller) (*muxSession, error) {
	s := &muxSession{
		c:             c,
		logger:        c.logger.Named("session"),
		startUs:       -1,
		firstVideoPTS: -1,
		lastVideoPTS:  -1,
	}
	if !c.cfg.buffered() {
		return s, nil
	}
	var err error
	if s.videoRing, err = buffer.NewRingBuffer(c.cfg.VideoRingBytes, c.cfg.VideoRingChunks); err != nil {
		return nil, fmt.Errorf("video ring: %w", err)
	}
	if s.audioRing, err = buffer.NewRingBuffer(c.cfg.AudioRingBytes, c.cfg.AudioRingChunks); err != nil {
		return nil, fmt.Errorf("audio ring: %w", err)
	}
	return s, nil
}

func (s *muxSession) ring(kind encoder.Kind) *buffer.RingBuffer {
	if kind == encoder.KindVideo {
		return s.videoRing
	}
	return s.audioRing
}

func (s *muxSession) setFormat(kind encoder.Kind, f encoder.Format) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f.Kind = kind
	if kind == encoder.KindVideo {
		s.videoFormat = &f
	} else {
		s.audioFormat = &f
	}
	s.logger.Info("encoder output format changed",
		recorderlog.String("kind", kind.String()),
		recorderlog.String("codec", f.Codec),
		recorderlog.Int("width", f.Width),
		recorderlog.Int("height", f.Height),
		recorderlog.Int("sample_rate", f.SampleRate))
}

// begin arms a save to path and returns the back-dated start time.
func (s *muxSession) begin(path string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	startUs := s.c.clock.NowUs()
	if s.videoRing != nil {
		startUs -= s.videoRing.TimeSpanUs()
	}
	if startUs < 0 {
		startUs = 0
	}
	s.active = true
	s.path = path
	s.startUs = startUs
	s.firstVideoPTS = -1
	s.lastVideoPTS = -1
	s.videoSynced = false
	s.sessions.Add(1)
	return startUs
}

// tryStart opens the container once a save is armed and both formats are
// known. Only one caller gets past the checks; it then drains the rings.
func (s *muxSession) tryStart() {
	s.mu.Lock()
	if !s.active || s.startUs < 0 || s.muxer != nil || s.videoFormat == nil || s.audioFormat == nil {
		s.mu.Unlock()
		return
	}

	m, err := s.openLocked()
	if err != nil {
		s.logger.Error("failed to open container", recorderlog.String("path", s.path), recorderlog.Error(err))
		s.finishLocked(StatusOpenFailed)
		s.mu.Unlock()
		return
	}
	s.muxer = m
	s.opens.Add(1)

	buffered := s.c.cfg.buffered()
	if buffered {
		s.c.setState(StateSaveAndCache)
	} else {
		s.c.setState(StateSaveDirect)
	}
	s.mu.Unlock()

	if buffered {
		s.drainBuffered()
	}
}

func (s *muxSession) openLocked() (container.Muxer, error) {
	m, err := s.c.newMuxer(s.path)
	if err != nil {
		return nil, err
	}
	hint := orientationHint(s.c.orientation.Rotation())
	if err := m.SetOrientationHint(hint); err != nil {
		s.logger.Warn("orientation hint rejected", recorderlog.Int("hint", hint), recorderlog.Error(err))
	}

	fail := func(what string, err error) (container.Muxer, error) {
		_ = m.Stop()
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	vt, err := m.AddTrack(*s.videoFormat)
	if err != nil {
		return fail("add video track", err)
	}
	at, err := m.AddTrack(*s.audioFormat)
	if err != nil {
		return fail("add audio track", err)
	}
	if err := m.Start(); err != nil {
		return fail("start container", err)
	}
	s.videoTrack, s.audioTrack = vt, at
	s.logger.Info("container opened",
		recorderlog.String("path", s.path),
		recorderlog.Int("orientation_hint", hint),
		recorderlog.Int64("start_us", s.startUs))
	return m, nil
}

// drainBuffered writes the buffered history, one video chunk and the audio
// up to its timestamp per step, releasing the lock between steps so the
// workers keep caching.
func (s *muxSession) drainBuffered() {
	started := time.Now()
	steps := 0
	for first := true; ; first = false {
		s.mu.Lock()
		more := s.drainStepLocked(first)
		s.mu.Unlock()
		if !more {
			break
		}
		steps++
	}
	s.drainSteps.Add(uint64(steps))
	s.logger.Info("buffered drain complete",
		recorderlog.Int("steps", steps),
		recorderlog.Duration("took", time.Since(started)))
}

func (s *muxSession) drainStepLocked(first bool) bool {
	if s.muxer == nil || s.c.State() != StateSaveAndCache {
		return false
	}

	vr := s.videoRing
	idx := vr.CurrentIndex()
	if first {
		idx = vr.FirstSyncIndex()
	}
	if idx == buffer.NoIndex {
		// anything left in the audio ring is newer than the last video written
		s.audioRing.Reset()
		s.c.setState(StateSaveDirect)
		return false
	}

	if err := vr.SetTail(idx); err != nil {
		s.faultLocked(encoder.KindVideo, err)
		return false
	}
	if err := vr.Chunk(idx, &s.info); err != nil {
		s.faultLocked(encoder.KindVideo, err)
		return false
	}
	p := encoder.Packet{Data: s.info.Data, Flags: s.info.Flags, PTS: s.info.PTS}
	if err := s.writeLocked(encoder.KindVideo, p); err != nil {
		if s.writeFailedLocked(encoder.KindVideo, err) {
			vr.RemoveTail()
		}
		return s.muxer != nil
	}
	vr.RemoveTail()

	if s.lastVideoPTS < 0 {
		return true
	}
	if err := s.drainAudioLocked(s.lastVideoPTS); err != nil {
		if errors.Is(err, buffer.ErrInvalidIndex) {
			s.faultLocked(encoder.KindAudio, err)
			return false
		}
		s.writeFailedLocked(encoder.KindAudio, err)
	}
	return s.muxer != nil
}

// drainAudioLocked writes buffered audio up to and including videoPTS.
// Audio older than the first video sample of the session is discarded.
func (s *muxSession) drainAudioLocked(videoPTS int64) error {
	ar := s.audioRing
	for idx := ar.CurrentIndex(); idx != buffer.NoIndex; idx = ar.CurrentIndex() {
		if err := ar.Chunk(idx, &s.info); err != nil {
			return err
		}
		if s.info.PTS > videoPTS {
			return nil
		}
		if s.info.PTS >= s.firstVideoPTS {
			p := encoder.Packet{Data: s.info.Data, Flags: s.info.Flags, PTS: s.info.PTS}
			if err := s.writeLocked(encoder.KindAudio, p); err != nil {
				ar.RemoveTail()
				return err
			}
		} else if !s.info.Flags.IsCodecConfig() {
			s.audioDropped.Add(1)
		}
		ar.RemoveTail()
	}
	return nil
}

func (s *muxSession) writeLocked(kind encoder.Kind, p encoder.Packet) error {
	if p.Flags.IsCodecConfig() || len(p.Data) == 0 {
		return nil
	}
	track := s.audioTrack
	if kind == encoder.KindVideo {
		track = s.videoTrack
	}
	if err := s.muxer.WriteSample(track, p); err != nil {
		return err
	}
	if kind == encoder.KindVideo {
		if s.firstVideoPTS < 0 {
			s.firstVideoPTS = p.PTS
		}
		s.lastVideoPTS = p.PTS
		s.videoSynced = true
		s.videoWritten.Add(1)
	} else {
		s.audioWritten.Add(1)
	}
	return nil
}

// writeFailedLocked drops samples the container refuses for ordering and
// ends the session on any other write error. It reports whether the sample
// was dropped with the session still running.
func (s *muxSession) writeFailedLocked(kind encoder.Kind, err error) bool {
	if errors.Is(err, container.ErrNonMonotonicPTS) {
		s.logger.Warn("dropping out-of-order sample", recorderlog.String("kind", kind.String()), recorderlog.Error(err))
		if kind == encoder.KindVideo {
			s.videoDropped.Add(1)
		} else {
			s.audioDropped.Add(1)
		}
		return true
	}
	s.logger.Error("container write failed", recorderlog.String("kind", kind.String()), recorderlog.Error(err))
	s.finishLocked(StatusWriteFailed)
	return false
}

// dispatch classifies one encoded packet by the current state.
func (s *muxSession) dispatch(kind encoder.Kind, p encoder.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Flags.IsCodecConfig() {
		p.Data = nil
	} else if p.Data == nil {
		if !p.Flags.IsEndOfStream() {
			s.faultLocked(kind, fmt.Errorf("%s packet at %dus has no data", kind, p.PTS))
		}
		return
	}

	switch s.c.State() {
	case StateCacheCircular, StateSaveAndCache:
		if r := s.ring(kind); r != nil {
			if err := r.Add(p.Data, p.Flags, p.PTS); err != nil {
				s.logger.Warn("chunk not buffered", recorderlog.String("kind", kind.String()), recorderlog.Error(err))
			}
		}
	case StateSaveDirect:
		s.writeDirectLocked(kind, p)
	case StateIdle:
	}

	if kind == encoder.KindVideo && !p.Flags.IsCodecConfig() {
		s.afterVideoLocked(p)
	}
}

func (s *muxSession) writeDirectLocked(kind encoder.Kind, p encoder.Packet) {
	if s.muxer == nil || p.Flags.IsCodecConfig() || len(p.Data) == 0 {
		return
	}
	switch kind {
	case encoder.KindVideo:
		if !s.videoSynced && !p.Flags.IsSync() {
			s.videoDropped.Add(1)
			return
		}
	case encoder.KindAudio:
		if s.firstVideoPTS < 0 || p.PTS < s.firstVideoPTS {
			s.audioDropped.Add(1)
			return
		}
	}
	if err := s.writeLocked(kind, p); err != nil {
		s.writeFailedLocked(kind, err)
	}
}

func (s *muxSession) afterVideoLocked(p encoder.Packet) {
	s.videoPackets++
	if s.videoPackets%s.c.cfg.StatusEvery == 0 {
		s.c.sink.bufferStatus(s.spanLocked())
	}
	if s.muxer != nil && s.c.stopping.Load() && p.PTS >= s.c.stopAtUs.Load() {
		s.finishLocked(StatusOK)
	}
}

// spanLocked is the recorded duration while saving, else the buffered span.
func (s *muxSession) spanLocked() time.Duration {
	if s.startUs >= 0 {
		return time.Duration(s.c.clock.NowUs()-s.startUs) * time.Microsecond
	}
	if s.videoRing != nil {
		return s.videoRing.TimeSpan()
	}
	return 0
}

func (s *muxSession) faultLocked(kind encoder.Kind, err error) {
	s.faults.Add(1)
	s.logger.Error("internal consistency fault", recorderlog.String("kind", kind.String()), recorderlog.Error(err))
	s.finishLocked(StatusInternalError)
}

func (s *muxSession) fault(kind encoder.Kind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultLocked(kind, err)
}

// cancelIfUnopened ends save gen if it has no container yet. It reports
// whether there is nothing left to stop.
func (s *muxSession) cancelIfUnopened(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active || s.sessions.Load() != gen {
		return true
	}
	if s.muxer == nil {
		s.finishLocked(StatusNoContainer)
		return true
	}
	return false
}

func (s *muxSession) finish(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(status)
}

// finishLocked stops the container, reports status and returns the
// controller to caching. It is a no-op when no save is active.
func (s *muxSession) finishLocked(status Status) {
	if !s.active {
		return
	}
	s.active = false

	if s.muxer != nil {
		if err := s.muxer.Stop(); err != nil {
			s.logger.Error("failed to finalize container", recorderlog.String("path", s.path), recorderlog.Error(err))
			if status == StatusOK {
				status = StatusWriteFailed
			}
		}
		s.muxer = nil
	} else if status == StatusOK {
		status = StatusNoContainer
	}
	s.startUs = -1

	s.logger.Info("save finished",
		recorderlog.String("path", s.path),
		recorderlog.String("status", status.String()),
		recorderlog.Uint64("video_written", s.videoWritten.Load()),
		recorderlog.Uint64("audio_written", s.audioWritten.Load()))
	s.c.endSaving(s.path, status)
}

func (s *muxSession) metrics() map[string]interface{} {
	m := map[string]interface{}{
		"sessions":       s.sessions.Load(),
		"opens":          s.opens.Load(),
		"video_written":  s.videoWritten.Load(),
		"audio_written":  s.audioWritten.Load(),
		"video_dropped":  s.videoDropped.Load(),
		"audio_dropped":  s.audioDropped.Load(),
		"drain_steps":    s.drainSteps.Load(),
		"faults":         s.faults.Load(),
		"encoder_errors": s.encoderErrors.Load(),
	}
	if s.videoRing != nil {
		m["video_ring"] = s.videoRing.Metrics()
		m["audio_ring"] = s.audioRing.Metrics()
	}
	return m
}
