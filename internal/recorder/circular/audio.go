package circular

import (
	"errors"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/precam/internal/recorder/encoder"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

const (
	audioQueueTimeout = 100 * time.Millisecond
	audioDrainTimeout = time.Millisecond
)

// Microphone yields interleaved S16LE PCM. Read blocks until data arrives.
type Microphone interface {
	Read(p []byte) (int, error)
}

// audioWorker reads PCM frames, stamps them, feeds the encoder and drains
// its output, until shutdown.
type audioWorker struct {
	enc    encoder.AudioEncoder
	mic    Microphone
	s      *muxSession
	clock  Clock
	logger recorderlog.Logger

	frameBytes int
	frameUs    int64

	shutdown   atomic.Bool
	ready      chan struct{}
	frames     atomic.Uint64
	queueDrops atomic.Uint64
	readErrors atomic.Uint64
}

func newAudioWorker(cfg Config, enc encoder.AudioEncoder, mic Microphone, s *muxSession, clock Clock, logger recorderlog.Logger) *audioWorker {
	var frameUs int64
	if cfg.SampleRate > 0 {
		frameUs = int64(cfg.SamplesPerFrame) * 1_000_000 / int64(cfg.SampleRate)
	}
	return &audioWorker{
		enc:        enc,
		mic:        mic,
		s:          s,
		clock:      clock,
		logger:     logger.Named("audio"),
		frameBytes: cfg.pcmFrameBytes(),
		frameUs:    frameUs,
		ready:      make(chan struct{}),
	}
}

func (w *audioWorker) run() {
	close(w.ready)
	w.logger.Debug("audio worker started", recorderlog.Int("frame_bytes", w.frameBytes))

	buf := make([]byte, w.frameBytes)
	for !w.shutdown.Load() {
		if !w.sendToEncoder(buf) {
			break
		}
		drainOutput(w.s, w.enc, encoder.KindAudio, audioDrainTimeout, w.logger)
	}
	drainOutput(w.s, w.enc, encoder.KindAudio, 0, w.logger)
	w.logger.Debug("audio worker stopped", recorderlog.Uint64("frames", w.frames.Load()))
}

// sendToEncoder reads one frame and queues it. It returns false once the
// microphone is gone.
func (w *audioWorker) sendToEncoder(buf []byte) bool {
	n, err := io.ReadFull(w.mic, buf)
	if err != nil {
		if w.shutdown.Load() || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
			errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
			if !w.shutdown.Load() {
				w.logger.Warn("microphone closed", recorderlog.Error(err))
			}
			return false
		}
		w.readErrors.Add(1)
		w.logger.Warn("microphone read failed", recorderlog.Error(err))
		time.Sleep(time.Duration(w.frameUs) * time.Microsecond)
		return true
	}

	err = w.enc.Queue(buf[:n], w.clock.NowUs(), audioQueueTimeout)
	switch {
	case err == nil:
		w.frames.Add(1)
	case errors.Is(err, encoder.ErrTryAgain):
		w.queueDrops.Add(1)
	case errors.Is(err, encoder.ErrClosed):
		return false
	default:
		w.logger.Warn("audio queue failed", recorderlog.Error(err))
	}
	return true
}

func (w *audioWorker) stop() { w.shutdown.Store(true) }

func (w *audioWorker) metrics() map[string]interface{} {
	return map[string]interface{}{
		"frames":      w.frames.Load(),
		"queue_drops": w.queueDrops.Load(),
		"read_errors": w.readErrors.Load(),
	}
}
