package circular

import (
	"github.com/mikeyg42/precam/internal/recorder/encoder"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

// videoWorker drains the video encoder whenever a frame is signalled.
// Signals coalesce: at most one drain is pending at a time.
type videoWorker struct {
	enc    encoder.Encoder
	s      *muxSession
	logger recorderlog.Logger

	tasks chan struct{}
	quit  chan struct{}
	ready chan struct{}
}

func newVideoWorker(enc encoder.Encoder, s *muxSession, logger recorderlog.Logger) *videoWorker {
	return &videoWorker{
		enc:    enc,
		s:      s,
		logger: logger.Named("video"),
		tasks:  make(chan struct{}, 1),
		quit:   make(chan struct{}),
		ready:  make(chan struct{}),
	}
}

func (w *videoWorker) run() {
	close(w.ready)
	w.logger.Debug("video worker started")
	for {
		select {
		case <-w.quit:
			drainOutput(w.s, w.enc, encoder.KindVideo, 0, w.logger)
			w.logger.Debug("video worker stopped")
			return
		case <-w.tasks:
			drainOutput(w.s, w.enc, encoder.KindVideo, 0, w.logger)
		}
	}
}

// frameAvailableSoon never blocks.
func (w *videoWorker) frameAvailableSoon() {
	select {
	case w.tasks <- struct{}{}:
	default:
	}
}

func (w *videoWorker) stop() { close(w.quit) }
