package circular

import (
	"errors"
	"fmt"
	"time"

	"github.com/mikeyg42/precam/internal/recorder/encoder"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

// drainOutput empties an encoder's output queue into the session. It returns
// when the encoder has nothing ready within timeout, is closed, or reports an
// error.
func drainOutput(s *muxSession, enc encoder.Encoder, kind encoder.Kind, timeout time.Duration, logger recorderlog.Logger) {
	for {
		out, err := enc.Dequeue(timeout)
		switch {
		case err == nil:
		case errors.Is(err, encoder.ErrTryAgain), errors.Is(err, encoder.ErrClosed):
			return
		case encoder.IsFatal(err):
			s.fault(kind, err)
			return
		default:
			s.encoderErrors.Add(1)
			logger.Warn("unexpected encoder status", recorderlog.Error(err))
			return
		}
		if out == nil {
			s.fault(kind, fmt.Errorf("%s encoder returned no output", kind))
			return
		}

		switch out.Type {
		case encoder.OutputFormatChanged:
			s.setFormat(kind, out.Format)
			s.tryStart()
		case encoder.OutputBuffersChanged:
			logger.Debug("encoder output buffers changed")
		case encoder.OutputPacket:
			s.dispatch(kind, out.Packet)
		}
		out.Release()
	}
}
