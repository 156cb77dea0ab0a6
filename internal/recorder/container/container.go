// Package container writes encoded tracks into seekable media files.
package container

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mikeyg42/precam/internal/recorder/encoder"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

// Supported output formats.
const (
	FormatMP4  = "mp4"
	FormatWebM = "webm"
)

var (
	ErrUnsupportedFormat = errors.New("container: unsupported format")
	ErrNotStarted        = errors.New("container: muxer not started")
	ErrAlreadyStarted    = errors.New("container: muxer already started")
	ErrStopped           = errors.New("container: muxer stopped")
	ErrUnknownTrack      = errors.New("container: unknown track")
	ErrInvalidRotation   = errors.New("container: rotation must be 0, 90, 180 or 270")
	ErrNonMonotonicPTS   = errors.New("container: sample pts went backwards")
)

// Muxer is one output file. Tracks are added and the orientation set before
// Start; samples are written between Start and Stop. Implementations are safe
// for concurrent use.
type Muxer interface {
	AddTrack(f encoder.Format) (int, error)
	SetOrientationHint(degrees int) error
	Start() error
	WriteSample(track int, p encoder.Packet) error
	Stop() error
}

// Factory opens a muxer for path.
type Factory func(path string) (Muxer, error)

// Open creates the output file for format at path.
func Open(format, path string, logger recorderlog.Logger) (Muxer, error) {
	if logger == nil {
		logger = recorderlog.L()
	}
	switch strings.ToLower(format) {
	case FormatMP4, "":
		return NewMP4Muxer(path, logger.Named("mp4"))
	case FormatWebM:
		return NewWebMMuxer(path, logger.Named("webm"))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// NewFactory binds Open to a format.
func NewFactory(format string, logger recorderlog.Logger) Factory {
	return func(path string) (Muxer, error) {
		return Open(format, path, logger)
	}
}

// Extension returns the file extension for format, without the dot.
func Extension(format string) string {
	if strings.EqualFold(format, FormatWebM) {
		return FormatWebM
	}
	return FormatMP4
}

func validRotation(deg int) bool {
	switch deg {
	case 0, 90, 180, 270:
		return true
	}
	return false
}

// rotationMatrix is the track header transform for a clockwise display
// rotation, in 16.16 and 2.30 fixed point.
func rotationMatrix(deg int) [9]int32 {
	switch deg {
	case 90:
		return [9]int32{0, 0x10000, 0, -0x10000, 0, 0, 0, 0, 0x40000000}
	case 180:
		return [9]int32{-0x10000, 0, 0, 0, -0x10000, 0, 0, 0, 0x40000000}
	case 270:
		return [9]int32{0, -0x10000, 0, 0x10000, 0, 0, 0, 0, 0x40000000}
	default:
		return [9]int32{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000}
	}
}

// RotationFromMatrix inverts rotationMatrix; ok is false for other transforms.
func RotationFromMatrix(m [9]int32) (deg int, ok bool) {
	for _, d := range []int{0, 90, 180, 270} {
		if rotationMatrix(d) == m {
			return d, true
		}
	}
	return 0, false
}
