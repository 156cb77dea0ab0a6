package container

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"go.uber.org/multierr"

	"github.com/mikeyg42/precam/internal/recorder/encoder"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

// WebMMuxer writes VP8 and Opus tracks as Matroska SimpleBlocks. Block
// timestamps are milliseconds from the first sample written.
type WebMMuxer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	entries  []webm.TrackEntry
	kinds    []encoder.Kind
	writers  []webm.BlockWriteCloser
	rotation int
	origin   int64
	hasOrig  bool
	lastPTS  []int64
	samples  []int
	started  bool
	stopped  bool
	logger   recorderlog.Logger
}

// NewWebMMuxer creates the file at path.
func NewWebMMuxer(path string, logger recorderlog.Logger) (*WebMMuxer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if logger == nil {
		logger = recorderlog.Nop()
	}
	return &WebMMuxer{
		path:   path,
		file:   f,
		logger: logger.With(recorderlog.String("path", path)),
	}, nil
}

func (m *WebMMuxer) AddTrack(f encoder.Format) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return -1, ErrAlreadyStarted
	}
	n := uint64(len(m.entries) + 1)
	entry := webm.TrackEntry{
		TrackNumber: n,
		TrackUID:    uint64(time.Now().UnixNano()) ^ n,
	}
	switch {
	case f.Kind == encoder.KindVideo && f.Codec == encoder.CodecVP8:
		entry.Name = "Video"
		entry.CodecID = "V_VP8"
		entry.TrackType = 1
		if f.FrameRate > 0 {
			entry.DefaultDuration = uint64(time.Second / time.Duration(f.FrameRate))
		}
		entry.Video = &webm.Video{
			PixelWidth:  uint64(f.Width),
			PixelHeight: uint64(f.Height),
		}
	case f.Kind == encoder.KindAudio && f.Codec == encoder.CodecOpus:
		channels := f.Channels
		if channels <= 0 {
			channels = 1
		}
		rate := f.SampleRate
		if rate <= 0 {
			rate = 48000
		}
		entry.Name = "Audio"
		entry.CodecID = "A_OPUS"
		entry.TrackType = 2
		entry.CodecPrivate = f.CodecPrivate
		if len(entry.CodecPrivate) == 0 {
			entry.CodecPrivate = opusHead(channels, rate)
		}
		entry.Audio = &webm.Audio{
			SamplingFrequency: float64(rate),
			Channels:          uint64(channels),
		}
	default:
		return -1, fmt.Errorf("%w: %s track with codec %q", ErrUnsupportedFormat, f.Kind, f.Codec)
	}
	m.entries = append(m.entries, entry)
	m.kinds = append(m.kinds, f.Kind)
	return len(m.entries) - 1, nil
}

// SetOrientationHint validates and records the rotation. WebM has no track
// matrix, so players will show the frames as encoded.
func (m *WebMMuxer) SetOrientationHint(degrees int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	if !validRotation(degrees) {
		return fmt.Errorf("%w: %d", ErrInvalidRotation, degrees)
	}
	m.rotation = degrees
	return nil
}

func (m *WebMMuxer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	if len(m.entries) == 0 {
		return fmt.Errorf("container: no tracks added")
	}
	ws, err := webm.NewSimpleBlockWriter(m.file, m.entries)
	if err != nil {
		return fmt.Errorf("create webm writer: %w", err)
	}
	m.writers = ws
	m.lastPTS = make([]int64, len(ws))
	m.samples = make([]int, len(ws))
	m.started = true
	if m.rotation != 0 {
		m.logger.Warn("webm cannot carry rotation; frames stay as encoded", recorderlog.Int("rotation", m.rotation))
	}
	return nil
}

func (m *WebMMuxer) WriteSample(track int, p encoder.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.stopped:
		return ErrStopped
	case !m.started:
		return ErrNotStarted
	case track < 0 || track >= len(m.writers):
		return fmt.Errorf("%w: %d", ErrUnknownTrack, track)
	}
	if p.Flags.IsCodecConfig() || len(p.Data) == 0 {
		return nil
	}
	if m.samples[track] > 0 && p.PTS < m.lastPTS[track] {
		return fmt.Errorf("%w: track %d %d < %d", ErrNonMonotonicPTS, track, p.PTS, m.lastPTS[track])
	}
	if !m.hasOrig {
		m.origin = p.PTS
		m.hasOrig = true
	}

	tc := (p.PTS - m.origin) / 1000
	if tc < 0 {
		tc = 0
	}
	keyframe := p.Flags.IsSync() || m.kinds[track] == encoder.KindAudio
	if _, err := m.writers[track].Write(keyframe, tc, p.Data); err != nil {
		return fmt.Errorf("write block: %w", err)
	}
	m.lastPTS[track] = p.PTS
	m.samples[track]++
	return nil
}

func (m *WebMMuxer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	m.stopped = true
	if !m.started {
		m.file.Close()
		return ErrNotStarted
	}

	// the file is closed with the last block writer
	var errs error
	for _, w := range m.writers {
		errs = multierr.Append(errs, w.Close())
	}
	if errs != nil {
		return fmt.Errorf("finalize %s: %w", m.path, errs)
	}
	m.logger.Info("webm finalized", recorderlog.Any("samples", m.samples))
	return nil
}

// opusHead builds the RFC 7845 identification header used as CodecPrivate.
func opusHead(channels, sampleRate int) []byte {
	h := make([]byte, 19)
	copy(h, "OpusHead")
	h[8] = 1
	h[9] = byte(channels)
	binary.LittleEndian.PutUint16(h[10:], opusPreSkip)
	binary.LittleEndian.PutUint32(h[12:], uint32(sampleRate))
	return h
}
