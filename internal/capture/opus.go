package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"

	"github.com/mikeyg42/precam/internal/recorder/encoder"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

type pcmFrame struct {
	chunk *wave.Int16Interleaved
	pts   int64
}

// OpusEncoder is an encoder.AudioEncoder fed with PCM frames and backed by a
// mediadevices audio encoder.
type OpusEncoder struct {
	cfg    encoder.EncoderConfig
	enc    codec.ReadCloser
	out    *encoder.Stream
	in     chan pcmFrame
	pts    chan int64
	done   chan struct{}
	logger recorderlog.Logger

	frameUs   int64
	closeOnce sync.Once
	wg        sync.WaitGroup

	queued  atomic.Uint64
	encoded atomic.Uint64
}

// NewOpusEncoder builds the codec over an internal PCM reader and announces
// the Opus output format.
func NewOpusEncoder(builder codec.AudioEncoderBuilder, cfg encoder.EncoderConfig, logger recorderlog.Logger) (*OpusEncoder, error) {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 || cfg.SamplesPerFrame <= 0 {
		return nil, &encoder.EncoderError{
			Code:    encoder.CodeUnsupportedFormat,
			Message: fmt.Sprintf("invalid pcm layout %d Hz x %d ch, %d samples", cfg.SampleRate, cfg.Channels, cfg.SamplesPerFrame),
			Fatal:   true,
		}
	}
	if logger == nil {
		logger = recorderlog.L()
	}
	e := &OpusEncoder{
		cfg:     cfg,
		out:     encoder.NewStream(encoder.KindAudio, 64),
		in:      make(chan pcmFrame, 4),
		pts:     make(chan int64, 64),
		done:    make(chan struct{}),
		logger:  logger.Named("opus"),
		frameUs: int64(cfg.SamplesPerFrame) * 1_000_000 / int64(cfg.SampleRate),
	}

	media := prop.Media{Audio: prop.Audio{
		SampleRate:    cfg.SampleRate,
		ChannelCount:  cfg.Channels,
		SampleSize:    16,
		IsInterleaved: true,
		Latency:       time.Duration(e.frameUs) * time.Microsecond,
	}}
	enc, err := builder.BuildAudioEncoder(audio.ReaderFunc(e.next), media)
	if err != nil {
		return nil, fmt.Errorf("build opus encoder: %w", err)
	}
	e.enc = enc

	if err := e.out.SetFormat(encoder.Format{
		Codec:      encoder.CodecOpus,
		Bitrate:    cfg.Bitrate,
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
	}); err != nil {
		_ = enc.Close()
		return nil, err
	}

	e.wg.Add(1)
	go e.pump()
	return e, nil
}

// next feeds the codec. The frame timestamp is queued before the codec sees
// the samples, so the packet it produces can pick it up.
func (e *OpusEncoder) next() (wave.Audio, func(), error) {
	select {
	case f := <-e.in:
		select {
		case e.pts <- f.pts:
		default:
		}
		return f.chunk, nil, nil
	case <-e.done:
		return nil, nil, io.EOF
	}
}

func (e *OpusEncoder) pump() {
	defer e.wg.Done()

	last := int64(-1)
	for {
		data, release, err := e.enc.Read()
		if err != nil {
			select {
			case <-e.done:
			default:
				if !errors.Is(err, io.EOF) {
					e.logger.Warn("opus encode failed", recorderlog.Error(err))
				}
			}
			return
		}
		pkt := append([]byte(nil), data...)
		if release != nil {
			release()
		}

		pts := last + e.frameUs
		select {
		case pts = <-e.pts:
		default:
		}
		if pts <= last {
			pts = last + 1
		}
		last = pts

		if len(pkt) == 0 {
			continue
		}
		if err := e.out.Push(encoder.Packet{Data: pkt, Flags: encoder.FlagSync, PTS: pts}, nil); err != nil {
			return
		}
		e.encoded.Add(1)
	}
}

// Queue implements encoder.AudioEncoder.
func (e *OpusEncoder) Queue(pcm []byte, ptsUs int64, timeout time.Duration) error {
	select {
	case <-e.done:
		return encoder.ErrClosed
	default:
	}

	samples := len(pcm) / 2
	info := wave.ChunkInfo{Len: samples / e.cfg.Channels, Channels: e.cfg.Channels, SamplingRate: e.cfg.SampleRate}
	chunk := wave.NewInt16Interleaved(info)
	for i := 0; i < info.Len*info.Channels; i++ {
		chunk.Data[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case e.in <- pcmFrame{chunk: chunk, pts: ptsUs}:
		e.queued.Add(1)
		return nil
	case <-timer.C:
		return encoder.ErrTryAgain
	case <-e.done:
		return encoder.ErrClosed
	}
}

// Dequeue implements encoder.Encoder.
func (e *OpusEncoder) Dequeue(timeout time.Duration) (*encoder.Output, error) {
	return e.out.Dequeue(timeout)
}

// Close stops the codec and releases pending output.
func (e *OpusEncoder) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		_ = e.out.Close()
		err = e.enc.Close()
		e.wg.Wait()
	})
	return err
}

func (e *OpusEncoder) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"queued":  e.queued.Load(),
		"encoded": e.encoded.Load(),
		"output":  e.out.Metrics(),
	}
}
