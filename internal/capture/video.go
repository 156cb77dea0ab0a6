// Package capture connects camera and microphone tracks to the encoder
// interfaces the circular recorder consumes.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/pion/mediadevices"

	"github.com/mikeyg42/precam/internal/recorder/buffer"
	"github.com/mikeyg42/precam/internal/recorder/encoder"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

// EncodedSource is the read side of an encoded track, as returned by
// mediadevices.Track.NewEncodedReader.
type EncodedSource interface {
	Read() (mediadevices.EncodedBuffer, func(), error)
	Close() error
}

// Notifier is told when encoded video is waiting to be drained.
type Notifier interface {
	FrameAvailableSoon()
}

// Clock stamps packets in microseconds.
type Clock interface {
	NowUs() int64
}

// VideoPump copies encoded VP8 frames from a track into an encoder stream.
type VideoPump struct {
	src    EncodedSource
	out    *encoder.Stream
	notify Notifier
	clock  Clock
	pool   *buffer.PacketPool
	format encoder.Format
	logger recorderlog.Logger

	frames    atomic.Uint64
	keyframes atomic.Uint64
	bytes     atomic.Uint64
}

// NewVideoPump builds a pump; format is announced on out before the first frame.
func NewVideoPump(src EncodedSource, out *encoder.Stream, notify Notifier, clock Clock, pool *buffer.PacketPool, format encoder.Format, logger recorderlog.Logger) *VideoPump {
	if logger == nil {
		logger = recorderlog.L()
	}
	if pool == nil {
		pool = buffer.NewPacketPool(1 << 20)
	}
	format.Kind = encoder.KindVideo
	return &VideoPump{
		src:    src,
		out:    out,
		notify: notify,
		clock:  clock,
		pool:   pool,
		format: format,
		logger: logger.Named("video_pump"),
	}
}

// Run pumps until ctx is done, the source ends or the stream is closed.
func (p *VideoPump) Run(ctx context.Context) error {
	if err := p.out.SetFormat(p.format); err != nil {
		return fmt.Errorf("announce video format: %w", err)
	}
	p.notify.FrameAvailableSoon()

	stop := context.AfterFunc(ctx, func() { _ = p.src.Close() })
	defer stop()

	for {
		buf, release, err := p.src.Read()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read encoded video: %w", err)
		}

		data, put := p.pool.Copy(buf.Data)
		if release != nil {
			release()
		}
		if len(data) == 0 {
			put()
			continue
		}

		var flags encoder.Flags
		if encoder.IsVP8Keyframe(data) {
			flags = encoder.FlagSync
			p.keyframes.Add(1)
		}
		pkt := encoder.Packet{Data: data, Flags: flags, PTS: p.clock.NowUs()}
		if err := p.out.Push(pkt, put); err != nil {
			put()
			if errors.Is(err, encoder.ErrClosed) {
				return nil
			}
			return err
		}
		p.frames.Add(1)
		p.bytes.Add(uint64(len(data)))
		p.notify.FrameAvailableSoon()
	}
}

func (p *VideoPump) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"frames":    p.frames.Load(),
		"keyframes": p.keyframes.Load(),
		"bytes":     p.bytes.Load(),
		"pool":      p.pool.Metrics(),
	}
}
