package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"

	"github.com/mikeyg42/precam/internal/recorder/buffer"
	"github.com/mikeyg42/precam/internal/recorder/encoder"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

type fakeSource struct {
	frames chan []byte
	once   sync.Once
	done   chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (s *fakeSource) Read() (mediadevices.EncodedBuffer, func(), error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return mediadevices.EncodedBuffer{}, nil, io.EOF
		}
		return mediadevices.EncodedBuffer{Data: f}, func() { clear(f) }, nil
	case <-s.done:
		return mediadevices.EncodedBuffer{}, nil, errors.New("source closed")
	}
}

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type countingNotifier struct{ n atomic.Int64 }

func (c *countingNotifier) FrameAvailableSoon() { c.n.Add(1) }

type stepClock struct{ now atomic.Int64 }

func (c *stepClock) NowUs() int64 { return c.now.Add(1000) }

func TestVideoPump(t *testing.T) {
	src := newFakeSource()
	out := encoder.NewStream(encoder.KindVideo, 16)
	notify := &countingNotifier{}
	pump := NewVideoPump(src, out, notify, &stepClock{}, buffer.NewPacketPool(1<<16),
		encoder.Format{Codec: encoder.CodecVP8, Width: 640, Height: 480}, recorderlog.Nop())

	src.frames <- []byte{0x10, 0x02, 0x00} // key frame: low bit of the tag clear
	src.frames <- []byte{0x11, 0x02, 0x00}
	src.frames <- nil
	close(src.frames)

	if err := pump.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	o, err := out.Dequeue(0)
	if err != nil || o.Type != encoder.OutputFormatChanged || o.Format.Kind != encoder.KindVideo || o.Format.Width != 640 {
		t.Fatalf("first output = %+v, %v; want video format", o, err)
	}

	want := []struct {
		data []byte
		sync bool
	}{
		{[]byte{0x10, 0x02, 0x00}, true},
		{[]byte{0x11, 0x02, 0x00}, false},
	}
	var lastPTS int64
	for i, w := range want {
		o, err := out.Dequeue(0)
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if string(o.Packet.Data) != string(w.data) {
			t.Fatalf("packet %d data = %x, want %x (source buffer must be copied)", i, o.Packet.Data, w.data)
		}
		if o.Packet.Flags.IsSync() != w.sync {
			t.Fatalf("packet %d sync = %v, want %v", i, o.Packet.Flags.IsSync(), w.sync)
		}
		if o.Packet.PTS <= lastPTS {
			t.Fatalf("packet %d pts %d not increasing", i, o.Packet.PTS)
		}
		lastPTS = o.Packet.PTS
		o.Release()
	}
	if _, err := out.Dequeue(0); !errors.Is(err, encoder.ErrTryAgain) {
		t.Fatalf("empty frame should be skipped, got %v", err)
	}
	if got := notify.n.Load(); got != 3 {
		t.Fatalf("notifications = %d, want 3", got)
	}
	if got := pump.Metrics()["keyframes"].(uint64); got != 1 {
		t.Fatalf("keyframes = %d, want 1", got)
	}
}

func TestVideoPumpStopsOnContext(t *testing.T) {
	src := newFakeSource()
	out := encoder.NewStream(encoder.KindVideo, 4)
	pump := NewVideoPump(src, out, &countingNotifier{}, &stepClock{}, nil, encoder.Format{Codec: encoder.CodecVP8}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- pump.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop")
	}
}

func TestMicrophoneConvertsChunks(t *testing.T) {
	chunks := []wave.Audio{
		&wave.Int16Interleaved{Data: []int16{1, -2, 300}, Size: wave.ChunkInfo{Len: 3, Channels: 1, SamplingRate: 48000}},
		&wave.Float32Interleaved{Data: []float32{1, -1, 2}, Size: wave.ChunkInfo{Len: 3, Channels: 1, SamplingRate: 48000}},
	}
	i := 0
	src := audio.ReaderFunc(func() (wave.Audio, func(), error) {
		if i >= len(chunks) {
			return nil, nil, io.EOF
		}
		c := chunks[i]
		i++
		return c, nil, nil
	})
	closed := 0
	mic := NewMicrophone(src, func() error { closed++; return nil })

	buf := make([]byte, 4)
	n, err := io.ReadFull(mic, buf)
	if err != nil || n != 4 {
		t.Fatalf("ReadFull = %d, %v", n, err)
	}
	if got := []int16{int16(binary.LittleEndian.Uint16(buf)), int16(binary.LittleEndian.Uint16(buf[2:]))}; got[0] != 1 || got[1] != -2 {
		t.Fatalf("samples = %v, want [1 -2]", got)
	}

	rest := make([]byte, 8)
	if _, err := io.ReadFull(mic, rest); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	wantRest := []int16{300, 32767, -32767, 32767}
	for k, w := range wantRest {
		if got := int16(binary.LittleEndian.Uint16(rest[2*k:])); got != w {
			t.Fatalf("sample %d = %d, want %d", k, got, w)
		}
	}

	if err := mic.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = mic.Close()
	if closed != 1 {
		t.Fatalf("close func ran %d times, want 1", closed)
	}
	if _, err := mic.Read(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("Read after Close = %v, want EOF", err)
	}
}

// echoCodec "encodes" each PCM chunk into its first two bytes plus the channel count.
type echoCodec struct {
	r audio.Reader
}

func (c *echoCodec) Read() ([]byte, func(), error) {
	chunk, _, err := c.r.Read()
	if err != nil {
		return nil, nil, err
	}
	pcm := chunk.(*wave.Int16Interleaved)
	return []byte{byte(pcm.Data[0]), byte(pcm.Size.Channels)}, nil, nil
}

func (c *echoCodec) Close() error                           { return nil }
func (c *echoCodec) Controller() codec.EncoderController { return nil }

type echoBuilder struct{ media prop.Media }

func (b *echoBuilder) RTPCodec() *codec.RTPCodec { return nil }

func (b *echoBuilder) BuildAudioEncoder(r audio.Reader, p prop.Media) (codec.ReadCloser, error) {
	b.media = p
	return &echoCodec{r: r}, nil
}

func pcmFrameBytes(first int16, samples int) []byte {
	b := make([]byte, samples*2)
	binary.LittleEndian.PutUint16(b, uint16(first))
	return b
}

func TestOpusEncoder(t *testing.T) {
	builder := &echoBuilder{}
	enc, err := NewOpusEncoder(builder, encoder.EncoderConfig{SampleRate: 48000, Channels: 1, SamplesPerFrame: 960, Bitrate: 64000}, recorderlog.Nop())
	if err != nil {
		t.Fatalf("NewOpusEncoder: %v", err)
	}
	defer enc.Close()

	if builder.media.SampleRate != 48000 || builder.media.ChannelCount != 1 || builder.media.Latency != 20*time.Millisecond {
		t.Fatalf("codec built with %+v", builder.media.Audio)
	}

	o, err := enc.Dequeue(time.Second)
	if err != nil || o.Type != encoder.OutputFormatChanged || o.Format.Codec != encoder.CodecOpus || o.Format.SampleRate != 48000 {
		t.Fatalf("first output = %+v, %v; want opus format", o, err)
	}

	for i := 1; i <= 3; i++ {
		if err := enc.Queue(pcmFrameBytes(int16(i), 960), int64(i)*20_000, time.Second); err != nil {
			t.Fatalf("Queue %d: %v", i, err)
		}
	}
	for i := 1; i <= 3; i++ {
		o, err := enc.Dequeue(time.Second)
		if err != nil {
			t.Fatalf("Dequeue %d: %v", i, err)
		}
		if o.Type != encoder.OutputPacket || o.Packet.Data[0] != byte(i) || !o.Packet.Flags.IsSync() {
			t.Fatalf("packet %d = %+v", i, o.Packet)
		}
		if o.Packet.PTS != int64(i)*20_000 {
			t.Fatalf("packet %d pts = %d, want %d", i, o.Packet.PTS, i*20_000)
		}
		o.Release()
	}

	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := enc.Queue(pcmFrameBytes(0, 960), 0, 0); !errors.Is(err, encoder.ErrClosed) {
		t.Fatalf("Queue after Close = %v, want ErrClosed", err)
	}
}

func TestOpusEncoderRejectsBadLayout(t *testing.T) {
	_, err := NewOpusEncoder(&echoBuilder{}, encoder.EncoderConfig{SampleRate: 48000}, nil)
	if !encoder.IsFatal(err) {
		t.Fatalf("err = %v, want fatal EncoderError", err)
	}
}
