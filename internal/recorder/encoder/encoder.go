// encoder/encoder.go
package encoder

import (
	"errors"
	"fmt"
	"time"
)

// Flags describe a single encoded access unit.
type Flags uint32

const (
	// FlagSync marks a key frame, a valid place to start decoding.
	FlagSync Flags = 1 << iota
	// FlagCodecConfig marks out-of-band codec setup data, not a media sample.
	FlagCodecConfig
	// FlagEndOfStream marks the last output of an encoder.
	FlagEndOfStream
)

func (f Flags) IsSync() bool        { return f&FlagSync != 0 }
func (f Flags) IsCodecConfig() bool { return f&FlagCodecConfig != 0 }
func (f Flags) IsEndOfStream() bool { return f&FlagEndOfStream != 0 }

// Kind identifies which track an encoder feeds.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Codec names carried in Format.
const (
	CodecVP8  = "vp8"
	CodecOpus = "opus"
)

// Format is the negotiated output format of an encoder. It is what a
// container needs to create a track.
type Format struct {
	Kind      Kind
	Codec     string
	Bitrate   int
	Width     int
	Height    int
	FrameRate int

	SampleRate int
	Channels   int

	// CodecPrivate is optional codec setup data (e.g. an OpusHead).
	CodecPrivate []byte
}

// Packet is one encoded access unit. PTS is in microseconds.
type Packet struct {
	Data  []byte
	Flags Flags
	PTS   int64
}

// OutputType says what a dequeued Output carries.
type OutputType int

const (
	OutputPacket OutputType = iota
	OutputFormatChanged
	OutputBuffersChanged
)

// Output is one event from an encoder's output queue. Packet data is owned by
// the encoder until Release is called.
type Output struct {
	Type   OutputType
	Format Format
	Packet Packet

	release func()
}

// NewPacketOutput wraps an encoded packet; release may be nil.
func NewPacketOutput(p Packet, release func()) *Output {
	return &Output{Type: OutputPacket, Packet: p, release: release}
}

// Release hands the packet buffer back to the encoder. Safe to call twice.
func (o *Output) Release() {
	if o == nil || o.release == nil {
		return
	}
	r := o.release
	o.release = nil
	r()
}

var (
	// ErrTryAgain is returned by Dequeue/Queue when nothing is ready within the timeout.
	ErrTryAgain = errors.New("encoder: try again later")
	// ErrClosed is returned once the encoder has been closed.
	ErrClosed = errors.New("encoder: closed")
)

// Encoder is the output side of a hardware or software encoder session.
type Encoder interface {
	// Dequeue waits up to timeout for the next output. A zero timeout polls.
	Dequeue(timeout time.Duration) (*Output, error)
	Close() error
}

// AudioEncoder is an Encoder that is fed PCM by its owner.
type AudioEncoder interface {
	Encoder
	// Queue submits one frame of interleaved S16LE PCM captured at ptsUs.
	// pcm is only valid for the duration of the call.
	Queue(pcm []byte, ptsUs int64, timeout time.Duration) error
}

// EncoderConfig contains encoding parameters
type EncoderConfig struct {
	Width            int
	Height           int
	FrameRate        int
	Bitrate          int
	KeyframeInterval time.Duration
	SampleRate       int
	Channels         int
	SamplesPerFrame  int
}

// Error codes carried by EncoderError.
const (
	CodeUnexpectedStatus = iota + 1
	CodeMissingBuffer
	CodeUnsupportedFormat
)

// Error types for better error handling
type EncoderError struct {
	Code    int
	Message string
	Fatal   bool
}

func (e *EncoderError) Error() string {
	return fmt.Sprintf("encoder error %d: %s (fatal: %v)", e.Code, e.Message, e.Fatal)
}

// IsFatal reports whether err is an EncoderError that must end the session.
func IsFatal(err error) bool {
	var ee *EncoderError
	return errors.As(err, &ee) && ee.Fatal
}

// IsVP8Keyframe inspects the VP8 frame tag (RFC 6386 section 9.1).
func IsVP8Keyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}
