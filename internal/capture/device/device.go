// Package device opens the camera and microphone through pion/mediadevices
// and builds the VP8 and Opus codecs the recorder writes.
package device

import (
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera adapters
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone adapters

	"github.com/mikeyg42/precam/internal/capture"
	"github.com/mikeyg42/precam/internal/recorder/config"
	"github.com/mikeyg42/precam/internal/recorder/encoder"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

// Info describes one capture device.
type Info struct {
	DeviceID string `json:"device_id"`
	Label    string `json:"label"`
	Kind     string `json:"kind"`
}

// List enumerates cameras and microphones.
func List() []Info {
	var out []Info
	for _, d := range mediadevices.EnumerateDevices() {
		var kind string
		switch d.Kind {
		case mediadevices.VideoInput:
			kind = "video"
		case mediadevices.AudioInput:
			kind = "audio"
		default:
			continue
		}
		out = append(out, Info{DeviceID: d.DeviceID, Label: d.Label, Kind: kind})
	}
	return out
}

// Devices holds the open media stream and what the recorder needs from it.
type Devices struct {
	stream mediadevices.MediaStream
	video  mediadevices.Track
	audio  *mediadevices.AudioTrack
	opus   *opus.Params
	logger recorderlog.Logger
}

// Open starts capture with the configured devices and codecs.
func Open(cfg *config.Config, logger recorderlog.Logger) (*Devices, error) {
	if logger == nil {
		logger = recorderlog.L()
	}
	logger = logger.Named("device")

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("create VP8 params: %w", err)
	}
	vpxParams.BitRate = cfg.Video.Bitrate
	vpxParams.KeyFrameInterval = keyframeFrames(cfg.Video)
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = time.Second / time.Duration(cfg.Video.FrameRate)

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("create Opus params: %w", err)
	}
	opusParams.BitRate = cfg.Audio.Bitrate
	opusParams.Latency = opus.Latency20ms

	selector := mediadevices.NewCodecSelector(mediadevices.WithVideoEncoders(&vpxParams))

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if cfg.Video.DeviceID != "" {
				c.DeviceID = prop.String(cfg.Video.DeviceID)
			}
			c.Width = prop.Int(cfg.Video.Width)
			c.Height = prop.Int(cfg.Video.Height)
			c.FrameRate = prop.Float(float32(cfg.Video.FrameRate))
			c.FrameFormat = prop.FrameFormat(frame.FormatI420)
		},
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if cfg.Audio.DeviceID != "" {
				c.DeviceID = prop.String(cfg.Audio.DeviceID)
			}
			c.SampleRate = prop.Int(cfg.Audio.SampleRate)
			c.ChannelCount = prop.Int(cfg.Audio.Channels)
			c.SampleSize = prop.Int(16)
			c.IsFloat = prop.BoolExact(false)
			c.IsBigEndian = prop.BoolExact(false)
			c.IsInterleaved = prop.BoolExact(true)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	d := &Devices{stream: stream, opus: &opusParams, logger: logger}
	videoTracks := stream.GetVideoTracks()
	audioTracks := stream.GetAudioTracks()
	if len(videoTracks) == 0 || len(audioTracks) == 0 {
		d.Close()
		return nil, fmt.Errorf("need one video and one audio track, got %d and %d", len(videoTracks), len(audioTracks))
	}
	d.video = videoTracks[0]
	at, ok := audioTracks[0].(*mediadevices.AudioTrack)
	if !ok {
		d.Close()
		return nil, fmt.Errorf("audio track is %T, not *mediadevices.AudioTrack", audioTracks[0])
	}
	d.audio = at

	logger.Info("capture devices opened",
		recorderlog.String("video_track", d.video.ID()),
		recorderlog.String("audio_track", d.audio.ID()),
		recorderlog.Int("bitrate", vpxParams.BitRate),
		recorderlog.Int("keyframe_interval", int(vpxParams.KeyFrameInterval)))
	return d, nil
}

// VideoSource returns the VP8 encoded reader of the camera track.
func (d *Devices) VideoSource() (capture.EncodedSource, error) {
	r, err := d.video.NewEncodedReader(webrtc.MimeTypeVP8)
	if err != nil {
		return nil, fmt.Errorf("open VP8 reader: %w", err)
	}
	return r, nil
}

// Microphone returns the raw PCM reader of the audio track.
func (d *Devices) Microphone() *capture.Microphone {
	return capture.NewMicrophone(d.audio.NewReader(false), d.audio.Close)
}

// AudioEncoder builds an Opus encoder fed by the recorder's audio loop.
func (d *Devices) AudioEncoder(cfg config.AudioConfig) (*capture.OpusEncoder, error) {
	return capture.NewOpusEncoder(d.opus, encoder.EncoderConfig{
		SampleRate:      cfg.SampleRate,
		Channels:        cfg.Channels,
		SamplesPerFrame: cfg.SamplesPerFrame,
		Bitrate:         cfg.Bitrate,
	}, d.logger)
}

// Close stops every track of the stream.
func (d *Devices) Close() {
	for _, t := range d.stream.GetTracks() {
		if err := t.Close(); err != nil {
			d.logger.Warn("close track", recorderlog.String("track", t.ID()), recorderlog.Error(err))
		}
	}
}

func keyframeFrames(v config.VideoConfig) int {
	n := int(v.KeyframeInterval.Seconds() * float64(v.FrameRate))
	if n < 1 {
		n = v.FrameRate
	}
	return n
}
