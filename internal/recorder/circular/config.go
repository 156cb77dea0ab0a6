package circular

import (
	"fmt"
	"time"

	"github.com/mikeyg42/precam/internal/recorder/config"
)

// Config sizes the ring buffers and the audio loop. A zero BufferSpan means
// direct record: no rings, StateIdle until a save opens the container.
type Config struct {
	BufferSpan time.Duration

	VideoRingBytes  int
	VideoRingChunks int
	AudioRingBytes  int
	AudioRingChunks int

	SampleRate      int
	Channels        int
	SamplesPerFrame int

	// StatusEvery is the number of video packets between BufferStatus events.
	StatusEvery int
}

// ConfigFrom derives the controller configuration from the service config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		BufferSpan:      cfg.BufferSpan(),
		VideoRingBytes:  cfg.VideoRingBytes(),
		VideoRingChunks: cfg.VideoRingChunks(),
		AudioRingBytes:  cfg.AudioRingBytes(),
		AudioRingChunks: cfg.AudioRingChunks(),
		SampleRate:      cfg.Audio.SampleRate,
		Channels:        cfg.Audio.Channels,
		SamplesPerFrame: cfg.Audio.SamplesPerFrame,
		StatusEvery:     10,
	}
}

func (c Config) buffered() bool { return c.BufferSpan > 0 }

func (c *Config) validate() error {
	if c.SamplesPerFrame <= 0 || c.Channels <= 0 {
		return fmt.Errorf("invalid audio frame: %d samples x %d channels", c.SamplesPerFrame, c.Channels)
	}
	if c.StatusEvery <= 0 {
		c.StatusEvery = 10
	}
	if !c.buffered() {
		return nil
	}
	if c.VideoRingBytes <= 0 || c.VideoRingChunks < 2 || c.AudioRingBytes <= 0 || c.AudioRingChunks < 2 {
		return fmt.Errorf("invalid ring sizes: video %d bytes/%d chunks, audio %d bytes/%d chunks",
			c.VideoRingBytes, c.VideoRingChunks, c.AudioRingBytes, c.AudioRingChunks)
	}
	return nil
}

// pcmFrameBytes is the size of one interleaved S16LE microphone read.
func (c Config) pcmFrameBytes() int {
	return c.SamplesPerFrame * c.Channels * 2
}
