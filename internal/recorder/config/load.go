package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is prepended to every environment override, e.g. PRECAM_VIDEO_WIDTH.
	EnvPrefix = "PRECAM"

	// MaxPreRecordSeconds caps the circular buffer span.
	MaxPreRecordSeconds = 300
)

// Load reads the YAML file at path (optional) on top of the defaults and then
// applies PRECAM_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.Normalize()
	return cfg, nil
}

// Normalize clamps values that have a well defined legal range.
func (c *Config) Normalize() {
	if c.Buffer.PreRecordSeconds < 0 {
		c.Buffer.PreRecordSeconds = 0
	}
	if c.Buffer.PreRecordSeconds > MaxPreRecordSeconds {
		c.Buffer.PreRecordSeconds = MaxPreRecordSeconds
	}
	if c.Container.Format == "" {
		c.Container.Format = "mp4"
	}
}

// Validate checks the configuration and prepares the output directory.
func (c *Config) Validate() error {
	if c.Service.OutputDir == "" {
		return errors.New("service.output_dir is required")
	}
	if err := os.MkdirAll(c.Service.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", c.Service.OutputDir, err)
	}

	if c.Video.Width <= 0 || c.Video.Height <= 0 {
		return fmt.Errorf("invalid video dimensions: %dx%d", c.Video.Width, c.Video.Height)
	}
	if c.Video.FrameRate <= 0 {
		return fmt.Errorf("invalid frame rate: %d", c.Video.FrameRate)
	}
	if c.Video.Bitrate <= 0 {
		return fmt.Errorf("invalid video bitrate: %d", c.Video.Bitrate)
	}
	if c.Video.KeyframeInterval <= 0 {
		return fmt.Errorf("video.keyframe_interval must be positive")
	}

	switch c.Audio.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("unsupported audio sample rate %d (opus needs 8/12/16/24/48 kHz)", c.Audio.SampleRate)
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return fmt.Errorf("invalid audio channel count: %d", c.Audio.Channels)
	}
	if c.Audio.SamplesPerFrame <= 0 {
		return fmt.Errorf("audio.samples_per_frame must be positive")
	}
	if c.Audio.Bitrate <= 0 {
		return fmt.Errorf("invalid audio bitrate: %d", c.Audio.Bitrate)
	}

	if c.Buffer.PreRecordSeconds < 0 || c.Buffer.PreRecordSeconds > MaxPreRecordSeconds {
		return fmt.Errorf("buffer.pre_record_seconds must be within 0..%d", MaxPreRecordSeconds)
	}
	// The ring has to hold a whole sync-to-sync interval or a save can never
	// find a place to start.
	if !c.DirectRecord() && c.BufferSpan() < c.Video.KeyframeInterval {
		return fmt.Errorf("buffer span %s is shorter than the keyframe interval %s",
			c.BufferSpan(), c.Video.KeyframeInterval)
	}

	switch c.Container.Format {
	case "mp4", "webm":
	default:
		return fmt.Errorf("unsupported container format %q", c.Container.Format)
	}

	if c.Storage.Enabled {
		if c.Storage.MinIO.Endpoint == "" {
			return errors.New("storage.minio.endpoint is required when storage is enabled")
		}
		if c.Storage.MinIO.Bucket == "" {
			return errors.New("storage.minio.bucket is required when storage is enabled")
		}
		if c.Storage.Postgres.Host == "" {
			return errors.New("storage.postgres.host is required for the clip catalog")
		}
		if c.Storage.Postgres.Database == "" {
			return errors.New("storage.postgres.database is required for the clip catalog")
		}
	}

	if c.Control.Enabled && c.Control.ListenAddr == "" {
		return errors.New("control.listen_addr is required when control is enabled")
	}

	return nil
}

// DirectRecord reports whether buffering is disabled.
func (c *Config) DirectRecord() bool {
	return c.Buffer.PreRecordSeconds <= 0
}

// BufferSpan is the real ring span: one second more than asked for, so that a
// full pre-record window survives the eviction of a partial GOP.
func (c *Config) BufferSpan() time.Duration {
	if c.DirectRecord() {
		return 0
	}
	return time.Duration(c.Buffer.PreRecordSeconds+1) * time.Second
}

func (c *Config) spanSeconds() int {
	return int(c.BufferSpan() / time.Second)
}

// VideoRingBytes sizes the video ring's backing store.
func (c *Config) VideoRingBytes() int {
	return c.Video.Bitrate / 8 * c.spanSeconds()
}

// VideoRingChunks sizes the video ring's metadata arrays.
func (c *Config) VideoRingChunks() int {
	return c.Video.FrameRate * c.spanSeconds() * 2
}

// AudioRingBytes sizes the audio ring's backing store.
func (c *Config) AudioRingBytes() int {
	return c.Audio.Bitrate / 8 * c.spanSeconds()
}

// AudioRingChunks sizes the audio ring's metadata arrays.
func (c *Config) AudioRingChunks() int {
	framesPerSecond := (c.Audio.SampleRate + c.Audio.SamplesPerFrame - 1) / c.Audio.SamplesPerFrame
	return framesPerSecond * c.spanSeconds() * 2
}

// ClipExtension returns the file extension for the configured container.
func (c *Config) ClipExtension() string {
	return "." + c.Container.Format
}

// ClipPath returns the output path for a clip started at t.
func (c *Config) ClipPath(t time.Time) string {
	name := fmt.Sprintf("%s_%s%s", c.Service.ClipPrefix, t.Format("20060102_150405"), c.ClipExtension())
	return filepath.Join(c.Service.OutputDir, name)
}

// DSN returns the PostgreSQL connection string for the clip catalog.
func (c *Config) DSN() string {
	pg := c.Storage.Postgres
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		pg.Host, pg.Port, pg.User, pg.Password, pg.Database, pg.SSLMode)
}
