package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "precam.yaml")
	yml := `
service:
  output_dir: ` + filepath.Join(dir, "clips") + `
video:
  width: 640
  height: 480
  keyframe_interval: 2s
buffer:
  pre_record_seconds: 9
container:
  format: webm
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PRECAM_VIDEO_FRAME_RATE", "30")
	t.Setenv("PRECAM_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Video.Width != 640 || cfg.Video.Height != 480 {
		t.Fatalf("yaml dimensions not applied: %dx%d", cfg.Video.Width, cfg.Video.Height)
	}
	if cfg.Video.KeyframeInterval != 2*time.Second {
		t.Fatalf("keyframe interval = %s, want 2s", cfg.Video.KeyframeInterval)
	}
	if cfg.Video.FrameRate != 30 {
		t.Fatalf("env frame rate not applied: %d", cfg.Video.FrameRate)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("env log level not applied: %q", cfg.Log.Level)
	}
	// untouched defaults survive both layers
	if cfg.Video.Bitrate != 6_000_000 {
		t.Fatalf("default bitrate lost: %d", cfg.Video.Bitrate)
	}
	if cfg.Container.Format != "webm" {
		t.Fatalf("container format = %q", cfg.Container.Format)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestPreRecordSemantics(t *testing.T) {
	tests := []struct {
		name    string
		seconds int
		want    int
		span    time.Duration
		direct  bool
	}{
		{"default", 5, 5, 6 * time.Second, false},
		{"direct record", 0, 0, 0, true},
		{"negative clamps to direct", -4, 0, 0, true},
		{"upper clamp", 1000, MaxPreRecordSeconds, 301 * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Buffer.PreRecordSeconds = tt.seconds
			cfg.Normalize()
			if cfg.Buffer.PreRecordSeconds != tt.want {
				t.Fatalf("seconds = %d, want %d", cfg.Buffer.PreRecordSeconds, tt.want)
			}
			if cfg.BufferSpan() != tt.span {
				t.Fatalf("span = %s, want %s", cfg.BufferSpan(), tt.span)
			}
			if cfg.DirectRecord() != tt.direct {
				t.Fatalf("direct = %v, want %v", cfg.DirectRecord(), tt.direct)
			}
		})
	}
}

func TestRingSizing(t *testing.T) {
	cfg := Default()
	// 5s pre-record -> 6s span
	if got, want := cfg.VideoRingBytes(), 6_000_000/8*6; got != want {
		t.Fatalf("video ring bytes = %d, want %d", got, want)
	}
	if got, want := cfg.VideoRingChunks(), 25*6*2; got != want {
		t.Fatalf("video ring chunks = %d, want %d", got, want)
	}
	if got, want := cfg.AudioRingChunks(), 50*6*2; got != want {
		t.Fatalf("audio ring chunks = %d, want %d", got, want)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"bad sample rate", func(c *Config) { c.Audio.SampleRate = 44100 }, "sample rate"},
		{"bad container", func(c *Config) { c.Container.Format = "avi" }, "container format"},
		{"span shorter than gop", func(c *Config) {
			c.Buffer.PreRecordSeconds = 1
			c.Video.KeyframeInterval = 5 * time.Second
		}, "keyframe interval"},
		{"storage needs endpoint", func(c *Config) { c.Storage.Enabled = true }, "minio.endpoint"},
		{"bad dimensions", func(c *Config) { c.Video.Width = 0 }, "dimensions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Service.OutputDir = t.TempDir()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestClipPath(t *testing.T) {
	cfg := Default()
	cfg.Service.OutputDir = "/data"
	ts := time.Date(2024, 3, 9, 17, 4, 5, 0, time.UTC)
	if got, want := cfg.ClipPath(ts), "/data/VID_20240309_170405.mp4"; got != want {
		t.Fatalf("ClipPath = %q, want %q", got, want)
	}
}
