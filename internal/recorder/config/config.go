// config/config.go
package config

import (
	"time"
)

// Config represents the complete configuration for the pre-record camera service
type Config struct {
	Service   ServiceConfig   `yaml:"service" json:"service" envconfig:"SERVICE"`
	Video     VideoConfig     `yaml:"video" json:"video" envconfig:"VIDEO"`
	Audio     AudioConfig     `yaml:"audio" json:"audio" envconfig:"AUDIO"`
	Buffer    BufferConfig    `yaml:"buffer" json:"buffer" envconfig:"BUFFER"`
	Container ContainerConfig `yaml:"container" json:"container" envconfig:"CONTAINER"`
	Storage   StorageConfig   `yaml:"storage" json:"storage" envconfig:"STORAGE"`
	Control   ControlConfig   `yaml:"control" json:"control" envconfig:"CONTROL"`
	Log       LogConfig       `yaml:"log" json:"log" envconfig:"LOG"`
}

// ServiceConfig contains service-level configuration
type ServiceConfig struct {
	Name       string `yaml:"name" json:"name" envconfig:"NAME"`
	OutputDir  string `yaml:"output_dir" json:"output_dir" envconfig:"OUTPUT_DIR"`
	ClipPrefix string `yaml:"clip_prefix" json:"clip_prefix" envconfig:"CLIP_PREFIX"`

	// Graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`

	// How often encoder/buffer metrics are logged
	MetricsInterval time.Duration `yaml:"metrics_interval" json:"metrics_interval" envconfig:"METRICS_INTERVAL"`
}

// VideoConfig contains camera and video encoder settings
type VideoConfig struct {
	DeviceID         string        `yaml:"device_id" json:"device_id" envconfig:"DEVICE_ID"`
	Width            int           `yaml:"width" json:"width" envconfig:"WIDTH"`
	Height           int           `yaml:"height" json:"height" envconfig:"HEIGHT"`
	FrameRate        int           `yaml:"frame_rate" json:"frame_rate" envconfig:"FRAME_RATE"`
	Bitrate          int           `yaml:"bitrate" json:"bitrate" envconfig:"BITRATE"`
	KeyframeInterval time.Duration `yaml:"keyframe_interval" json:"keyframe_interval" envconfig:"KEYFRAME_INTERVAL"`
}

// AudioConfig contains microphone and audio encoder settings
type AudioConfig struct {
	DeviceID        string `yaml:"device_id" json:"device_id" envconfig:"DEVICE_ID"`
	SampleRate      int    `yaml:"sample_rate" json:"sample_rate" envconfig:"SAMPLE_RATE"`
	Channels        int    `yaml:"channels" json:"channels" envconfig:"CHANNELS"`
	SamplesPerFrame int    `yaml:"samples_per_frame" json:"samples_per_frame" envconfig:"SAMPLES_PER_FRAME"`
	Bitrate         int    `yaml:"bitrate" json:"bitrate" envconfig:"BITRATE"`
}

// BufferConfig controls the circular pre-record buffer
type BufferConfig struct {
	// PreRecordSeconds is how much history is kept before a save starts.
	// 0 disables buffering entirely (direct record).
	PreRecordSeconds int `yaml:"pre_record_seconds" json:"pre_record_seconds" envconfig:"PRE_RECORD_SECONDS"`
}

// ContainerConfig selects the output file format
type ContainerConfig struct {
	Format string `yaml:"format" json:"format" envconfig:"FORMAT"` // mp4, webm
}

// StorageConfig contains archive configuration for finished clips
type StorageConfig struct {
	Enabled     bool           `yaml:"enabled" json:"enabled" envconfig:"ENABLED"`
	DeleteLocal bool           `yaml:"delete_local" json:"delete_local" envconfig:"DELETE_LOCAL"`
	MinIO       MinIOConfig    `yaml:"minio" json:"minio" envconfig:"MINIO"`
	Postgres    PostgresConfig `yaml:"postgres" json:"postgres" envconfig:"POSTGRES"`
}

// MinIOConfig contains MinIO/S3 settings
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint" envconfig:"ENDPOINT"`
	AccessKey string `yaml:"access_key" json:"access_key" envconfig:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" json:"-" envconfig:"SECRET_KEY"`
	Bucket    string `yaml:"bucket" json:"bucket" envconfig:"BUCKET"`
	Region    string `yaml:"region" json:"region" envconfig:"REGION"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl" envconfig:"USE_SSL"`
	Prefix    string `yaml:"prefix" json:"prefix" envconfig:"KEY_PREFIX"`

	// Lifetime of the download links handed to control clients
	URLExpiry time.Duration `yaml:"url_expiry" json:"url_expiry" envconfig:"URL_EXPIRY"`

	// Retry
	MaxRetries   int           `yaml:"max_retries" json:"max_retries" envconfig:"MAX_RETRIES"`
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff" envconfig:"RETRY_BACKOFF"`
}

// PostgresConfig contains the clip catalog database settings
type PostgresConfig struct {
	Host     string `yaml:"host" json:"host" envconfig:"DB_HOST"`
	Port     int    `yaml:"port" json:"port" envconfig:"DB_PORT"`
	User     string `yaml:"user" json:"user" envconfig:"DB_USER"`
	Password string `yaml:"password" json:"-" envconfig:"DB_PASSWORD"`
	Database string `yaml:"database" json:"database" envconfig:"DB_NAME"`
	SSLMode  string `yaml:"ssl_mode" json:"ssl_mode" envconfig:"DB_SSL_MODE"`

	// Connection pool
	MaxConnections  int           `yaml:"max_connections" json:"max_connections" envconfig:"DB_MAX_CONNECTIONS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" envconfig:"DB_CONN_MAX_LIFETIME"`
}

// ControlConfig contains the JSON-RPC control surface settings
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled" envconfig:"ENABLED"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" envconfig:"LISTEN_ADDR"`
	Path       string `yaml:"path" json:"path" envconfig:"RPC_PATH"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level       string   `yaml:"level" json:"level" envconfig:"LEVEL"`
	Format      string   `yaml:"format" json:"format" envconfig:"FORMAT"` // json, console
	OutputPaths []string `yaml:"output_paths" json:"output_paths" envconfig:"OUTPUT_PATHS"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "precam",
			OutputDir:       "recordings",
			ClipPrefix:      "VID",
			ShutdownTimeout: 30 * time.Second,
			MetricsInterval: 30 * time.Second,
		},
		Video: VideoConfig{
			Width:            1280,
			Height:           720,
			FrameRate:        25,
			Bitrate:          6_000_000,
			KeyframeInterval: time.Second,
		},
		Audio: AudioConfig{
			SampleRate:      48000,
			Channels:        1,
			SamplesPerFrame: 960,
			Bitrate:         128_000,
		},
		Buffer: BufferConfig{
			PreRecordSeconds: 5,
		},
		Container: ContainerConfig{
			Format: "mp4",
		},
		Storage: StorageConfig{
			MinIO: MinIOConfig{
				Bucket:       "clips",
				Region:       "us-east-1",
				MaxRetries:   3,
				RetryBackoff: time.Second,
				URLExpiry:    time.Hour,
			},
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				User:            "precam",
				Database:        "precam",
				SSLMode:         "disable",
				MaxConnections:  10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 30 * time.Minute,
			},
		},
		Control: ControlConfig{
			Enabled:    true,
			ListenAddr: ":8089",
			Path:       "/rpc",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
