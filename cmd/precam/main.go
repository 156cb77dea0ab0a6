package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/mikeyg42/precam/internal/capture"
	"github.com/mikeyg42/precam/internal/capture/device"
	"github.com/mikeyg42/precam/internal/control"
	"github.com/mikeyg42/precam/internal/recorder"
	"github.com/mikeyg42/precam/internal/recorder/buffer"
	"github.com/mikeyg42/precam/internal/recorder/circular"
	"github.com/mikeyg42/precam/internal/recorder/config"
	"github.com/mikeyg42/precam/internal/recorder/container"
	"github.com/mikeyg42/precam/internal/recorder/encoder"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
	"github.com/mikeyg42/precam/internal/recorder/storage"
)

// Application holds every long-lived component.
type Application struct {
	cfg    *config.Config
	logger recorderlog.Logger

	devices  *device.Devices
	pump     *capture.VideoPump
	service  *recorder.Service
	archiver *storage.Archiver
	catalog  *storage.PostgresClipStore
	control  *control.Server
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	listDevices := flag.Bool("list-devices", false, "print capture devices and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := recorderlog.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	recorderlog.ReplaceGlobal(logger)
	defer logger.Sync()

	if *listDevices {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(device.List())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", recorderlog.Error(err))
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		logger.Error("exited with error", recorderlog.Error(err))
		os.Exit(1)
	}
}

// NewApplication opens the devices and wires capture, the recorder, storage
// and the control server together.
func NewApplication(ctx context.Context, cfg *config.Config, logger recorderlog.Logger) (_ *Application, err error) {
	app := &Application{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.cleanup()
		}
	}()

	app.devices, err = device.Open(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open devices: %w", err)
	}
	src, err := app.devices.VideoSource()
	if err != nil {
		return nil, err
	}
	audioEnc, err := app.devices.AudioEncoder(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio encoder: %w", err)
	}
	mic := app.devices.Microphone()

	// the video stream is both the pump's output and the controller's encoder
	videoOut := encoder.NewStream(encoder.KindVideo, cfg.Video.FrameRate*2)
	clock := circular.NewMonotonicClock()

	var ctrl *circular.Controller
	app.service, err = recorder.NewService(cfg, func(sink circular.Sink, o circular.OrientationProvider) (recorder.Controller, error) {
		c, err := circular.New(circular.ConfigFrom(cfg), videoOut, audioEnc, mic,
			circular.WithSink(sink),
			circular.WithOrientation(o),
			circular.WithClock(clock),
			circular.WithLogger(logger.Named("circular")),
			circular.WithMuxerFactory(container.NewFactory(cfg.Container.Format, logger)),
		)
		if err != nil {
			return nil, err
		}
		ctrl = c
		return c, nil
	}, logger)
	if err != nil {
		_ = audioEnc.Close()
		_ = mic.Close()
		return nil, err
	}

	app.pump = capture.NewVideoPump(src, videoOut, ctrl, clock,
		buffer.NewPacketPool(cfg.Video.Bitrate/8),
		encoder.Format{
			Codec:     encoder.CodecVP8,
			Bitrate:   cfg.Video.Bitrate,
			Width:     cfg.Video.Width,
			Height:    cfg.Video.Height,
			FrameRate: cfg.Video.FrameRate,
		}, logger)
	app.service.AddMetrics("video_pump", app.pump.Metrics)
	app.service.AddMetrics("opus", audioEnc.Metrics)

	var (
		store   *storage.MinIOStore
		library *storage.Library
	)
	if cfg.Storage.Enabled {
		store, err = storage.NewMinIOStore(ctx, cfg.Storage.MinIO, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create object store: %w", err)
		}
		app.catalog, err = storage.NewPostgresClipStore(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create clip catalog: %w", err)
		}
		app.archiver = storage.NewArchiver(store, app.catalog, storage.ArchiverConfig{
			Prefix:      cfg.Storage.MinIO.Prefix,
			DeleteLocal: cfg.Storage.DeleteLocal,
		}, logger)
		app.service.Subscribe(app.archiver)
		app.service.AddMetrics("archiver", app.archiver.Metrics)
		app.service.AddMetrics("minio", store.Metrics)
		library = storage.NewLibrary(store, app.catalog, cfg.Storage.MinIO.URLExpiry, logger)
	}

	if cfg.Control.Enabled {
		app.control = control.NewServer(app.service, cfg.Control, logger)
		app.service.Subscribe(app.control)
		if library != nil {
			app.control.SetArchive(library)
			app.control.AddHealthCheck("minio", store.HealthCheck)
			app.control.AddHealthCheck("postgres", app.catalog.HealthCheck)
		}
	}

	logger.Info("recorder ready",
		recorderlog.Duration("buffer_span", cfg.BufferSpan()),
		recorderlog.String("container", cfg.Container.Format),
		recorderlog.Bool("storage", cfg.Storage.Enabled),
		recorderlog.Bool("control", cfg.Control.Enabled))
	return app, nil
}

// Run serves until ctx is done or a component fails, then finishes any save
// in progress and drains the archive queue.
func (app *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.pump.Run(gctx) })
	g.Go(func() error { return app.service.Run(gctx) })
	if app.control != nil {
		g.Go(func() error { return app.control.ListenAndServe(gctx) })
	}

	// uploads outlive the signal so the last clip still gets archived
	archCtx, archCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer archCancel()
	archDone := make(chan error, 1)
	if app.archiver != nil {
		go func() { archDone <- app.archiver.Run(archCtx) }()
	} else {
		archDone <- nil
	}

	<-gctx.Done()
	app.logger.Info("shutting down")

	closeErr := app.service.Close()
	if app.archiver != nil {
		app.archiver.Close()
	}
	select {
	case <-archDone:
	case <-time.After(app.cfg.Service.ShutdownTimeout):
		app.logger.Warn("archive did not drain before shutdown timeout")
		archCancel()
		<-archDone
	}

	err := g.Wait()
	app.cleanup()
	if err == nil || errors.Is(err, context.Canceled) {
		err = closeErr
	}
	return err
}

func (app *Application) cleanup() {
	if app.service != nil {
		if err := app.service.Close(); err != nil {
			app.logger.Warn("close recorder", recorderlog.Error(err))
		}
	}
	if app.devices != nil {
		app.devices.Close()
	}
	if app.catalog != nil {
		if err := app.catalog.Close(); err != nil {
			app.logger.Warn("close catalog", recorderlog.Error(err))
		}
	}
}
