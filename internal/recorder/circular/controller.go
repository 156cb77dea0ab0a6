// Package circular keeps the last few seconds of encoded audio and video in
// memory and, on request, writes that history followed by live media into a
// container file.
package circular

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/mikeyg42/precam/internal/recorder/container"
	"github.com/mikeyg42/precam/internal/recorder/encoder"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

var (
	ErrAlreadySaving = errors.New("circular: already saving")
	ErrNotSaving     = errors.New("circular: not saving")
	ErrShutdown      = errors.New("circular: controller shut down")
	ErrEmptyPath     = errors.New("circular: empty output path")
)

// Option configures a Controller.
type Option func(*Controller)

// WithSink sets the receiver of save results and buffer telemetry.
func WithSink(s Sink) Option { return func(c *Controller) { c.userSink = s } }

// WithOrientation sets the device rotation source read when a file is opened.
func WithOrientation(o OrientationProvider) Option {
	return func(c *Controller) { c.orientation = o }
}

// WithClock replaces the monotonic clock used for audio timestamps and stop targets.
func WithClock(clk Clock) Option { return func(c *Controller) { c.clock = clk } }

func WithLogger(l recorderlog.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithMuxerFactory replaces the container writer, MP4 by default.
func WithMuxerFactory(f container.Factory) Option {
	return func(c *Controller) { c.newMuxer = f }
}

// Controller runs the video and audio workers and the save state machine.
type Controller struct {
	cfg         Config
	logger      recorderlog.Logger
	clock       Clock
	orientation OrientationProvider
	newMuxer    container.Factory
	userSink    Sink
	sink        *dispatcher

	videoEnc encoder.Encoder
	audioEnc encoder.AudioEncoder
	mic      Microphone

	session *muxSession
	video   *videoWorker
	audio   *audioWorker

	stateMu   sync.Mutex
	stateCond *sync.Cond
	state     State

	saving   atomic.Bool
	stopping atomic.Bool
	stopAtUs atomic.Int64

	lifeMu   sync.Mutex
	closed   atomic.Bool
	shutOnce sync.Once
	wg       sync.WaitGroup
}

// New starts both workers and returns once they are running. The controller
// owns video, audio and mic from here on; Shutdown closes them.
func New(cfg Config, video encoder.Encoder, audio encoder.AudioEncoder, mic Microphone, opts ...Option) (*Controller, error) {
	if video == nil || audio == nil || mic == nil {
		return nil, errors.New("circular: video encoder, audio encoder and microphone are required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:      cfg,
		videoEnc: video,
		audioEnc: audio,
		mic:      mic,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = recorderlog.L().Named("circular")
	}
	if c.clock == nil {
		c.clock = NewMonotonicClock()
	}
	if c.orientation == nil {
		c.orientation = FixedOrientation(0)
	}
	if c.newMuxer == nil {
		c.newMuxer = container.NewFactory(container.FormatMP4, c.logger)
	}
	c.stateCond = sync.NewCond(&c.stateMu)
	c.state = c.restState()

	s, err := newMuxSession(c)
	if err != nil {
		return nil, err
	}
	c.session = s
	c.sink = newDispatcher(c.userSink)
	c.video = newVideoWorker(video, s, c.logger)
	c.audio = newAudioWorker(cfg, audio, mic, s, c.clock, c.logger)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.video.run()
	}()
	go func() {
		defer c.wg.Done()
		c.audio.run()
	}()
	<-c.video.ready
	<-c.audio.ready

	c.logger.Info("circular encoder started",
		recorderlog.Duration("buffer_span", cfg.BufferSpan),
		recorderlog.String("state", c.State().String()))
	return c, nil
}

// FrameAvailableSoon tells the video worker that output is pending.
func (c *Controller) FrameAvailableSoon() {
	if c.closed.Load() {
		return
	}
	c.video.frameAvailableSoon()
}

// StartSaving begins writing the buffered history and live media to path.
// The file is opened asynchronously once both encoder formats are known.
func (c *Controller) StartSaving(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.closed.Load() {
		return ErrShutdown
	}
	if !c.saving.CompareAndSwap(false, true) {
		return ErrAlreadySaving
	}
	c.stopping.Store(false)

	startUs := c.session.begin(path)
	c.logger.Info("start saving", recorderlog.String("path", path), recorderlog.Int64("start_us", startUs))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.session.tryStart()
	}()
	return nil
}

// StopSaving asks the session to end at the first video frame at or after
// now. If the buffered history is still draining it waits for the drain to
// finish, or for ctx. The result arrives through Sink.SaveComplete.
func (c *Controller) StopSaving(ctx context.Context) error {
	if c.closed.Load() {
		return ErrShutdown
	}
	c.lifeMu.Lock()
	saving, gen := c.saving.Load(), c.session.sessions.Load()
	c.lifeMu.Unlock()
	if !saving {
		return ErrNotSaving
	}
	if c.stopping.Load() {
		return nil
	}
	if c.session.cancelIfUnopened(gen) {
		return nil
	}

	err := c.waitFor(ctx, func(st State) bool {
		return st == StateSaveDirect || !c.saving.Load() || c.session.sessions.Load() != gen
	})
	if err != nil {
		return err
	}

	// a save started after this call began is not the one being stopped
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if !c.saving.Load() || c.session.sessions.Load() != gen {
		return nil
	}
	c.stopAtUs.Store(c.clock.NowUs())
	c.stopping.Store(true)
	c.logger.Info("stop requested", recorderlog.Int64("stop_at_us", c.stopAtUs.Load()))
	return nil
}

// Shutdown finalizes any save in progress, stops the workers and releases
// the encoders and microphone. It is safe to call more than once.
func (c *Controller) Shutdown() error {
	var err error
	c.shutOnce.Do(func() {
		c.lifeMu.Lock()
		c.closed.Store(true)
		c.lifeMu.Unlock()

		if c.saving.Load() && !c.session.cancelIfUnopened(c.session.sessions.Load()) {
			_ = c.waitFor(context.Background(), func(st State) bool {
				return st == StateSaveDirect || !c.saving.Load()
			})
			c.session.finish(StatusOK)
		}

		c.video.stop()
		c.audio.stop()
		if closer, ok := c.mic.(io.Closer); ok {
			err = multierr.Append(err, closer.Close())
		}
		c.wg.Wait()

		err = multierr.Combine(err, c.videoEnc.Close(), c.audioEnc.Close())
		c.sink.close()
		c.logger.Info("circular encoder shut down")
	})
	return err
}

func (c *Controller) IsSaving() bool   { return c.saving.Load() }
func (c *Controller) IsStopping() bool { return c.stopping.Load() }

func (c *Controller) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Metrics reports counters for the session, rings and audio loop.
func (c *Controller) Metrics() map[string]interface{} {
	m := c.session.metrics()
	m["state"] = c.State().String()
	m["saving"] = c.saving.Load()
	m["stopping"] = c.stopping.Load()
	m["audio"] = c.audio.metrics()
	return m
}

func (c *Controller) restState() State {
	if c.cfg.buffered() {
		return StateCacheCircular
	}
	return StateIdle
}

func (c *Controller) setState(st State) {
	c.stateMu.Lock()
	prev := c.state
	c.state = st
	c.stateMu.Unlock()
	c.stateCond.Broadcast()
	if prev != st {
		c.logger.Debug("state change", recorderlog.String("from", prev.String()), recorderlog.String("to", st.String()))
	}
}

// endSaving runs under the session lock once a save has finished.
func (c *Controller) endSaving(path string, status Status) {
	c.saving.Store(false)
	c.stopping.Store(false)
	c.setState(c.restState())
	c.sink.saveComplete(path, status)
}

func (c *Controller) waitFor(ctx context.Context, pred func(State) bool) error {
	stop := context.AfterFunc(ctx, func() {
		c.stateMu.Lock()
		defer c.stateMu.Unlock()
		c.stateCond.Broadcast()
	})
	defer stop()

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for !pred(c.state) {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.stateCond.Wait()
	}
	return nil
}
