package circular

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Sink receives save results and buffer telemetry. Calls come from a single
// dispatcher goroutine, never from a worker.
type Sink interface {
	SaveComplete(path string, status Status)
	BufferStatus(span time.Duration)
}

// MultiSink fans events out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) SaveComplete(path string, status Status) {
	for _, s := range m {
		s.SaveComplete(path, status)
	}
}

func (m MultiSink) BufferStatus(span time.Duration) {
	for _, s := range m {
		s.BufferStatus(span)
	}
}

type nopSink struct{}

func (nopSink) SaveComplete(string, Status) {}
func (nopSink) BufferStatus(time.Duration)  {}

// Clock supplies presentation timestamps in microseconds.
type Clock interface {
	NowUs() int64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() int64

func (f ClockFunc) NowUs() int64 { return f() }

type monotonicClock struct{ base time.Time }

// NewMonotonicClock returns a clock counting microseconds from now.
func NewMonotonicClock() Clock { return monotonicClock{base: time.Now()} }

func (c monotonicClock) NowUs() int64 { return time.Since(c.base).Microseconds() }

// OrientationProvider reports the device rotation in degrees.
type OrientationProvider interface {
	Rotation() int
}

// FixedOrientation is a constant rotation.
type FixedOrientation int

func (f FixedOrientation) Rotation() int { return int(f) }

// AtomicOrientation is a rotation that can be changed from any goroutine.
type AtomicOrientation struct {
	v atomic.Int32
}

// Set stores deg, which must be a multiple of 90.
func (a *AtomicOrientation) Set(deg int) error {
	deg = ((deg % 360) + 360) % 360
	if deg%90 != 0 {
		return fmt.Errorf("rotation %d is not a multiple of 90", deg)
	}
	a.v.Store(int32(deg))
	return nil
}

func (a *AtomicOrientation) Rotation() int { return int(a.v.Load()) }

type completion struct {
	path   string
	status Status
}

// dispatcher delivers sink events off the session lock. Save results are
// queued; buffer status keeps only the latest value.
type dispatcher struct {
	sink  Sink
	alive atomic.Bool

	mu      sync.Mutex
	pending []completion

	status atomic.Int64 // -1 when nothing new
	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

func newDispatcher(sink Sink) *dispatcher {
	if sink == nil {
		sink = nopSink{}
	}
	d := &dispatcher{
		sink: sink,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	d.status.Store(-1)
	d.alive.Store(true)
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			d.flush(false)
			return
		case <-d.wake:
			d.flush(true)
		}
	}
}

func (d *dispatcher) flush(withStatus bool) {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, c := range pending {
		if d.alive.Load() {
			d.sink.SaveComplete(c.path, c.status)
		}
	}
	if !withStatus {
		return
	}
	if span := d.status.Swap(-1); span >= 0 && d.alive.Load() {
		d.sink.BufferStatus(time.Duration(span))
	}
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) saveComplete(path string, status Status) {
	if !d.alive.Load() {
		return
	}
	d.mu.Lock()
	d.pending = append(d.pending, completion{path: path, status: status})
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) bufferStatus(span time.Duration) {
	if !d.alive.Load() || span < 0 {
		return
	}
	d.status.Store(int64(span))
	d.signal()
}

// close delivers queued save results, then unsubscribes the sink.
func (d *dispatcher) close() {
	select {
	case <-d.done:
		return
	default:
	}
	close(d.done)
	d.wg.Wait()
	d.alive.Store(false)
}
