package encoder

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stream is an Encoder whose output queue is filled by a producer goroutine,
// typically a pump reading a codec in another package. It is also what tests
// use to script encoder output.
type Stream struct {
	kind Kind
	out  chan *Output
	done chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	formats  atomic.Uint64
	packets  atomic.Uint64
	dropped  atomic.Uint64
	bytesOut atomic.Uint64
}

// NewStream creates a stream holding at most depth pending outputs.
func NewStream(kind Kind, depth int) *Stream {
	if depth <= 0 {
		depth = 1
	}
	return &Stream{
		kind: kind,
		out:  make(chan *Output, depth),
		done: make(chan struct{}),
	}
}

// Kind returns the track kind this stream produces.
func (s *Stream) Kind() Kind { return s.kind }

// SetFormat announces the output format; it blocks while the queue is full.
func (s *Stream) SetFormat(f Format) error {
	f.Kind = s.kind
	if err := s.push(&Output{Type: OutputFormatChanged, Format: f}, true); err != nil {
		return err
	}
	s.formats.Add(1)
	return nil
}

// Push queues an encoded packet, blocking while the queue is full.
func (s *Stream) Push(p Packet, release func()) error {
	if err := s.push(NewPacketOutput(p, release), true); err != nil {
		return err
	}
	s.packets.Add(1)
	s.bytesOut.Add(uint64(len(p.Data)))
	return nil
}

// TryPush queues a packet without blocking. When the queue is full the packet
// is released and counted as dropped.
func (s *Stream) TryPush(p Packet, release func()) bool {
	o := NewPacketOutput(p, release)
	if err := s.push(o, false); err != nil {
		o.Release()
		s.dropped.Add(1)
		return false
	}
	s.packets.Add(1)
	s.bytesOut.Add(uint64(len(p.Data)))
	return true
}

func (s *Stream) push(o *Output, block bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !block {
		select {
		case s.out <- o:
			return nil
		case <-s.done:
			return ErrClosed
		default:
			return ErrTryAgain
		}
	}
	select {
	case s.out <- o:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Dequeue implements Encoder.
func (s *Stream) Dequeue(timeout time.Duration) (*Output, error) {
	select {
	case o := <-s.out:
		return o, nil
	default:
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if timeout <= 0 {
		return nil, ErrTryAgain
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-s.out:
		return o, nil
	case <-s.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrTryAgain
	}
}

// Close stops the stream and releases anything still queued.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		for {
			select {
			case o := <-s.out:
				o.Release()
			default:
				return
			}
		}
	})
	return nil
}

// Metrics returns stream counters.
func (s *Stream) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"kind":           s.kind.String(),
		"formats":        s.formats.Load(),
		"packets":        s.packets.Load(),
		"dropped":        s.dropped.Load(),
		"bytes_out":      s.bytesOut.Load(),
		"queued":         len(s.out),
		"queue_capacity": cap(s.out),
	}
}
