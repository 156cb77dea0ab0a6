package capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/wave"
)

// Microphone turns a chunked audio reader into a byte stream of interleaved
// S16LE PCM. Reads block until the underlying track yields a chunk.
type Microphone struct {
	src   audio.Reader
	close func() error

	mu      sync.Mutex
	pending []byte
	closed  atomic.Bool
}

// NewMicrophone wraps src; closeFn, if set, runs once on Close.
func NewMicrophone(src audio.Reader, closeFn func() error) *Microphone {
	return &Microphone{src: src, close: closeFn}
}

func (m *Microphone) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.pending) == 0 {
		if m.closed.Load() {
			return 0, io.EOF
		}
		chunk, release, err := m.src.Read()
		if err != nil {
			return 0, err
		}
		m.pending, err = appendS16LE(m.pending[:0], chunk)
		if release != nil {
			release()
		}
		if err != nil {
			return 0, err
		}
	}
	n := copy(p, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

// Close stops further reads. A Read blocked in the track returns once the
// track itself is closed by closeFn.
func (m *Microphone) Close() error {
	if m.closed.Swap(true) || m.close == nil {
		return nil
	}
	return m.close()
}

func appendS16LE(dst []byte, chunk wave.Audio) ([]byte, error) {
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		for _, s := range c.Data {
			dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
		}
	case *wave.Float32Interleaved:
		for _, s := range c.Data {
			v := math.Max(-1, math.Min(1, float64(s)))
			dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(v*math.MaxInt16)))
		}
	default:
		return dst, fmt.Errorf("unsupported audio chunk %T", chunk)
	}
	return dst, nil
}
