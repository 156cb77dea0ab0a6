package buffer

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/precam/internal/recorder/encoder"
)

// NoIndex is returned when the ring has no chunk to offer.
const NoIndex = -1

var (
	ErrInvalidIndex  = errors.New("ring buffer: invalid chunk index")
	ErrChunkTooLarge = errors.New("ring buffer: chunk larger than backing store")
)

// ChunkInfo is filled by Chunk. Data aliases ring storage and is only valid
// until the next Add or Chunk call.
type ChunkInfo struct {
	Data  []byte
	Flags encoder.Flags
	PTS   int64
}

// RingBuffer keeps the most recent encoded chunks of one track in a fixed
// byte store plus fixed per-chunk metadata arrays, so steady-state buffering
// never allocates.
//
// RingBuffer is not safe for concurrent use; callers serialize access.
// Metrics may be read at any time.
type RingBuffer struct {
	data []byte

	// per-chunk metadata, indexed by slot
	flags  []encoder.Flags
	pts    []int64
	start  []int
	length []int

	// head is the next slot to write, tail the oldest retained; head == tail means empty.
	head int
	tail int

	scratch []byte

	adds      atomic.Uint64
	evictions atomic.Uint64
	removals  atomic.Uint64
	wrapped   atomic.Uint64
	bytesHeld atomic.Int64
	chunks    atomic.Int64
}

// NewRingBuffer creates a ring with capacityBytes of payload storage and room
// for capacityChunks-1 chunks.
func NewRingBuffer(capacityBytes, capacityChunks int) (*RingBuffer, error) {
	if capacityBytes <= 0 {
		return nil, fmt.Errorf("ring buffer: invalid byte capacity %d", capacityBytes)
	}
	if capacityChunks < 2 {
		return nil, fmt.Errorf("ring buffer: invalid chunk capacity %d", capacityChunks)
	}
	return &RingBuffer{
		data:   make([]byte, capacityBytes),
		flags:  make([]encoder.Flags, capacityChunks),
		pts:    make([]int64, capacityChunks),
		start:  make([]int, capacityChunks),
		length: make([]int, capacityChunks),
	}, nil
}

// Add copies one chunk into the ring, evicting the oldest chunks until it
// fits. Codec-config chunks are kept as zero-length entries.
func (r *RingBuffer) Add(data []byte, flags encoder.Flags, ptsUs int64) error {
	size := len(data)
	if flags.IsCodecConfig() {
		size = 0
	}
	if size > r.maxChunk() {
		return fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, size, r.maxChunk())
	}

	for !r.canAdd(size) {
		r.dropTail()
		r.evictions.Add(1)
	}

	st := r.headStart()
	n := copy(r.data[st:], data[:size])
	if n < size {
		copy(r.data, data[n:size])
	}

	r.flags[r.head] = flags
	r.pts[r.head] = ptsUs
	r.start[r.head] = st
	r.length[r.head] = size
	r.head = r.next(r.head)

	r.adds.Add(1)
	r.chunks.Add(1)
	r.bytesHeld.Add(int64(size))
	return nil
}

// canAdd reports whether size bytes plus the trailing gap byte fit between
// the newest and the oldest payload.
func (r *RingBuffer) canAdd(size int) bool {
	if r.empty() {
		return true
	}
	if r.next(r.head) == r.tail {
		return false
	}
	free := (r.start[r.tail] + len(r.data) - r.headStart()) % len(r.data)
	return size < free
}

// maxChunk is the largest payload the store accepts; every chunk is followed
// by one gap byte.
func (r *RingBuffer) maxChunk() int { return len(r.data) - 1 }

// headStart is where the next payload goes. One byte is left between the
// newest and the oldest payload so a full store is never mistaken for empty.
func (r *RingBuffer) headStart() int {
	if r.empty() {
		return 0
	}
	last := r.prev(r.head)
	return (r.start[last] + r.length[last] + 1) % len(r.data)
}

// FirstSyncIndex returns the oldest retained sync chunk, or NoIndex.
// Anything older than it cannot be decoded and is skipped.
func (r *RingBuffer) FirstSyncIndex() int {
	for i := r.tail; i != r.head; i = r.next(i) {
		if r.flags[i].IsSync() {
			return i
		}
	}
	return NoIndex
}

// CurrentIndex returns the oldest retained chunk, or NoIndex when empty.
func (r *RingBuffer) CurrentIndex() int {
	if r.empty() {
		return NoIndex
	}
	return r.tail
}

// NextIndex returns the chunk after index, or NoIndex at the newest chunk.
func (r *RingBuffer) NextIndex(index int) int {
	if !r.valid(index) {
		return NoIndex
	}
	n := r.next(index)
	if n == r.head {
		return NoIndex
	}
	return n
}

// Chunk fills info with the chunk at index.
func (r *RingBuffer) Chunk(index int, info *ChunkInfo) error {
	if !r.valid(index) {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	st, ln := r.start[index], r.length[index]
	if st+ln <= len(r.data) {
		info.Data = r.data[st : st+ln : st+ln]
	} else {
		// payload wraps the end of the store
		if cap(r.scratch) < ln {
			r.scratch = make([]byte, ln)
		}
		r.scratch = r.scratch[:ln]
		n := copy(r.scratch, r.data[st:])
		copy(r.scratch[n:], r.data[:ln-n])
		info.Data = r.scratch
		r.wrapped.Add(1)
	}
	info.Flags = r.flags[index]
	info.PTS = r.pts[index]
	return nil
}

// SetTail discards every chunk older than index.
func (r *RingBuffer) SetTail(index int) error {
	if !r.valid(index) {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	for r.tail != index {
		r.dropTail()
		r.removals.Add(1)
	}
	return nil
}

// RemoveTail discards the oldest chunk, if any.
func (r *RingBuffer) RemoveTail() {
	if r.empty() {
		return
	}
	r.dropTail()
	r.removals.Add(1)
}

func (r *RingBuffer) dropTail() {
	r.bytesHeld.Add(-int64(r.length[r.tail]))
	r.chunks.Add(-1)
	r.tail = r.next(r.tail)
}

// TimeSpanUs is the PTS distance between the oldest and newest chunk.
func (r *RingBuffer) TimeSpanUs() int64 {
	if r.empty() {
		return 0
	}
	return r.pts[r.prev(r.head)] - r.pts[r.tail]
}

// TimeSpan is TimeSpanUs as a duration.
func (r *RingBuffer) TimeSpan() time.Duration {
	return time.Duration(r.TimeSpanUs()) * time.Microsecond
}

// Len returns the number of retained chunks.
func (r *RingBuffer) Len() int {
	return (r.head - r.tail + len(r.flags)) % len(r.flags)
}

// Capacity returns the maximum number of chunks the ring can hold.
func (r *RingBuffer) Capacity() int {
	return len(r.flags) - 1
}

// CapacityBytes returns the size of the payload store. The largest single
// chunk is one byte smaller.
func (r *RingBuffer) CapacityBytes() int {
	return len(r.data)
}

// IsEmpty reports whether the ring holds no chunks.
func (r *RingBuffer) IsEmpty() bool {
	return r.empty()
}

// Reset drops everything.
func (r *RingBuffer) Reset() {
	r.head, r.tail = 0, 0
	r.bytesHeld.Store(0)
	r.chunks.Store(0)
}

// Metrics returns ring statistics.
func (r *RingBuffer) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"chunks":         r.chunks.Load(),
		"bytes_held":     r.bytesHeld.Load(),
		"capacity":       r.Capacity(),
		"capacity_bytes": len(r.data),
		"adds":           r.adds.Load(),
		"evictions":      r.evictions.Load(),
		"removals":       r.removals.Load(),
		"wrapped_reads":  r.wrapped.Load(),
	}
}

func (r *RingBuffer) empty() bool { return r.head == r.tail }

func (r *RingBuffer) next(i int) int { return (i + 1) % len(r.flags) }

func (r *RingBuffer) prev(i int) int { return (i + len(r.flags) - 1) % len(r.flags) }

func (r *RingBuffer) valid(index int) bool {
	if index < 0 || index >= len(r.flags) || r.empty() {
		return false
	}
	if r.tail < r.head {
		return index >= r.tail && index < r.head
	}
	return index >= r.tail || index < r.head
}
