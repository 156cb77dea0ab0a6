package buffer

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// PacketPool hands out reusable byte buffers for encoded packets, bucketed by
// power-of-two size.
type PacketPool struct {
	pools   map[int]*sync.Pool // Size (power of two) -> Pool
	maxSize int
	mu      sync.RWMutex

	// Metrics
	allocated atomic.Uint64
	inUse     atomic.Int64
	hits      atomic.Uint64
	misses    atomic.Uint64
}

// NewPacketPool creates a pool that recycles buffers up to maxSize bytes.
func NewPacketPool(maxSize int) *PacketPool {
	return &PacketPool{
		pools:   make(map[int]*sync.Pool),
		maxSize: maxSize,
	}
}

// Get returns a buffer of exactly size bytes.
func (p *PacketPool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}

	poolSize := roundUpPowerOf2(size)
	if poolSize > p.maxSize {
		p.misses.Add(1)
		return make([]byte, size)
	}

	p.mu.RLock()
	pool, exists := p.pools[poolSize]
	p.mu.RUnlock()

	if !exists {
		p.mu.Lock()
		pool, exists = p.pools[poolSize]
		if !exists {
			localSize := poolSize
			pool = &sync.Pool{
				New: func() interface{} {
					p.allocated.Add(1)
					b := make([]byte, localSize)
					return &b
				},
			}
			p.pools[poolSize] = pool
		}
		p.mu.Unlock()
	}

	buf := *(pool.Get().(*[]byte))
	p.hits.Add(1)
	p.inUse.Add(1)
	return buf[:size]
}

// Put returns a buffer obtained from Get.
func (p *PacketPool) Put(buf []byte) {
	size := cap(buf)
	if size <= 0 || size&(size-1) != 0 || size > p.maxSize {
		return
	}

	p.mu.RLock()
	pool, exists := p.pools[size]
	p.mu.RUnlock()
	if !exists {
		return
	}
	buf = buf[:size]
	pool.Put(&buf)
	p.inUse.Add(-1)
}

// Copy returns a pooled copy of data and the func that gives it back.
func (p *PacketPool) Copy(data []byte) ([]byte, func()) {
	buf := p.Get(len(data))
	copy(buf, data)
	return buf, func() { p.Put(buf) }
}

// Metrics returns pool statistics
func (p *PacketPool) Metrics() map[string]interface{} {
	p.mu.RLock()
	poolCount := len(p.pools)
	p.mu.RUnlock()

	h := p.hits.Load()
	m := p.misses.Load()
	hitRate := float64(h) / float64(h+m+1) // +1 to avoid div-by-zero

	return map[string]interface{}{
		"pools":     poolCount,
		"allocated": p.allocated.Load(),
		"in_use":    p.inUse.Load(),
		"hits":      h,
		"misses":    m,
		"hit_rate":  hitRate,
	}
}

// roundUpPowerOf2 rounds n up to the nearest power of 2 (minimum 1)
func roundUpPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
