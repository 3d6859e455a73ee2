package pools

import (
	"sync"
	"sync/atomic"
)

// Buffer pool sizes
const (
	SmallBufferSize  = 4 * 1024  // read buffer for a typical request
	MediumBufferSize = 16 * 1024 // a full default header section
	LargeBufferSize  = 64 * 1024 // bodies and pipelined batches
)

// BufferPool recycles connection read buffers and response head buffers
// in three size tiers. Buffers that grew past LargeBufferSize are left
// to the GC.
type BufferPool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool

	// Statistics
	gets      atomic.Uint64
	puts      atomic.Uint64
	oversized atomic.Uint64
}

func newTier(size int) sync.Pool {
	return sync.Pool{
		New: func() any {
			buf := make([]byte, 0, size)
			return &buf
		},
	}
}

// NewBufferPool creates a new buffer pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		small:  newTier(SmallBufferSize),
		medium: newTier(MediumBufferSize),
		large:  newTier(LargeBufferSize),
	}
}

// Get returns an empty buffer with at least estimatedSize capacity when
// that fits a tier.
func (bp *BufferPool) Get(estimatedSize int) *[]byte {
	bp.gets.Add(1)

	switch {
	case estimatedSize <= SmallBufferSize:
		return bp.small.Get().(*[]byte)
	case estimatedSize <= MediumBufferSize:
		return bp.medium.Get().(*[]byte)
	default:
		return bp.large.Get().(*[]byte)
	}
}

// Put returns a buffer to the tier its capacity fits.
func (bp *BufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	*buf = (*buf)[:0]

	switch c := cap(*buf); {
	case c > LargeBufferSize:
		bp.oversized.Add(1)
		return
	case c >= LargeBufferSize:
		bp.large.Put(buf)
	case c >= MediumBufferSize:
		bp.medium.Put(buf)
	case c >= SmallBufferSize:
		bp.small.Put(buf)
	default:
		// Too small for any tier.
		return
	}
	bp.puts.Add(1)
}

// Stats returns buffer pool statistics
func (bp *BufferPool) Stats() BufferStats {
	return BufferStats{
		Gets:      bp.gets.Load(),
		Puts:      bp.puts.Load(),
		Oversized: bp.oversized.Load(),
	}
}

// BufferStats contains buffer pool statistics
type BufferStats struct {
	Gets      uint64 `json:"gets"`
	Puts      uint64 `json:"puts"`
	Oversized uint64 `json:"oversized"`
}
