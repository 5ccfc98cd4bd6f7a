package metrics

import (
	"sync"
	"sync/atomic"
)

// RingBuffer is a thread-safe fixed-capacity buffer of CompactMetric.
// Appending past capacity overwrites the oldest entry and increments the
// dropped counter; the flush worker swaps out the contents atomically.
type RingBuffer struct {
	mu       sync.Mutex
	buf      []CompactMetric
	start    int // index of oldest entry
	size     int
	capacity int
	dropped  int64 // atomic
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([]CompactMetric, capacity),
		capacity: capacity,
	}
}

// Append adds a metric, overwriting the oldest entry when full.
func (r *RingBuffer) Append(m CompactMetric) {
	r.mu.Lock()
	if r.size < r.capacity {
		r.buf[(r.start+r.size)%r.capacity] = m
		r.size++
	} else {
		r.buf[r.start] = m
		r.start = (r.start + 1) % r.capacity
		atomic.AddInt64(&r.dropped, 1)
	}
	r.mu.Unlock()
}

// Swap removes and returns all buffered metrics in insertion order.
func (r *RingBuffer) Swap() []CompactMetric {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}
	out := make([]CompactMetric, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%r.capacity]
	}
	r.start = 0
	r.size = 0
	return out
}

// Len returns the current number of buffered metrics.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the buffer capacity.
func (r *RingBuffer) Cap() int {
	return r.capacity
}

// FillRatio returns occupancy divided by capacity; drives adaptive sampling.
func (r *RingBuffer) FillRatio() float64 {
	return float64(r.Len()) / float64(r.capacity)
}

// Dropped returns the number of metrics overwritten before being flushed.
func (r *RingBuffer) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}
