package metrics

import (
	"math"
	"math/rand"
	"sync/atomic"
	"time"
)

// Sampling rate adjustment factors. Under buffer pressure the rate backs off
// multiplicatively; with a mostly-empty buffer it recovers more slowly than
// it backs off, so a sustained burst cannot oscillate the rate.
const (
	highFillRatio  = 0.8
	lowFillRatio   = 0.3
	backoffFactor  = 0.7
	recoveryFactor = 1.2
)

// AdaptiveSampler controls the sampling rate for the metrics hot path.
// The rate is stored as an atomic float so the hot path never takes a lock;
// only the flush worker adjusts it.
type AdaptiveSampler struct {
	rateBits uint64 // atomic; math.Float64bits of current rate
	minRate  float64
	maxRate  float64

	lastAdjustment atomic.Int64 // unix nanos
}

// NewAdaptiveSampler creates a sampler starting at rate, bounded by
// [minRate, maxRate].
func NewAdaptiveSampler(rate, minRate, maxRate float64) *AdaptiveSampler {
	s := &AdaptiveSampler{minRate: minRate, maxRate: maxRate}
	s.setRate(clamp(rate, minRate, maxRate))
	s.lastAdjustment.Store(time.Now().UnixNano())
	return s
}

// ShouldSample decides whether an event is recorded. Critical events are
// always recorded; others are drawn against the current rate.
func (s *AdaptiveSampler) ShouldSample(critical bool) bool {
	if critical {
		return true
	}
	return rand.Float64() < s.Rate()
}

// Rate returns the current sampling rate without locking.
func (s *AdaptiveSampler) Rate() float64 {
	return math.Float64frombits(atomic.LoadUint64(&s.rateBits))
}

// Adjust updates the rate from the ring-buffer fill ratio. Called by the
// flush worker every adjustment interval.
func (s *AdaptiveSampler) Adjust(fillRatio float64) {
	rate := s.Rate()
	switch {
	case fillRatio > highFillRatio:
		rate = math.Max(rate*backoffFactor, s.minRate)
	case fillRatio < lowFillRatio:
		rate = math.Min(rate*recoveryFactor, s.maxRate)
	default:
		return
	}
	s.setRate(rate)
	s.lastAdjustment.Store(time.Now().UnixNano())
}

func (s *AdaptiveSampler) setRate(rate float64) {
	atomic.StoreUint64(&s.rateBits, math.Float64bits(rate))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
