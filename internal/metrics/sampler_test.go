package metrics

import (
	"math"
	"testing"
)

func TestSamplerCriticalAlwaysSampled(t *testing.T) {
	s := NewAdaptiveSampler(0.0, 0.0, 1.0)
	for i := 0; i < 1000; i++ {
		if !s.ShouldSample(true) {
			t.Fatal("critical event was not sampled")
		}
	}
}

func TestSamplerRateZeroDropsEverything(t *testing.T) {
	s := NewAdaptiveSampler(0.0, 0.0, 1.0)
	for i := 0; i < 1000; i++ {
		if s.ShouldSample(false) {
			t.Fatal("event sampled at rate 0")
		}
	}
}

func TestSamplerAdjustBacksOffUnderPressure(t *testing.T) {
	s := NewAdaptiveSampler(0.10, 0.01, 0.15)

	s.Adjust(0.9)
	if got := s.Rate(); math.Abs(got-0.07) > 1e-9 {
		t.Errorf("Rate() after backoff = %v, want 0.07", got)
	}

	// Repeated pressure floors at the minimum rate.
	for i := 0; i < 50; i++ {
		s.Adjust(0.9)
	}
	if got := s.Rate(); got != 0.01 {
		t.Errorf("Rate() floor = %v, want 0.01", got)
	}
}

func TestSamplerAdjustRecoversWhenQuiet(t *testing.T) {
	s := NewAdaptiveSampler(0.05, 0.01, 0.15)

	s.Adjust(0.1)
	if got := s.Rate(); math.Abs(got-0.06) > 1e-9 {
		t.Errorf("Rate() after recovery = %v, want 0.06", got)
	}

	for i := 0; i < 50; i++ {
		s.Adjust(0.1)
	}
	if got := s.Rate(); got != 0.15 {
		t.Errorf("Rate() ceiling = %v, want 0.15", got)
	}
}

func TestSamplerAdjustHoldsInMidBand(t *testing.T) {
	s := NewAdaptiveSampler(0.05, 0.01, 0.15)
	s.Adjust(0.5)
	if got := s.Rate(); got != 0.05 {
		t.Errorf("Rate() in mid band = %v, want unchanged 0.05", got)
	}
}

func TestSamplerClampsInitialRate(t *testing.T) {
	s := NewAdaptiveSampler(0.5, 0.01, 0.15)
	if got := s.Rate(); got != 0.15 {
		t.Errorf("Rate() = %v, want clamped to 0.15", got)
	}
}
