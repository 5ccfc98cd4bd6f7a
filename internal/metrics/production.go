package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Zazzles2908/exai-gateway/internal/logging"
)

// samplerAdjustInterval is how often the flush worker re-evaluates the
// sampling rate against buffer pressure.
const samplerAdjustInterval = 5 * time.Second

// ProductionConfig configures the sampled pipeline.
type ProductionConfig struct {
	SampleRate       float64
	MinSampleRate    float64
	MaxSampleRate    float64
	BufferSize       int
	FlushInterval    time.Duration
	AdaptiveSampling bool
}

// DefaultProductionConfig returns the standard pipeline settings.
func DefaultProductionConfig() ProductionConfig {
	return ProductionConfig{
		SampleRate:       0.03,
		MinSampleRate:    0.01,
		MaxSampleRate:    0.15,
		BufferSize:       2000,
		FlushInterval:    2 * time.Second,
		AdaptiveSampling: true,
	}
}

// ProductionMetrics owns the ring buffer and the flush worker. The flush
// worker is the sole consumer of the buffer and the sole writer of the
// aggregated counters.
type ProductionMetrics struct {
	config  ProductionConfig
	sampler *AdaptiveSampler
	ring    *RingBuffer
	logger  zerolog.Logger

	// Aggregated counters; written only by the flush worker, read by
	// GetMetrics under aggMu.
	aggMu      sync.RWMutex
	aggregated map[string]float64

	metricsAdded     int64 // atomic
	flushCount       int64 // atomic
	flushDurationsNs int64 // atomic; total, for the running average

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProductionMetrics creates the pipeline; Start must be called to launch
// the flush worker.
func NewProductionMetrics(config ProductionConfig, logger zerolog.Logger) *ProductionMetrics {
	def := DefaultProductionConfig()
	if config.SampleRate <= 0 {
		config.SampleRate = def.SampleRate
	}
	if config.MinSampleRate <= 0 {
		config.MinSampleRate = def.MinSampleRate
	}
	if config.MaxSampleRate <= 0 {
		config.MaxSampleRate = def.MaxSampleRate
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = def.FlushInterval
	}

	return &ProductionMetrics{
		config:     config,
		sampler:    NewAdaptiveSampler(config.SampleRate, config.MinSampleRate, config.MaxSampleRate),
		ring:       NewRingBuffer(config.BufferSize),
		logger:     logger,
		aggregated: make(map[string]float64),
	}
}

// Start launches the background flush worker.
func (p *ProductionMetrics) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.flushLoop(ctx)
}

// Stop cancels the flush worker, waits for it, and performs a final flush so
// buffered samples are not lost on shutdown.
func (p *ProductionMetrics) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.flush()
}

// Record is the hot path: one sampler check plus one ring append.
func (p *ProductionMetrics) Record(t Type, value float64, clientID string, critical bool) {
	if !p.sampler.ShouldSample(critical) {
		return
	}
	p.ring.Append(CompactMetric{
		Timestamp: now(),
		Type:      t,
		Value:     value,
		ClientID:  clientID,
		Critical:  critical,
	})
	atomic.AddInt64(&p.metricsAdded, 1)
}

// flushLoop drains the buffer every FlushInterval and adjusts the sampler
// every samplerAdjustInterval.
func (p *ProductionMetrics) flushLoop(ctx context.Context) {
	defer p.wg.Done()
	defer logging.RecoverPanic(p.logger, "metricsFlushLoop", nil)

	flushTicker := time.NewTicker(p.config.FlushInterval)
	defer flushTicker.Stop()
	adjustTicker := time.NewTicker(samplerAdjustInterval)
	defer adjustTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flushTicker.C:
			p.flush()
		case <-adjustTicker.C:
			if p.config.AdaptiveSampling {
				p.sampler.Adjust(p.ring.FillRatio())
				meta.sampleRate.Set(p.sampler.Rate())
			}
		}
	}
}

// flush swaps out the buffer and folds the batch into the aggregated
// counters. Each sampled value is weighted by 1/rate at flush time to form an
// unbiased estimator of the true count; critical events were recorded
// unsampled and carry weight 1. Using the flush-time rate introduces a small
// bias when the rate changes within a window, which is why latency-style
// metrics stay out of this pipeline.
func (p *ProductionMetrics) flush() {
	start := time.Now()
	batch := p.ring.Swap()

	rate := p.sampler.Rate()
	weight := 1.0
	if rate > 0 {
		weight = 1.0 / rate
	}

	if len(batch) > 0 {
		p.aggMu.Lock()
		for _, m := range batch {
			w := weight
			if m.Critical {
				w = 1.0
			}
			p.aggregated[m.Type.Name()] += m.Value * w
		}
		p.aggMu.Unlock()
	}

	dur := time.Since(start)
	atomic.AddInt64(&p.flushCount, 1)
	atomic.AddInt64(&p.flushDurationsNs, dur.Nanoseconds())

	meta.bufferSize.Set(float64(p.ring.Len()))
	meta.fillRatio.Set(p.ring.FillRatio())
	meta.metricsAdded.Set(float64(atomic.LoadInt64(&p.metricsAdded)))
	meta.metricsDropped.Set(float64(p.ring.Dropped()))
	meta.flushCount.Set(float64(atomic.LoadInt64(&p.flushCount)))

	p.logger.Debug().
		Int("batch_size", len(batch)).
		Float64("sample_rate", rate).
		Dur("flush_duration", dur).
		Msg("Metrics flush completed")
}

// GetMetrics returns aggregated counters plus the always-on meta-metrics
// describing the pipeline itself.
func (p *ProductionMetrics) GetMetrics() map[string]any {
	p.aggMu.RLock()
	agg := make(map[string]float64, len(p.aggregated))
	for k, v := range p.aggregated {
		agg[k] = v
	}
	p.aggMu.RUnlock()

	added := atomic.LoadInt64(&p.metricsAdded)
	dropped := p.ring.Dropped()
	flushes := atomic.LoadInt64(&p.flushCount)

	var dropRate float64
	if added > 0 {
		dropRate = float64(dropped) / float64(added)
	}
	var avgFlushMs float64
	if flushes > 0 {
		avgFlushMs = float64(atomic.LoadInt64(&p.flushDurationsNs)) / float64(flushes) / 1e6
	}

	return map[string]any{
		"aggregated":            agg,
		"buffer_size":           p.ring.Len(),
		"capacity":              p.ring.Cap(),
		"fill_ratio":            p.ring.FillRatio(),
		"metrics_added":         added,
		"metrics_dropped":       dropped,
		"drop_rate":             dropRate,
		"flush_count":           flushes,
		"avg_flush_duration_ms": avgFlushMs,
		"current_sample_rate":   p.sampler.Rate(),
	}
}

// SampleRate exposes the current sampling rate (for tests and health).
func (p *ProductionMetrics) SampleRate() float64 {
	return p.sampler.Rate()
}

// Flush forces an immediate flush (used by tests and shutdown accounting).
func (p *ProductionMetrics) Flush() {
	p.flush()
}
