package gateway

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/Zazzles2908/exai-gateway/internal/logging"
	"github.com/Zazzles2908/exai-gateway/internal/metrics"
)

// SystemStats is a point-in-time snapshot of process resource usage.
type SystemStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
}

// SystemMonitor samples process RSS, CPU, and goroutine count on an interval
// and publishes them to the Prometheus gauges and the health endpoint.
type SystemMonitor struct {
	proc     *process.Process
	interval time.Duration
	logger   zerolog.Logger

	mu   sync.RWMutex
	last SystemStats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor creates a monitor for the current process.
func NewSystemMonitor(interval time.Duration, logger zerolog.Logger) (*SystemMonitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SystemMonitor{proc: proc, interval: interval, logger: logger}, nil
}

// Start launches the sampling loop.
func (m *SystemMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop cancels the sampling loop and waits for it.
func (m *SystemMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Snapshot returns the latest sample.
func (m *SystemMonitor) Snapshot() SystemStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *SystemMonitor) loop(ctx context.Context) {
	defer m.wg.Done()
	defer logging.RecoverPanic(m.logger, "systemMonitor", nil)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *SystemMonitor) sample() {
	stats := SystemStats{Goroutines: runtime.NumGoroutine()}

	if mem, err := m.proc.MemoryInfo(); err == nil {
		stats.RSSBytes = mem.RSS
	} else {
		m.logger.Debug().Err(err).Msg("Failed to read process memory")
	}
	if cpu, err := m.proc.Percent(0); err == nil {
		stats.CPUPercent = cpu
	}

	m.mu.Lock()
	m.last = stats
	m.mu.Unlock()

	metrics.SetSystemStats(stats.RSSBytes, stats.CPUPercent, stats.Goroutines)
}
