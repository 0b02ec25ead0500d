// Package admission implements a connection admission guard: a static
// emergency brake that rejects new WebSocket connections when the
// process is already under CPU or memory pressure. It does not count
// connections, and the upgrade handler enforces no connection-count
// limit either.
//
// This is a simplified sibling of the teacher's ResourceGuard: static
// configured thresholds, no auto-tuning, no historical trend tracking
// — just CPU%, memory bytes, and a periodic sampler.
package admission

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/adred-codev/wsbroker/internal/metrics"
)

// Config controls the admission guard's thresholds.
type Config struct {
	CPURejectThreshold float64 // percent; reject new connections above this
	MemoryLimitBytes   int64   // reject new connections above this many heap bytes (runtime.MemStats.Alloc)
	SampleInterval     time.Duration
}

// Guard samples host CPU and process memory on a ticker and answers
// ShouldAccept for the HTTP upgrade handler.
type Guard struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Collector

	currentCPUPercentx1000 atomic.Int64 // CPU percent * 1000, for lock-free float storage
	currentMemoryBytes     atomic.Int64
}

// New constructs a Guard. Call Run in its own goroutine to start sampling.
func New(cfg Config, logger zerolog.Logger) *Guard {
	return &Guard{cfg: cfg, logger: logger}
}

// SetMetrics attaches a Prometheus collector. Optional.
func (g *Guard) SetMetrics(m *metrics.Collector) {
	g.metrics = m
}

// Run samples CPU and memory usage every SampleInterval until ctx is
// cancelled. Safe to run even if Config is zero-valued (an always-pass guard).
func (g *Guard) Run(ctx context.Context) {
	interval := g.cfg.SampleInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sample()
		}
	}
}

func (g *Guard) sample() {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		g.currentCPUPercentx1000.Store(int64(percents[0] * 1000))
		if g.metrics != nil {
			g.metrics.CPUUsagePercent.Set(percents[0])
		}
	} else if err != nil {
		g.logger.Debug().Err(err).Msg("failed to sample cpu usage")
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	g.currentMemoryBytes.Store(int64(memStats.Alloc))
	if g.metrics != nil {
		g.metrics.MemoryUsageBytes.Set(float64(memStats.Alloc))
		g.metrics.GoroutinesActive.Set(float64(runtime.NumGoroutine()))
	}

	if vm, err := mem.VirtualMemory(); err == nil && g.cfg.MemoryLimitBytes == 0 {
		// No explicit limit configured: fall back to total system memory
		// as an implicit ceiling so ShouldAccept still has a denominator.
		g.cfg.MemoryLimitBytes = int64(vm.Total)
	}
}

// ShouldAccept reports whether a new connection should be admitted,
// and a human-readable reason when it should not.
func (g *Guard) ShouldAccept() (bool, string) {
	cpuPercent := float64(g.currentCPUPercentx1000.Load()) / 1000
	if g.cfg.CPURejectThreshold > 0 && cpuPercent > g.cfg.CPURejectThreshold {
		g.recordRejection("cpu_overload")
		return false, fmt.Sprintf("cpu %.1f%% > %.1f%%", cpuPercent, g.cfg.CPURejectThreshold)
	}

	memBytes := g.currentMemoryBytes.Load()
	if g.cfg.MemoryLimitBytes > 0 && memBytes > g.cfg.MemoryLimitBytes {
		g.recordRejection("memory_limit")
		return false, "memory limit exceeded"
	}

	return true, ""
}

func (g *Guard) recordRejection(reason string) {
	if g.metrics != nil {
		g.metrics.AdmissionRejections.WithLabelValues(reason).Inc()
	}
}
