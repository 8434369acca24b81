// Package monitor samples host and GPU utilization for admission control and
// tuning. It keeps the latest reading for cheap access on the dispatch path
// and a bounded history for the tuner.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/logging"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// Options configures a Monitor.
type Options struct {
	Host        HostSampler
	GPU         GPUSampler
	Interval    time.Duration
	HistorySize int
	Now         func() time.Time
}

// Monitor is the ResourceMonitor. Safe for concurrent use.
type Monitor struct {
	host     HostSampler
	gpu      GPUSampler
	interval time.Duration
	now      func() time.Time
	history  *Ring[types.ResourceSnapshot]
	logger   *logging.Logger

	mu     sync.RWMutex
	latest types.ResourceSnapshot
}

// New creates a Monitor. Nil samplers default to gopsutil and nvidia-smi.
func New(opts Options) *Monitor {
	if opts.Host == nil {
		opts.Host = PSUtilSampler{}
	}
	if opts.GPU == nil {
		opts.GPU = NvidiaSMISampler{}
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		host:     opts.Host,
		gpu:      opts.GPU,
		interval: opts.Interval,
		now:      opts.Now,
		history:  NewRing[types.ResourceSnapshot](opts.HistorySize),
		logger:   logging.Get("monitor"),
	}
}

// Snapshot samples now, caches the reading as latest and records it in the
// history. It never fails: a host sampling error keeps the previous host
// values and GPU problems read as "no GPU".
func (m *Monitor) Snapshot(ctx context.Context) types.ResourceSnapshot {
	m.mu.RLock()
	prev := m.latest
	m.mu.RUnlock()

	snap := types.ResourceSnapshot{
		TakenAt:    m.now(),
		CPUPercent: prev.CPUPercent,
		MemPercent: prev.MemPercent,
	}

	if host, err := m.host.SampleHost(ctx); err != nil {
		m.logger.Warn("host sample failed", "error", err)
	} else {
		snap.CPUPercent = host.CPUPercent
		snap.MemPercent = host.MemPercent
	}

	if gpu, err := m.gpu.SampleGPU(ctx); err != nil {
		m.logger.Debug("gpu sample failed", "error", err)
	} else {
		snap.GPUUtilPercent = gpu.UtilPercent
		snap.GPUMemUsed = gpu.MemUsed
		snap.GPUMemTotal = gpu.MemTotal
		snap.GPUTempC = gpu.TempC
	}

	m.mu.Lock()
	m.latest = snap
	m.mu.Unlock()
	m.history.Push(snap)
	return snap
}

// Latest returns the cached reading without sampling.
func (m *Monitor) Latest() types.ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// History returns up to n recent snapshots, oldest first.
func (m *Monitor) History(n int) []types.ResourceSnapshot {
	return m.history.Last(n)
}

// Start samples immediately and then on every interval until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	first := m.Snapshot(ctx)
	m.logger.Info("resource monitor started",
		"interval", m.interval,
		"gpu", first.GPUPresent(),
		"gpu_mem_total", types.FormatSize(first.GPUMemTotal))

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Snapshot(ctx)
			}
		}
	}()
}
