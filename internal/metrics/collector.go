package metrics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const mib = 1024 * 1024

// Snapshot is one sample of host and process resource usage
type Snapshot struct {
	Taken         time.Time
	HostCPU       float64 // 0-100
	ProcessCPU    float64 // may exceed 100 on multi-core hosts
	HostMemory    float64 // percent used, system-wide
	TotalMemoryMB float64
	ProcessRSSMB  float64
	ProcessMemory float64 // process RSS relative to total memory
	DiskReadMBps  float64
	DiskWriteMBps float64
}

// Collector samples resource usage. Start logs a snapshot every interval;
// MemoryPercent samples on demand for the chunk scheduler.
type Collector struct {
	interval time.Duration
	logger   *zap.Logger
	proc     *process.Process
	disk     diskRates

	mu   sync.RWMutex
	last *Snapshot
}

// NewCollector creates a collector for the current process. Intervals under
// one second fall back to 30s.
func NewCollector(interval time.Duration, logger *zap.Logger) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("Process metrics unavailable", zap.Error(err))
	}

	return &Collector{
		interval: interval,
		logger:   logger,
		proc:     proc,
	}
}

// Start samples until ctx is cancelled
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Resource sampling stopped")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Last returns the most recent periodic snapshot, nil before the first one
func (c *Collector) Last() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// MemoryPercent returns this process's resident memory as a percentage of
// total system memory
func (c *Collector) MemoryPercent() (float64, error) {
	if c.proc == nil {
		return 0, errors.New("process handle unavailable")
	}
	info, err := c.proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("failed to read process memory: %w", err)
	}
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to read system memory: %w", err)
	}
	return rssPercent(info.RSS, vmem.Total)
}

func rssPercent(rss, total uint64) (float64, error) {
	if total == 0 {
		return 0, errors.New("total memory is zero")
	}
	return float64(rss) / float64(total) * 100, nil
}

func (c *Collector) collect() {
	s := c.sample()

	c.mu.Lock()
	c.last = s
	c.mu.Unlock()

	c.logger.Info("Resource usage",
		zap.Float64("host_cpu", s.HostCPU),
		zap.Float64("proc_cpu", s.ProcessCPU),
		zap.Float64("host_mem_pct", s.HostMemory),
		zap.String("proc_rss", fmt.Sprintf("%.1f MB", s.ProcessRSSMB)),
		zap.Float64("proc_mem_pct", s.ProcessMemory),
		zap.String("disk_r", fmt.Sprintf("%.1f MB/s", s.DiskReadMBps)),
		zap.String("disk_w", fmt.Sprintf("%.1f MB/s", s.DiskWriteMBps)),
	)
}

// sample reads every source it can; unavailable readings stay zero
func (c *Collector) sample() *Snapshot {
	s := &Snapshot{Taken: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.HostCPU = pct[0]
	}

	var rss uint64
	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			s.ProcessCPU = pct
		}
		if info, err := c.proc.MemoryInfo(); err == nil {
			rss = info.RSS
			s.ProcessRSSMB = float64(rss) / mib
		}
	}

	if vmem, err := mem.VirtualMemory(); err == nil {
		s.HostMemory = vmem.UsedPercent
		s.TotalMemoryMB = float64(vmem.Total) / mib
		if pct, err := rssPercent(rss, vmem.Total); err == nil {
			s.ProcessMemory = pct
		}
	}

	s.DiskReadMBps, s.DiskWriteMBps = c.disk.next(s.Taken)
	return s
}

// diskRates turns cumulative disk counters into per-second rates
type diskRates struct {
	last map[string]disk.IOCountersStat
	at   time.Time
}

// next returns read and write MB/s since the previous call. The first call
// only records a baseline.
func (d *diskRates) next(now time.Time) (readMBps, writeMBps float64) {
	counters, err := disk.IOCounters()
	if err != nil {
		return 0, 0
	}
	prev, prevAt := d.last, d.at
	d.last, d.at = counters, now
	if prev == nil {
		return 0, 0
	}

	elapsed := now.Sub(prevAt).Seconds()
	if elapsed < 0.1 {
		return 0, 0
	}

	var read, written uint64
	for name, cur := range counters {
		old, ok := prev[name]
		if !ok {
			continue
		}
		// counters can wrap or reset
		if cur.ReadBytes >= old.ReadBytes {
			read += cur.ReadBytes - old.ReadBytes
		}
		if cur.WriteBytes >= old.WriteBytes {
			written += cur.WriteBytes - old.WriteBytes
		}
	}
	return float64(read) / elapsed / mib, float64(written) / elapsed / mib
}
