package stats

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

type SystemStats struct {
	CPUUsage    float64 `json:"cpu_usage"`
	RAMUsage    float64 `json:"ram_usage"`
	RAMTotal    uint64  `json:"ram_total"`
	RAMUsed     uint64  `json:"ram_used"`
	Load1       float64 `json:"load1"`
	Uptime      uint64  `json:"uptime"`
	Hostname    string  `json:"hostname"`
	Platform    string  `json:"platform"`
	CollectedAt int64   `json:"collected_at"`
}

// Collector samples host metrics and gates new tasks on CPU usage.
type Collector struct {
	maxCPU   float64
	sample   time.Duration
	cpuUsage func(ctx context.Context, interval time.Duration) (float64, error)
}

// NewCollector returns a collector whose gate trips above maxCPU percent.
// Zero disables the gate.
func NewCollector(maxCPU float64) *Collector {
	return &Collector{
		maxCPU:   maxCPU,
		sample:   250 * time.Millisecond,
		cpuUsage: sampleCPU,
	}
}

func sampleCPU(ctx context.Context, interval time.Duration) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, nil
	}
	return pct[0], nil
}

func (c *Collector) Collect(ctx context.Context) (*SystemStats, error) {
	stats := &SystemStats{
		CollectedAt: time.Now().Unix(),
	}

	if usage, err := c.cpuUsage(ctx, time.Second); err == nil {
		stats.CPUUsage = usage
	}

	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.RAMUsage = memInfo.UsedPercent
		stats.RAMTotal = memInfo.Total
		stats.RAMUsed = memInfo.Used
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.Load1 = avg.Load1
	}

	if hostInfo, err := host.InfoWithContext(ctx); err == nil {
		stats.Uptime = hostInfo.Uptime
		stats.Hostname = hostInfo.Hostname
		stats.Platform = hostInfo.Platform
	}

	return stats, nil
}

// Overloaded reports whether CPU usage is above the ceiling, with the sampled
// value. A failed sample never blocks work.
func (c *Collector) Overloaded(ctx context.Context) (bool, float64) {
	if c.maxCPU <= 0 {
		return false, 0
	}
	usage, err := c.cpuUsage(ctx, c.sample)
	if err != nil {
		return false, 0
	}
	return usage > c.maxCPU, usage
}
