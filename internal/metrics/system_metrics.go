package metrics

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetricsTracker samples host CPU, memory and data_dir disk usage
type SystemMetricsTracker struct {
	startTime time.Time
	dataDir   string
}

// NewSystemMetrics creates a new SystemMetricsTracker instance
func NewSystemMetrics(dataDir string) *SystemMetricsTracker {
	return &SystemMetricsTracker{
		startTime: time.Now(),
		dataDir:   dataDir,
	}
}

// GetUptime returns the process uptime in seconds
func (sm *SystemMetricsTracker) GetUptime() int64 {
	return int64(time.Since(sm.startTime).Seconds())
}

// GetCPUUsage returns CPU usage since the previous call. The first call
// measures since boot.
func (sm *SystemMetricsTracker) GetCPUUsage() (float64, error) {
	percentages, err := cpu.Percent(0, false)
	if err != nil || len(percentages) == 0 {
		return 0.0, err
	}
	return percentages[0], nil
}

// UsageStats is a used/total pair for memory or disk
type UsageStats struct {
	UsedPercent float64 `json:"used_percent"`
	UsedBytes   uint64  `json:"used_bytes"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
}

// GetMemoryUsage returns current memory usage statistics
func (sm *SystemMetricsTracker) GetMemoryUsage() (*UsageStats, error) {
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}

	return &UsageStats{
		UsedPercent: memInfo.UsedPercent,
		UsedBytes:   memInfo.Used,
		TotalBytes:  memInfo.Total,
		FreeBytes:   memInfo.Free,
	}, nil
}

// GetDiskUsage returns usage of the filesystem holding the data directory
func (sm *SystemMetricsTracker) GetDiskUsage() (*UsageStats, error) {
	diskInfo, err := disk.Usage(sm.dataDir)
	if err != nil {
		return nil, err
	}

	return &UsageStats{
		UsedPercent: diskInfo.UsedPercent,
		UsedBytes:   diskInfo.Used,
		TotalBytes:  diskInfo.Total,
		FreeBytes:   diskInfo.Free,
	}, nil
}
