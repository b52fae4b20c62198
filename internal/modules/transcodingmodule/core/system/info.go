// Package system reports host resources for the health endpoint and for
// sizing the encoder.
package system

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemInfo is a point-in-time view of the host.
type SystemInfo struct {
	Hostname      string    `json:"hostname"`
	Platform      string    `json:"platform"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
	CPUCores      int       `json:"cpu_cores"`
	CPUPercent    float64   `json:"cpu_percent"`
	TotalMemoryMB int64     `json:"total_memory_mb"`
	FreeMemoryMB  int64     `json:"free_memory_mb"`
	LoadAverage   []float64 `json:"load_average"`
}

// GetSystemInfo collects host information. Memory is required; the other
// readings fall back to zero values when the platform does not expose them.
func GetSystemInfo(ctx context.Context) (*SystemInfo, error) {
	info := &SystemInfo{
		CPUCores:    runtime.NumCPU(),
		Platform:    runtime.GOOS,
		LoadAverage: []float64{0, 0, 0},
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory stats: %w", err)
	}
	info.TotalMemoryMB = int64(vm.Total / 1024 / 1024)
	info.FreeMemoryMB = int64(vm.Available / 1024 / 1024)

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil && cores > 0 {
		info.CPUCores = cores
	}

	// interval 0 compares against the previous call, so it never blocks
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		info.CPUPercent = percents[0]
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		info.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}

	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = h.Hostname
		info.UptimeSeconds = h.Uptime
		if h.Platform != "" {
			info.Platform = h.Platform
		}
	}

	return info, nil
}

// IsOverloaded reports whether the 1-minute load exceeds 80% of the cores or
// less than 10% of memory is free.
func (si *SystemInfo) IsOverloaded() bool {
	if len(si.LoadAverage) > 0 && si.CPUCores > 0 && si.LoadAverage[0] > float64(si.CPUCores)*0.8 {
		return true
	}
	if si.TotalMemoryMB > 0 {
		return float64(si.FreeMemoryMB)/float64(si.TotalMemoryMB) < 0.1
	}
	return false
}

// EncoderThreads picks an encoder thread count: one core is left for the
// service itself, and half of the rest are used when the host is busy.
func (si *SystemInfo) EncoderThreads() int {
	threads := si.CPUCores - 1
	if si.IsOverloaded() {
		threads /= 2
	}
	if threads < 1 {
		threads = 1
	}
	return threads
}
