package ticker

import (
	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryStats is host memory usage shown in the ticker status line.
type MemoryStats struct {
	UsedGB  float64
	TotalGB float64
	Percent float64
}

// ReadMemoryStats returns host memory usage.
func ReadMemoryStats() (MemoryStats, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return MemoryStats{}, err
	}
	if v.Total == 0 {
		return MemoryStats{}, nil
	}
	total := float64(v.Total) / 1024 / 1024 / 1024
	used := float64(v.Total-v.Available) / 1024 / 1024 / 1024
	return MemoryStats{
		UsedGB:  used,
		TotalGB: total,
		Percent: used / total * 100,
	}, nil
}
