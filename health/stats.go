// stats.go - per-process resource sampling via gopsutil
package health

import (
	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is an additive enrichment attached to a HealthSnapshot; it
// does not gate the status derivation in aggregator.go, only annotates it.
type ProcessStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// sampleProcessStats reads RSS and CPU% for pid, returning the zero value
// (and no error surfaced to the caller) if the process cannot be inspected -
// a dead or not-yet-started child is not a sampling failure worth logging.
func sampleProcessStats(pid int) (ProcessStats, bool) {
	if pid <= 0 {
		return ProcessStats{}, false
	}
	p, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return ProcessStats{}, false
	}
	var stats ProcessStats
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpuPct, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpuPct
	}
	return stats, true
}
