package metrics

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// Resources is a point-in-time CPU and memory sample of the backend process.
type Resources struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
	MemoryVMS  uint64  `json:"memory_vms"`
	NumThreads int32   `json:"num_threads"`
}

// SampleProcess reads CPU and memory usage of pid and publishes the gauges.
func SampleProcess(pid int) (Resources, error) {
	if pid <= 0 {
		return Resources{}, fmt.Errorf("invalid pid %d", pid)
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Resources{}, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	res := Resources{PID: int32(pid)}
	if cpu, err := p.CPUPercent(); err == nil {
		res.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		res.MemoryRSS = mem.RSS
		res.MemoryVMS = mem.VMS
	}
	if n, err := p.NumThreads(); err == nil {
		res.NumThreads = n
	}
	SetBackendResources(res.CPUPercent, res.MemoryRSS)
	return res, nil
}
