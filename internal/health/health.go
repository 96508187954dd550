package health

import (
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Snapshot holds resource usage for a live agent process. All fields
// are best effort; a probe that cannot read a value leaves it zero.
type Snapshot struct {
	PID           int     `json:"pid"`
	RSSBytes      uint64  `json:"rss_bytes,omitempty"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	UptimeSeconds float64 `json:"uptime_seconds,omitempty"`
	NumThreads    int32   `json:"num_threads,omitempty"`
}

// Probe reads resource usage for pid. It returns nil when the process
// cannot be inspected, which callers treat as "no data" rather than an
// error.
func Probe(pid int) *Snapshot {
	if pid <= 0 {
		return nil
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	snap := &Snapshot{PID: pid}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		snap.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		snap.CPUPercent = cpu
	}
	if created, err := p.CreateTime(); err == nil && created > 0 {
		snap.UptimeSeconds = time.Since(time.UnixMilli(created)).Seconds()
	}
	if th, err := p.NumThreads(); err == nil {
		snap.NumThreads = th
	}
	return snap
}
