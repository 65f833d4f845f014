package capture

import (
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo is an admin view of a registered capture process.
type ProcessInfo struct {
	Handle
	Ready      bool    `json:"ready"`
	Running    bool    `json:"running"`
	Uptime     string  `json:"uptime"`
	RSSBytes   uint64  `json:"rssBytes,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`
}

// Snapshot lists every registered process with OS-level resource usage.
// Resource fields are left zero when the process cannot be inspected.
func (s *Supervisor) Snapshot() []ProcessInfo {
	s.mu.Lock()
	infos := make([]ProcessInfo, 0, len(s.procs))
	for _, e := range s.procs {
		infos = append(infos, ProcessInfo{Handle: e.handle, Ready: e.ready.Load()})
	}
	s.mu.Unlock()

	now := time.Now()
	for i := range infos {
		info := &infos[i]
		info.Uptime = now.Sub(info.StartedAt).Round(time.Second).String()
		inspect(info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].SessionID < infos[j].SessionID })
	return infos
}

func inspect(info *ProcessInfo) {
	if info.Pid <= 0 {
		return
	}
	p, err := process.NewProcess(int32(info.Pid))
	if err != nil {
		return
	}
	if running, err := p.IsRunning(); err == nil {
		info.Running = running
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		info.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		info.CPUPercent = cpu
	}
}
