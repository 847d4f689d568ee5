package api

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Stats describes the running botkeeper process.
type Stats struct {
	PID            int32     `json:"pid"`
	StartedAt      time.Time `json:"started_at"`
	RSSBytes       uint64    `json:"rss_bytes"`
	VMSBytes       uint64    `json:"vms_bytes"`
	MemoryPercent  float32   `json:"memory_percent"`
	CPUPercent     float64   `json:"cpu_percent"`
	Threads        int32     `json:"threads"`
	Goroutines     int       `json:"goroutines"`
	SystemTotal    uint64    `json:"system_memory_total"`
	SystemUsedPerc float64   `json:"system_memory_used_percent"`
}

func collectStats(ctx context.Context) (Stats, error) {
	pid := int32(os.Getpid())
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Stats{}, fmt.Errorf("inspect process %d: %w", pid, err)
	}

	st := Stats{PID: pid}
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("memory info: %w", err)
	}
	st.RSSBytes = mi.RSS
	st.VMSBytes = mi.VMS

	// The remaining figures are best effort; some platforms do not report them.
	if created, err := p.CreateTimeWithContext(ctx); err == nil {
		st.StartedAt = time.UnixMilli(created)
	}
	if pct, err := p.MemoryPercentWithContext(ctx); err == nil {
		st.MemoryPercent = pct
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = pct
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		st.Threads = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		st.SystemTotal = vm.Total
		st.SystemUsedPerc = vm.UsedPercent
	}
	return st, nil
}
