package ws

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Health reports process vitals for /healthz.
type Health struct {
	started time.Time
	proc    *process.Process
}

type HealthReport struct {
	Status     string  `json:"status"`
	Uptime     string  `json:"uptime"`
	Sessions   int     `json:"sessions"`
	WSClients  int     `json:"wsClients"`
	Goroutines int     `json:"goroutines"`
	RSSBytes   uint64  `json:"rssBytes,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`
}

func NewHealth() *Health {
	h := &Health{started: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		h.proc = p
	}
	return h
}

func (h *Health) Report(ctx context.Context, sessions, clients int) HealthReport {
	r := HealthReport{
		Status:     "ok",
		Uptime:     time.Since(h.started).Round(time.Second).String(),
		Sessions:   sessions,
		WSClients:  clients,
		Goroutines: runtime.NumGoroutine(),
	}
	if h.proc == nil {
		return r
	}
	if mem, err := h.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		r.RSSBytes = mem.RSS
	}
	if cpu, err := h.proc.CPUPercentWithContext(ctx); err == nil {
		r.CPUPercent = cpu
	}
	return r
}
