// Package sysstats reports resource usage of this process and its host for the status surface.
package sysstats

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// userHz is the kernel clock tick rate. Reading it needs sysconf via cgo; 100 is what every
// supported board uses.
const userHz = 100

// Process is resource usage of one process.
type Process struct {
	UserCPUSecs   float64 `json:"user_cpu_secs"`
	SystemCPUSecs float64 `json:"system_cpu_secs"`
	UptimeSecs    float64 `json:"uptime_secs"`
	VssMB         float64 `json:"vss_mb"`
	RssMB         float64 `json:"rss_mb"`
	Threads       int     `json:"threads"`
}

// Host is machine-wide load.
type Host struct {
	CPUPercent float64 `json:"cpu_percent"`
	Load1      float64 `json:"load1"`
	MemUsedPct float64 `json:"mem_used_percent"`
	MemAvailMB float64 `json:"mem_available_mb"`
}

// Stats is what Statser.Stats returns. Sections that could not be read are nil.
type Stats struct {
	Process *Process `json:"process,omitempty"`
	Host    *Host    `json:"host,omitempty"`
}

// Statser reads usage for a process from procfs and for the host from gopsutil.
type Statser struct {
	proc     *procfs.Proc
	pageSize int
	bootTime float64
}

// NewSelf returns a Statser for the current process. When procfs is unavailable only host stats
// are reported.
func NewSelf() *Statser {
	s := &Statser{pageSize: os.Getpagesize()}
	if fs, err := procfs.NewDefaultFS(); err == nil {
		if st, err := fs.Stat(); err == nil {
			s.bootTime = float64(st.BootTime)
		}
		if p, err := fs.Self(); err == nil {
			s.proc = &p
		}
	}
	return s
}

// NewPid returns a Statser for pid under the procfs mounted at mountPoint.
func NewPid(mountPoint string, pid int) (*Statser, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, err
	}
	p, err := fs.Proc(pid)
	if err != nil {
		return nil, err
	}
	s := &Statser{proc: &p, pageSize: os.Getpagesize()}
	if st, err := fs.Stat(); err == nil {
		s.bootTime = float64(st.BootTime)
	}
	return s, nil
}

// ProcessStats reads the process' stat file.
func (s *Statser) ProcessStats() (Process, error) {
	if s.proc == nil {
		return Process{}, os.ErrNotExist
	}
	stat, err := s.proc.Stat()
	if err != nil {
		return Process{}, err
	}
	startSecs := s.bootTime + float64(stat.Starttime)/userHz
	return Process{
		UserCPUSecs:   float64(stat.UTime) / userHz,
		SystemCPUSecs: float64(stat.STime) / userHz,
		UptimeSecs:    float64(time.Now().UnixNano())/1e9 - startSecs,
		VssMB:         float64(stat.VSize) / 1e6,
		RssMB:         float64(stat.RSS*s.pageSize) / 1e6,
		Threads:       stat.NumThreads,
	}, nil
}

// HostStats samples host CPU, load and memory. CPU percent is since the previous call.
func (s *Statser) HostStats(ctx context.Context) (Host, error) {
	var h Host
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Host{}, err
	}
	if len(pct) > 0 {
		h.CPUPercent = pct[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		h.Load1 = avg.Load1
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return h, err
	}
	h.MemUsedPct = vm.UsedPercent
	h.MemAvailMB = float64(vm.Available) / 1e6
	return h, nil
}

// Stats collects whatever can be read.
func (s *Statser) Stats(ctx context.Context) Stats {
	var out Stats
	if p, err := s.ProcessStats(); err == nil {
		out.Process = &p
	}
	if h, err := s.HostStats(ctx); err == nil {
		out.Host = &h
	}
	return out
}
