package monitoring

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// HostStats is a point-in-time resource snapshot.
type HostStats struct {
	NumCPU          int
	TotalMemory     uint64
	AvailableMemory uint64
	MemoryPercent   float64
	ProcessRSS      uint64
}

// SampleHost reads host memory and this process's resident set size. Fields
// that cannot be read are left zero; the first error is returned alongside.
func SampleHost(ctx context.Context) (HostStats, error) {
	hs := HostStats{NumCPU: runtime.NumCPU()}
	var firstErr error
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hs.TotalMemory = vm.Total
		hs.AvailableMemory = vm.Available
		hs.MemoryPercent = vm.UsedPercent
	} else {
		firstErr = err
	}
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err == nil {
		var info *process.MemoryInfoStat
		if info, err = proc.MemoryInfoWithContext(ctx); err == nil {
			hs.ProcessRSS = info.RSS
		}
	}
	if err != nil && firstErr == nil {
		firstErr = err
	}
	return hs, firstErr
}

// Fields renders hs for structured logs.
func (hs HostStats) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("num_cpu", hs.NumCPU),
		zap.Uint64("mem_total_bytes", hs.TotalMemory),
		zap.Uint64("mem_available_bytes", hs.AvailableMemory),
		zap.Float64("mem_used_percent", hs.MemoryPercent),
		zap.Uint64("rss_bytes", hs.ProcessRSS),
	}
}
