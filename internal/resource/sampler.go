package resource

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Snapshot is one resource sample.
type Snapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	MemoryUsed  uint64    `json:"memoryUsed"`
	MemoryTotal uint64    `json:"memoryTotal"`
	MemoryRatio float64   `json:"memoryRatio"`
	CPULoad     float64   `json:"cpuLoad"`
}

type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// HostSampler reads host memory and load average. With a memory limit set,
// the ratio is this process's resident set against that limit instead.
type HostSampler struct {
	memoryLimit uint64
	pid         int32
}

func NewHostSampler(memoryLimit uint64) *HostSampler {
	return &HostSampler{
		memoryLimit: memoryLimit,
		pid:         int32(os.Getpid()),
	}
}

func (s *HostSampler) Sample(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Timestamp: time.Now()}

	if s.memoryLimit > 0 {
		proc, err := process.NewProcessWithContext(ctx, s.pid)
		if err != nil {
			return snap, err
		}
		info, err := proc.MemoryInfoWithContext(ctx)
		if err != nil {
			return snap, err
		}
		snap.MemoryUsed = info.RSS
		snap.MemoryTotal = s.memoryLimit
	} else {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return snap, err
		}
		snap.MemoryUsed = vm.Used
		snap.MemoryTotal = vm.Total
	}
	if snap.MemoryTotal > 0 {
		snap.MemoryRatio = float64(snap.MemoryUsed) / float64(snap.MemoryTotal)
	}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return snap, err
	}
	snap.CPULoad = avg.Load1 / float64(runtime.NumCPU())

	return snap, nil
}
