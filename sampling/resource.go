package sampling

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/process"
)

// CPUTimes are cumulative CPU times of the process.
type CPUTimes struct {
	User   time.Duration
	System time.Duration
}

// ResourceUsage is a raw reading of the process resource counters.
type ResourceUsage struct {
	Memory   MemoryUsage
	CPUTimes CPUTimes
}

// A ResourceSampler reads the resource counters of the process.
type ResourceSampler interface {
	Sample() (ResourceUsage, error)
}

// ProcessResourceSampler reads the Go runtime memory statistics and the
// operating system view of the current process.
type ProcessResourceSampler struct {
	proc *process.Process
}

// NewProcessResourceSampler creates a ResourceSampler for the current
// process.
func NewProcessResourceSampler() (*ProcessResourceSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("opening current process: %w", err)
	}

	return &ProcessResourceSampler{proc: proc}, nil
}

// Sample reads the counters.
func (s *ProcessResourceSampler) Sample() (ResourceUsage, error) {
	var ms runtime.MemStats

	runtime.ReadMemStats(&ms)

	usage := ResourceUsage{
		Memory: MemoryUsage{
			HeapUsed:  ms.HeapAlloc,
			HeapTotal: ms.HeapSys,
			External:  ms.Sys - ms.HeapSys,
		},
	}

	memInfo, err := s.proc.MemoryInfo()
	if err != nil {
		return usage, fmt.Errorf("reading process memory: %w", err)
	}

	usage.Memory.RSS = memInfo.RSS

	times, err := s.proc.Times()
	if err != nil {
		return usage, fmt.Errorf("reading process cpu times: %w", err)
	}

	usage.CPUTimes = CPUTimes{
		User:   secondsToDuration(times.User),
		System: secondsToDuration(times.System),
	}

	return usage, nil
}

// CPUPercent returns the CPU usage of the process as reported by the
// operating system.
func (s *ProcessResourceSampler) CPUPercent() (float64, error) {
	return s.proc.CPUPercent()
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// MeasureSchedulerLag measures how long a freshly spawned goroutine waits
// before it runs. A large value means the scheduler is starved.
func MeasureSchedulerLag() time.Duration {
	start := time.Now()
	ran := make(chan time.Time, 1)

	go func() {
		ran <- time.Now()
	}()

	lag := (<-ran).Sub(start)
	if lag < 0 {
		return 0
	}

	return lag
}

func cpuUsageBetween(
	prev, cur CPUTimes,
	wall time.Duration,
) CPUUsage {
	u := CPUUsage{
		User:   cur.User - prev.User,
		System: cur.System - prev.System,
	}

	if u.User < 0 {
		u.User = 0
	}

	if u.System < 0 {
		u.System = 0
	}

	if wall > 0 {
		u.Percent = float64(u.User+u.System) / float64(wall) * 100
	}

	return u
}
