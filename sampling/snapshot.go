package sampling

import (
	"time"

	"github.com/sarchlab/hangwatch/tracking"
)

// MemoryUsage is the memory footprint of the process at sample time.
type MemoryUsage struct {
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
	External  uint64 `json:"external"`
	RSS       uint64 `json:"rss"`
}

// CPUUsage is the CPU time spent by the process since the previous sample.
type CPUUsage struct {
	User    time.Duration `json:"user"`
	System  time.Duration `json:"system"`
	Percent float64       `json:"percent"`
}

// Summary holds the aggregates of one snapshot. It is always computed from
// the call lists of the same snapshot.
type Summary struct {
	TotalActive     int           `json:"totalActive"`
	TotalCompleted  int           `json:"totalCompleted"`
	TotalHanging    int           `json:"totalHanging"`
	AverageDuration time.Duration `json:"averageDuration"`
	MaxDuration     time.Duration `json:"maxDuration"`
}

// AlertKind is the policy that raised an alert.
type AlertKind string

// The kinds of alerts a sampler can raise.
const (
	AlertHanging      AlertKind = "hanging"
	AlertMemory       AlertKind = "memory"
	AlertCPU          AlertKind = "cpu"
	AlertEventLoopLag AlertKind = "eventLoopLag"
)

// An Alert is a threshold crossing observed while taking a snapshot.
type Alert struct {
	Kind    AlertKind `json:"kind"`
	Message string    `json:"message"`
	EntryID string    `json:"entryId,omitempty"`
}

// A Snapshot is an immutable, point-in-time view of the registry plus the
// resource counters of the process.
type Snapshot struct {
	Timestamp      time.Time        `json:"timestamp"`
	ActiveCalls    []tracking.Entry `json:"activeCalls"`
	CompletedCalls []tracking.Entry `json:"completedCalls"`
	HangingCalls   []tracking.Entry `json:"hangingCalls"`
	MemoryUsage    MemoryUsage      `json:"memoryUsage"`
	CPUUsage       CPUUsage         `json:"cpuUsage"`
	EventLoopLag   time.Duration    `json:"eventLoopLag"`
	Summary        Summary          `json:"summary"`
	Alerts         []Alert          `json:"alerts,omitempty"`

	// SampleError is set when the resource counters could not be read. The
	// call lists are still valid.
	SampleError string `json:"sampleError,omitempty"`
}

// Summarize computes the aggregates of a snapshot from its call lists.
// Duration statistics cover the completed calls.
func Summarize(active, completed, hanging []tracking.Entry) Summary {
	s := Summary{
		TotalActive:    len(active),
		TotalCompleted: len(completed),
		TotalHanging:   len(hanging),
	}

	var total time.Duration

	n := 0
	for _, e := range completed {
		if e.Duration == nil {
			continue
		}

		total += *e.Duration
		n++

		if *e.Duration > s.MaxDuration {
			s.MaxDuration = *e.Duration
		}
	}

	if n > 0 {
		s.AverageDuration = total / time.Duration(n)
	}

	return s
}
