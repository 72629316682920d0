// Package reporting turns the data collected during a monitoring session into
// summaries, text reports and export files.
package reporting

import (
	"sort"
	"time"

	"github.com/sarchlab/hangwatch/sampling"
	"github.com/sarchlab/hangwatch/tracking"
)

// DefaultRecentLimit is the number of recent terminal calls kept in a
// CallStackSummary.
const DefaultRecentLimit = 50

// CallStackSummary is the queryable state of a session at one instant.
type CallStackSummary struct {
	Summary tracking.Stats   `json:"summary"`
	Active  []tracking.Entry `json:"active"`
	Hanging []tracking.Entry `json:"hanging"`
	Recent  []tracking.Entry `json:"recent"`
}

// EmptyCallStackSummary returns a summary with no calls.
func EmptyCallStackSummary() CallStackSummary {
	return CallStackSummary{
		Active:  []tracking.Entry{},
		Hanging: []tracking.Entry{},
		Recent:  []tracking.Entry{},
	}
}

// NewCallStackSummary builds a summary from a registry view. Recent holds at
// most recentLimit terminal calls, newest first.
func NewCallStackSummary(
	stats tracking.Stats,
	view tracking.View,
	recentLimit int,
) CallStackSummary {
	s := EmptyCallStackSummary()
	s.Summary = stats
	s.Active = append(s.Active, view.Active...)
	s.Hanging = append(s.Hanging, view.Hanging...)

	if recentLimit <= 0 {
		recentLimit = DefaultRecentLimit
	}

	for i := len(view.Completed) - 1; i >= 0 && len(s.Recent) < recentLimit; i-- {
		s.Recent = append(s.Recent, view.Completed[i])
	}

	return s
}

// Export is everything a session produced.
type Export struct {
	SessionID  string                          `json:"sessionId"`
	StartedAt  time.Time                       `json:"startedAt"`
	ExportedAt time.Time                       `json:"exportedAt"`
	Config     sampling.HangingDetectionConfig `json:"config"`
	Snapshots  []sampling.Snapshot             `json:"snapshots"`
	Final      CallStackSummary                `json:"final"`
}

// FlaggedCall is a call that was seen hanging at least once during the
// session.
type FlaggedCall struct {
	Entry tracking.Entry

	// Elapsed is the longest time the call was observed active, or its
	// duration once it ended.
	Elapsed time.Duration
}

// FlaggedCalls collects the calls that were hanging in any snapshot or in the
// final summary, longest first.
func FlaggedCalls(exp Export) []FlaggedCall {
	byID := make(map[string]*FlaggedCall)
	order := []string{}

	observe := func(e tracking.Entry, elapsed time.Duration) {
		c, found := byID[e.ID]
		if !found {
			byID[e.ID] = &FlaggedCall{Entry: e, Elapsed: elapsed}
			order = append(order, e.ID)

			return
		}

		if e.Status.IsTerminal() || elapsed > c.Elapsed {
			c.Entry = e
		}

		if elapsed > c.Elapsed {
			c.Elapsed = elapsed
		}
	}

	for _, s := range exp.Snapshots {
		for _, e := range s.HangingCalls {
			observe(e, e.Elapsed(s.Timestamp))
		}
	}

	for _, e := range exp.Final.Hanging {
		observe(e, e.Elapsed(exp.ExportedAt))
	}

	for _, e := range exp.Final.Recent {
		if e.WasFlaggedHanging {
			observe(e, e.Elapsed(exp.ExportedAt))
		}
	}

	for _, s := range exp.Snapshots {
		for _, e := range s.CompletedCalls {
			if c, found := byID[e.ID]; found && !c.Entry.Status.IsTerminal() {
				observe(e, e.Elapsed(s.Timestamp))
			}
		}
	}

	calls := make([]FlaggedCall, 0, len(order))
	for _, id := range order {
		calls = append(calls, *byID[id])
	}

	sort.SliceStable(calls, func(i, j int) bool {
		return calls[i].Elapsed > calls[j].Elapsed
	})

	return calls
}

// FailedCalls returns the terminal calls that ended with an error or a
// timeout, newest first, without duplicates.
func FailedCalls(exp Export) []tracking.Entry {
	seen := make(map[string]bool)
	failed := []tracking.Entry{}

	add := func(e tracking.Entry) {
		if seen[e.ID] {
			return
		}

		if e.Status != tracking.StatusError && e.Status != tracking.StatusTimeout {
			return
		}

		seen[e.ID] = true
		failed = append(failed, e)
	}

	for _, e := range exp.Final.Recent {
		add(e)
	}

	for i := len(exp.Snapshots) - 1; i >= 0; i-- {
		completed := exp.Snapshots[i].CompletedCalls
		for j := len(completed) - 1; j >= 0; j-- {
			add(completed[j])
		}
	}

	return failed
}

// ResourcePeaks are the largest resource readings of a session.
type ResourcePeaks struct {
	RSS          uint64
	HeapUsed     uint64
	CPUPercent   float64
	EventLoopLag time.Duration
	SampleErrors int
}

// Peaks scans the snapshots for the largest resource readings.
func Peaks(snapshots []sampling.Snapshot) ResourcePeaks {
	p := ResourcePeaks{}

	for _, s := range snapshots {
		if s.SampleError != "" {
			p.SampleErrors++
		}

		p.RSS = max(p.RSS, s.MemoryUsage.RSS)
		p.HeapUsed = max(p.HeapUsed, s.MemoryUsage.HeapUsed)
		p.CPUPercent = max(p.CPUPercent, s.CPUUsage.Percent)
		p.EventLoopLag = max(p.EventLoopLag, s.EventLoopLag)
	}

	return p
}

// AlertCounts counts the alerts of every kind raised during the session.
func AlertCounts(snapshots []sampling.Snapshot) map[sampling.AlertKind]int {
	counts := make(map[sampling.AlertKind]int)

	for _, s := range snapshots {
		for _, a := range s.Alerts {
			counts[a.Kind]++
		}
	}

	return counts
}
