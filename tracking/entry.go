package tracking

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of an entry.
type Status string

// The states an entry can be in. Active is the only non-terminal state.
const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
	StatusError     Status = "error"
)

// IsTerminal tells if no transition can leave the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusTimeout, StatusError:
		return true
	default:
		return false
	}
}

// Location is where a unit of work was started from.
type Location struct {
	FunctionName string `json:"functionName,omitempty"`
	FileName     string `json:"fileName,omitempty"`
	LineNumber   int    `json:"lineNumber,omitempty"`
	ColumnNumber int    `json:"columnNumber,omitempty"`
}

// IsZero tells if no location information was captured.
func (l Location) IsZero() bool {
	return l == Location{}
}

// A StackFrame is one frame of a captured call stack.
type StackFrame struct {
	Function string `json:"function,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Line     int    `json:"lineNumber,omitempty"`
}

// An Entry is one tracked unit of work and its recorded lifecycle.
type Entry struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Location  Location       `json:"location"`
	Stack     []StackFrame   `json:"stack,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Duration  *time.Duration `json:"duration,omitempty"`
	Status    Status         `json:"status"`
	Metadata  *Metadata      `json:"metadata,omitempty"`
	Error     string         `json:"error,omitempty"`

	// WasFlaggedHanging records that a sampler has seen the entry active past
	// the timeout threshold at least once.
	WasFlaggedHanging bool `json:"wasFlaggedHanging,omitempty"`
}

// Elapsed returns the recorded duration of a terminal entry, or the time
// since the entry started if it is still active.
func (e Entry) Elapsed(now time.Time) time.Duration {
	if e.Duration != nil {
		return *e.Duration
	}

	elapsed := now.Sub(e.Timestamp)
	if elapsed < 0 {
		return 0
	}

	return elapsed
}

// IsHanging tells if an active entry has been running for longer than the
// threshold at the given time.
func (e Entry) IsHanging(now time.Time, threshold time.Duration) bool {
	return e.Status == StatusActive && now.Sub(e.Timestamp) > threshold
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	c := e

	if e.Duration != nil {
		d := *e.Duration
		c.Duration = &d
	}

	if e.Stack != nil {
		c.Stack = make([]StackFrame, len(e.Stack))
		copy(c.Stack, e.Stack)
	}

	c.Metadata = e.Metadata.Clone()

	return c
}

// Result is the outcome of a unit of work as seen at the finalize boundary.
type Result struct {
	Status Status
	Err    error
}

// Succeeded is the result of work that returned without error.
func Succeeded() Result {
	return Result{Status: StatusCompleted}
}

// Failed is the result of work that returned err. Errors caused by an expired
// context deadline are classified as timeouts.
func Failed(err error) Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{Status: StatusTimeout, Err: err}
	}

	return Result{Status: StatusError, Err: err}
}
