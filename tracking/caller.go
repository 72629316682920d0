package tracking

import (
	"runtime"
	"strings"
)

const maxCapturedFrames = 32

// CaptureCaller records the stack of the calling goroutine. Frames belonging
// to this module's instrumentation packages and to the Go runtime are
// skipped so the location points at user code.
func CaptureCaller(skip int) (Location, []StackFrame) {
	pcs := make([]uintptr, maxCapturedFrames)
	n := runtime.Callers(skip+2, pcs)

	if n == 0 {
		return Location{}, nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]StackFrame, 0, n)

	for {
		frame, more := frames.Next()

		if !isInternalFrame(frame.Function) {
			stack = append(stack, StackFrame{
				Function: frame.Function,
				FileName: frame.File,
				Line:     frame.Line,
			})
		}

		if !more {
			break
		}
	}

	if len(stack) == 0 {
		return Location{}, nil
	}

	loc := Location{
		FunctionName: stack[0].Function,
		FileName:     stack[0].FileName,
		LineNumber:   stack[0].Line,
	}

	return loc, stack
}

var internalPrefixes = []string{
	"runtime.",
	"github.com/sarchlab/hangwatch/tracking.",
	"github.com/sarchlab/hangwatch/monitoring.",
}

func isInternalFrame(function string) bool {
	for _, p := range internalPrefixes {
		if strings.HasPrefix(function, p) {
			return true
		}
	}

	return false
}
