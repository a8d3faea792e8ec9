package runtime

import (
	"errors"
	"fmt"
	"time"
)

// ErrToolFailed wraps ordinary tool execution failures.
var ErrToolFailed = errors.New("tool failed")

// ErrCancelled is returned when the caller's context is cancelled
// mid-execution.
var ErrCancelled = errors.New("cancelled")

// TimeoutError reports a tool exceeding its enforced deadline.
type TimeoutError struct {
	Tool    string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %q timed out after %s", e.Tool, e.Elapsed)
}

// CrashError reports a panic recovered inside a tool.
type CrashError struct {
	Tool  string
	Panic any
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("tool %q crashed: %v", e.Tool, e.Panic)
}

// InputParseError reports tool call arguments that never became valid
// JSON once the stream completed.
type InputParseError struct {
	CallID string
	Err    error
}

func (e *InputParseError) Error() string {
	return fmt.Sprintf("unparseable input for call %s: %v", e.CallID, e.Err)
}

func (e *InputParseError) Unwrap() error { return e.Err }
