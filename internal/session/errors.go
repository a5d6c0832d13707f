// File: internal/session/errors.go
package session

import (
	"errors"
	"fmt"
	"time"
)

// Error codes carried by runtime errors, for callers that switch on a string.
const (
	CodeRendererCrashed = "RENDERER_CRASHED"
	CodeTargetNotFound  = "TARGET_NOT_FOUND"
	CodeProcessExited   = "BROWSER_PROCESS_EXITED"
)

var (
	// ErrRendererCrashed matches any *RendererCrashedError.
	ErrRendererCrashed = errors.New("renderer crashed")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("browser session closed")
	// ErrNoTarget is returned when an operation needs a primary target and none is attached.
	ErrNoTarget = errors.New("no target attached")
)

// RendererCrashedError is delivered through the error callback when the primary target crashes.
// Recovery means relaunching.
type RendererCrashedError struct {
	Browser  string
	TargetID string
	Status   string
	Code     int
}

func (e *RendererCrashedError) Error() string {
	msg := fmt.Sprintf("the %s renderer process for the page under test just crashed", e.Browser)
	if e.Status != "" {
		msg += fmt.Sprintf(" (status %s, code %d)", e.Status, e.Code)
	}
	return msg + ". This can happen when the page runs out of memory; relaunch the browser to continue"
}

func (e *RendererCrashedError) Is(target error) bool { return target == ErrRendererCrashed }

// ErrorCode returns CodeRendererCrashed.
func (e *RendererCrashedError) ErrorCode() string { return CodeRendererCrashed }

// TargetNotFoundError means no target matched within the attach timeout.
type TargetNotFoundError struct {
	URL     string
	Timeout time.Duration
}

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("no target with url %q appeared within %s", e.URL, e.Timeout)
}

func (e *TargetNotFoundError) ErrorCode() string { return CodeTargetNotFound }

// ProcessExitedError reports a browser process that exited while a session still used it.
type ProcessExitedError struct {
	Browser string
	Err     error
}

func (e *ProcessExitedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("the %s process exited unexpectedly", e.Browser)
	}
	return fmt.Sprintf("the %s process exited unexpectedly: %v", e.Browser, e.Err)
}

func (e *ProcessExitedError) Unwrap() error { return e.Err }

func (e *ProcessExitedError) ErrorCode() string { return CodeProcessExited }

// InvalidTransitionError is returned by Lifecycle for a move the state machine does not allow.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition from %s to %s", e.From, e.To)
}
