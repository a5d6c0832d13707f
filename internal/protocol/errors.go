// File: internal/protocol/errors.go
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDisconnected fails requests that were in flight when the connection dropped.
	ErrDisconnected = errors.New("protocol connection lost")
	// ErrClosed is returned by every call on a closed client.
	ErrClosed = errors.New("protocol client closed")
)

// minimumProducts names the first browser release implementing a protocol version, for
// actionable messages.
var minimumProducts = map[string]string{
	"1.2": "Chrome 58",
	"1.3": "Chrome 64",
}

// ConnectionFailedError wraps any failure to reach a browser's debugging endpoint. The caller
// may retry by relaunching.
type ConnectionFailedError struct {
	Browser  string
	Endpoint string
	Err      error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("failed to connect to %s at %s. This usually means the browser exited or refused the remote debugging connection: %v",
		e.Browser, e.Endpoint, e.Err)
}

func (e *ConnectionFailedError) Unwrap() error { return e.Err }

// VersionTooOldError is fatal: relaunching the same browser cannot fix it.
type VersionTooOldError struct {
	Browser        string
	Minimum        string
	Actual         string
	MinimumProduct string
}

func (e *VersionTooOldError) Error() string {
	msg := fmt.Sprintf("%s speaks remote debugging protocol %s, but at least %s is required", e.Browser, e.Actual, e.Minimum)
	if e.MinimumProduct != "" {
		msg += fmt.Sprintf(". Upgrade to %s or newer", e.MinimumProduct)
	}
	return msg
}

// RemoteError is an error response returned by the browser for one command.
type RemoteError struct {
	Method  string
	Code    int64
	Message string
	Data    string
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("%s failed: %s", e.Method, e.Message)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (%d)", e.Code)
	}
	if e.Data != "" {
		msg += ": " + e.Data
	}
	return msg
}

// IsRetryable reports whether relaunching the browser might get past err.
func IsRetryable(err error) bool {
	var tooOld *VersionTooOldError
	if errors.As(err, &tooOld) {
		return false
	}
	var failed *ConnectionFailedError
	return errors.As(err, &failed) || errors.Is(err, ErrDisconnected)
}

// CheckVersion compares dotted protocol versions and returns a *VersionTooOldError when actual
// is below minimum.
func CheckVersion(browser, minimum, actual string) error {
	if compareDotted(actual, minimum) >= 0 {
		return nil
	}
	return &VersionTooOldError{
		Browser:        browser,
		Minimum:        minimum,
		Actual:         actual,
		MinimumProduct: minimumProducts[minimum],
	}
}

// compareDotted compares versions segment by segment. Each segment counts only its leading
// digits, so "1.3-beta" equals "1.3" and a missing segment counts as 0.
func compareDotted(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		x, y := segmentAt(as, i), segmentAt(bs, i)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

func segmentAt(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	n := 0
	for _, r := range parts[i] {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}
