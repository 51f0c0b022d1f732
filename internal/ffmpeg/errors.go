package ffmpeg

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTimeout is returned when a command exceeds its run-time ceiling or its
// progress watchdog observes no output within the kill window.
var ErrTimeout = errors.New("command timed out")

// maxStderrTail bounds how much captured stderr an ExitError carries.
const maxStderrTail = 4096

// ExitError reports a subprocess that exited nonzero. Stderr holds the tail
// of the captured stream for diagnostics.
type ExitError struct {
	Binary string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Binary, e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

// lastLine returns the final non-empty line of s.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return s
}

// tail clips s to at most maxStderrTail bytes, keeping the end.
func tail(s string) string {
	if len(s) <= maxStderrTail {
		return s
	}
	return s[len(s)-maxStderrTail:]
}
