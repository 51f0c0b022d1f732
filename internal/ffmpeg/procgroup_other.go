//go:build !unix

package ffmpeg

import (
	"os"
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup is a no-op where process groups are unavailable.
func setProcessGroup(cmd *exec.Cmd) {}

// terminateGroup falls back to killing only the direct child. exited is
// closed by the waiter goroutine, whose Wait result stays with the caller.
func terminateGroup(cmd *exec.Cmd, grace time.Duration, exited <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	select {
	case <-exited:
		return
	case <-time.After(grace):
	}
	_ = cmd.Process.Kill()
}

// KillGroup signals only the named process on this platform.
func KillGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return proc.Kill()
}
