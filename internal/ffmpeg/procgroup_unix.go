//go:build unix

package ffmpeg

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup starts the command as a process group leader so signals
// reach forked filter helpers too.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// terminateGroup escalates SIGTERM then SIGKILL against the whole process
// group. The -pid form targets the PGID set at spawn time; a plain signal to
// the leader is the fallback when the group kill is refused. exited is closed
// by the waiter goroutine, whose Wait result stays with the caller.
func terminateGroup(cmd *exec.Cmd, grace time.Duration, exited <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-exited:
		return
	case <-time.After(grace):
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if err == syscall.ESRCH {
			return
		}
		_ = cmd.Process.Kill()
	}
}

// KillGroup signals an arbitrary pid's process group, used by the orphan
// reaper and job cancellation for processes tracked outside a Run call.
func KillGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}
