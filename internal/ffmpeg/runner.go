package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sidecarr/sidecarr/internal/metrics"
)

// DefaultTimeout is the per-invocation run-time ceiling when none is
// configured. A configured ceiling of zero disables enforcement.
const DefaultTimeout = 600 * time.Second

// cancelPoll is how often a running command re-checks cancellation, timeout
// and progress stall.
const cancelPoll = 100 * time.Millisecond

// DefaultGrace is how long a terminated process group gets between SIGTERM
// and SIGKILL.
const DefaultGrace = 3 * time.Second

// Result carries the captured output of a completed command.
type Result struct {
	Stdout string
	Stderr string
}

// RunSpec describes one subprocess invocation. Args[0] is the binary.
type RunSpec struct {
	Args []string

	// Timeout overrides the runner ceiling when positive. Negative
	// disables enforcement for this invocation; zero inherits.
	Timeout time.Duration

	// OnProgress, when set, switches stdout to "-progress pipe:1"
	// consumption: output seconds are forwarded here and a stall watchdog
	// kills the process when no token arrives within StallKill.
	OnProgress func(seconds float64)

	// StallWarn and StallKill tune the progress watchdog. Zero values take
	// the defaults. Ignored without OnProgress.
	StallWarn time.Duration
	StallKill time.Duration
}

// Tracker observes subprocess lifetimes so job cancellation can signal
// processes it did not start itself.
type Tracker interface {
	// Track registers a live pid under the job in ctx, if any. The
	// returned function unregisters it and must be called exactly once.
	Track(ctx context.Context, pid int) (untrack func())
}

// Runner executes encoder and prober commands under the shared gate with
// cooperative cancellation and process-group termination.
type Runner struct {
	gate    *Gate
	timeout time.Duration
	grace   time.Duration
	tracker Tracker
	log     *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout sets the default per-command ceiling. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithGrace sets the SIGTERM to SIGKILL escalation window.
func WithGrace(d time.Duration) Option {
	return func(r *Runner) { r.grace = d }
}

// WithTracker wires subprocess registration for job cancellation.
func WithTracker(t Tracker) Option {
	return func(r *Runner) { r.tracker = t }
}

// WithLogger sets the runner's logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// NewRunner builds a runner whose gate starts at the given capacity.
func NewRunner(gateCapacity int, opts ...Option) *Runner {
	r := &Runner{
		gate:    NewGate(gateCapacity),
		timeout: DefaultTimeout,
		grace:   DefaultGrace,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Gate exposes the shared encoder gate for capacity inspection and resize.
func (r *Runner) Gate() *Gate { return r.gate }

// isEncoder reports whether the binary is gated. Only ffmpeg proper contends
// for permits; ffprobe and other tools bypass the gate.
func isEncoder(binary string) bool {
	base := strings.TrimSuffix(filepath.Base(binary), ".exe")
	return base == "ffmpeg" || strings.HasPrefix(base, "ffmpeg-")
}

// Run executes spec to completion. It returns ErrTimeout on ceiling or stall
// expiry, ctx.Err() on cancellation, and *ExitError for nonzero exits. The
// process group is torn down on every abnormal path.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (*Result, error) {
	if len(spec.Args) == 0 {
		return nil, errors.New("empty command")
	}
	binary := spec.Args[0]

	if isEncoder(binary) {
		release, err := r.gate.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	timeout := r.timeout
	switch {
	case spec.Timeout > 0:
		timeout = spec.Timeout
	case spec.Timeout < 0:
		timeout = 0
	}

	cmd := exec.Command(binary, spec.Args[1:]...)
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stderr = &stderr

	var progress *progressReader
	if spec.OnProgress != nil {
		progress = newProgressReader(spec.OnProgress)
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		go progress.consume(pipe)
	} else {
		cmd.Stdout = &stdout
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		metrics.FFmpegRuns.WithLabelValues(filepath.Base(binary), "start_error").Inc()
		return nil, fmt.Errorf("starting %s: %w", filepath.Base(binary), err)
	}
	metrics.FFmpegInFlight.Inc()
	defer metrics.FFmpegInFlight.Dec()

	untrack := func() {}
	if r.tracker != nil {
		untrack = r.tracker.Track(ctx, cmd.Process.Pid)
	}
	defer untrack()

	done := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		done <- cmd.Wait()
		close(exited)
	}()

	stallWarn := spec.StallWarn
	if stallWarn <= 0 {
		stallWarn = DefaultStallWarn
	}
	stallKill := spec.StallKill
	if stallKill <= 0 {
		stallKill = DefaultStallKill
	}
	warned := false

	ticker := time.NewTicker(cancelPoll)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return r.finish(binary, &stdout, &stderr, started, err)

		case <-ticker.C:
			if ctx.Err() != nil {
				r.log.Debug("canceling subprocess",
					slog.String("binary", filepath.Base(binary)),
					slog.Int("pid", cmd.Process.Pid))
				terminateGroup(cmd, r.grace, exited)
				<-done
				metrics.FFmpegRuns.WithLabelValues(filepath.Base(binary), "canceled").Inc()
				return nil, ctx.Err()
			}
			if timeout > 0 && time.Since(started) > timeout {
				r.log.Warn("subprocess exceeded time limit",
					slog.String("binary", filepath.Base(binary)),
					slog.Duration("limit", timeout))
				terminateGroup(cmd, r.grace, exited)
				<-done
				metrics.FFmpegRuns.WithLabelValues(filepath.Base(binary), "timeout").Inc()
				return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, lastLine(stderr.String()))
			}
			if progress != nil {
				idle := progress.idle()
				if idle > stallKill {
					r.log.Warn("subprocess progress stalled, killing",
						slog.String("binary", filepath.Base(binary)),
						slog.Duration("idle", idle))
					terminateGroup(cmd, r.grace, exited)
					<-done
					metrics.FFmpegRuns.WithLabelValues(filepath.Base(binary), "stalled").Inc()
					return nil, fmt.Errorf("%w: no progress for %s", ErrTimeout, idle.Round(time.Second))
				}
				if !warned && idle > stallWarn {
					warned = true
					r.log.Warn("subprocess progress stalling",
						slog.String("binary", filepath.Base(binary)),
						slog.Duration("idle", idle))
				}
			}
		}
	}
}

// finish converts a Wait result into the runner's error contract.
func (r *Runner) finish(binary string, stdout, stderr *bytes.Buffer, started time.Time, err error) (*Result, error) {
	base := filepath.Base(binary)
	if err == nil {
		metrics.FFmpegRuns.WithLabelValues(base, "ok").Inc()
		r.log.Debug("subprocess finished",
			slog.String("binary", base),
			slog.Duration("elapsed", time.Since(started).Round(time.Millisecond)))
		return &Result{Stdout: stdout.String(), Stderr: stderr.String()}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		metrics.FFmpegRuns.WithLabelValues(base, "exit_error").Inc()
		return nil, &ExitError{
			Binary: base,
			Code:   exitErr.ExitCode(),
			Stderr: tail(stderr.String()),
		}
	}
	metrics.FFmpegRuns.WithLabelValues(base, "error").Inc()
	return nil, fmt.Errorf("running %s: %w", base, err)
}

// ThreadFlags returns ["-threads", n] for an explicit thread count, or
// nothing for "auto" and empty.
func ThreadFlags(threads string) []string {
	threads = strings.TrimSpace(threads)
	if threads == "" || strings.EqualFold(threads, "auto") {
		return nil
	}
	return []string{"-threads", threads}
}

// HwaccelFlags returns ["-hwaccel", value] when a decoder acceleration is
// configured.
func HwaccelFlags(hwaccel string) []string {
	hwaccel = strings.TrimSpace(hwaccel)
	if hwaccel == "" || strings.EqualFold(hwaccel, "none") {
		return nil
	}
	return []string{"-hwaccel", hwaccel}
}
