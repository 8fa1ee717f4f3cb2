// Package execx implements the Subprocess Runner (C2): the only place in
// the service allowed to start an external process, always as an argv
// vector, never through a shell.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/hedgehog/gitops-sync/internal/errs"
)

// maxCapturedBytes bounds the buffers used to capture stdout/stderr so a
// runaway child process cannot exhaust memory.
const maxCapturedBytes = 4 << 20 // 4 MiB

// killGrace is how long the runner waits between sending a termination
// signal and escalating to a forceful kill.
const killGrace = 3 * time.Second

// CommandRunner is the interface the rest of the service depends on,
// satisfied by *Runner. Callers that need to fake subprocess execution in
// tests (the Git Workspace, the Release Driver) depend on this instead of
// the concrete type.
type CommandRunner interface {
	Run(ctx context.Context, binary string, args []string, opts Options) (*Result, error)
}

// Options configures a single Run call.
type Options struct {
	Dir     string
	Timeout time.Duration
	Capture bool
}

// Result is the outcome of a successful Run call.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes external binaries on behalf of the service. It is safe
// for concurrent use.
type Runner struct {
	limiter *rate.Limiter
}

// New returns a Runner that throttles subprocess starts to at most rps per
// second, with burst allowed immediately. A limiter of nil rate (rps <= 0)
// disables throttling.
func New(rps float64, burst int) *Runner {
	if rps <= 0 {
		return &Runner{}
	}
	return &Runner{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Run spawns binary with args as an argv vector — never concatenated into
// a shell string — and waits for it to complete, fail, or time out.
//
// No element of args may originate from configuration without having
// already passed validate.Value; Run itself performs no validation, it
// only refuses to interpret anything as shell syntax.
func (r *Runner) Run(ctx context.Context, binary string, args []string, opts Options) (*Result, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, &errs.Cancelled{Op: fmt.Sprintf("exec %s", binary)}
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.Command(binary, args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}

	var stdout, stderr bytes.Buffer
	if opts.Capture {
		cmd.Stdout = &boundedWriter{buf: &stdout, limit: maxCapturedBytes}
		cmd.Stderr = &boundedWriter{buf: &stderr, limit: maxCapturedBytes}
	}

	if err := cmd.Start(); err != nil {
		return nil, &errs.ExecError{Binary: binary, Reason: errs.ExecReasonSpawn, Cause: err}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return r.finish(binary, err, cmd, &stdout, &stderr)
	case <-runCtx.Done():
		r.terminate(cmd)
		<-done // reap the process so it cannot become a zombie
		return nil, &errs.ExecError{
			Binary:        binary,
			Reason:        errs.ExecReasonTimeout,
			PartialStdout: stdout.String(),
			PartialStderr: stderr.String(),
			Cause:         runCtx.Err(),
		}
	}
}

// terminate sends SIGTERM, then escalates to SIGKILL after killGrace if
// the process has not exited.
func (r *Runner) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	timer := time.NewTimer(killGrace)
	defer timer.Stop()
	<-timer.C
	_ = cmd.Process.Kill()
}

func (r *Runner) finish(binary string, waitErr error, cmd *exec.Cmd, stdout, stderr *bytes.Buffer) (*Result, error) {
	if waitErr == nil {
		return &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0}, nil
	}

	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return nil, &errs.ExecError{Binary: binary, Reason: errs.ExecReasonSpawn, Cause: waitErr}
	}

	return nil, &errs.ExecError{
		Binary:        binary,
		Reason:        errs.ExecReasonExit,
		Code:          exitErr.ExitCode(),
		PartialStdout: stdout.String(),
		PartialStderr: stderr.String(),
		Cause:         waitErr,
	}
}

// boundedWriter caps how much of a child's output gets buffered, silently
// dropping bytes past the limit rather than failing the call.
type boundedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}
