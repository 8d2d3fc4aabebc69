// Package runner executes the external binaries nbforge legitimately shells
// out to (docker-compose, jupytext). Output is either inherited by the
// terminal or piped through a logscan scanner so announcements buried in
// tool output can be captured.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/nbforge/nbforge/internal/core/logscan"
)

// pipeCloseDelay bounds how long Wait blocks on output pipes once the
// process is gone or the context is cancelled; forked grandchildren can
// otherwise hold them open indefinitely.
const pipeCloseDelay = 5 * time.Second

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrBinaryNotFound is returned when the binary is not in PATH.
	ErrBinaryNotFound = errors.New("binary not found in PATH")

	// ErrCommandFailed is returned when the command exits non-zero.
	ErrCommandFailed = errors.New("command failed")
)

// RunError wraps subprocess errors with the command that failed.
type RunError struct {
	Op      string
	Command string
	Message string
	Err     error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Command, e.Message)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// NewRunError creates a new RunError.
func NewRunError(op, command, message string, err error) *RunError {
	return &RunError{Op: op, Command: command, Message: message, Err: err}
}

// =============================================================================
// Runner
// =============================================================================

// Options configures a single invocation.
type Options struct {
	Dir     string            // working directory, "" for inherited
	Env     map[string]string // extra environment, merged over the parent's
	Inherit bool              // attach the terminal instead of scanning output
	Scanner *logscan.Scanner  // receives combined stdout+stderr when not inheriting
}

// Runner executes subprocesses.
type Runner struct {
	logger *slog.Logger
}

// New creates a Runner.
func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

// Run executes a command and waits for it.
func (r *Runner) Run(ctx context.Context, opts Options, name string, args ...string) error {
	proc, err := r.Start(ctx, opts, name, args...)
	if err != nil {
		return err
	}
	return proc.Wait()
}

// Start launches a command in the background. The caller must Wait or Stop
// the returned process.
func (r *Runner) Start(ctx context.Context, opts Options, name string, args ...string) (*Process, error) {
	command := name + " " + strings.Join(args, " ")
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, NewRunError("Start", name,
			fmt.Sprintf("%q is not installed or not in PATH", name), ErrBinaryNotFound)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = opts.Dir
	cmd.Env = mergeEnv(os.Environ(), opts.Env)

	// Run the command in its own process group so cancellation reaches
	// anything it forked, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = pipeCloseDelay

	proc := &Process{cmd: cmd, command: command, done: make(chan struct{})}

	if opts.Inherit {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		pr, pw := io.Pipe()
		cmd.Stdout = pw
		cmd.Stderr = pw
		proc.pipeWriter = pw
		scanner := opts.Scanner
		if scanner == nil {
			scanner = logscan.New(nil, logscan.WithLogger(r.logger))
		}
		proc.scanDone = make(chan struct{})
		go func() {
			defer close(proc.scanDone)
			_ = scanner.Scan(pr)
		}()
	}

	r.logger.Debug("running command", "command", command, "dir", opts.Dir)
	if err := cmd.Start(); err != nil {
		if proc.pipeWriter != nil {
			proc.pipeWriter.Close()
		}
		return nil, NewRunError("Start", command, err.Error(), err)
	}

	go func() {
		proc.err = cmd.Wait()
		if proc.pipeWriter != nil {
			proc.pipeWriter.Close()
			<-proc.scanDone
		}
		close(proc.done)
	}()

	return proc, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	merged := make([]string, len(base), len(base)+len(extra))
	copy(merged, base)
	for k, v := range extra {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// =============================================================================
// Process
// =============================================================================

// Process is a started subprocess.
type Process struct {
	cmd        *exec.Cmd
	command    string
	pipeWriter *io.PipeWriter
	scanDone   chan struct{}
	done       chan struct{}
	err        error
}

// Wait blocks until the process exits and returns its status.
func (p *Process) Wait() error {
	<-p.done
	if p.err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		return NewRunError("Wait", p.command,
			fmt.Sprintf("exited with code %d", exitErr.ExitCode()), ErrCommandFailed)
	}
	return NewRunError("Wait", p.command, p.err.Error(), p.err)
}

// Running reports whether the process has not exited yet.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Stop asks the process group to terminate, escalating to a kill if the
// graceful signal cannot be delivered, and waits for the process to exit.
func (p *Process) Stop() error {
	if p.cmd.Process != nil && p.Running() {
		if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM); err != nil {
			_ = p.cmd.Process.Kill()
		}
	}
	<-p.done
	return nil
}
