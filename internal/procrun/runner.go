package procrun

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var (
	ErrNotStarted = errors.New("process not started")
	ErrInProgress = errors.New("process in progress")
)

// pipeCloseDelay bounds how long Wait blocks on I/O pipes kept open by
// descendants of an already-exited child.
const pipeCloseDelay = 3 * time.Second

type LineFunc func(ctx context.Context, line string)

// Runner supervises a single child process at a time. It streams the child's
// stderr line by line, exposes a per-start completion channel, and escalates
// termination signals on Stop. A Runner may be reused once the previous
// process has finished.
type Runner struct {
	mx         sync.RWMutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	done       chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration

	// Stdout receives the child's standard output as it is produced. When
	// nil, stdout is buffered into the Result instead.
	Stdout io.Writer
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// ExitCode reports the child's exit code, or -1 when the process never ran
// or was killed by a signal.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Start runs the command. It ensures only a single child is active and does
// not wait for completion; use Done for that. An internal goroutine monitors
// the child and its stderr.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc LineFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	if proto.Timeout > 0 {
		ctx, r.cancelFunc = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, r.result.Path, r.result.Args...)
	cmd.Env = append([]string(nil), proto.Env...)
	cmd.Dir = proto.Dir
	// Own process group, so signals reach the whole tree and descendants
	// cannot outlive a Stop while holding our pipes.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = pipeCloseDelay
	// A SIGTERM first, so the child gets a chance to flush; Stop escalates.
	cmd.Cancel = func() error {
		return signalGroup(cmd, syscall.SIGTERM)
	}
	r.cmd = cmd

	var stderr io.ReadCloser
	if stderrFunc != nil {
		var err error
		stderr, err = cmd.StderrPipe()
		if err != nil {
			r.cmd = nil
			return err
		}
	}
	if proto.Stdout != nil {
		cmd.Stdout = proto.Stdout
	} else {
		var buf bytes.Buffer
		r.result.Stdout = &buf
		cmd.Stdout = &buf
	}

	r.result.Started = time.Now().UTC()
	if err := r.cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		r.cmd = nil
		return err
	}

	r.done = make(chan Result, 1)
	stderrDone := make(chan struct{})
	if stderr != nil {
		go func() {
			defer close(stderrDone)
			r.processStderr(ctx, stderr, stderrFunc)
		}()
	} else {
		close(stderrDone)
	}
	go r.wait(r.cmd, r.done, stderrDone)
	return nil
}

// signalGroup delivers sig to the child's process group, falling back to the
// child alone when the group is already gone.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return ErrNotStarted
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err == nil {
		return nil
	}
	return cmd.Process.Signal(sig)
}

func (r *Runner) processStderr(ctx context.Context, stderr io.Reader, stderrFunc LineFunc) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
}

func (r *Runner) wait(cmd *exec.Cmd, done chan Result, stderrDone <-chan struct{}) {
	// Wait closes the stderr pipe; drain it fully first.
	<-stderrDone
	err := cmd.Wait()
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	done <- r.result
	close(done)
}

// Done returns the completion channel of the current or most recent Start.
// The channel receives exactly one Result and is then closed. Before any
// Start it returns a closed channel carrying ErrNotStarted.
func (r *Runner) Done() <-chan Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.done == nil {
		ch := make(chan Result, 1)
		ch <- Result{Err: ErrNotStarted}
		close(ch)
		return ch
	}
	return r.done
}

// Result returns the last command result, or a result wrapping ErrNotStarted
// when nothing ran yet.
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}

// Running reports whether a child process is currently active.
func (r *Runner) Running() bool {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.cmd != nil
}

// Stop terminates the running child: SIGTERM, a bounded wait, then SIGKILL
// and a shorter wait. It returns once the child exited or both waits ran
// out; it never blocks indefinitely on an uncooperative process.
func (r *Runner) Stop(termWait, killWait time.Duration) error {
	r.mx.RLock()
	cmd := r.cmd
	done := r.done
	r.mx.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return ErrNotStarted
	}

	if err := signalGroup(cmd, syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	select {
	case <-done:
		return nil
	case <-time.After(termWait):
	}

	if err := signalGroup(cmd, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	select {
	case <-done:
	case <-time.After(killWait):
	}
	return nil
}
