// Package process spawns hook commands and tracks the in-flight pre-hook of each app.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/deployhook/internal/log"
)

const (
	// DefaultShell interprets hook strings so operators like && and ; work.
	DefaultShell = "/bin/sh"

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	maxLineBytes = 1024 * 1024
)

// ErrSpawn reports that a command could not be launched at all.
var ErrSpawn = errors.New("spawn failed")

// Sink receives the output of spawned commands, one line per call.
type Sink interface {
	Log(line string)
	Error(line string)
}

// ExecEnv is the execution environment of a spawned command.
type ExecEnv struct {
	Dir string
	// Env defaults to the current process environment when nil.
	Env []string
	// Shell runs the command as a single shell expression instead of an argv vector.
	Shell bool
}

// Result describes how a spawned command ended.
type Result struct {
	ExitCode  int
	Cancelled bool
	// Err is set for stream or wait failures; a non-zero exit alone is not an error.
	Err error
}

// Runner spawns commands and streams their output to a Sink.
type Runner struct {
	sink  Sink
	shell string
	grace time.Duration
	now   func() time.Time
}

// NewRunner creates a Runner writing command output to sink.
func NewRunner(sink Sink) *Runner {
	return &Runner{
		sink:  sink,
		shell: DefaultShell,
		grace: terminationGracePeriod,
		now:   time.Now,
	}
}

// Start launches command and returns immediately with a handle on it.
func (r *Runner) Start(command string, env ExecEnv) (*Handle, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("%w: empty command", ErrSpawn)
	}

	var cmd *exec.Cmd
	if env.Shell {
		cmd = exec.Command(r.shell, "-c", command)
	} else {
		fields := strings.Fields(command)
		cmd = exec.Command(fields[0], fields[1:]...)
	}
	cmd.Dir = env.Dir
	cmd.Env = env.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	// Own process group, so cancelling reaches everything the shell started.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	h := &Handle{
		Command: command,
		cmd:     cmd,
		grace:   r.grace,
		done:    make(chan struct{}),
	}
	go h.run(func() error {
		var g errgroup.Group
		g.Go(func() error { return r.stream(stdout, "Hook command log", r.sink.Log) })
		g.Go(func() error { return r.stream(stderr, "Hook command error", r.sink.Error) })
		return g.Wait()
	})
	return h, nil
}

func (r *Runner) stream(rd io.Reader, label string, emit func(string)) error {
	br := bufio.NewReaderSize(rd, 64*1024)
	var line []byte
	flush := func() {
		emit(fmt.Sprintf("[%s] %s : %s", log.Timestamp(r.now()), label, line))
		line = line[:0]
	}
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 {
				flush()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			// Keep draining so the child never blocks on a full pipe.
			_, _ = io.Copy(io.Discard, br)
			return fmt.Errorf("read %s: %w", label, err)
		}
		line = append(line, chunk...)
		// Lines longer than maxLineBytes are emitted in pieces.
		if !isPrefix || len(line) >= maxLineBytes {
			flush()
		}
	}
}

// Handle is a running command.
type Handle struct {
	Command string

	cmd   *exec.Cmd
	grace time.Duration

	cancelOnce      sync.Once
	cancelRequested atomic.Bool

	mu     sync.Mutex
	exited bool
	hooks  []func()

	done   chan struct{}
	result Result
}

func (h *Handle) run(drain func() error) {
	// Streams must be drained before Wait closes the pipes.
	streamErr := drain()
	waitErr := h.cmd.Wait()

	var res Result
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Err = fmt.Errorf("wait: %w", waitErr)
	}
	// A clean exit wins over a Cancel that arrived while output was draining.
	res.Cancelled = waitErr != nil && h.cancelRequested.Load()
	if res.Err == nil && streamErr != nil {
		res.Err = streamErr
	}
	h.result = res

	h.mu.Lock()
	h.exited = true
	hooks := h.hooks
	h.hooks = nil
	h.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	close(h.done)
}

// afterExit runs fn once the process has exited and its streams are flushed,
// before Done is closed. If that already happened, fn runs immediately.
func (h *Handle) afterExit(fn func()) {
	h.mu.Lock()
	if !h.exited {
		h.hooks = append(h.hooks, fn)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	fn()
}

// Pid returns the process id of the spawned command.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Done is closed exactly once, after the process exited and all output was flushed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result is valid once Done is closed.
func (h *Handle) Result() Result {
	<-h.done
	return h.result
}

// Wait blocks until the process finished. If ctx ends first the process is
// cancelled, and Wait still returns only after it exited, with ctx's error.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
	}
	cancelErr := h.Cancel()
	<-h.done
	if cancelErr != nil {
		return h.result, errors.Join(ctx.Err(), cancelErr)
	}
	return h.result, ctx.Err()
}

// CancelRequested reports whether Cancel has signalled the process.
func (h *Handle) CancelRequested() bool {
	return h.cancelRequested.Load()
}

// Cancel sends SIGTERM to the process group and SIGKILL after the grace period.
// It does not wait for the process to exit.
func (h *Handle) Cancel() error {
	var err error
	h.cancelOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}

		h.cancelRequested.Store(true)
		pid := h.cmd.Process.Pid
		if err = signalGroup(pid, syscall.SIGTERM); err != nil {
			return
		}

		go func() {
			grace := time.NewTimer(h.grace)
			defer grace.Stop()
			select {
			case <-h.done:
			case <-grace.C:
				_ = signalGroup(pid, syscall.SIGKILL)
			}
		}()
	})
	return err
}

func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal %v to process group %d: %w", sig, pid, err)
	}
	return nil
}
