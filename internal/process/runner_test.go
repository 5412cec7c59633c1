package process

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	logs   []string
	errors []string
}

func (s *recordingSink) Log(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, line)
}

func (s *recordingSink) Error(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, line)
}

func (s *recordingSink) snapshot() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logs...), append([]string(nil), s.errors...)
}

func waitDone(t *testing.T, h *Handle, timeout time.Duration) Result {
	t.Helper()
	select {
	case <-h.Done():
		return h.Result()
	case <-time.After(timeout):
		t.Fatalf("process %q did not finish within %s", h.Command, timeout)
		return Result{}
	}
}

func TestRunnerStreamsOutput(t *testing.T) {
	sink := &recordingSink{}
	r := NewRunner(sink)

	h, err := r.Start("echo building && echo oops 1>&2 && echo done", ExecEnv{Shell: true})
	require.NoError(t, err)

	res := waitDone(t, h, 5*time.Second)
	assert.Equal(t, 0, res.ExitCode)
	assert.NoError(t, res.Err)
	assert.False(t, res.Cancelled)

	logs, errs := sink.snapshot()
	require.Len(t, logs, 2)
	assert.True(t, strings.HasSuffix(logs[0], "] Hook command log : building"), logs[0])
	assert.True(t, strings.HasPrefix(logs[0], "["), logs[0])
	assert.True(t, strings.HasSuffix(logs[1], " : done"), logs[1])
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "Hook command error : oops")
}

func TestRunnerUsesWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{}
	h, err := NewRunner(sink).Start("pwd", ExecEnv{Dir: dir})
	require.NoError(t, err)

	res := waitDone(t, h, 5*time.Second)
	require.Equal(t, 0, res.ExitCode)
	logs, _ := sink.snapshot()
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0], dir)
}

func TestRunnerPassesEnvironment(t *testing.T) {
	sink := &recordingSink{}
	h, err := NewRunner(sink).Start("echo $DEPLOY_APP", ExecEnv{Shell: true, Env: []string{"DEPLOY_APP=demo-app"}})
	require.NoError(t, err)

	waitDone(t, h, 5*time.Second)
	logs, _ := sink.snapshot()
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0], ": demo-app")
}

func TestRunnerLongLineWithoutNewline(t *testing.T) {
	sink := &recordingSink{}
	h, err := NewRunner(sink).Start("head -c 2500000 /dev/zero | tr '\\0' 'a'; exit 0", ExecEnv{Shell: true})
	require.NoError(t, err)

	res := waitDone(t, h, 10*time.Second)
	assert.Equal(t, 0, res.ExitCode)
	assert.NoError(t, res.Err)

	logs, _ := sink.snapshot()
	require.GreaterOrEqual(t, len(logs), 3)
	total := 0
	for _, l := range logs {
		_, payload, ok := strings.Cut(l, "] Hook command log : ")
		require.True(t, ok)
		assert.LessOrEqual(t, len(payload), maxLineBytes+64*1024)
		total += len(payload)
	}
	assert.Equal(t, 2500000, total)
}

func TestRunnerNonZeroExit(t *testing.T) {
	h, err := NewRunner(&recordingSink{}).Start("exit 3", ExecEnv{Shell: true})
	require.NoError(t, err)

	res := waitDone(t, h, 5*time.Second)
	assert.Equal(t, 3, res.ExitCode)
	assert.NoError(t, res.Err)
}

func TestRunnerSpawnFailure(t *testing.T) {
	r := NewRunner(&recordingSink{})

	_, err := r.Start("/nonexistent/deployhook-binary", ExecEnv{})
	assert.True(t, errors.Is(err, ErrSpawn), "got %v", err)

	_, err = r.Start("   ", ExecEnv{Shell: true})
	assert.True(t, errors.Is(err, ErrSpawn), "got %v", err)

	_, err = r.Start("true", ExecEnv{Dir: "/nonexistent/deployhook-dir"})
	assert.True(t, errors.Is(err, ErrSpawn), "got %v", err)
}

func TestHandleCancelTerminatesProcessGroup(t *testing.T) {
	sink := &recordingSink{}
	h, err := NewRunner(sink).Start("sleep 30 & sleep 30; wait", ExecEnv{Shell: true})
	require.NoError(t, err)

	require.NoError(t, h.Cancel())
	assert.True(t, h.CancelRequested())

	res := waitDone(t, h, 5*time.Second)
	assert.True(t, res.Cancelled)
	assert.NotEqual(t, 0, res.ExitCode)

	// A second cancel is a no-op.
	assert.NoError(t, h.Cancel())
}

func TestHandleCancelEscalatesToKill(t *testing.T) {
	r := NewRunner(&recordingSink{})
	r.grace = 100 * time.Millisecond

	h, err := r.Start("trap '' TERM; echo ready; sleep 30", ExecEnv{Shell: true})
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, h.Cancel())
	res := waitDone(t, h, 5*time.Second)
	assert.True(t, res.Cancelled)
	assert.Equal(t, -1, res.ExitCode)
}

func TestHandleCancelAfterExit(t *testing.T) {
	h, err := NewRunner(&recordingSink{}).Start("true", ExecEnv{})
	require.NoError(t, err)
	waitDone(t, h, 5*time.Second)

	assert.NoError(t, h.Cancel())
	assert.False(t, h.CancelRequested())
	assert.False(t, h.Result().Cancelled)
}

func TestHandleCancelWhileDrainingKeepsCleanExit(t *testing.T) {
	// The shell exits 0 at once; the background sleep keeps stdout open.
	h, err := NewRunner(&recordingSink{}).Start("sleep 30 & exit 0", ExecEnv{Shell: true})
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, h.Cancel())
	res := waitDone(t, h, 5*time.Second)
	assert.True(t, h.CancelRequested())
	assert.False(t, res.Cancelled)
	assert.Equal(t, 0, res.ExitCode)
}

func TestAfterExitRunsBeforeDone(t *testing.T) {
	h, err := NewRunner(&recordingSink{}).Start("sleep 0.2", ExecEnv{Shell: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ran := make(chan bool, 1)
	h.afterExit(func() {
		select {
		case <-h.Done():
			ran <- false
		default:
			ran <- true
		}
	})

	select {
	case beforeDone := <-ran:
		assert.True(t, beforeDone)
	case <-ctx.Done():
		t.Fatal("afterExit hook never ran")
	}

	// Registering after exit runs the hook immediately.
	<-h.Done()
	called := false
	h.afterExit(func() { called = true })
	assert.True(t, called)
}

func TestHandleWaitDeadline(t *testing.T) {
	h, err := NewRunner(&recordingSink{}).Start("sleep 30", ExecEnv{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, res.Cancelled)
}

func TestHandleWaitCompletes(t *testing.T) {
	h, err := NewRunner(&recordingSink{}).Start("exit 0", ExecEnv{Shell: true})
	require.NoError(t, err)

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}
