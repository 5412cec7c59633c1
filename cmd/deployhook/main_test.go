package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/deployhook/internal/config"
	"github.com/mattjoyce/deployhook/internal/history"
	"github.com/mattjoyce/deployhook/internal/storage"
)

func runCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, _, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "deployhook "+version)
}

// gitWorkingCopy returns a directory that looks like a checkout.
func gitWorkingCopy(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	return dir
}

func TestConfigCheck(t *testing.T) {
	cwd := gitWorkingCopy(t)
	path := writeConfig(t, `
pm2:
  bin: sh
apps:
  web:
    secret: s3cret
    branch: main
    cwd: `+cwd+`
  ci:
    service: jenkins
    secret: 10.0.0.
`)
	out, _, err := runCmd(t, "config", "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration valid (1 warning(s))")
	assert.Contains(t, out, cwd)
	assert.Contains(t, out, "(pm2)")
	assert.Contains(t, out, `jenkins accepts any source ip containing "10.0.0."`)
}

func TestConfigCheckHostProblems(t *testing.T) {
	path := writeConfig(t, `
pm2:
  bin: /nonexistent/pm2
apps:
  web:
    secret: s3cret
`)
	out, _, err := runCmd(t, "config", "check", "--config", path, "--json")
	require.Error(t, err)
	assert.Contains(t, out, `"valid": false`)
	assert.Contains(t, out, "pm2.bin")
}

func TestConfigCheckInvalid(t *testing.T) {
	path := writeConfig(t, `
service:
  log_level: chatty
apps: {}
`)
	_, _, err := runCmd(t, "config", "check", "--config", path)
	assert.Error(t, err)
}

func TestConfigCheckLoadsDotEnv(t *testing.T) {
	t.Cleanup(func() { _ = os.Unsetenv("DEPLOYHOOK_TEST_DOTENV_SECRET") })

	path := writeConfig(t, `
pm2:
  bin: sh
apps:
  web:
    secret: ${DEPLOYHOOK_TEST_DOTENV_SECRET}
`)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte("DEPLOYHOOK_TEST_DOTENV_SECRET=from-dotenv\n"), 0o600))

	_, _, err := runCmd(t, "config", "check", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", os.Getenv("DEPLOYHOOK_TEST_DOTENV_SECRET"))
}

func TestEnvFileMissing(t *testing.T) {
	path := writeConfig(t, "apps: {}\n")
	_, _, err := runCmd(t, "config", "check", "--config", path, "--env-file", filepath.Join(t.TempDir(), "nope.env"))
	assert.Error(t, err)
}

func TestConfigLockThenTamper(t *testing.T) {
	path := writeConfig(t, `
pm2:
  bin: sh
apps:
  web:
    secret: s3cret
`)
	out, _, err := runCmd(t, "config", "lock", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Locked")
	assert.FileExists(t, config.ChecksumFile(path))

	_, _, err = runCmd(t, "config", "check", "--config", path)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("    branch: main\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, _, err = runCmd(t, "config", "check", "--config", path)
	assert.Error(t, err)
}

func TestHistoryCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state", "deployhook.db")
	path := writeConfig(t, `
state:
  path: `+dbPath+`
apps:
  web:
    secret: s3cret
`)

	out, _, err := runCmd(t, "history", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded.")

	db, err := storage.OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	store := history.New(db)
	start := time.Now().Add(-time.Minute)
	require.NoError(t, store.Begin(context.Background(), history.Run{ID: "r1", App: "web", Trigger: "webhook", StartedAt: start}))
	require.NoError(t, store.Complete(context.Background(), "r1", history.Completion{
		Status:      history.StatusFailed,
		FailedPhase: "pullApplication",
		Commit:      "0123456789abcdef",
		FinishedAt:  start.Add(1500 * time.Millisecond),
	}))
	require.NoError(t, db.Close())

	out, _, err = runCmd(t, "history", "--config", path, "--app", "web")
	require.NoError(t, err)
	assert.Contains(t, out, "pullApplication")
	assert.Contains(t, out, "0123456789")
	assert.NotContains(t, out, "0123456789abcdef")
	assert.Contains(t, out, "1.5s")
}

func TestPIDLockPath(t *testing.T) {
	cfg := &config.Config{State: config.StateConfig{Path: "/var/lib/deployhook/deployhook.db"}}
	assert.Equal(t, "/var/lib/deployhook/deployhook.lock", pidLockPath(cfg))

	cfg = &config.Config{SourcePath: "/etc/deployhook/config.yaml"}
	assert.Equal(t, "/etc/deployhook/deployhook.lock", pidLockPath(cfg))
}

func TestComponent(t *testing.T) {
	assert.NoError(t, component("webhook", nil))
	assert.NoError(t, component("webhook", context.Canceled))
	assert.NoError(t, component("webhook", errors.Join(errors.New("shutdown"), context.Canceled)))

	err := component("api", errors.New("address already in use"))
	require.Error(t, err)
	assert.Equal(t, "api: address already in use", err.Error())
}

type countingPruner struct {
	calls atomic.Int32
}

func (p *countingPruner) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	p.calls.Add(1)
	return 2, nil
}

func TestPruneLoopPrunesAtStartup(t *testing.T) {
	p := &countingPruner{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pruneLoop(ctx, p, 24*time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()

	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pruneLoop did not stop")
	}
}
